package risk

import (
	"testing"
	"time"
)

func TestCircuitBreakerOpensAtThreshold(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Hour)

	cb.RecordFailure()
	cb.RecordFailure()
	if !cb.Allow() {
		t.Fatal("阈值之下不应打开")
	}
	cb.RecordFailure()
	if cb.Allow() {
		t.Fatal("连续 3 次错误后应拒绝放行")
	}
	if !cb.Open() {
		t.Fatal("Open 应为 true")
	}
}

func TestCircuitBreakerSuccessResetsCount(t *testing.T) {
	cb := NewCircuitBreaker(2, time.Hour)

	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	if !cb.Allow() {
		t.Fatal("成功复位后单次错误不应触发熔断")
	}
	if got := cb.ConsecutiveFailures(); got != 1 {
		t.Fatalf("连续错误计数 = %d, 期望 1", got)
	}
}

func TestCircuitBreakerHalfOpenAfterCooldown(t *testing.T) {
	cb := NewCircuitBreaker(2, 10*time.Millisecond)

	cb.RecordFailure()
	cb.RecordFailure()
	if cb.Allow() {
		t.Fatal("熔断后应拒绝")
	}

	time.Sleep(20 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("冷却结束后应半开放行")
	}
	// 半开状态下一次失败立刻重新打开
	cb.RecordFailure()
	if cb.Allow() {
		t.Fatal("半开失败后应再次熔断")
	}
}

func TestCircuitBreakerDisabledNeverOpens(t *testing.T) {
	cb := NewCircuitBreaker(0, time.Hour)
	for i := 0; i < 10; i++ {
		cb.RecordFailure()
	}
	if !cb.Allow() {
		t.Fatal("maxConsecutive<=0 时永不熔断")
	}
}
