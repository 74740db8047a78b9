package risk

import (
	"sync/atomic"
	"time"

	"github.com/councilbot/gocouncil/pkg/logger"
)

// CircuitBreaker 连续错误熔断器
// 派发过程中连续出现传输级错误达到阈值后打开，冷却期内
// 拒绝继续对外下单（每项记 Failed，不中断批次遍历）。
// 成功或拒单（业务层结果）都会复位连续计数。
type CircuitBreaker struct {
	maxConsecutive int64
	cooldown       time.Duration

	consecutive atomic.Int64
	openedAt    atomic.Int64 // UnixNano，0 = 关闭
}

// NewCircuitBreaker 创建熔断器
// maxConsecutive <= 0 时熔断器永不打开。
func NewCircuitBreaker(maxConsecutive int, cooldown time.Duration) *CircuitBreaker {
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	return &CircuitBreaker{
		maxConsecutive: int64(maxConsecutive),
		cooldown:       cooldown,
	}
}

// Allow 当前是否允许对外下单
func (cb *CircuitBreaker) Allow() bool {
	opened := cb.openedAt.Load()
	if opened == 0 {
		return true
	}
	if time.Since(time.Unix(0, opened)) >= cb.cooldown {
		// 冷却期结束，半开：放行一次，失败会立刻再打开
		cb.openedAt.Store(0)
		cb.consecutive.Store(cb.maxConsecutive - 1)
		logger.Infof("[risk] 熔断器冷却结束，恢复放行")
		return true
	}
	return false
}

// RecordSuccess 记录一次成功，复位连续错误计数
func (cb *CircuitBreaker) RecordSuccess() {
	cb.consecutive.Store(0)
}

// RecordFailure 记录一次传输级错误；达到阈值时打开熔断器
func (cb *CircuitBreaker) RecordFailure() {
	if cb.maxConsecutive <= 0 {
		return
	}
	n := cb.consecutive.Add(1)
	if n >= cb.maxConsecutive && cb.openedAt.Load() == 0 {
		cb.openedAt.Store(time.Now().UnixNano())
		logger.Warnf("[risk] ❌ 连续 %d 次下单错误，熔断器打开（冷却 %s）", n, cb.cooldown)
	}
}

// ConsecutiveFailures 当前连续错误计数
func (cb *CircuitBreaker) ConsecutiveFailures() int {
	return int(cb.consecutive.Load())
}

// Open 熔断器当前是否处于打开状态
func (cb *CircuitBreaker) Open() bool {
	opened := cb.openedAt.Load()
	return opened != 0 && time.Since(time.Unix(0, opened)) < cb.cooldown
}
