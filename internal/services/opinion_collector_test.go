package services

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/councilbot/gocouncil/internal/domain"
	"github.com/councilbot/gocouncil/internal/events"
	"github.com/councilbot/gocouncil/internal/metrics"
	"github.com/councilbot/gocouncil/pkg/config"
)

// stubProvider 可编排的意见提供方桩
type stubProvider struct {
	mu         sync.Mutex
	calls      int32
	confidence map[domain.AgentID]float64
	failAgents map[domain.AgentID]error
	delay      map[domain.AgentID]time.Duration
}

func (p *stubProvider) FetchOpinion(ctx context.Context, agent domain.AgentID, symbol, _ string) (*domain.AgentOpinion, error) {
	atomic.AddInt32(&p.calls, 1)

	p.mu.Lock()
	delay := p.delay[agent]
	failErr := p.failAgents[agent]
	conf := p.confidence[agent]
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if failErr != nil {
		return nil, failErr
	}
	return &domain.AgentOpinion{
		AgentID:    agent,
		Confidence: conf,
		Reasoning:  "stub opinion for " + symbol,
		Status:     domain.OpinionStatusComplete,
	}, nil
}

func collectorConfig(agents ...string) config.AgentsConfig {
	return config.AgentsConfig{
		IDs:            agents,
		TimeoutSeconds: 2,
		RefreshSeconds: 300,
	}
}

func TestCollect_FanOutMergesByAgent(t *testing.T) {
	provider := &stubProvider{confidence: map[domain.AgentID]float64{
		"fundamental": 0.80,
		"technical":   0.82,
		"sentiment":   0.81,
	}}
	c := NewOpinionCollector(provider, collectorConfig("fundamental", "technical", "sentiment"))

	opinions, err := c.Collect(context.Background(), "AMD", "earnings")
	if err != nil {
		t.Fatalf("收集失败: %v", err)
	}
	if len(opinions) != 3 {
		t.Fatalf("期望 3 条意见，得到 %d", len(opinions))
	}
	for _, agent := range []domain.AgentID{"fundamental", "technical", "sentiment"} {
		op, ok := opinions[agent]
		if !ok {
			t.Fatalf("缺少代理 %s 的意见", agent)
		}
		if op.Status != domain.OpinionStatusComplete {
			t.Errorf("代理 %s 状态应为 complete，得到 %s", agent, op.Status)
		}
	}
}

func TestCollect_FailureIsolatedPerAgent(t *testing.T) {
	provider := &stubProvider{
		confidence: map[domain.AgentID]float64{"fundamental": 0.75, "sentiment": 0.70},
		failAgents: map[domain.AgentID]error{"technical": fmt.Errorf("provider 503")},
	}
	c := NewOpinionCollector(provider, collectorConfig("fundamental", "technical", "sentiment"))

	opinions, err := c.Collect(context.Background(), "AMD", "")
	if err != nil {
		t.Fatalf("单代理失败不应让整组收集报错: %v", err)
	}
	if len(opinions) != 3 {
		t.Fatalf("失败代理也要有占位意见，期望 3 条，得到 %d", len(opinions))
	}
	if opinions["technical"].Status != domain.OpinionStatusError {
		t.Errorf("失败代理状态应为 error，得到 %s", opinions["technical"].Status)
	}
	if opinions["fundamental"].Status != domain.OpinionStatusComplete {
		t.Errorf("正常代理不应被失败代理影响")
	}
}

func TestCollect_PerAgentTimeout(t *testing.T) {
	provider := &stubProvider{
		confidence: map[domain.AgentID]float64{"fundamental": 0.75, "technical": 0.80},
		delay:      map[domain.AgentID]time.Duration{"technical": 5 * time.Second},
	}
	cfg := collectorConfig("fundamental", "technical")
	cfg.TimeoutSeconds = 1
	c := NewOpinionCollector(provider, cfg)

	start := time.Now()
	opinions, err := c.Collect(context.Background(), "NVDA", "")
	if err != nil {
		t.Fatalf("收集失败: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("超时代理不应拖垮整组收集，耗时 %s", elapsed)
	}
	if opinions["technical"].Status != domain.OpinionStatusError {
		t.Errorf("超时代理状态应为 error，得到 %s", opinions["technical"].Status)
	}
	if opinions["fundamental"].Status != domain.OpinionStatusComplete {
		t.Errorf("未超时代理应正常完成")
	}
}

func TestCollect_CacheHitSkipsProvider(t *testing.T) {
	provider := &stubProvider{confidence: map[domain.AgentID]float64{"fundamental": 0.75}}
	c := NewOpinionCollector(provider, collectorConfig("fundamental"))

	if _, err := c.Collect(context.Background(), "AMD", "earnings"); err != nil {
		t.Fatalf("首轮收集失败: %v", err)
	}
	first := atomic.LoadInt32(&provider.calls)

	// TTL 窗口内同 (symbol, context) 命中缓存，不再调提供方
	if _, err := c.Collect(context.Background(), "AMD", "earnings"); err != nil {
		t.Fatalf("二轮收集失败: %v", err)
	}
	if got := atomic.LoadInt32(&provider.calls); got != first {
		t.Errorf("缓存命中不应再调提供方: %d → %d", first, got)
	}

	// 不同 context 是不同缓存键
	if _, err := c.Collect(context.Background(), "AMD", "guidance"); err != nil {
		t.Fatalf("三轮收集失败: %v", err)
	}
	if got := atomic.LoadInt32(&provider.calls); got == first {
		t.Errorf("不同 context 应重新收集")
	}
}

func TestCollect_InvalidateForcesRefetch(t *testing.T) {
	provider := &stubProvider{confidence: map[domain.AgentID]float64{"fundamental": 0.75}}
	c := NewOpinionCollector(provider, collectorConfig("fundamental"))

	if _, err := c.Collect(context.Background(), "AMD", ""); err != nil {
		t.Fatalf("收集失败: %v", err)
	}
	before := atomic.LoadInt32(&provider.calls)

	c.Invalidate("AMD", "")
	if _, err := c.Collect(context.Background(), "AMD", ""); err != nil {
		t.Fatalf("收集失败: %v", err)
	}
	if got := atomic.LoadInt32(&provider.calls); got <= before {
		t.Errorf("失效后应重新收集")
	}
}

func TestCollect_ConcurrentSameKeySingleFlight(t *testing.T) {
	provider := &stubProvider{
		confidence: map[domain.AgentID]float64{"fundamental": 0.75},
		delay:      map[domain.AgentID]time.Duration{"fundamental": 100 * time.Millisecond},
	}
	c := NewOpinionCollector(provider, collectorConfig("fundamental"))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Collect(context.Background(), "AMD", ""); err != nil {
				t.Errorf("并发收集失败: %v", err)
			}
		}()
	}
	wg.Wait()

	// 8 个并发同键请求应合并为一次扇出（1 个代理 = 1 次调用）
	if got := atomic.LoadInt32(&provider.calls); got != 1 {
		t.Errorf("同键并发收集应合并为一次，实际调用 %d 次", got)
	}
}

func TestCollect_PublishesOpinionEventsAndCounts(t *testing.T) {
	provider := &stubProvider{
		confidence: map[domain.AgentID]float64{"fundamental": 0.80, "technical": 0.78},
		failAgents: map[domain.AgentID]error{"sentiment": fmt.Errorf("provider 503")},
	}

	bus := events.NewBus()
	var mu sync.Mutex
	var received []events.OpinionReceivedEvent
	bus.Subscribe(func(ev any) {
		if e, ok := ev.(events.OpinionReceivedEvent); ok {
			mu.Lock()
			received = append(received, e)
			mu.Unlock()
		}
	})

	c := NewOpinionCollector(provider, collectorConfig("fundamental", "technical", "sentiment")).WithBus(bus)

	reqBefore := metrics.OpinionRequests.Value()
	errBefore := metrics.OpinionErrors.Value()
	hitBefore := metrics.OpinionCacheHits.Value()

	if _, err := c.Collect(context.Background(), "AMD", "earnings"); err != nil {
		t.Fatalf("收集失败: %v", err)
	}

	mu.Lock()
	got := len(received)
	mu.Unlock()
	if got != 3 {
		t.Fatalf("每个代理各发一条意见事件，期望 3 条，得到 %d", got)
	}
	mu.Lock()
	for _, e := range received {
		if e.Symbol != "AMD" {
			t.Errorf("事件标的 = %s, 期望 AMD", e.Symbol)
		}
	}
	mu.Unlock()

	if d := metrics.OpinionRequests.Value() - reqBefore; d != 3 {
		t.Errorf("请求计数增量 = %d, 期望 3", d)
	}
	if d := metrics.OpinionErrors.Value() - errBefore; d != 1 {
		t.Errorf("失败计数增量 = %d, 期望 1", d)
	}

	// 缓存命中：计数 +1，不再发事件、不再计请求
	reqAfter := metrics.OpinionRequests.Value()
	if _, err := c.Collect(context.Background(), "AMD", "earnings"); err != nil {
		t.Fatalf("二轮收集失败: %v", err)
	}
	if d := metrics.OpinionCacheHits.Value() - hitBefore; d != 1 {
		t.Errorf("缓存命中计数增量 = %d, 期望 1", d)
	}
	if d := metrics.OpinionRequests.Value() - reqAfter; d != 0 {
		t.Errorf("缓存命中不应新增请求计数，增量 = %d", d)
	}
	mu.Lock()
	got = len(received)
	mu.Unlock()
	if got != 3 {
		t.Errorf("缓存命中不应重发意见事件，共 %d 条", got)
	}
}

func TestCollect_ResultIsCopy(t *testing.T) {
	provider := &stubProvider{confidence: map[domain.AgentID]float64{"fundamental": 0.75}}
	c := NewOpinionCollector(provider, collectorConfig("fundamental"))

	first, err := c.Collect(context.Background(), "AMD", "")
	if err != nil {
		t.Fatalf("收集失败: %v", err)
	}
	// 调用方改自己的副本不应污染缓存
	first["fundamental"] = domain.AgentOpinion{AgentID: "fundamental", Confidence: 0.01, Status: domain.OpinionStatusComplete}

	second, err := c.Collect(context.Background(), "AMD", "")
	if err != nil {
		t.Fatalf("收集失败: %v", err)
	}
	if second["fundamental"].Confidence != 0.75 {
		t.Errorf("缓存被调用方副本污染: %v", second["fundamental"].Confidence)
	}
}
