package services

import (
	"context"
	"sync"
	"time"

	"github.com/councilbot/gocouncil/internal/domain"
	"github.com/councilbot/gocouncil/internal/events"
	"github.com/councilbot/gocouncil/internal/metrics"
	"github.com/councilbot/gocouncil/internal/ports"
	"github.com/councilbot/gocouncil/pkg/cache"
	"github.com/councilbot/gocouncil/pkg/config"
	"github.com/councilbot/gocouncil/pkg/logger"
	"github.com/councilbot/gocouncil/pkg/ratelimit"
)

// opinionCacheKey (symbol, context) 二元组缓存键
type opinionCacheKey struct {
	Symbol  string
	Context string
}

// OpinionCollector 并发收集 N 个 AI 代理对单个标的的意见
// 每个代理独立超时、独立失败：单个代理超时/出错折叠成一条
// Error 状态的意见，绝不拖垮整组收集。同一 (symbol, context)
// 的完整意见集按 TTL 缓存，窗口内重复请求直接命中。
type OpinionCollector struct {
	provider ports.OpinionProvider
	agents   []domain.AgentID
	timeout  time.Duration
	limiter  ratelimit.RateLimiter // AI 提供方限流，nil 时不限
	bus      *events.Bus           // 可选：每条意见到达即推事件

	opinionCache *cache.InMemoryCache[opinionCacheKey, map[domain.AgentID]domain.AgentOpinion]
	cacheTTL     time.Duration

	// 单飞：同一 (symbol, context) 的并发收集合并为一次
	mu       sync.Mutex
	inflight map[opinionCacheKey]*collectCall
}

type collectCall struct {
	done     chan struct{}
	opinions map[domain.AgentID]domain.AgentOpinion
}

// NewOpinionCollector 创建意见收集器
func NewOpinionCollector(provider ports.OpinionProvider, cfg config.AgentsConfig) *OpinionCollector {
	agents := make([]domain.AgentID, 0, len(cfg.IDs))
	for _, id := range cfg.IDs {
		agents = append(agents, domain.AgentID(id))
	}

	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	cacheTTL := time.Duration(cfg.RefreshSeconds) * time.Second
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}

	c := &OpinionCollector{
		provider:     provider,
		agents:       agents,
		timeout:      timeout,
		opinionCache: cache.NewInMemoryCache[opinionCacheKey, map[domain.AgentID]domain.AgentOpinion](cacheTTL),
		cacheTTL:     cacheTTL,
		inflight:     make(map[opinionCacheKey]*collectCall),
	}
	if cfg.RequestsPerSecond > 0 {
		c.limiter = ratelimit.NewTokenBucket(cfg.RequestBurst, cfg.RequestsPerSecond)
	}
	return c
}

// WithBus 挂接事件总线：每条意见到达时发布 OpinionReceivedEvent
func (c *OpinionCollector) WithBus(bus *events.Bus) *OpinionCollector {
	c.bus = bus
	return c
}

// Agents 配置的代理列表
func (c *OpinionCollector) Agents() []domain.AgentID {
	return c.agents
}

// Collect 收集全部代理对 symbol 的意见
// 缓存命中直接返回；否则并发扇出，每个代理一个 goroutine，
// 各自带超时。结果按 agentId 归并，到达顺序无关紧要。
func (c *OpinionCollector) Collect(ctx context.Context, symbol, analysisContext string) (map[domain.AgentID]domain.AgentOpinion, error) {
	key := opinionCacheKey{Symbol: symbol, Context: analysisContext}

	if cached, ok := c.opinionCache.Get(key); ok {
		metrics.OpinionCacheHits.Add(1)
		logger.Debugf("[collector] 缓存命中: %s", symbol)
		return cloneOpinions(cached), nil
	}

	// 合并并发的同键收集：后到者等第一个的结果
	c.mu.Lock()
	if call, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		select {
		case <-call.done:
			return cloneOpinions(call.opinions), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	call := &collectCall{done: make(chan struct{})}
	c.inflight[key] = call
	c.mu.Unlock()

	opinions := c.fanOut(ctx, symbol, analysisContext)

	call.opinions = opinions
	close(call.done)
	c.mu.Lock()
	delete(c.inflight, key)
	c.mu.Unlock()

	// 过期条目由新结果覆盖（后写胜出）
	c.opinionCache.Set(key, opinions, c.cacheTTL)
	return cloneOpinions(opinions), nil
}

// fanOut 并发请求全部代理，汇总为 agentId → opinion
func (c *OpinionCollector) fanOut(ctx context.Context, symbol, analysisContext string) map[domain.AgentID]domain.AgentOpinion {
	type agentResult struct {
		agent   domain.AgentID
		opinion domain.AgentOpinion
	}

	results := make(chan agentResult, len(c.agents))
	var wg sync.WaitGroup

	for _, agent := range c.agents {
		wg.Add(1)
		go func(agent domain.AgentID) {
			defer wg.Done()
			op := c.fetchOne(ctx, agent, symbol, analysisContext)
			if c.bus != nil {
				c.bus.Publish(events.OpinionReceivedEvent{Symbol: symbol, Opinion: op, Timestamp: time.Now()})
			}
			results <- agentResult{agent: agent, opinion: op}
		}(agent)
	}

	wg.Wait()
	close(results)

	opinions := make(map[domain.AgentID]domain.AgentOpinion, len(c.agents))
	for r := range results {
		opinions[r.agent] = r.opinion
	}
	return opinions
}

// fetchOne 请求单个代理；任何失败折叠成 Error 意见，不向上抛
func (c *OpinionCollector) fetchOne(ctx context.Context, agent domain.AgentID, symbol, analysisContext string) domain.AgentOpinion {
	metrics.OpinionRequests.Add(1)
	errOpinion := func(reason string) domain.AgentOpinion {
		metrics.OpinionErrors.Add(1)
		return domain.AgentOpinion{
			AgentID:   agent,
			Reasoning: reason,
			Timestamp: time.Now(),
			Status:    domain.OpinionStatusError,
		}
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return errOpinion("rate limit wait canceled: " + err.Error())
		}
	}

	// 每个代理独立超时，超时按 Error 处理，本轮内不自动重试
	agentCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	op, err := c.provider.FetchOpinion(agentCtx, agent, symbol, analysisContext)
	if err != nil {
		logger.Warnf("[collector] 代理 %s 意见获取失败 symbol=%s: %v", agent, symbol, err)
		return errOpinion(err.Error())
	}
	if op == nil {
		return errOpinion("provider returned empty opinion")
	}

	result := *op
	result.AgentID = agent
	if result.Timestamp.IsZero() {
		result.Timestamp = time.Now()
	}
	if result.Status == "" {
		result.Status = domain.OpinionStatusComplete
	}
	return result
}

// Invalidate 主动失效某个 (symbol, context) 的缓存
func (c *OpinionCollector) Invalidate(symbol, analysisContext string) {
	c.opinionCache.Delete(opinionCacheKey{Symbol: symbol, Context: analysisContext})
}

func cloneOpinions(in map[domain.AgentID]domain.AgentOpinion) map[domain.AgentID]domain.AgentOpinion {
	out := make(map[domain.AgentID]domain.AgentOpinion, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
