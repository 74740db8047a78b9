package services

import (
	"context"
	"sync"
	"time"

	"github.com/councilbot/gocouncil/internal/broker"
	"github.com/councilbot/gocouncil/internal/consensus"
	"github.com/councilbot/gocouncil/internal/domain"
	"github.com/councilbot/gocouncil/internal/events"
	"github.com/councilbot/gocouncil/internal/metrics"
	"github.com/councilbot/gocouncil/internal/recommend"
	"github.com/councilbot/gocouncil/pkg/config"
	"github.com/councilbot/gocouncil/pkg/logger"
)

// RecommendationSink 建议集的接收方（审批账本实现它）
type RecommendationSink interface {
	Refresh(recs []*domain.TradeRecommendation)
}

// BrokerGateway 顾问需要的券商能力子集
type BrokerGateway interface {
	GetAccount(ctx context.Context) (*broker.Account, error)
	GetPositions(ctx context.Context) (map[string]broker.Position, error)
	GetCurrentPrice(ctx context.Context, symbol string) (float64, error)
}

// Analysis 单个标的的最近一次分析视图（意见 + 共识）
type Analysis struct {
	Symbol    string
	Opinions  map[domain.AgentID]domain.AgentOpinion
	Consensus domain.ConsensusResult
	UpdatedAt time.Time
}

// Advisor 咨询流水线编排器
// 一轮刷新：收集意见 → 聚合共识 → 派生信号 → 定量 → 刷新审批账本。
// 聚合与定量是同步纯计算，只有意见收集与券商查询触网。
type Advisor struct {
	collector  *OpinionCollector
	aggregator *consensus.Aggregator
	builder    *recommend.Builder
	sink       RecommendationSink
	gateway    BrokerGateway
	bus        *events.Bus
	cfg        *config.Config

	mu       sync.RWMutex
	analyses map[string]*Analysis

	now func() time.Time
}

// NewAdvisor 创建顾问编排器
func NewAdvisor(
	collector *OpinionCollector,
	aggregator *consensus.Aggregator,
	builder *recommend.Builder,
	sink RecommendationSink,
	gateway BrokerGateway,
	bus *events.Bus,
	cfg *config.Config,
) *Advisor {
	return &Advisor{
		collector:  collector,
		aggregator: aggregator,
		builder:    builder,
		sink:       sink,
		gateway:    gateway,
		bus:        bus,
		cfg:        cfg,
		analyses:   make(map[string]*Analysis),
		now:        time.Now,
	}
}

// Run 周期性刷新整个观察列表，直到 ctx 取消
func (a *Advisor) Run(ctx context.Context) error {
	interval := time.Duration(a.cfg.Agents.RefreshSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	logger.Infof("[advisor] 启动：%d 个标的，刷新间隔 %s", len(a.cfg.Watchlist), interval)

	// 启动先跑一轮，再进周期
	if err := a.RefreshAll(ctx, ""); err != nil {
		logger.Warnf("[advisor] 首轮刷新失败: %v", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := a.RefreshAll(ctx, ""); err != nil {
				logger.Warnf("[advisor] 刷新失败: %v", err)
			}
		}
	}
}

// RefreshAll 对观察列表全量跑一轮分析并刷新审批账本
func (a *Advisor) RefreshAll(ctx context.Context, analysisContext string) error {
	if len(a.cfg.Watchlist) == 0 {
		logger.Debugf("[advisor] 观察列表为空，本轮跳过")
		return nil
	}

	account, err := a.gateway.GetAccount(ctx)
	if err != nil {
		return err
	}
	positions, err := a.gateway.GetPositions(ctx)
	if err != nil {
		return err
	}

	recs := make([]*domain.TradeRecommendation, 0, len(a.cfg.Watchlist))
	for _, symbol := range a.cfg.Watchlist {
		rec, err := a.analyzeOne(ctx, symbol, analysisContext, account.PortfolioValue, positions[symbol])
		if err != nil {
			// 单标的失败不拖垮整轮
			logger.Warnf("[advisor] 标的 %s 分析失败: %v", symbol, err)
			continue
		}
		if rec != nil {
			recs = append(recs, rec)
		}
	}

	a.sink.Refresh(recs)
	metrics.RecommendationsBuilt.Add(int64(len(recs)))
	if a.bus != nil {
		a.bus.Publish(events.RecommendationsRefreshedEvent{Recommendations: recs, Timestamp: a.now()})
	}
	logger.Infof("[advisor] ✅ 本轮产出 %d 条建议（组合总值 %.2f）", len(recs), account.PortfolioValue)
	return nil
}

// analyzeOne 单标的：意见 → 共识 → 信号 → 建议
// 共识不足（NoData / Analyzing）时不产出建议。
func (a *Advisor) analyzeOne(ctx context.Context, symbol, analysisContext string, portfolioValue float64, pos broker.Position) (*domain.TradeRecommendation, error) {
	opinions, err := a.collector.Collect(ctx, symbol, analysisContext)
	if err != nil {
		return nil, err
	}

	result := a.aggregator.Aggregate(symbol, opinions)
	metrics.ConsensusRounds.Add(1)

	a.mu.Lock()
	a.analyses[symbol] = &Analysis{
		Symbol:    symbol,
		Opinions:  opinions,
		Consensus: result,
		UpdatedAt: a.now(),
	}
	a.mu.Unlock()

	if a.bus != nil {
		a.bus.Publish(events.ConsensusChangedEvent{Result: result, Timestamp: a.now()})
	}

	switch result.Level {
	case domain.ConsensusNoData, domain.ConsensusAnalyzing:
		return nil, nil
	}

	price, err := a.gateway.GetCurrentPrice(ctx, symbol)
	if err != nil {
		return nil, err
	}

	sig := a.signalFrom(symbol, result, price)
	return a.builder.Build(sig, portfolioValue, recommend.Position{Shares: pos.Shares, Value: pos.Value})
}

// signalFrom 共识结果 → 交易信号
// 方向由整体置信度定：μ ≥ 0.55 买、μ ≤ 0.45 卖、中间持有；
// 意见两极分化（MixedSignals）时一律持有。
func (a *Advisor) signalFrom(symbol string, result domain.ConsensusResult, price float64) recommend.Signal {
	action := domain.ActionHold
	if result.Level != domain.ConsensusMixed {
		switch {
		case result.OverallConfidence >= 0.55:
			action = domain.ActionBuy
		case result.OverallConfidence <= 0.45:
			action = domain.ActionSell
		}
	}

	gain := a.cfg.Sizing.TargetGainPercent
	loss := a.cfg.Sizing.StopLossPercent
	target, stop := price*(1+gain), price*(1-loss)
	if action == domain.ActionSell {
		target, stop = price*(1-gain), price*(1+loss)
	}

	return recommend.Signal{
		Symbol:       symbol,
		Action:       action,
		Confidence:   result.OverallConfidence,
		CurrentPrice: price,
		PriceAt:      a.now(),
		TargetPrice:  target,
		StopLoss:     stop,
		Reasoning:    reasoningFor(result),
	}
}

// reasoningFor 生成共识摘要（呈现层直接展示）
func reasoningFor(result domain.ConsensusResult) string {
	switch result.Level {
	case domain.ConsensusStrong:
		return "代理意见高度一致"
	case domain.ConsensusModerate:
		return "多数代理意见一致，存在少量分歧"
	case domain.ConsensusMixed:
		return "代理意见两极分化，建议观望"
	default:
		return ""
	}
}

// AIAnalysis 读取单个标的最近一次的意见与共识
// 没有缓存视图时带 analysisContext 现场收集一轮（API 冷查询路径）。
func (a *Advisor) AIAnalysis(ctx context.Context, symbol, analysisContext string) (*Analysis, error) {
	a.mu.RLock()
	view, ok := a.analyses[symbol]
	a.mu.RUnlock()
	if ok {
		return view, nil
	}

	opinions, err := a.collector.Collect(ctx, symbol, analysisContext)
	if err != nil {
		return nil, err
	}
	result := a.aggregator.Aggregate(symbol, opinions)
	metrics.ConsensusRounds.Add(1)

	view = &Analysis{
		Symbol:    symbol,
		Opinions:  opinions,
		Consensus: result,
		UpdatedAt: a.now(),
	}
	a.mu.Lock()
	a.analyses[symbol] = view
	a.mu.Unlock()
	return view, nil
}

// ApplyExternal 接受摄入边界归一后的外部建议集（替换当前账本内容）
func (a *Advisor) ApplyExternal(recs []*domain.TradeRecommendation) {
	a.sink.Refresh(recs)
	metrics.RecommendationsBuilt.Add(int64(len(recs)))
	if a.bus != nil {
		a.bus.Publish(events.RecommendationsRefreshedEvent{Recommendations: recs, Timestamp: a.now()})
	}
}
