package services

import (
	"context"
	"testing"

	"github.com/councilbot/gocouncil/internal/broker"
	"github.com/councilbot/gocouncil/internal/consensus"
	"github.com/councilbot/gocouncil/internal/domain"
	"github.com/councilbot/gocouncil/internal/recommend"
	"github.com/councilbot/gocouncil/pkg/config"
)

type stubGateway struct {
	portfolio float64
	positions map[string]broker.Position
	prices    map[string]float64
}

func (g *stubGateway) GetAccount(context.Context) (*broker.Account, error) {
	return &broker.Account{PortfolioValue: g.portfolio}, nil
}

func (g *stubGateway) GetPositions(context.Context) (map[string]broker.Position, error) {
	return g.positions, nil
}

func (g *stubGateway) GetCurrentPrice(_ context.Context, symbol string) (float64, error) {
	return g.prices[symbol], nil
}

type captureSink struct {
	recs []*domain.TradeRecommendation
}

func (s *captureSink) Refresh(recs []*domain.TradeRecommendation) {
	s.recs = recs
}

func advisorConfig(watchlist ...string) *config.Config {
	return &config.Config{
		Agents: config.AgentsConfig{
			IDs:            []string{"fundamental", "technical", "sentiment"},
			TimeoutSeconds: 2,
			RefreshSeconds: 300,
		},
		Sizing: config.SizingConfig{
			PositionSizePercent: 0.0044,
			MinTradeUnit:        1,
			TargetGainPercent:   0.10,
			StopLossPercent:     0.05,
			RiskBands: []config.RiskBand{
				{MinConfidence: 0.8, Level: "low"},
				{MinConfidence: 0.6, Level: "medium"},
				{MinConfidence: 0, Level: "high"},
			},
		},
		Watchlist: watchlist,
	}
}

func newTestAdvisor(provider *stubProvider, gateway *stubGateway, sink *captureSink, cfg *config.Config) *Advisor {
	return NewAdvisor(
		NewOpinionCollector(provider, cfg.Agents),
		consensus.NewAggregator(consensus.DefaultThresholds()),
		recommend.NewBuilder(cfg.Sizing),
		sink,
		gateway,
		nil,
		cfg,
	)
}

func TestRefreshAll_EndToEnd(t *testing.T) {
	// 三个代理高度一致 → 强共识 → 买入信号
	provider := &stubProvider{confidence: map[domain.AgentID]float64{
		"fundamental": 0.80,
		"technical":   0.82,
		"sentiment":   0.81,
	}}
	gateway := &stubGateway{
		portfolio: 100000,
		positions: map[string]broker.Position{"AMD": {Symbol: "AMD", Shares: 10, Value: 1464.20}},
		prices:    map[string]float64{"AMD": 146.42},
	}
	sink := &captureSink{}

	adv := newTestAdvisor(provider, gateway, sink, advisorConfig("AMD"))
	if err := adv.RefreshAll(context.Background(), ""); err != nil {
		t.Fatalf("刷新失败: %v", err)
	}

	if len(sink.recs) != 1 {
		t.Fatalf("期望 1 条建议，得到 %d", len(sink.recs))
	}
	rec := sink.recs[0]
	if rec.Action != domain.ActionBuy {
		t.Errorf("μ=0.81 应产出买入信号，得到 %s", rec.Action)
	}
	// floor(0.0044 × 100000 / 146.42) = 3
	if rec.RecommendedShares != 3 {
		t.Errorf("期望 3 股，得到 %d", rec.RecommendedShares)
	}
	if rec.CurrentShares != 10 {
		t.Errorf("当前持仓应带入建议，得到 %d", rec.CurrentShares)
	}
}

func TestRefreshAll_LowConfidenceSellSignal(t *testing.T) {
	provider := &stubProvider{confidence: map[domain.AgentID]float64{
		"fundamental": 0.30,
		"technical":   0.35,
		"sentiment":   0.32,
	}}
	gateway := &stubGateway{
		portfolio: 100000,
		positions: map[string]broker.Position{"NVDA": {Symbol: "NVDA", Shares: 20, Value: 10000}},
		prices:    map[string]float64{"NVDA": 500},
	}
	sink := &captureSink{}

	adv := newTestAdvisor(provider, gateway, sink, advisorConfig("NVDA"))
	if err := adv.RefreshAll(context.Background(), ""); err != nil {
		t.Fatalf("刷新失败: %v", err)
	}

	if len(sink.recs) != 1 {
		t.Fatalf("期望 1 条建议，得到 %d", len(sink.recs))
	}
	if sink.recs[0].Action != domain.ActionSell {
		t.Errorf("μ≈0.32 应产出卖出信号，得到 %s", sink.recs[0].Action)
	}
	if sink.recs[0].RecommendedShares >= 0 {
		t.Errorf("卖出建议股数应为负，得到 %d", sink.recs[0].RecommendedShares)
	}
}

func TestRefreshAll_MixedSignalsHold(t *testing.T) {
	// 两极分化 → 一律持有
	provider := &stubProvider{confidence: map[domain.AgentID]float64{
		"fundamental": 0.95,
		"technical":   0.10,
		"sentiment":   0.90,
	}}
	gateway := &stubGateway{
		portfolio: 100000,
		positions: map[string]broker.Position{},
		prices:    map[string]float64{"TSLA": 250},
	}
	sink := &captureSink{}

	adv := newTestAdvisor(provider, gateway, sink, advisorConfig("TSLA"))
	if err := adv.RefreshAll(context.Background(), ""); err != nil {
		t.Fatalf("刷新失败: %v", err)
	}

	if len(sink.recs) != 1 {
		t.Fatalf("期望 1 条建议，得到 %d", len(sink.recs))
	}
	if sink.recs[0].Action != domain.ActionHold {
		t.Errorf("两极分化应产出持有，得到 %s", sink.recs[0].Action)
	}
	if sink.recs[0].RecommendedShares != 0 {
		t.Errorf("持有建议股数应为 0")
	}
}

func TestRefreshAll_AllAgentsFailedNoRecommendation(t *testing.T) {
	provider := &stubProvider{failAgents: map[domain.AgentID]error{
		"fundamental": context.DeadlineExceeded,
		"technical":   context.DeadlineExceeded,
		"sentiment":   context.DeadlineExceeded,
	}}
	gateway := &stubGateway{portfolio: 100000, positions: map[string]broker.Position{}, prices: map[string]float64{"AMD": 146.42}}
	sink := &captureSink{recs: []*domain.TradeRecommendation{{Ticker: "stale"}}}

	adv := newTestAdvisor(provider, gateway, sink, advisorConfig("AMD"))
	if err := adv.RefreshAll(context.Background(), ""); err != nil {
		t.Fatalf("刷新失败: %v", err)
	}

	// 全部代理失败 → Analyzing → 不产出建议，但账本仍被刷新（清空）
	if len(sink.recs) != 0 {
		t.Errorf("无共识时不应产出建议，得到 %d 条", len(sink.recs))
	}
}

func TestAIAnalysis_CachedView(t *testing.T) {
	provider := &stubProvider{confidence: map[domain.AgentID]float64{
		"fundamental": 0.80,
		"technical":   0.82,
		"sentiment":   0.81,
	}}
	gateway := &stubGateway{portfolio: 100000, positions: map[string]broker.Position{}, prices: map[string]float64{"AMD": 146.42}}
	sink := &captureSink{}

	adv := newTestAdvisor(provider, gateway, sink, advisorConfig("AMD"))
	if err := adv.RefreshAll(context.Background(), ""); err != nil {
		t.Fatalf("刷新失败: %v", err)
	}

	view, err := adv.AIAnalysis(context.Background(), "AMD", "")
	if err != nil {
		t.Fatalf("读取分析失败: %v", err)
	}
	if view.Consensus.Level != domain.ConsensusStrong {
		t.Errorf("期望强共识，得到 %s", view.Consensus.Level)
	}
	if len(view.Opinions) != 3 {
		t.Errorf("期望 3 条意见，得到 %d", len(view.Opinions))
	}

	// 未分析过的标的走现场收集
	view2, err := adv.AIAnalysis(context.Background(), "NVDA", "")
	if err != nil {
		t.Fatalf("冷查询失败: %v", err)
	}
	if view2.Symbol != "NVDA" {
		t.Errorf("冷查询应返回请求的标的")
	}
}
