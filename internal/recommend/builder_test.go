package recommend

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/councilbot/gocouncil/internal/domain"
	"github.com/councilbot/gocouncil/pkg/config"
)

func sizingConfig() config.SizingConfig {
	return config.SizingConfig{
		PositionSizePercent:   0.0044, // 0.44%
		MinTradeUnit:          1,
		PriceFreshnessSeconds: 60,
		RecommendationTTL:     300,
		TargetGainPercent:     0.10,
		StopLossPercent:       0.05,
		RiskBands: []config.RiskBand{
			{MinConfidence: 0.8, Level: "low"},
			{MinConfidence: 0.6, Level: "medium"},
			{MinConfidence: 0, Level: "high"},
		},
	}
}

func TestBuild_QuantityFromPortfolio(t *testing.T) {
	b := NewBuilder(sizingConfig())

	// $100,000 × 0.44% = $440 预算；$440 / $146.42 = 3.005 → floor = 3 股
	sig := Signal{
		Symbol:       "AMD",
		Action:       domain.ActionBuy,
		Confidence:   0.81,
		CurrentPrice: 146.42,
		TargetPrice:  161.06,
		StopLoss:     139.10,
		PriceAt:      time.Now(),
	}

	rec, err := b.Build(sig, 100000, Position{Shares: 0, Value: 0})
	require.NoError(t, err)

	assert.Equal(t, int64(3), rec.RecommendedShares)
	assert.InDelta(t, 439.26, rec.RecommendedValue, 1e-9) // 3 × 146.42
	assert.Equal(t, domain.RiskLow, rec.RiskLevel)
	assert.False(t, rec.StalePrice)
}

func TestBuild_SellIsNegative(t *testing.T) {
	b := NewBuilder(sizingConfig())

	sig := Signal{
		Symbol:       "NVDA",
		Action:       domain.ActionSell,
		Confidence:   0.40,
		CurrentPrice: 100,
		TargetPrice:  90,
		StopLoss:     105,
	}

	rec, err := b.Build(sig, 100000, Position{Shares: 10, Value: 1000})
	require.NoError(t, err)

	// 0.44% × 100000 / 100 = 4.4 → 4 股，卖出取负
	assert.Equal(t, int64(-4), rec.RecommendedShares)
	assert.InDelta(t, -400.0, rec.RecommendedValue, 1e-9)
	assert.Equal(t, int64(10), rec.CurrentShares)
}

func TestBuild_HoldIsZero(t *testing.T) {
	b := NewBuilder(sizingConfig())

	sig := Signal{
		Symbol:       "TSLA",
		Action:       domain.ActionHold,
		Confidence:   0.50,
		CurrentPrice: 250,
	}

	rec, err := b.Build(sig, 100000, Position{Shares: 5, Value: 1250})
	require.NoError(t, err)

	assert.Equal(t, int64(0), rec.RecommendedShares)
	assert.Zero(t, rec.RecommendedValue)
}

func TestBuild_InfiniteRiskReward(t *testing.T) {
	b := NewBuilder(sizingConfig())

	// 止损价 == 现价 → potentialLoss = 0 → riskReward = +Inf，不得 panic
	sig := Signal{
		Symbol:       "AMD",
		Action:       domain.ActionBuy,
		Confidence:   0.85,
		CurrentPrice: 146.42,
		TargetPrice:  161.06,
		StopLoss:     146.42,
	}

	rec, err := b.Build(sig, 100000, Position{})
	require.NoError(t, err)

	assert.True(t, math.IsInf(rec.RiskRewardRatio, 1))
	assert.True(t, rec.HasInfiniteRiskReward())
}

func TestBuild_RiskRewardRatio(t *testing.T) {
	b := NewBuilder(sizingConfig())

	// gain = 10/股, loss = 5/股 → 比值 2.0
	sig := Signal{
		Symbol:       "AMD",
		Action:       domain.ActionBuy,
		Confidence:   0.70,
		CurrentPrice: 100,
		TargetPrice:  110,
		StopLoss:     95,
	}

	rec, err := b.Build(sig, 100000, Position{})
	require.NoError(t, err)

	assert.InDelta(t, 2.0, rec.RiskRewardRatio, 1e-9)
	assert.Equal(t, domain.RiskMedium, rec.RiskLevel)
}

func TestBuild_StalePriceFlag(t *testing.T) {
	b := NewBuilder(sizingConfig())
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return base }

	sig := Signal{
		Symbol:       "AMD",
		Action:       domain.ActionBuy,
		Confidence:   0.81,
		CurrentPrice: 146.42,
		TargetPrice:  150,
		StopLoss:     140,
		PriceAt:      base.Add(-2 * time.Minute), // 超出 60 秒新鲜度窗口
	}

	rec, err := b.Build(sig, 100000, Position{})
	require.NoError(t, err)

	assert.True(t, rec.StalePrice)
	// 过期时间 = now + TTL
	assert.Equal(t, base.Add(300*time.Second), rec.ExpiresAt)
	assert.False(t, rec.Expired(base.Add(299*time.Second)))
	assert.True(t, rec.Expired(base.Add(301*time.Second)))
}

func TestBuild_OverrideQuantity(t *testing.T) {
	b := NewBuilder(sizingConfig())

	qty := int64(42)
	sig := Signal{
		Symbol:           "AMD",
		Action:           domain.ActionBuy,
		Confidence:       0.81,
		CurrentPrice:     146.42,
		TargetPrice:      150,
		StopLoss:         140,
		OverrideQuantity: &qty,
	}

	rec, err := b.Build(sig, 100000, Position{})
	require.NoError(t, err)

	assert.Equal(t, int64(42), rec.RecommendedShares)
}

func TestBuild_MinTradeUnitAlignment(t *testing.T) {
	cfg := sizingConfig()
	cfg.MinTradeUnit = 10
	b := NewBuilder(cfg)

	// 0.44% × 100000 / 10 = 44 股 → 对齐 10 股单位 = 40
	sig := Signal{
		Symbol:       "F",
		Action:       domain.ActionBuy,
		Confidence:   0.75,
		CurrentPrice: 10,
		TargetPrice:  11,
		StopLoss:     9.5,
	}

	rec, err := b.Build(sig, 100000, Position{})
	require.NoError(t, err)

	assert.Equal(t, int64(40), rec.RecommendedShares)
}

func TestBuild_InvalidPrice(t *testing.T) {
	b := NewBuilder(sizingConfig())

	_, err := b.Build(Signal{Symbol: "AMD", Action: domain.ActionBuy, CurrentPrice: 0}, 100000, Position{})
	require.ErrorIs(t, err, ErrInvalidPrice)

	_, err = b.Build(Signal{Symbol: "AMD", Action: domain.ActionBuy, CurrentPrice: -1}, 100000, Position{})
	require.ErrorIs(t, err, ErrInvalidPrice)
}

func TestBuild_PriorityFromConfidence(t *testing.T) {
	b := NewBuilder(sizingConfig())

	cases := []struct {
		confidence float64
		priority   int
	}{
		{0.95, 1},
		{0.85, 2},
		{0.72, 3},
		{0.61, 4},
		{0.30, 5},
	}
	for _, tc := range cases {
		sig := Signal{Symbol: "AMD", Action: domain.ActionBuy, Confidence: tc.confidence, CurrentPrice: 100, TargetPrice: 110, StopLoss: 95}
		rec, err := b.Build(sig, 100000, Position{})
		require.NoError(t, err)
		assert.Equal(t, tc.priority, rec.ExecutionPriority, "confidence=%v", tc.confidence)
	}

	// 信号显式指定优先级时不按置信度推导
	sig := Signal{Symbol: "AMD", Action: domain.ActionBuy, Confidence: 0.95, CurrentPrice: 100, TargetPrice: 110, StopLoss: 95, Priority: 4}
	rec, err := b.Build(sig, 100000, Position{})
	require.NoError(t, err)
	assert.Equal(t, 4, rec.ExecutionPriority)
}
