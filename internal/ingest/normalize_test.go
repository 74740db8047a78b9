package ingest

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/councilbot/gocouncil/internal/domain"
)

func TestNormalize_SnakeCaseProducer(t *testing.T) {
	raw := json.RawMessage(`{
		"ticker": "AMD",
		"action": "buy",
		"current_shares": 10,
		"current_price": 146.42,
		"recommended_shares": 3,
		"confidence": 0.81,
		"risk_level": "low",
		"priority": 2,
		"reasoning": "earnings beat"
	}`)

	rec, err := Normalize(raw)
	require.NoError(t, err)

	assert.Equal(t, "AMD", rec.Ticker)
	assert.Equal(t, domain.ActionBuy, rec.Action)
	assert.Equal(t, int64(10), rec.CurrentShares)
	assert.Equal(t, int64(3), rec.RecommendedShares)
	assert.InDelta(t, 439.26, rec.RecommendedValue, 1e-9)
	assert.Equal(t, domain.RiskLow, rec.RiskLevel)
	assert.Equal(t, 2, rec.ExecutionPriority)
}

func TestNormalize_CamelCaseProducer(t *testing.T) {
	raw := json.RawMessage(`{
		"ticker": "NVDA",
		"action": "SELL",
		"currentShares": 20,
		"currentPrice": 500.0,
		"recommendedShares": -4,
		"confidence": 0.7,
		"riskLevel": "medium",
		"executionPriority": 1
	}`)

	rec, err := Normalize(raw)
	require.NoError(t, err)

	assert.Equal(t, domain.ActionSell, rec.Action)
	assert.Equal(t, int64(-4), rec.RecommendedShares)
	assert.InDelta(t, -2000.0, rec.RecommendedValue, 1e-9)
	assert.Equal(t, 1, rec.ExecutionPriority)
}

func TestNormalize_AliasesAndPercentConfidence(t *testing.T) {
	// symbol/qty/score 风格的生产方，置信度是百分数
	raw := json.RawMessage(`{
		"symbol": "TSLA",
		"side": "long",
		"price": 250.0,
		"qty": 2,
		"score": 81
	}`)

	rec, err := Normalize(raw)
	require.NoError(t, err)

	assert.Equal(t, "TSLA", rec.Ticker)
	assert.Equal(t, domain.ActionBuy, rec.Action)
	assert.Equal(t, int64(2), rec.RecommendedShares)
	assert.InDelta(t, 0.81, rec.Confidence, 1e-9)
	// 未给优先级时回落到中位
	assert.Equal(t, 3, rec.ExecutionPriority)
	assert.Equal(t, domain.RiskMedium, rec.RiskLevel)
}

func TestNormalize_MissingTickerRejected(t *testing.T) {
	_, err := Normalize(json.RawMessage(`{"action": "buy", "price": 10}`))
	require.Error(t, err)
}

func TestNormalize_InvalidPriceRejected(t *testing.T) {
	_, err := Normalize(json.RawMessage(`{"ticker": "AMD", "action": "buy", "price": 0}`))
	require.Error(t, err)
}

func TestNormalize_NumericStringsTolerated(t *testing.T) {
	raw := json.RawMessage(`{
		"ticker": "AMD",
		"action": "buy",
		"current_price": "146.42",
		"recommended_shares": "3"
	}`)

	rec, err := Normalize(raw)
	require.NoError(t, err)
	assert.InDelta(t, 146.42, rec.CurrentPrice, 1e-9)
	assert.Equal(t, int64(3), rec.RecommendedShares)
}

func TestNormalizeBatch_SkipsBadItems(t *testing.T) {
	raw := json.RawMessage(`[
		{"ticker": "AMD", "action": "buy", "price": 146.42, "qty": 3},
		{"action": "buy", "price": 10},
		{"ticker": "NVDA", "action": "sell", "price": 500.0, "qty": -4}
	]`)

	recs, errs := NormalizeBatch(raw)
	require.Len(t, recs, 2)
	require.Len(t, errs, 1)
	assert.Equal(t, "AMD", recs[0].Ticker)
	assert.Equal(t, "NVDA", recs[1].Ticker)
}
