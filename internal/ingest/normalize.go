package ingest

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"

	"github.com/councilbot/gocouncil/internal/domain"
)

// 异构生产方的字段名风格不统一（camelCase / snake_case 混用）。
// 这里在摄入边界一次性归一成规范的 TradeRecommendation，
// 核心逻辑从不按字段名变体分支。

// canonicalKey 折叠字段名风格：小写 + 去掉下划线
// recommendedShares / recommended_shares / RecommendedShares → recommendedshares
func canonicalKey(key string) string {
	return strings.ReplaceAll(strings.ToLower(key), "_", "")
}

// fieldAliases 规范字段 → 可接受的折叠键集合
var fieldAliases = map[string][]string{
	"ticker":            {"ticker", "symbol"},
	"action":            {"action", "side", "tradeaction"},
	"currentShares":     {"currentshares", "currentposition", "positionshares"},
	"currentValue":      {"currentvalue", "positionvalue"},
	"currentPrice":      {"currentprice", "price", "lastprice"},
	"recommendedShares": {"recommendedshares", "shares", "quantity", "qty"},
	"recommendedValue":  {"recommendedvalue", "value", "notional"},
	"confidence":        {"confidence", "overallconfidence", "score"},
	"riskLevel":         {"risklevel", "risk"},
	"priority":          {"priority", "executionpriority"},
	"reasoning":         {"reasoning", "rationale", "notes"},
	"potentialGain":     {"potentialgain", "upside"},
	"potentialLoss":     {"potentialloss", "downside"},
}

// Normalize 把任意风格的 JSON 建议对象归一为规范模型
// 缺 ticker 或价格非正视为不可摄入。
func Normalize(raw json.RawMessage) (*domain.TradeRecommendation, error) {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, errors.Wrap(err, "ingest: decode recommendation")
	}
	return NormalizeMap(obj)
}

// NormalizeMap 同 Normalize，输入已解码的对象
func NormalizeMap(obj map[string]any) (*domain.TradeRecommendation, error) {
	folded := make(map[string]any, len(obj))
	for k, v := range obj {
		folded[canonicalKey(k)] = v
	}

	lookup := func(field string) (any, bool) {
		for _, alias := range fieldAliases[field] {
			if v, ok := folded[alias]; ok {
				return v, true
			}
		}
		return nil, false
	}

	rec := &domain.TradeRecommendation{}

	if v, ok := lookup("ticker"); ok {
		rec.Ticker, _ = v.(string)
	}
	if rec.Ticker == "" {
		return nil, errors.New("ingest: missing ticker")
	}

	rec.Action = normalizeAction(stringAt(lookup, "action"))
	rec.CurrentShares = intAt(lookup, "currentShares")
	rec.CurrentValue = floatAt(lookup, "currentValue")
	rec.CurrentPrice = floatAt(lookup, "currentPrice")
	if rec.CurrentPrice <= 0 {
		return nil, errors.Errorf("ingest: invalid price for %s", rec.Ticker)
	}

	rec.RecommendedShares = intAt(lookup, "recommendedShares")
	rec.RecommendedValue = floatAt(lookup, "recommendedValue")
	if rec.RecommendedValue == 0 && rec.RecommendedShares != 0 {
		rec.RecommendedValue = float64(rec.RecommendedShares) * rec.CurrentPrice
	}

	rec.Confidence = floatAt(lookup, "confidence")
	if rec.Confidence > 1 {
		// 百分数风格（81 而不是 0.81）
		rec.Confidence /= 100
	}

	rec.RiskLevel = normalizeRisk(stringAt(lookup, "riskLevel"))
	rec.ExecutionPriority = int(intAt(lookup, "priority"))
	if rec.ExecutionPriority < 1 || rec.ExecutionPriority > 5 {
		rec.ExecutionPriority = 3
	}
	rec.Reasoning = stringAt(lookup, "reasoning")
	rec.PotentialGain = floatAt(lookup, "potentialGain")
	rec.PotentialLoss = floatAt(lookup, "potentialLoss")

	return rec, nil
}

// NormalizeBatch 归一一组建议；单条失败跳过，不拖垮整批
func NormalizeBatch(raw json.RawMessage) ([]*domain.TradeRecommendation, []error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, []error{errors.Wrap(err, "ingest: decode recommendation list")}
	}

	var recs []*domain.TradeRecommendation
	var errs []error
	for _, item := range items {
		rec, err := Normalize(item)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		recs = append(recs, rec)
	}
	return recs, errs
}

func normalizeAction(s string) domain.TradeAction {
	switch strings.ToLower(s) {
	case "buy", "long", "increase":
		return domain.ActionBuy
	case "sell", "short", "decrease", "reduce":
		return domain.ActionSell
	default:
		return domain.ActionHold
	}
}

func normalizeRisk(s string) domain.RiskLevel {
	switch strings.ToLower(s) {
	case "low":
		return domain.RiskLow
	case "high":
		return domain.RiskHigh
	default:
		return domain.RiskMedium
	}
}

type lookupFunc func(field string) (any, bool)

func stringAt(lookup lookupFunc, field string) string {
	if v, ok := lookup(field); ok {
		s, _ := v.(string)
		return s
	}
	return ""
}

func floatAt(lookup lookupFunc, field string) float64 {
	v, ok := lookup(field)
	if !ok {
		return 0
	}
	switch t := v.(type) {
	case float64:
		return t
	case string:
		var f float64
		if err := json.Unmarshal([]byte(t), &f); err == nil {
			return f
		}
	}
	return 0
}

func intAt(lookup lookupFunc, field string) int64 {
	return int64(floatAt(lookup, field))
}
