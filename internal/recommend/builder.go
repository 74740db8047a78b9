package recommend

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/councilbot/gocouncil/internal/domain"
	"github.com/councilbot/gocouncil/pkg/config"
)

// ErrInvalidPrice 报价无效（<= 0），无法定量
var ErrInvalidPrice = fmt.Errorf("invalid current price")

// Signal 定量输入信号（来自共识层或外部协作方）
type Signal struct {
	Symbol           string
	Action           domain.TradeAction
	Confidence       float64   // 共识置信度 [0,1]
	CurrentPrice     float64   // 参考价
	PriceAt          time.Time // 报价时间（用于新鲜度判断；零值视为新鲜）
	TargetPrice      float64   // 目标价
	StopLoss         float64   // 止损价
	Reasoning        string    // 推理摘要
	Priority         int       // 执行优先级 1..5，0 时按置信度推导
	OverrideQuantity *int64    // 人工覆盖数量（设置时按原样使用，不再按比例计算）
}

// Position 当前持仓
type Position struct {
	Shares int64
	Value  float64
}

// Builder 建议构建器 / 头寸计算器
type Builder struct {
	cfg config.SizingConfig
	now func() time.Time // 测试注入
}

// NewBuilder 创建建议构建器
func NewBuilder(cfg config.SizingConfig) *Builder {
	if cfg.MinTradeUnit <= 0 {
		cfg.MinTradeUnit = 1
	}
	return &Builder{cfg: cfg, now: time.Now}
}

// Build 由信号 + 组合状态产出一条交易建议
// quantity = floor(positionSizePercent × portfolioValue / currentPrice)，
// 除非信号携带人工覆盖数量。金额计算走 decimal，避免浮点截断出错。
func (b *Builder) Build(sig Signal, portfolioValue float64, pos Position) (*domain.TradeRecommendation, error) {
	if sig.CurrentPrice <= 0 {
		return nil, ErrInvalidPrice
	}

	qty := b.sizeQuantity(sig, portfolioValue)

	// 符号编码方向：买为正、卖为负、持有为 0
	signedShares := qty
	switch sig.Action {
	case domain.ActionSell:
		signedShares = -qty
	case domain.ActionHold:
		signedShares = 0
	}

	price := decimal.NewFromFloat(sig.CurrentPrice)
	recommendedValue, _ := decimal.NewFromInt(signedShares).Mul(price).Round(2).Float64()

	// 风险收益比：potentialLoss = 0 时为 +Inf 哨兵，绝不触发除零 panic
	potentialGain := float64(qty) * (sig.TargetPrice - sig.CurrentPrice)
	potentialLoss := float64(qty) * (sig.CurrentPrice - sig.StopLoss)
	var riskReward float64
	if potentialLoss == 0 {
		riskReward = math.Inf(1)
	} else {
		riskReward = math.Abs(potentialGain / potentialLoss)
	}

	rec := &domain.TradeRecommendation{
		Ticker:            sig.Symbol,
		Action:            sig.Action,
		CurrentShares:     pos.Shares,
		CurrentValue:      pos.Value,
		CurrentPrice:      sig.CurrentPrice,
		RecommendedShares: signedShares,
		RecommendedValue:  recommendedValue,
		Confidence:        sig.Confidence,
		RiskLevel:         b.riskLevel(sig.Confidence),
		ExecutionPriority: b.priority(sig),
		Reasoning:         sig.Reasoning,
		PotentialGain:     potentialGain,
		PotentialLoss:     potentialLoss,
		RiskRewardRatio:   riskReward,
	}

	// 报价新鲜度：超窗只标记，不算失败（调用方自行决定如何呈现）
	if b.cfg.PriceFreshnessSeconds > 0 && !sig.PriceAt.IsZero() {
		window := time.Duration(b.cfg.PriceFreshnessSeconds) * time.Second
		if b.now().Sub(sig.PriceAt) > window {
			rec.StalePrice = true
		}
	}

	if b.cfg.RecommendationTTL > 0 {
		rec.ExpiresAt = b.now().Add(time.Duration(b.cfg.RecommendationTTL) * time.Second)
	}

	return rec, nil
}

// sizeQuantity 计算目标数量（绝对值）
func (b *Builder) sizeQuantity(sig Signal, portfolioValue float64) int64 {
	if sig.OverrideQuantity != nil {
		// 人工覆盖：按原样使用
		return *sig.OverrideQuantity
	}

	// floor(pct × portfolioValue / price)
	budget := decimal.NewFromFloat(b.cfg.PositionSizePercent).Mul(decimal.NewFromFloat(portfolioValue))
	qty := budget.Div(decimal.NewFromFloat(sig.CurrentPrice)).Floor().IntPart()
	if qty < 0 {
		return 0
	}

	// 对齐最小可交易单位（向下取整）
	if b.cfg.MinTradeUnit > 1 {
		qty = qty / b.cfg.MinTradeUnit * b.cfg.MinTradeUnit
	}
	return qty
}

// riskLevel 按配置的置信度区间映射风险等级（按序匹配第一条）
func (b *Builder) riskLevel(confidence float64) domain.RiskLevel {
	for _, band := range b.cfg.RiskBands {
		if confidence >= band.MinConfidence {
			switch band.Level {
			case "low":
				return domain.RiskLow
			case "medium":
				return domain.RiskMedium
			case "high":
				return domain.RiskHigh
			}
		}
	}
	return domain.RiskHigh
}

// priority 推导执行优先级：信号显式指定优先；否则高置信度排前面
func (b *Builder) priority(sig Signal) int {
	if sig.Priority >= 1 && sig.Priority <= 5 {
		return sig.Priority
	}
	switch {
	case sig.Confidence >= 0.9:
		return 1
	case sig.Confidence >= 0.8:
		return 2
	case sig.Confidence >= 0.7:
		return 3
	case sig.Confidence >= 0.6:
		return 4
	default:
		return 5
	}
}
