package domain

import (
	"math"
	"time"
)

// TradeAction 交易方向
type TradeAction string

const (
	ActionBuy  TradeAction = "buy"
	ActionSell TradeAction = "sell"
	ActionHold TradeAction = "hold"
)

// RiskLevel 风险等级
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// TradeRecommendation 交易建议领域模型
// 由 RecommendationBuilder 创建；除显式调整外不可变。
// RecommendedShares 的符号编码方向：正 = 加仓（买），负 = 减仓（卖）。
type TradeRecommendation struct {
	Ticker            string      // 标的代码
	Action            TradeAction // 建议方向
	CurrentShares     int64       // 当前持仓（股）
	CurrentValue      float64     // 当前持仓市值（USD）
	CurrentPrice      float64     // 建仓时参考价
	RecommendedShares int64       // 建议变动股数（带符号增量）
	RecommendedValue  float64     // 建议变动市值 = shares × price
	Confidence        float64     // 共识置信度 [0,1]
	RiskLevel         RiskLevel   // 风险等级（由配置的置信度区间映射）
	ExecutionPriority int         // 执行优先级 1..5，1 最高
	Reasoning         string      // 推理摘要
	PotentialGain     float64     // 潜在收益 = qty × (target - price)
	PotentialLoss     float64     // 潜在损失 = qty × (price - stopLoss)
	RiskRewardRatio   float64     // |gain/loss|，loss 为 0 时为 +Inf
	StalePrice        bool        // 价格超出新鲜度窗口
	ExpiresAt         time.Time   // 过期时间（零值 = 不过期）
}

// Expired 建议是否已过期（过期建议可查看但不可审批）
func (r *TradeRecommendation) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// ShareBounds 返回调整股数允许的边界 [min, max]
// 买向：[0, 2×currentShares]；卖向：[-currentShares, currentShares]。
// Hold 按卖向处理（允许减仓到清仓，不允许加仓超过当前持仓）。
func (r *TradeRecommendation) ShareBounds() (minShares, maxShares int64) {
	switch r.Action {
	case ActionBuy:
		return 0, 2 * r.CurrentShares
	default:
		return -r.CurrentShares, r.CurrentShares
	}
}

// InBounds 检查带符号股数是否落在允许边界内
func (r *TradeRecommendation) InBounds(shares int64) bool {
	minShares, maxShares := r.ShareBounds()
	return shares >= minShares && shares <= maxShares
}

// HasInfiniteRiskReward 风险收益比是否为无穷（potentialLoss = 0 的哨兵值）
func (r *TradeRecommendation) HasInfiniteRiskReward() bool {
	return math.IsInf(r.RiskRewardRatio, 1)
}
