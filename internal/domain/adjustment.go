package domain

import "time"

// AdjustmentState 每个 ticker 的审批状态机状态
// Proposed → Adjusted* → Approved ⇄ Unapproved → (Dispatched | Discarded)
type AdjustmentState string

const (
	AdjustmentProposed   AdjustmentState = "proposed"   // 初始（来自建议默认值）
	AdjustmentAdjusted   AdjustmentState = "adjusted"   // 股数/市值被修改过
	AdjustmentApproved   AdjustmentState = "approved"   // 已批准
	AdjustmentUnapproved AdjustmentState = "unapproved" // 批准被撤回
	AdjustmentDispatched AdjustmentState = "dispatched" // 本轮执行已派发（终态）
	AdjustmentDiscarded  AdjustmentState = "discarded"  // 建议刷新后不再存在，被丢弃
)

// UserAdjustment 用户对单个建议的调整记录
// 每个出现在当前建议集中的 ticker 恰有一条；由 ApprovalStore 独占持有，
// 只能通过其调整 API 修改。股数与市值是同一事实的两个视图，
// 任何修改后必须满足 value = shares × currentPrice。
type UserAdjustment struct {
	Ticker    string          // 标的代码
	Shares    int64           // 调整后的带符号股数
	Value     float64         // 调整后的市值 = shares × price
	Approved  bool            // 审批标志（与数值编辑互相独立）
	Priority  int             // 执行优先级 1..5
	State     AdjustmentState // 状态机状态
	Ordinal   int             // 在建议集中的原始序号（优先级相同时按此排序）
	UpdatedAt time.Time       // 最后修改时间
}

// Clone 返回调整记录的副本（派发快照用，避免快照后被并发修改）
func (a *UserAdjustment) Clone() *UserAdjustment {
	if a == nil {
		return nil
	}
	c := *a
	return &c
}
