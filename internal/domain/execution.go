package domain

import "time"

// ExecutionMode 执行模式
type ExecutionMode string

const (
	ModeDryRun ExecutionMode = "dry_run" // 纸交易：不触碰真实下单端点
	ModeLive   ExecutionMode = "live"    // 真实下单
)

// ExecutionStatus 单项执行结果状态
type ExecutionStatus string

const (
	ExecutionFilled    ExecutionStatus = "filled"    // 真实成交
	ExecutionSimulated ExecutionStatus = "simulated" // 纸交易模拟成交
	ExecutionRejected  ExecutionStatus = "rejected"  // 券商拒单
	ExecutionFailed    ExecutionStatus = "failed"    // 传输/系统错误
)

// ExecutionRecord 执行记录（每个派发项创建一条，只追加，创建后不再修改）
type ExecutionRecord struct {
	ID         string          // 记录 ID（uuid）
	RunID      string          // 所属派发轮次 ID
	Ticker     string          // 标的代码
	Action     TradeAction     // 方向
	Shares     int64           // 执行股数（带符号）
	Price      float64         // 成交/报价价格
	TotalValue float64         // |shares| × price
	Status     ExecutionStatus // 结果状态
	Notes      string          // 说明（失败/拒单时为提供方消息）
	ExecutedAt time.Time       // 执行时间
}

// Succeeded 该项是否视为成功（真实成交或模拟成交）
func (r *ExecutionRecord) Succeeded() bool {
	return r.Status == ExecutionFilled || r.Status == ExecutionSimulated
}
