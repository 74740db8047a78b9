package domain

import "time"

// AgentID AI 代理标识
type AgentID string

// OpinionStatus 代理意见状态
type OpinionStatus string

const (
	OpinionStatusAnalyzing OpinionStatus = "analyzing" // 分析中
	OpinionStatusComplete  OpinionStatus = "complete"  // 已完成
	OpinionStatusError     OpinionStatus = "error"     // 失败（超时/提供方错误）
)

// AgentOpinion 单个 AI 代理对某标的的意见（收到后不可变）
// 同一标的多个意见按 AgentID 去重，后到的覆盖先到的。
type AgentOpinion struct {
	AgentID    AgentID       // 代理 ID
	Confidence float64       // 置信度 [0,1]
	Reasoning  string        // 推理文本
	Timestamp  time.Time     // 意见生成时间
	Status     OpinionStatus // 状态
}

// IsComplete 意见是否已完成（只有完成的意见参与共识计算）
func (o *AgentOpinion) IsComplete() bool {
	return o.Status == OpinionStatusComplete
}

// ConsensusLevel 共识等级（由完成意见的置信度方差推导）
type ConsensusLevel string

const (
	ConsensusNoData    ConsensusLevel = "no_data"            // 无意见
	ConsensusAnalyzing ConsensusLevel = "analyzing"          // 所有意见均未完成
	ConsensusStrong    ConsensusLevel = "strong_consensus"   // σ² < 0.05
	ConsensusModerate  ConsensusLevel = "moderate_consensus" // σ² < 0.15
	ConsensusMixed     ConsensusLevel = "mixed_signals"      // 其余
)

// ConsensusResult 共识结果（派生值，意见集变化时重算，不单独持久化）
type ConsensusResult struct {
	Symbol            string         // 标的
	Level             ConsensusLevel // 共识等级
	OverallConfidence float64        // 完成意见的平均置信度
	CompletedCount    int            // 完成意见数
	TotalAgents       int            // 代理总数
}
