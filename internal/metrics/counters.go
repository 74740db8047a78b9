package metrics

import "expvar"

// 引擎核心计数器，通过 /debug/vars 暴露。
// 计数器只增不减；比值类指标由抓取方自行计算。
var (
	// OpinionRequests 发往 AI 代理的意见请求总数
	OpinionRequests = expvar.NewInt("council_opinion_requests_total")
	// OpinionErrors 超时或失败的意见请求数
	OpinionErrors = expvar.NewInt("council_opinion_errors_total")
	// OpinionCacheHits (symbol, context) 意见缓存命中数
	OpinionCacheHits = expvar.NewInt("council_opinion_cache_hits_total")

	// ConsensusRounds 完成的共识聚合轮数
	ConsensusRounds = expvar.NewInt("council_consensus_rounds_total")
	// RecommendationsBuilt 产出的交易建议条数
	RecommendationsBuilt = expvar.NewInt("council_recommendations_built_total")

	// AdjustmentsApplied 落账的用户调整次数
	AdjustmentsApplied = expvar.NewInt("council_adjustments_applied_total")
	// AdjustmentsRejected 被拒的非法调整次数
	AdjustmentsRejected = expvar.NewInt("council_adjustments_rejected_total")

	// DispatchRuns 派发轮数
	DispatchRuns = expvar.NewInt("council_dispatch_runs_total")
	// ExecutionsFilled 真实成交项数
	ExecutionsFilled = expvar.NewInt("council_executions_filled_total")
	// ExecutionsSimulated 模拟成交项数
	ExecutionsSimulated = expvar.NewInt("council_executions_simulated_total")
	// ExecutionsRejected 券商拒单项数
	ExecutionsRejected = expvar.NewInt("council_executions_rejected_total")
	// ExecutionsFailed 传输/系统错误项数
	ExecutionsFailed = expvar.NewInt("council_executions_failed_total")
)

// CountExecution 按执行结果状态递增对应计数器
func CountExecution(status string) {
	switch status {
	case "filled":
		ExecutionsFilled.Add(1)
	case "simulated":
		ExecutionsSimulated.Add(1)
	case "rejected":
		ExecutionsRejected.Add(1)
	case "failed":
		ExecutionsFailed.Add(1)
	}
}
