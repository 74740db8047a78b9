package consensus

import (
	"github.com/councilbot/gocouncil/internal/domain"
)

// Thresholds 共识方差阈值
// 约定：StrongVarianceMax < ModerateVarianceMax，由 config.Validate 保证。
type Thresholds struct {
	StrongVarianceMax   float64 // σ² 低于此值为强共识
	ModerateVarianceMax float64 // σ² 低于此值为中等共识
}

// DefaultThresholds 默认阈值
func DefaultThresholds() Thresholds {
	return Thresholds{
		StrongVarianceMax:   0.05,
		ModerateVarianceMax: 0.15,
	}
}

// Aggregator 共识聚合器
// Aggregate 是纯函数：同一意见集重复调用产生完全相同的结果，没有隐藏状态。
type Aggregator struct {
	thresholds Thresholds
}

// NewAggregator 创建共识聚合器
func NewAggregator(thresholds Thresholds) *Aggregator {
	if thresholds.StrongVarianceMax <= 0 || thresholds.ModerateVarianceMax <= thresholds.StrongVarianceMax {
		thresholds = DefaultThresholds()
	}
	return &Aggregator{thresholds: thresholds}
}

// Aggregate 把一组代理意见归并为共识结果
// 规则：
//   - 无意见 → NoData
//   - 没有任何完成的意见 → Analyzing
//   - 其余按完成意见的置信度均值 μ 与总体方差 σ² 分级
//
// Error 状态的意见不参与 μ/σ² 计算（只拉低 CompletedCount）。
func (a *Aggregator) Aggregate(symbol string, opinions map[domain.AgentID]domain.AgentOpinion) domain.ConsensusResult {
	result := domain.ConsensusResult{
		Symbol:      symbol,
		TotalAgents: len(opinions),
	}

	if len(opinions) == 0 {
		result.Level = domain.ConsensusNoData
		return result
	}

	// 只统计完成的意见
	var confidences []float64
	for _, op := range opinions {
		if op.IsComplete() {
			confidences = append(confidences, op.Confidence)
		}
	}
	result.CompletedCount = len(confidences)

	if len(confidences) == 0 {
		result.Level = domain.ConsensusAnalyzing
		return result
	}

	// 均值
	var sum float64
	for _, c := range confidences {
		sum += c
	}
	mean := sum / float64(len(confidences))
	result.OverallConfidence = mean

	// 总体方差（不是样本方差：除以 n）
	var sqSum float64
	for _, c := range confidences {
		d := c - mean
		sqSum += d * d
	}
	variance := sqSum / float64(len(confidences))

	switch {
	case variance < a.thresholds.StrongVarianceMax:
		result.Level = domain.ConsensusStrong
	case variance < a.thresholds.ModerateVarianceMax:
		result.Level = domain.ConsensusModerate
	default:
		result.Level = domain.ConsensusMixed
	}

	return result
}
