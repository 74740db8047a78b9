package server

import (
	"encoding/json"
	"math"
	"net/http"
	"time"

	"github.com/councilbot/gocouncil/internal/domain"
)

// ratioJSON 风险收益比的 JSON 视图：+Inf 序列化为字符串 "inf"
// （potentialLoss = 0 的哨兵值，前端按「无下行风险」展示）
type ratioJSON float64

func (r ratioJSON) MarshalJSON() ([]byte, error) {
	if math.IsInf(float64(r), 1) {
		return []byte(`"inf"`), nil
	}
	return json.Marshal(float64(r))
}

// RecommendationView 建议 + 用户调整的组合视图（GET /api/recommendations 条目）
type RecommendationView struct {
	Ticker            string    `json:"ticker"`
	Action            string    `json:"action"`
	CurrentShares     int64     `json:"current_shares"`
	CurrentValue      float64   `json:"current_value"`
	CurrentPrice      float64   `json:"current_price"`
	RecommendedShares int64     `json:"recommended_shares"`
	RecommendedValue  float64   `json:"recommended_value"`
	Confidence        float64   `json:"confidence"`
	RiskLevel         string    `json:"risk_level"`
	Priority          int       `json:"priority"`
	Reasoning         string    `json:"reasoning,omitempty"`
	PotentialGain     float64   `json:"potential_gain"`
	PotentialLoss     float64   `json:"potential_loss"`
	RiskRewardRatio   ratioJSON `json:"risk_reward_ratio"`
	StalePrice        bool      `json:"stale_price,omitempty"`
	ExpiresAt         *string   `json:"expires_at,omitempty"`
	Expired           bool      `json:"expired"`

	UserShares int64   `json:"user_shares"`
	UserValue  float64 `json:"user_value"`
	Approved   bool    `json:"approved"`
	State      string  `json:"state"`
}

// AdjustRequest POST /api/recommendations/adjust 请求体
// 三类字段全部可选；user_shares 与 user_value 二选一。
type AdjustRequest struct {
	Ticker     string   `json:"ticker"`
	UserShares *int64   `json:"user_shares,omitempty"`
	UserValue  *float64 `json:"user_value,omitempty"`
	Approved   *bool    `json:"approved,omitempty"`
	Priority   *int     `json:"priority,omitempty"`
}

// ExecuteRequest POST /api/execute 请求体
type ExecuteRequest struct {
	DryRun *bool `json:"dry_run,omitempty"`
}

// ExecutionView 执行记录视图
type ExecutionView struct {
	ID         string  `json:"id"`
	RunID      string  `json:"run_id"`
	Ticker     string  `json:"ticker"`
	Action     string  `json:"action"`
	Shares     int64   `json:"shares"`
	Price      float64 `json:"price"`
	TotalValue float64 `json:"total_value"`
	Status     string  `json:"status"`
	Notes      string  `json:"notes,omitempty"`
	ExecutedAt string  `json:"executed_at"`
}

func executionView(rec *domain.ExecutionRecord) ExecutionView {
	return ExecutionView{
		ID:         rec.ID,
		RunID:      rec.RunID,
		Ticker:     rec.Ticker,
		Action:     string(rec.Action),
		Shares:     rec.Shares,
		Price:      rec.Price,
		TotalValue: rec.TotalValue,
		Status:     string(rec.Status),
		Notes:      rec.Notes,
		ExecutedAt: rec.ExecutedAt.Format(time.RFC3339Nano),
	}
}

// OpinionView 代理意见视图（GET /api/ai-analysis 条目）
type OpinionView struct {
	AgentID    string  `json:"agent_id"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning,omitempty"`
	Status     string  `json:"status"`
	Timestamp  string  `json:"timestamp"`
}

// ConsensusView 共识结果视图
type ConsensusView struct {
	Symbol            string  `json:"symbol"`
	Level             string  `json:"level"`
	OverallConfidence float64 `json:"overall_confidence"`
	CompletedCount    int     `json:"completed_count"`
	TotalAgents       int     `json:"total_agents"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}
