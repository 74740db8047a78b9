package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/councilbot/gocouncil/internal/approval"
	"github.com/councilbot/gocouncil/internal/domain"
	"github.com/councilbot/gocouncil/internal/events"
	"github.com/councilbot/gocouncil/internal/ingest"
	"github.com/councilbot/gocouncil/internal/metrics"
	"github.com/councilbot/gocouncil/pkg/logger"
)

// handleRecommendationsList GET /api/recommendations
// 返回当前建议集与每条的用户调整状态。
func (s *Server) handleRecommendationsList(w http.ResponseWriter, r *http.Request) {
	entries := s.deps.Store.List()
	now := time.Now()

	views := make([]RecommendationView, 0, len(entries))
	for _, e := range entries {
		views = append(views, recommendationView(e, now))
	}
	writeJSON(w, 200, map[string]any{"success": true, "recommendations": views})
}

func recommendationView(e *approval.Entry, now time.Time) RecommendationView {
	rec := e.Recommendation
	adj := e.Adjustment

	v := RecommendationView{
		Ticker:            rec.Ticker,
		Action:            string(rec.Action),
		CurrentShares:     rec.CurrentShares,
		CurrentValue:      rec.CurrentValue,
		CurrentPrice:      rec.CurrentPrice,
		RecommendedShares: rec.RecommendedShares,
		RecommendedValue:  rec.RecommendedValue,
		Confidence:        rec.Confidence,
		RiskLevel:         string(rec.RiskLevel),
		Priority:          adj.Priority,
		Reasoning:         rec.Reasoning,
		PotentialGain:     rec.PotentialGain,
		PotentialLoss:     rec.PotentialLoss,
		RiskRewardRatio:   ratioJSON(rec.RiskRewardRatio),
		StalePrice:        rec.StalePrice,
		Expired:           rec.Expired(now),
		UserShares:        adj.Shares,
		UserValue:         adj.Value,
		Approved:          adj.Approved,
		State:             string(adj.State),
	}
	if !rec.ExpiresAt.IsZero() {
		expiresAt := rec.ExpiresAt.Format(time.RFC3339)
		v.ExpiresAt = &expiresAt
	}
	return v
}

// handleRecommendationAdjust POST /api/recommendations/adjust
// 校验失败时拒绝整个请求，不产生部分写入。
func (s *Server) handleRecommendationAdjust(w http.ResponseWriter, r *http.Request) {
	var req AdjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, fmt.Sprintf("decode request: %v", err))
		return
	}
	if strings.TrimSpace(req.Ticker) == "" {
		writeError(w, 400, "ticker is required")
		return
	}

	adj, err := s.deps.Store.Adjust(req.Ticker, approval.AdjustRequest{
		Shares:   req.UserShares,
		Value:    req.UserValue,
		Approved: req.Approved,
		Priority: req.Priority,
	})
	if err != nil {
		metrics.AdjustmentsRejected.Add(1)
		switch {
		case errors.Is(err, approval.ErrUnknownTicker):
			writeError(w, 404, err.Error())
		case errors.Is(err, approval.ErrRecommendationExpired):
			writeError(w, 409, err.Error())
		default:
			writeError(w, 400, err.Error())
		}
		return
	}

	metrics.AdjustmentsApplied.Add(1)
	if s.deps.Bus != nil {
		s.deps.Bus.Publish(events.AdjustmentAppliedEvent{Adjustment: adj, Timestamp: time.Now()})
	}
	writeJSON(w, 200, map[string]any{"success": true, "adjustment": adj})
}

// handleRecommendationsIngest POST /api/recommendations/ingest
// 接受外部生产方的建议列表（字段名风格不限），归一后替换当前账本。
func (s *Server) handleRecommendationsIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, 400, fmt.Sprintf("read body: %v", err))
		return
	}

	recs, errs := ingest.NormalizeBatch(body)
	if len(recs) == 0 && len(errs) > 0 {
		writeError(w, 400, fmt.Sprintf("no ingestible recommendations: %v", errs[0]))
		return
	}

	if s.deps.Advisor != nil {
		s.deps.Advisor.ApplyExternal(recs)
	} else {
		s.deps.Store.Refresh(recs)
	}

	resp := map[string]any{"success": true, "ingested": len(recs)}
	if len(errs) > 0 {
		skipped := make([]string, 0, len(errs))
		for _, e := range errs {
			skipped = append(skipped, e.Error())
		}
		resp["skipped"] = skipped
	}
	writeJSON(w, 200, resp)
}

// handleExecute POST /api/execute
// dry_run 省略时跟随配置；配置为纸交易模式时请求不能强制真实下单。
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	dryRun := true
	if s.deps.AppConfig != nil {
		dryRun = s.deps.AppConfig.Execution.DryRun
	}
	if req.DryRun != nil {
		if !*req.DryRun && dryRun {
			writeError(w, 403, "live execution is disabled by configuration")
			return
		}
		dryRun = *req.DryRun
	}

	mode := domain.ModeLive
	if dryRun {
		mode = domain.ModeDryRun
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()

	result, err := s.deps.Dispatcher.Dispatch(ctx, mode)
	if err != nil {
		writeError(w, 500, fmt.Sprintf("dispatch: %v", err))
		return
	}

	metrics.DispatchRuns.Add(1)
	views := make([]ExecutionView, 0, len(result.Records))
	for _, rec := range result.Records {
		metrics.CountExecution(string(rec.Status))
		views = append(views, executionView(rec))
	}
	if s.deps.Bus != nil {
		s.deps.Bus.Publish(events.ExecutionCompletedEvent{
			RunID:     result.RunID,
			Mode:      result.Mode,
			Records:   result.Records,
			Timestamp: time.Now(),
		})
	}

	logger.Infof("[server] 派发完成 runID=%s mode=%s items=%d", result.RunID, mode, len(views))
	writeJSON(w, 200, map[string]any{
		"success":        true,
		"run_id":         result.RunID,
		"mode":           string(result.Mode),
		"total_executed": len(views),
		"executions":     views,
	})
}

// handleExecutionsList GET /api/executions?run_id=&limit=
func (s *Server) handleExecutionsList(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	runID := strings.TrimSpace(r.URL.Query().Get("run_id"))

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	records, err := s.listExecutions(ctx, runID, limit)
	if err != nil {
		writeError(w, 500, fmt.Sprintf("db list executions: %v", err))
		return
	}

	views := make([]ExecutionView, 0, len(records))
	for _, rec := range records {
		views = append(views, executionView(rec))
	}
	writeJSON(w, 200, map[string]any{"success": true, "executions": views})
}

// handleAIAnalysis GET /api/ai-analysis?symbol=AMD
// 返回该标的最近一次的代理意见与共识结果。
func (s *Server) handleAIAnalysis(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("symbol")))
	if symbol == "" {
		writeError(w, 400, "symbol is required")
		return
	}
	if s.deps.Advisor == nil {
		writeError(w, 503, "advisor is not running")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 90*time.Second)
	defer cancel()
	analysis, err := s.deps.Advisor.AIAnalysis(ctx, symbol, strings.TrimSpace(r.URL.Query().Get("context")))
	if err != nil {
		writeError(w, 502, fmt.Sprintf("ai analysis: %v", err))
		return
	}

	opinions := make([]OpinionView, 0, len(analysis.Opinions))
	for _, op := range analysis.Opinions {
		opinions = append(opinions, OpinionView{
			AgentID:    string(op.AgentID),
			Confidence: op.Confidence,
			Reasoning:  op.Reasoning,
			Status:     string(op.Status),
			Timestamp:  op.Timestamp.Format(time.RFC3339),
		})
	}

	writeJSON(w, 200, map[string]any{
		"success":  true,
		"symbol":   analysis.Symbol,
		"opinions": opinions,
		"consensus": ConsensusView{
			Symbol:            analysis.Consensus.Symbol,
			Level:             string(analysis.Consensus.Level),
			OverallConfidence: analysis.Consensus.OverallConfidence,
			CompletedCount:    analysis.Consensus.CompletedCount,
			TotalAgents:       analysis.Consensus.TotalAgents,
		},
		"updated_at": analysis.UpdatedAt.Format(time.RFC3339),
	})
}
