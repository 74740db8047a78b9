package server

import (
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/councilbot/gocouncil/internal/approval"
	"github.com/councilbot/gocouncil/internal/domain"
	"github.com/councilbot/gocouncil/internal/execution"
	appconfig "github.com/councilbot/gocouncil/pkg/config"
)

func newTestServer(t *testing.T, dryRun bool) (*Server, *approval.Store) {
	t.Helper()

	store := approval.NewStore()
	dispatcher := execution.NewDispatcher(store, nil)

	s, err := New(Config{DBPath: filepath.Join(t.TempDir(), "council.db")}, Deps{
		Store:      store,
		Dispatcher: dispatcher,
		AppConfig: &appconfig.Config{
			Execution: appconfig.ExecutionConfig{DryRun: dryRun},
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	dispatcher.WithRecorder(s)
	return s, store
}

func seedRecommendation(store *approval.Store) {
	store.Refresh([]*domain.TradeRecommendation{{
		Ticker:            "AMD",
		Action:            domain.ActionBuy,
		CurrentShares:     10,
		CurrentPrice:      146.42,
		RecommendedShares: 3,
		RecommendedValue:  439.26,
		Confidence:        0.81,
		RiskLevel:         domain.RiskLow,
		ExecutionPriority: 2,
		RiskRewardRatio:   2.0,
	}})
}

func doRequest(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("{}")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)
	return rr
}

func TestHandleRecommendationsList(t *testing.T) {
	s, store := newTestServer(t, true)
	seedRecommendation(store)

	rr := doRequest(t, s, http.MethodGet, "/api/recommendations/", "")
	require.Equal(t, 200, rr.Code)

	var resp struct {
		Success         bool                 `json:"success"`
		Recommendations []RecommendationView `json:"recommendations"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.True(t, resp.Success)
	require.Len(t, resp.Recommendations, 1)

	rec := resp.Recommendations[0]
	assert.Equal(t, "AMD", rec.Ticker)
	assert.Equal(t, int64(3), rec.RecommendedShares)
	assert.Equal(t, int64(3), rec.UserShares)
	assert.False(t, rec.Approved)
	assert.Equal(t, "proposed", rec.State)
}

func TestHandleAdjust_RoundTripAndApprove(t *testing.T) {
	s, store := newTestServer(t, true)
	seedRecommendation(store)

	rr := doRequest(t, s, http.MethodPost, "/api/recommendations/adjust",
		`{"ticker": "AMD", "user_shares": 5}`)
	require.Equal(t, 200, rr.Code)

	rr = doRequest(t, s, http.MethodPost, "/api/recommendations/adjust",
		`{"ticker": "AMD", "approved": true}`)
	require.Equal(t, 200, rr.Code)

	e, err := store.Get("AMD")
	require.NoError(t, err)
	assert.Equal(t, int64(5), e.Adjustment.Shares)
	assert.InDelta(t, 732.10, e.Adjustment.Value, 1e-9)
	assert.True(t, e.Adjustment.Approved)
}

func TestHandleAdjust_Errors(t *testing.T) {
	s, store := newTestServer(t, true)
	seedRecommendation(store)

	// 未知 ticker → 404
	rr := doRequest(t, s, http.MethodPost, "/api/recommendations/adjust",
		`{"ticker": "TSLA", "user_shares": 1}`)
	assert.Equal(t, 404, rr.Code)

	// 越界 → 400，无状态变化
	rr = doRequest(t, s, http.MethodPost, "/api/recommendations/adjust",
		`{"ticker": "AMD", "user_shares": 999}`)
	assert.Equal(t, 400, rr.Code)
	e, err := store.Get("AMD")
	require.NoError(t, err)
	assert.Equal(t, int64(3), e.Adjustment.Shares)

	// 缺 ticker → 400
	rr = doRequest(t, s, http.MethodPost, "/api/recommendations/adjust", `{"user_shares": 1}`)
	assert.Equal(t, 400, rr.Code)
}

func TestHandleExecute_DryRunFlow(t *testing.T) {
	s, store := newTestServer(t, true)
	seedRecommendation(store)

	_, err := store.SetApproved("AMD", true)
	require.NoError(t, err)

	rr := doRequest(t, s, http.MethodPost, "/api/execute", `{"dry_run": true}`)
	require.Equal(t, 200, rr.Code)

	var resp struct {
		Success    bool            `json:"success"`
		RunID      string          `json:"run_id"`
		Mode       string          `json:"mode"`
		Executions []ExecutionView `json:"executions"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.True(t, resp.Success)
	assert.Equal(t, "dry_run", resp.Mode)
	require.Len(t, resp.Executions, 1)
	assert.Equal(t, "simulated", resp.Executions[0].Status)

	// 记录已落 sqlite，按 run_id 可查回
	rr = doRequest(t, s, http.MethodGet, "/api/executions?run_id="+resp.RunID, "")
	require.Equal(t, 200, rr.Code)
	var listResp struct {
		Executions []ExecutionView `json:"executions"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &listResp))
	require.Len(t, listResp.Executions, 1)
	assert.Equal(t, "AMD", listResp.Executions[0].Ticker)

	// 无新批准时第二次执行为空
	rr = doRequest(t, s, http.MethodPost, "/api/execute", `{"dry_run": true}`)
	require.Equal(t, 200, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Empty(t, resp.Executions)
}

func TestHandleExecute_LiveBlockedByConfig(t *testing.T) {
	s, store := newTestServer(t, true) // 配置为纸交易
	seedRecommendation(store)

	rr := doRequest(t, s, http.MethodPost, "/api/execute", `{"dry_run": false}`)
	assert.Equal(t, 403, rr.Code)
}

func TestHandleExecute_NoApprovedIsSuccess(t *testing.T) {
	s, store := newTestServer(t, true)
	seedRecommendation(store)

	rr := doRequest(t, s, http.MethodPost, "/api/execute", "")
	require.Equal(t, 200, rr.Code)

	var resp struct {
		Success    bool            `json:"success"`
		Executions []ExecutionView `json:"executions"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.True(t, resp.Success, "零批准条目是空操作成功")
	assert.Empty(t, resp.Executions)
}

func TestHandleIngest_NormalizesHeterogeneousFields(t *testing.T) {
	s, store := newTestServer(t, true)

	rr := doRequest(t, s, http.MethodPost, "/api/recommendations/ingest",
		`[{"symbol": "NVDA", "side": "buy", "price": 500.0, "qty": 2, "score": 0.7},
		  {"ticker": "AMD", "action": "sell", "current_price": 146.42, "recommended_shares": -3, "confidence": 0.6}]`)
	require.Equal(t, 200, rr.Code)

	var resp struct {
		Success  bool `json:"success"`
		Ingested int  `json:"ingested"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Ingested)
	assert.Equal(t, 2, store.Len())
}

func TestRiskRewardInfSerialization(t *testing.T) {
	data, err := json.Marshal(ratioJSON(2.5))
	require.NoError(t, err)
	assert.Equal(t, "2.5", string(data))

	data, err = json.Marshal(ratioJSON(math.Inf(1)))
	require.NoError(t, err)
	assert.Equal(t, `"inf"`, string(data))
}
