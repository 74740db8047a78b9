package providers

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/councilbot/gocouncil/internal/domain"
	"github.com/councilbot/gocouncil/internal/ports"
	sdkhttp "github.com/councilbot/gocouncil/pkg/sdk/http"
)

// Client AI 提供方客户端
// 每个代理是提供方侧的一个分析角色（fundamental / technical / ...），
// 一次请求产出该角色对单个标的的意见。实现 ports.OpinionProvider。
type Client struct {
	api *sdkhttp.Client
}

// NewClient 创建 AI 提供方客户端
func NewClient(endpoint, apiKey string) *Client {
	api := sdkhttp.NewClient(endpoint)
	if apiKey != "" {
		api.SetAuthToken(apiKey)
	}
	return &Client{api: api}
}

type opinionRequest struct {
	Agent   string `json:"agent"`
	Symbol  string `json:"symbol"`
	Context string `json:"context,omitempty"`
}

type opinionResponse struct {
	Agent      string  `json:"agent"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
	Status     string  `json:"status"`
}

// FetchOpinion 请求单个代理对 symbol 的意见
// 超时/取消由调用方通过 ctx 控制；提供方侧排队中返回 analyzing 状态。
func (c *Client) FetchOpinion(ctx context.Context, agent domain.AgentID, symbol, analysisContext string) (*domain.AgentOpinion, error) {
	var out opinionResponse
	resp, err := c.api.DoRequest(ctx, http.MethodPost, "/v1/opinions", &sdkhttp.RequestOptions{
		Data: opinionRequest{
			Agent:   string(agent),
			Symbol:  symbol,
			Context: analysisContext,
		},
	}, &out)
	if _, err = sdkhttp.ParseHTTPError(resp, err); err != nil {
		return nil, errors.Wrapf(err, "fetch opinion agent=%s symbol=%s", agent, symbol)
	}

	status := domain.OpinionStatus(out.Status)
	switch status {
	case domain.OpinionStatusAnalyzing, domain.OpinionStatusComplete, domain.OpinionStatusError:
	default:
		status = domain.OpinionStatusComplete
	}

	if out.Confidence < 0 || out.Confidence > 1 {
		return nil, errors.Errorf("confidence %v out of [0,1] from agent %s", out.Confidence, agent)
	}

	return &domain.AgentOpinion{
		AgentID:    agent,
		Confidence: out.Confidence,
		Reasoning:  out.Reasoning,
		Timestamp:  time.Now(),
		Status:     status,
	}, nil
}

var _ ports.OpinionProvider = (*Client)(nil)
