package ports

import (
	"context"

	"github.com/councilbot/gocouncil/internal/domain"
)

// Small capability interfaces shared across layers (collector/recommend/execution).

// OpinionProvider 从单个 AI 代理获取意见的能力
type OpinionProvider interface {
	// FetchOpinion 为 symbol+context 生成一条意见；失败返回 error（由调用方隔离）
	FetchOpinion(ctx context.Context, agent domain.AgentID, symbol, analysisContext string) (*domain.AgentOpinion, error)
}

// QuoteGetter 获取标的当前报价的能力
type QuoteGetter interface {
	// GetCurrentPrice 返回最新报价；数据过旧时返回 StalePriceError
	GetCurrentPrice(ctx context.Context, symbol string) (float64, error)
}

// OrderPlacer 券商下单能力
type OrderPlacer interface {
	// PlaceOrder 提交市价/限价单，返回成交回报
	PlaceOrder(ctx context.Context, req *OrderRequest) (*Fill, error)
}

// OrderRequest 下单请求（引擎视角的最小字段集）
type OrderRequest struct {
	Symbol     string
	Side       domain.TradeAction // buy / sell
	Quantity   int64              // 绝对值股数
	OrderType  string             // market / limit
	LimitPrice float64            // 限价单价格（市价单忽略）
}

// Fill 成交回报
type Fill struct {
	OrderID  string
	Symbol   string
	Quantity int64
	Price    float64 // 实际成交均价
}

// RejectionError 券商拒单（区别于传输错误；Message 写入执行记录 Notes）
type RejectionError struct {
	Message string
}

func (e *RejectionError) Error() string {
	return "order rejected: " + e.Message
}
