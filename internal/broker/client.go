package broker

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/councilbot/gocouncil/internal/ports"
	"github.com/councilbot/gocouncil/pkg/cache"
	"github.com/councilbot/gocouncil/pkg/logger"
	sdkhttp "github.com/councilbot/gocouncil/pkg/sdk/http"
)

// StalePriceError 报价超出可接受的新鲜度窗口
type StalePriceError struct {
	Symbol string
	Age    time.Duration
}

func (e *StalePriceError) Error() string {
	return fmt.Sprintf("stale price for %s (age %s)", e.Symbol, e.Age)
}

// Client 券商 REST 客户端（Alpaca 风格 API）
// 实现 ports.QuoteGetter 和 ports.OrderPlacer。
type Client struct {
	api        *sdkhttp.Client
	priceCache *cache.PriceCache
	maxAge     time.Duration
}

// NewClient 创建券商客户端
// key/secret 走 APCA 风格请求头；报价带短 TTL 缓存。
func NewClient(endpoint, apiKey, apiSecret string, priceTTL time.Duration) *Client {
	api := sdkhttp.NewClient(endpoint).
		SetHeader("APCA-API-KEY-ID", apiKey).
		SetHeader("APCA-API-SECRET-KEY", apiSecret)

	if priceTTL <= 0 {
		priceTTL = 30 * time.Second
	}
	return &Client{
		api:        api,
		priceCache: cache.NewPriceCache(priceTTL),
		maxAge:     5 * time.Minute,
	}
}

type accountResponse struct {
	PortfolioValue string `json:"portfolio_value"`
	BuyingPower    string `json:"buying_power"`
	Status         string `json:"status"`
}

// Account 账户概览
type Account struct {
	PortfolioValue float64
	BuyingPower    float64
	Status         string
}

// GetAccount 读取账户概览（组合总值用于头寸计算）
func (c *Client) GetAccount(ctx context.Context) (*Account, error) {
	var out accountResponse
	resp, err := c.api.DoRequest(ctx, http.MethodGet, "/v2/account", nil, &out)
	if _, err = sdkhttp.ParseHTTPError(resp, err); err != nil {
		return nil, errors.Wrap(err, "get account")
	}

	portfolio, err := strconv.ParseFloat(out.PortfolioValue, 64)
	if err != nil {
		return nil, errors.Wrap(err, "parse portfolio_value")
	}
	buyingPower, _ := strconv.ParseFloat(out.BuyingPower, 64)

	return &Account{
		PortfolioValue: portfolio,
		BuyingPower:    buyingPower,
		Status:         out.Status,
	}, nil
}

type positionResponse struct {
	Symbol      string `json:"symbol"`
	Qty         string `json:"qty"`
	MarketValue string `json:"market_value"`
}

// Position 持仓
type Position struct {
	Symbol string
	Shares int64
	Value  float64
}

// GetPositions 读取全部持仓
func (c *Client) GetPositions(ctx context.Context) (map[string]Position, error) {
	var out []positionResponse
	resp, err := c.api.DoRequest(ctx, http.MethodGet, "/v2/positions", nil, &out)
	if _, err = sdkhttp.ParseHTTPError(resp, err); err != nil {
		return nil, errors.Wrap(err, "get positions")
	}

	positions := make(map[string]Position, len(out))
	for _, p := range out {
		shares, _ := strconv.ParseInt(p.Qty, 10, 64)
		value, _ := strconv.ParseFloat(p.MarketValue, 64)
		positions[p.Symbol] = Position{Symbol: p.Symbol, Shares: shares, Value: value}
	}
	return positions, nil
}

type quoteResponse struct {
	Quote struct {
		AskPrice  float64   `json:"ap"`
		BidPrice  float64   `json:"bp"`
		Timestamp time.Time `json:"t"`
	} `json:"quote"`
}

// GetCurrentPrice 读取最新报价（买卖中间价）
// 短 TTL 缓存避免建议刷新时打爆报价端点；报价过旧返回 StalePriceError。
func (c *Client) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	if price, ok := c.priceCache.Get(symbol); ok {
		return price, nil
	}

	var out quoteResponse
	endpoint := fmt.Sprintf("/v2/stocks/%s/quotes/latest", symbol)
	resp, err := c.api.DoRequest(ctx, http.MethodGet, endpoint, nil, &out)
	if _, err = sdkhttp.ParseHTTPError(resp, err); err != nil {
		return 0, errors.Wrapf(err, "get quote %s", symbol)
	}

	if !out.Quote.Timestamp.IsZero() {
		if age := time.Since(out.Quote.Timestamp); age > c.maxAge {
			return 0, &StalePriceError{Symbol: symbol, Age: age}
		}
	}

	price := (out.Quote.AskPrice + out.Quote.BidPrice) / 2
	if price <= 0 {
		price = out.Quote.AskPrice
	}
	if price <= 0 {
		return 0, errors.Errorf("no usable quote for %s", symbol)
	}

	c.priceCache.Set(symbol, price)
	return price, nil
}

type orderRequest struct {
	Symbol      string `json:"symbol"`
	Qty         string `json:"qty"`
	Side        string `json:"side"`
	Type        string `json:"type"`
	TimeInForce string `json:"time_in_force"`
	LimitPrice  string `json:"limit_price,omitempty"`
}

type orderResponse struct {
	ID             string `json:"id"`
	Symbol         string `json:"symbol"`
	FilledQty      string `json:"filled_qty"`
	FilledAvgPrice string `json:"filled_avg_price"`
	Status         string `json:"status"`
}

// PlaceOrder 提交订单
// 422（业务校验失败）映射为 RejectionError，调用方按拒单记录；
// 其余非 2xx / 传输错误原样返回。
func (c *Client) PlaceOrder(ctx context.Context, req *ports.OrderRequest) (*ports.Fill, error) {
	body := orderRequest{
		Symbol:      req.Symbol,
		Qty:         strconv.FormatInt(req.Quantity, 10),
		Side:        string(req.Side),
		Type:        req.OrderType,
		TimeInForce: "day",
	}
	if body.Type == "" {
		body.Type = "market"
	}
	if body.Type == "limit" && req.LimitPrice > 0 {
		body.LimitPrice = strconv.FormatFloat(req.LimitPrice, 'f', 2, 64)
	}

	var out orderResponse
	resp, err := c.api.DoRequest(ctx, http.MethodPost, "/v2/orders", &sdkhttp.RequestOptions{Data: body}, &out)
	if err != nil {
		return nil, errors.Wrap(err, "place order")
	}
	if resp.StatusCode() == http.StatusUnprocessableEntity || resp.StatusCode() == http.StatusForbidden {
		return nil, &ports.RejectionError{Message: string(resp.Body())}
	}
	if _, err = sdkhttp.ParseHTTPError(resp, err); err != nil {
		return nil, errors.Wrap(err, "place order")
	}

	filledQty, _ := strconv.ParseInt(out.FilledQty, 10, 64)
	avgPrice, _ := strconv.ParseFloat(out.FilledAvgPrice, 64)
	logger.Infof("[broker] 订单已提交: %s %s %s 状态=%s", body.Side, body.Qty, body.Symbol, out.Status)

	return &ports.Fill{
		OrderID:  out.ID,
		Symbol:   out.Symbol,
		Quantity: filledQty,
		Price:    avgPrice,
	}, nil
}

var _ ports.QuoteGetter = (*Client)(nil)
var _ ports.OrderPlacer = (*Client)(nil)
