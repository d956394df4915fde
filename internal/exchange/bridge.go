package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/BB13/algobot-public/internal/domain"
)

// BridgeConfig configures a BridgeBroker.
type BridgeConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Retries int
}

// BridgeBroker places orders through an execution sidecar that owns the
// exchange credentials and request signing. The sidecar deduplicates retried
// orders by client_id.
type BridgeBroker struct {
	client *resty.Client
	logger *slog.Logger
}

// NewBridgeBroker creates a BridgeBroker.
func NewBridgeBroker(cfg BridgeConfig, logger *slog.Logger) *BridgeBroker {
	c := resty.New().
		SetBaseURL(strings.TrimSuffix(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.Retries).
		SetRetryWaitTime(250*time.Millisecond).
		SetRetryMaxWaitTime(3*time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() == 429 || r.StatusCode() >= 500
		}).
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		c.SetHeader("X-API-Key", cfg.APIKey)
	}
	return &BridgeBroker{
		client: c,
		logger: logger.With(slog.String("component", "bridge_broker")),
	}
}

// Name identifies the broker in logs.
func (b *BridgeBroker) Name() string { return "bridge" }

type orderBody struct {
	Symbol   string           `json:"symbol"`
	Side     domain.OrderSide `json:"side"`
	Type     domain.OrderType `json:"type"`
	Quantity decimal.Decimal  `json:"quantity"`
	ClientID string           `json:"client_id"`
}

type fillBody struct {
	OrderID   string          `json:"order_id"`
	FilledQty decimal.Decimal `json:"filled_qty"`
	AvgPrice  decimal.Decimal `json:"avg_price"`
	FilledAt  time.Time       `json:"filled_at"`
}

type errorBody struct {
	Error string `json:"error"`
}

// PlaceOrder submits a market order and waits for the sidecar's fill report.
func (b *BridgeBroker) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.Fill, error) {
	var (
		out  fillBody
		fail errorBody
	)
	typ := req.Type
	if typ == "" {
		typ = domain.OrderTypeMarket
	}
	resp, err := b.client.R().
		SetContext(ctx).
		SetBody(orderBody{
			Symbol:   req.Symbol,
			Side:     req.Side,
			Type:     typ,
			Quantity: req.Quantity,
			ClientID: req.ClientID,
		}).
		SetResult(&out).
		SetError(&fail).
		Post("/order/market")
	if err != nil {
		return domain.Fill{}, fmt.Errorf("bridge: place %s %s: %w: %v", req.Side, req.Symbol, domain.ErrOrderFailed, err)
	}
	if resp.IsError() {
		msg := fail.Error
		if msg == "" {
			msg = strings.TrimSpace(string(resp.Body()))
		}
		return domain.Fill{}, fmt.Errorf("bridge: place %s %s: status %d %s: %w",
			req.Side, req.Symbol, resp.StatusCode(), msg, domain.ErrOrderFailed)
	}
	if !out.FilledQty.IsPositive() {
		return domain.Fill{}, fmt.Errorf("bridge: place %s %s: empty fill: %w", req.Side, req.Symbol, domain.ErrOrderFailed)
	}

	b.logger.Info("bridge: order filled",
		slog.String("symbol", req.Symbol),
		slog.String("side", string(req.Side)),
		slog.String("order_id", out.OrderID),
		slog.String("filled_qty", out.FilledQty.String()),
		slog.String("avg_price", out.AvgPrice.String()),
	)
	return domain.Fill(out), nil
}

// FetchPrice asks the sidecar for the last price of symbol.
func (b *BridgeBroker) FetchPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var out tickerResponse
	resp, err := b.client.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/price/" + url.PathEscape(strings.ToUpper(symbol)))
	if err != nil {
		return decimal.Zero, fmt.Errorf("bridge: price %s: %w: %v", symbol, domain.ErrPriceUnavailable, err)
	}
	if resp.IsError() || !out.Price.IsPositive() {
		return decimal.Zero, fmt.Errorf("bridge: price %s: status %d: %w", symbol, resp.StatusCode(), domain.ErrPriceUnavailable)
	}
	return out.Price, nil
}

var _ domain.Broker = (*BridgeBroker)(nil)
