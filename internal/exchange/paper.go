package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/BB13/algobot-public/internal/domain"
)

// PaperBroker fills every market order in full at the price source's
// current price. It never talks to an exchange.
type PaperBroker struct {
	prices domain.PriceSource
	logger *slog.Logger

	mu   sync.Mutex
	fail error
}

// NewPaperBroker creates a PaperBroker priced by prices.
func NewPaperBroker(prices domain.PriceSource, logger *slog.Logger) *PaperBroker {
	return &PaperBroker{
		prices: prices,
		logger: logger.With(slog.String("component", "paper_broker")),
	}
}

// Name identifies the broker in logs.
func (b *PaperBroker) Name() string { return "paper" }

// SetFailure makes every following order fail with err; nil restores fills.
func (b *PaperBroker) SetFailure(err error) {
	b.mu.Lock()
	b.fail = err
	b.mu.Unlock()
}

// PlaceOrder fills req at the current price.
func (b *PaperBroker) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.Fill, error) {
	b.mu.Lock()
	fail := b.fail
	b.mu.Unlock()
	if fail != nil {
		return domain.Fill{}, fmt.Errorf("paper: %w: %v", domain.ErrOrderFailed, fail)
	}
	if !req.Quantity.IsPositive() {
		return domain.Fill{}, fmt.Errorf("paper: quantity %s: %w", req.Quantity, domain.ErrOrderFailed)
	}

	price, err := b.prices.FetchPrice(ctx, req.Symbol)
	if err != nil {
		return domain.Fill{}, fmt.Errorf("paper: price %s: %w: %v", req.Symbol, domain.ErrOrderFailed, err)
	}
	fill := domain.Fill{
		OrderID:   "paper-" + uuid.New().String(),
		FilledQty: req.Quantity,
		AvgPrice:  price,
		FilledAt:  time.Now().UTC(),
	}
	b.logger.Info("paper: order filled",
		slog.String("symbol", req.Symbol),
		slog.String("side", string(req.Side)),
		slog.String("quantity", req.Quantity.String()),
		slog.String("price", price.String()),
		slog.String("client_id", req.ClientID),
	)
	return fill, nil
}

// FetchPrice delegates to the price source.
func (b *PaperBroker) FetchPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return b.prices.FetchPrice(ctx, symbol)
}

var _ domain.Broker = (*PaperBroker)(nil)
