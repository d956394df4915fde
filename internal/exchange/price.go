// Package exchange provides the order and price capabilities the lifecycle
// engine and safety scheduler consume: a paper broker, an HTTP bridge to an
// execution sidecar, and price sources.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/BB13/algobot-public/internal/domain"
)

// StaticPriceSource serves prices from an in-memory table.
type StaticPriceSource struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

// NewStaticPriceSource seeds the table; symbols are upper-cased.
func NewStaticPriceSource(prices map[string]float64) *StaticPriceSource {
	s := &StaticPriceSource{prices: make(map[string]decimal.Decimal, len(prices))}
	for sym, p := range prices {
		s.prices[strings.ToUpper(sym)] = decimal.NewFromFloat(p)
	}
	return s
}

// Set replaces the price of symbol.
func (s *StaticPriceSource) Set(symbol string, price decimal.Decimal) {
	s.mu.Lock()
	s.prices[strings.ToUpper(symbol)] = price
	s.mu.Unlock()
}

// FetchPrice returns the stored price or ErrPriceUnavailable.
func (s *StaticPriceSource) FetchPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prices[strings.ToUpper(symbol)]
	if !ok {
		return decimal.Zero, fmt.Errorf("exchange: no static price for %s: %w", symbol, domain.ErrPriceUnavailable)
	}
	return p, nil
}

// RESTPriceSource reads last prices from a public ticker endpoint of the
// form GET /api/v3/ticker/price?symbol=BTCUSDT.
type RESTPriceSource struct {
	client *resty.Client
}

// NewRESTPriceSource creates a price source rooted at baseURL.
func NewRESTPriceSource(baseURL string, timeout time.Duration, retries int) *RESTPriceSource {
	c := resty.New().
		SetBaseURL(strings.TrimSuffix(baseURL, "/")).
		SetTimeout(timeout).
		SetRetryCount(retries).
		SetRetryWaitTime(200*time.Millisecond).
		SetRetryMaxWaitTime(2*time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() == 429 || r.StatusCode() >= 500
		}).
		SetHeader("Accept", "application/json")
	return &RESTPriceSource{client: c}
}

type tickerResponse struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
}

// FetchPrice queries the ticker for symbol.
func (s *RESTPriceSource) FetchPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var out tickerResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetQueryParam("symbol", strings.ToUpper(symbol)).
		SetResult(&out).
		Get("/api/v3/ticker/price")
	if err != nil {
		return decimal.Zero, fmt.Errorf("exchange: ticker %s: %w: %v", symbol, domain.ErrPriceUnavailable, err)
	}
	if resp.IsError() {
		return decimal.Zero, fmt.Errorf("exchange: ticker %s: status %d: %w", symbol, resp.StatusCode(), domain.ErrPriceUnavailable)
	}
	if !out.Price.IsPositive() {
		return decimal.Zero, fmt.Errorf("exchange: ticker %s returned %s: %w", symbol, out.Price, domain.ErrPriceUnavailable)
	}
	return out.Price, nil
}

// CachedPriceSource answers from a shared price cache while the cached value
// is younger than ttl and otherwise falls through to next, writing the fresh
// price back.
type CachedPriceSource struct {
	cache  domain.PriceCache
	next   domain.PriceSource
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewCachedPriceSource wraps next with cache.
func NewCachedPriceSource(cache domain.PriceCache, next domain.PriceSource, ttl time.Duration, logger *slog.Logger) *CachedPriceSource {
	return &CachedPriceSource{
		cache:  cache,
		next:   next,
		ttl:    ttl,
		logger: logger.With(slog.String("component", "price_cache")),
		now:    time.Now,
	}
}

// FetchPrice returns a fresh cached price or fetches one.
func (s *CachedPriceSource) FetchPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	symbol = strings.ToUpper(symbol)
	if p, ts, err := s.cache.GetPrice(ctx, symbol); err == nil && p.IsPositive() && s.now().Sub(ts) <= s.ttl {
		return p, nil
	}
	p, err := s.next.FetchPrice(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	if err := s.cache.SetPrice(ctx, symbol, p, s.now()); err != nil {
		s.logger.Warn("price_cache: write failed",
			slog.String("symbol", symbol),
			slog.String("error", err.Error()),
		)
	}
	return p, nil
}

var (
	_ domain.PriceSource = (*StaticPriceSource)(nil)
	_ domain.PriceSource = (*RESTPriceSource)(nil)
	_ domain.PriceSource = (*CachedPriceSource)(nil)
)
