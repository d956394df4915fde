package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/BB13/algobot-public/internal/domain"
)

// PriceCache shares the last fetched price per symbol between processes.
// Each entry is a string "<price>|<unix nanos>" under <ns>:price:<SYMBOL>
// that Redis expires after expire, so symbols nobody trades any more drop
// out on their own.
type PriceCache struct {
	c      *Client
	expire time.Duration
}

// NewPriceCache creates a PriceCache. A non-positive expire keeps entries for
// an hour.
func NewPriceCache(c *Client, expire time.Duration) *PriceCache {
	if expire <= 0 {
		expire = time.Hour
	}
	return &PriceCache{c: c, expire: expire}
}

// SetPrice records price as observed at ts.
func (pc *PriceCache) SetPrice(ctx context.Context, symbol string, price decimal.Decimal, ts time.Time) error {
	val := price.String() + "|" + strconv.FormatInt(ts.UnixNano(), 10)
	if err := pc.c.rdb.Set(ctx, pc.c.key("price", symbol), val, pc.expire).Err(); err != nil {
		return fmt.Errorf("redis: set price %s: %w", symbol, err)
	}
	return nil
}

// GetPrice returns the cached price and when it was observed, or
// domain.ErrNotFound.
func (pc *PriceCache) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, time.Time, error) {
	val, err := pc.c.rdb.Get(ctx, pc.c.key("price", symbol)).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, time.Time{}, fmt.Errorf("redis: get price %s: %w", symbol, domain.ErrNotFound)
	}
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("redis: get price %s: %w", symbol, err)
	}

	ps, ns, ok := strings.Cut(val, "|")
	if !ok {
		return decimal.Zero, time.Time{}, fmt.Errorf("redis: malformed price entry %s: %q", symbol, val)
	}
	price, err := decimal.NewFromString(ps)
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("redis: parse price %s: %w", symbol, err)
	}
	nanos, err := strconv.ParseInt(ns, 10, 64)
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("redis: parse price time %s: %w", symbol, err)
	}
	return price, time.Unix(0, nanos), nil
}

var _ domain.PriceCache = (*PriceCache)(nil)
