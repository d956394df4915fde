package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// LockManager grants exclusive, per-key leases. Acquire blocks up to timeout
// and fails with ErrLockTimeout; the returned release func is safe to call
// more than once.
type LockManager interface {
	Acquire(ctx context.Context, key string, timeout time.Duration) (release func(), err error)
}

// PriceCache provides fast access to the latest prices.
type PriceCache interface {
	SetPrice(ctx context.Context, symbol string, price decimal.Decimal, ts time.Time) error
	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, time.Time, error)
}

// RateDecision is the outcome of one rate-limit check.
type RateDecision struct {
	Allowed   bool
	Remaining int
	// RetryAfter is how long until the oldest counted request leaves the
	// window. Zero when Allowed.
	RetryAfter time.Duration
}

// RateLimiter counts requests per key over a sliding window shared by every
// process.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (RateDecision, error)
}

// EventBus carries encoded ledger events between processes: a live pub/sub
// channel plus a bounded stream that keeps recent history.
type EventBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	Append(ctx context.Context, stream string, payload []byte) error
}
