package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/BB13/algobot-public/internal/domain"
	"github.com/BB13/algobot-public/internal/metrics"
)

// unlockLua is a Lua script that deletes a lock key only if its value matches
// the caller's unique token. This prevents one holder from accidentally
// releasing another holder's lock.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// extendLua pushes the expiry of a lease forward while the token still owns it.
const extendLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`

// LockManager implements domain.LockManager using Redis SET NX with a TTL and
// a Lua-based conditional unlock. While a lease is held a watchdog extends
// its TTL, so the TTL only bounds how long a crashed holder blocks others.
type LockManager struct {
	c        *Client
	rdb      *redis.Client
	unlockSc *redis.Script
	extendSc *redis.Script
	ttl      time.Duration
	poll     time.Duration
	logger   *slog.Logger
}

// NewLockManager creates a LockManager backed by the given Client.
func NewLockManager(c *Client, ttl, poll time.Duration, logger *slog.Logger) *LockManager {
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &LockManager{
		c:        c,
		rdb:      c.rdb,
		unlockSc: redis.NewScript(unlockLua),
		extendSc: redis.NewScript(extendLua),
		ttl:      ttl,
		poll:     poll,
		logger:   logger.With(slog.String("component", "redis_lock")),
	}
}

// setTimeout bounds a single SET NX round trip. It is independent of the
// wait deadline so a slow reply is never cut off after the key was written.
const setTimeout = 2 * time.Second

// Acquire polls SET NX until the lease is obtained or timeout elapses, in
// which case it returns domain.ErrLockTimeout. The returned release func is
// safe to call more than once.
func (lm *LockManager) Acquire(ctx context.Context, key string, timeout time.Duration) (func(), error) {
	start := time.Now()
	deadline := start.Add(timeout)
	token := uuid.New().String()
	lk := lm.c.key("lock", key)

	for {
		setCtx, cancel := context.WithTimeout(ctx, setTimeout)
		ok, err := lm.rdb.SetNX(setCtx, lk, token, lm.ttl).Result()
		cancel()
		if err != nil {
			// The SET may have landed before the reply was lost.
			lm.discard(lk, token)
			if ctx.Err() != nil {
				return nil, fmt.Errorf("redis: acquire lock %s: %w", key, ctx.Err())
			}
			if !errors.Is(err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
			}
		}
		if ok {
			break
		}
		wait := time.Until(deadline)
		if wait <= 0 {
			metrics.LockTimeouts.Inc()
			return nil, fmt.Errorf("redis: acquire lock %s after %s: %w", key, timeout, domain.ErrLockTimeout)
		}
		timer := time.NewTimer(min(wait, lm.poll))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("redis: acquire lock %s: %w", key, ctx.Err())
		case <-timer.C:
		}
	}
	metrics.LockWait.Observe(time.Since(start).Seconds())

	stop := make(chan struct{})
	go lm.watchdog(lk, token, stop)

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			close(stop)
			lm.discard(lk, token)
		})
	}
	return unlock, nil
}

// discard deletes lk if token still owns it. It uses a background context so
// the unlock succeeds even if the caller's context is already cancelled.
func (lm *LockManager) discard(lk, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := lm.unlockSc.Run(ctx, lm.rdb, []string{lk}, token).Err(); err != nil {
		lm.logger.Warn("redis_lock: unlock failed",
			slog.String("key", lk),
			slog.String("error", err.Error()),
		)
	}
}

func (lm *LockManager) watchdog(lk, token string, stop <-chan struct{}) {
	ticker := time.NewTicker(lm.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), lm.ttl/3)
			n, err := lm.extendSc.Run(ctx, lm.rdb, []string{lk}, token, lm.ttl.Milliseconds()).Int()
			cancel()
			if err != nil || n == 0 {
				lm.logger.Warn("redis_lock: lease extension failed",
					slog.String("key", lk),
					slog.Any("error", err),
				)
				return
			}
		}
	}
}

// Compile-time interface check.
var _ domain.LockManager = (*LockManager)(nil)
