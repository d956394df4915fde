package redis

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BB13/algobot-public/internal/domain"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := New(context.Background(), ClientConfig{Addr: mr.Addr(), Namespace: "algobot:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestKeyNamespace(t *testing.T) {
	c, _ := newTestClient(t)
	assert.Equal(t, "algobot:lock:BTCUSDT:long", c.key("lock", "BTCUSDT:long"))
	bare := &Client{}
	assert.Equal(t, "price:BTCUSDT", bare.key("price", "BTCUSDT"))
}

func TestNewFailsWithoutServer(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := New(context.Background(), ClientConfig{Addr: addr, DialTimeout: 100 * time.Millisecond})
	assert.Error(t, err)
}

func TestLockMutualExclusion(t *testing.T) {
	c, _ := newTestClient(t)
	a := NewLockManager(c, time.Minute, 2*time.Millisecond, discard())
	b := NewLockManager(c, time.Minute, 2*time.Millisecond, discard())
	ctx := context.Background()

	var (
		mu      sync.Mutex
		holders int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		lm := a
		if i%2 == 1 {
			lm = b
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := lm.Acquire(ctx, "BTCUSDT:long", 5*time.Second)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			holders++
			maxSeen = max(maxSeen, holders)
			mu.Unlock()
			time.Sleep(3 * time.Millisecond)
			mu.Lock()
			holders--
			mu.Unlock()
			release()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
}

func TestLockTimeout(t *testing.T) {
	c, mr := newTestClient(t)
	lm := NewLockManager(c, time.Minute, 2*time.Millisecond, discard())
	ctx := context.Background()

	release, err := lm.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)

	start := time.Now()
	_, err = lm.Acquire(ctx, "k", 30*time.Millisecond)
	assert.ErrorIs(t, err, domain.ErrLockTimeout)
	assert.Less(t, time.Since(start), time.Second)

	release()
	release()
	assert.False(t, mr.Exists("algobot:lock:k"))

	again, err := lm.Acquire(ctx, "k", 30*time.Millisecond)
	require.NoError(t, err)
	again()
}

func TestLockAcquireHonoursCancel(t *testing.T) {
	c, _ := newTestClient(t)
	lm := NewLockManager(c, time.Minute, 2*time.Millisecond, discard())

	release, err := lm.Acquire(context.Background(), "k", time.Second)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = lm.Acquire(ctx, "k", time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, domain.ErrLockTimeout)
}

func TestStaleReleaseKeepsNewHolder(t *testing.T) {
	c, mr := newTestClient(t)
	lm := NewLockManager(c, time.Minute, 2*time.Millisecond, discard())
	ctx := context.Background()

	first, err := lm.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)
	// The first holder stalls past its TTL.
	mr.FastForward(2 * time.Minute)
	require.False(t, mr.Exists("algobot:lock:k"))

	second, err := lm.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)
	owner, err := mr.Get("algobot:lock:k")
	require.NoError(t, err)

	first()
	got, err := mr.Get("algobot:lock:k")
	require.NoError(t, err, "a stale release must not delete the new lease")
	assert.Equal(t, owner, got)

	second()
	assert.False(t, mr.Exists("algobot:lock:k"))
}

func TestPriceCacheRoundTrip(t *testing.T) {
	c, mr := newTestClient(t)
	pc := NewPriceCache(c, time.Minute)
	ctx := context.Background()
	at := time.Date(2026, 5, 1, 12, 0, 0, 123, time.UTC)

	_, _, err := pc.GetPrice(ctx, "BTCUSDT")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, pc.SetPrice(ctx, "BTCUSDT", decimal.RequireFromString("64250.5"), at))
	price, ts, err := pc.GetPrice(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.RequireFromString("64250.5")))
	assert.True(t, ts.Equal(at))

	mr.FastForward(2 * time.Minute)
	_, _, err = pc.GetPrice(ctx, "BTCUSDT")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, mr.Set("algobot:price:ETHUSDT", "not-a-price"))
	_, _, err = pc.GetPrice(ctx, "ETHUSDT")
	assert.Error(t, err)
}

func TestRateLimiterSlidingWindow(t *testing.T) {
	c, _ := newTestClient(t)
	rl := NewRateLimiter(c)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	ctx := context.Background()

	d, err := rl.Allow(ctx, "webhook", 2, time.Second)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Remaining)

	now = now.Add(100 * time.Millisecond)
	d, err = rl.Allow(ctx, "webhook", 2, time.Second)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)

	now = now.Add(100 * time.Millisecond)
	d, err = rl.Allow(ctx, "webhook", 2, time.Second)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 800*time.Millisecond, d.RetryAfter)

	d, err = rl.Allow(ctx, "other", 2, time.Second)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "keys are counted separately")

	now = now.Add(time.Second)
	d, err = rl.Allow(ctx, "webhook", 2, time.Second)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestEventBusPublishSubscribe(t *testing.T) {
	c, _ := newTestClient(t)
	bus := NewEventBus(c, 100)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.Subscribe(ctx, "ledger")
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, "ledger", []byte(`{"kind":"position_opened"}`)))

	select {
	case got := <-ch:
		assert.JSONEq(t, `{"kind":"position_opened"}`, string(got))
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}

	cancel()
	require.Eventually(t, func() bool {
		_, open := <-ch
		return !open
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEventBusAppend(t *testing.T) {
	c, _ := newTestClient(t)
	bus := NewEventBus(c, 100)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, bus.Append(ctx, "ledger", []byte(`{}`)))
	}
	n, err := c.rdb.XLen(ctx, "algobot:stream:ledger").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}
