package handler

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"sync"
	"time"

	"github.com/BB13/algobot-public/internal/domain"
)

// replayGuard drops a signal that repeats one seen within ttl. Alerting tools
// retry on slow responses, and a retried SCALE or TAKE_PROFIT must not be
// applied twice. A fingerprint is reserved while its first request is in
// flight and only kept once that request was applied or found to be a no-op.
type replayGuard struct {
	mu    sync.Mutex
	seen  map[string]replayEntry
	ttl   time.Duration
	sweep time.Time
}

type replayEntry struct {
	at      time.Time
	pending bool
}

func newReplayGuard(ttl time.Duration) *replayGuard {
	return &replayGuard{seen: make(map[string]replayEntry), ttl: ttl}
}

// reserve claims fp for a request about to run. It reports false when fp is
// already in flight or was kept within ttl of now. Expired entries are swept
// at most once per ttl.
func (g *replayGuard) reserve(fp string, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if now.Sub(g.sweep) >= g.ttl {
		for k, e := range g.seen {
			if !e.pending && now.Sub(e.at) >= g.ttl {
				delete(g.seen, k)
			}
		}
		g.sweep = now
	}

	if e, ok := g.seen[fp]; ok && (e.pending || now.Sub(e.at) < g.ttl) {
		return false
	}
	g.seen[fp] = replayEntry{at: now, pending: true}
	return true
}

// commit keeps a reserved fp for ttl from now.
func (g *replayGuard) commit(fp string, now time.Time) {
	g.mu.Lock()
	g.seen[fp] = replayEntry{at: now}
	g.mu.Unlock()
}

// release forgets a reserved fp so a retry of a failed request can run.
func (g *replayGuard) release(fp string) {
	g.mu.Lock()
	if e, ok := g.seen[fp]; ok && e.pending {
		delete(g.seen, fp)
	}
	g.mu.Unlock()
}

// fingerprint identifies a signal by everything except its receive time.
func fingerprint(sig domain.Signal) string {
	h := sha256.New()
	for _, part := range []string{
		string(sig.Command), sig.Symbol, string(sig.Side), sig.PositionID, sig.Strategy,
		sig.Amount.String(), sig.Quantity.String(), sig.Price.String(),
		strconv.Itoa(sig.Stage), strconv.Itoa(sig.MaxStages), sig.AltTakeProfit,
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
