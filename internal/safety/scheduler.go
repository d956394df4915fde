// Package safety runs the guardrail scan: every active position is checked
// against its stop loss and the maximum holding age, and breaches are closed
// through the lifecycle engine.
package safety

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/BB13/algobot-public/internal/config"
	"github.com/BB13/algobot-public/internal/domain"
	"github.com/BB13/algobot-public/internal/ledger"
	"github.com/BB13/algobot-public/internal/metrics"
)

// PositionLister reads the active positions.
type PositionLister interface {
	ListActive(ctx context.Context) ([]domain.Position, error)
}

// Closer force-closes a position under its key lease.
type Closer interface {
	ForceClose(ctx context.Context, target ledger.Target, reason domain.CloseReason) domain.Result
}

// AutoClose describes one position closed by a scan.
type AutoClose struct {
	PositionID string             `json:"position_id"`
	Key        string             `json:"key"`
	Reason     domain.CloseReason `json:"reason"`
	Price      *decimal.Decimal   `json:"price,omitempty"`
}

// Report summarizes one scan.
type Report struct {
	Scanned    int         `json:"scanned"`
	AutoClosed []AutoClose `json:"auto_closed"`
	// Guarded counts stop breaches held back by the flash-crash guard.
	Guarded int `json:"guarded"`
	Failed  int `json:"failed"`
}

// Scheduler evaluates guardrails for all active positions.
type Scheduler struct {
	positions PositionLister
	closer    Closer
	prices    domain.PriceSource
	cfg       config.Source
	events    domain.EventPublisher
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a Scheduler. events may be nil.
func New(positions PositionLister, closer Closer, prices domain.PriceSource, cfg config.Source, events domain.EventPublisher, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		positions: positions,
		closer:    closer,
		prices:    prices,
		cfg:       cfg,
		events:    events,
		logger:    logger.With(slog.String("component", "safety")),
		now:       time.Now,
	}
}

// Run scans every safety.interval until ctx is cancelled. The interval and
// the enabled flag are re-read before each tick.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("safety: scheduler started")
	for {
		cfg := s.cfg.Current().Safety
		interval := cfg.Interval.Duration
		if interval <= 0 {
			interval = time.Minute
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("safety: scheduler stopped")
			return nil
		case <-timer.C:
		}
		if !s.cfg.Current().Safety.Enabled {
			continue
		}
		if _, err := s.RunSafetyScan(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("safety: scan failed", slog.String("error", err.Error()))
		}
	}
}

// RunSafetyScan evaluates every active position once. A failure on one
// position is counted and logged; it never stops the rest of the scan.
func (s *Scheduler) RunSafetyScan(ctx context.Context) (Report, error) {
	cfg := s.cfg.Current().Safety
	report := Report{AutoClosed: []AutoClose{}}

	active, err := s.positions.ListActive(ctx)
	if err != nil {
		return report, fmt.Errorf("safety: list active: %w", err)
	}
	metrics.ActivePositions.Set(float64(len(active)))
	report.Scanned = len(active)

	limit := cfg.Concurrency
	if limit < 1 {
		limit = 1
	}
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(limit)
	now := s.now()
	for _, p := range active {
		g.Go(func() error {
			v := s.evaluate(ctx, p, now, cfg)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case v.closed != nil:
				report.AutoClosed = append(report.AutoClosed, *v.closed)
			case v.guarded:
				report.Guarded++
			case v.failed:
				report.Failed++
			}
			return nil
		})
	}
	_ = g.Wait()

	s.logger.Info("safety: scan complete",
		slog.Int("scanned", report.Scanned),
		slog.Int("auto_closed", len(report.AutoClosed)),
		slog.Int("guarded", report.Guarded),
		slog.Int("failed", report.Failed),
	)
	return report, nil
}

type verdict struct {
	closed  *AutoClose
	guarded bool
	failed  bool
}

func (s *Scheduler) evaluate(ctx context.Context, p domain.Position, now time.Time, cfg config.SafetyConfig) verdict {
	log := s.logger.With(slog.String("position_id", p.ID), slog.String("key", p.Key().String()))

	timeout := cfg.PriceTimeout.Duration
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	var price *decimal.Decimal
	pctx, cancel := context.WithTimeout(ctx, timeout)
	px, err := s.prices.FetchPrice(pctx, p.Symbol)
	cancel()
	if err != nil || !px.IsPositive() {
		log.Warn("safety: price unavailable", slog.Any("error", err))
	} else {
		price = &px
	}

	reason := domain.CloseReason("")
	switch {
	case price != nil && p.StopBreached(*price):
		adverse := p.AdverseMovePct(*price)
		if cfg.MaxStopLossPct > 0 && adverse.GreaterThan(decimal.NewFromFloat(cfg.MaxStopLossPct)) {
			log.Warn("safety: stop breach beyond flash-crash guard, not closing",
				slog.String("price", price.String()),
				slog.String("adverse_pct", adverse.StringFixed(2)),
			)
			s.publish(ctx, domain.Event{
				PositionID: p.ID,
				Kind:       domain.EventFlashCrashGuard,
				Details: map[string]any{
					"symbol":      p.Symbol,
					"price":       price.String(),
					"adverse_pct": adverse.StringFixed(2),
				},
			})
			return verdict{guarded: true}
		}
		reason = domain.CloseReasonStopLossAuto
	case cfg.MaxAge.Duration > 0 && now.Sub(p.OpenedAt) > cfg.MaxAge.Duration:
		reason = domain.CloseReasonMaxAgeAuto
	}
	if reason == "" {
		return verdict{failed: price == nil}
	}

	res := s.closer.ForceClose(ctx, ledger.Target{Key: p.Key(), PositionID: p.ID}, reason)
	switch res.Status {
	case domain.ResultApplied:
		metrics.AutoCloses.WithLabelValues(string(reason)).Inc()
		return verdict{closed: &AutoClose{PositionID: p.ID, Key: p.Key().String(), Reason: reason, Price: price}}
	case domain.ResultNoOp:
		log.Info("safety: position already closed elsewhere", slog.String("reason", res.Reason))
		return verdict{}
	default:
		log.Error("safety: auto-close failed",
			slog.String("reason", string(reason)),
			slog.String("error", res.Err.Error()),
		)
		return verdict{failed: true}
	}
}

func (s *Scheduler) publish(ctx context.Context, ev domain.Event) {
	if s.events == nil {
		return
	}
	ev.At = s.now()
	s.events.Publish(ctx, ev)
}
