// Package reconcile repairs ledger residue left by crashes and races:
// positions present in both partitions, duplicate copies of one id, closes
// that never finished, and two active positions on one key. Every repair is
// idempotent; a pass over a consistent ledger changes nothing.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/BB13/algobot-public/internal/config"
	"github.com/BB13/algobot-public/internal/domain"
	"github.com/BB13/algobot-public/internal/ledger"
	"github.com/BB13/algobot-public/internal/metrics"
)

// Repair kinds.
const (
	KindRestore        = "restore"
	KindBothPartitions = "both_partitions"
	KindDuplicateCopy  = "duplicate_version"
	KindStuckClose     = "stuck_close"
	KindDuplicateKey   = "duplicate_key"
)

// Repair is one fix applied by a pass.
type Repair struct {
	Kind       string `json:"kind"`
	PositionID string `json:"position_id,omitempty"`
	Detail     string `json:"detail"`
}

// Report summarizes a reconciliation pass.
type Report struct {
	RepairedCount int      `json:"repaired_count"`
	Repairs       []Repair `json:"repairs"`
}

func (r *Report) add(rep Repair) {
	r.Repairs = append(r.Repairs, rep)
	r.RepairedCount++
}

// Reconciler runs the repair pass through the ledger's key leases.
type Reconciler struct {
	ledger *ledger.Repository
	cfg    config.Source
	audit  domain.AuditStore
	events domain.EventPublisher
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Reconciler. audit and events may be nil.
func New(repo *ledger.Repository, cfg config.Source, audit domain.AuditStore, events domain.EventPublisher, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		ledger: repo,
		cfg:    cfg,
		audit:  audit,
		events: events,
		logger: logger.With(slog.String("component", "reconcile")),
		now:    time.Now,
	}
}

// Run reconciles once at startup when configured, then every
// reconcile.interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	if rc := r.cfg.Current().Reconcile; rc.Enabled && rc.OnStartup {
		r.runLogged(ctx)
	}
	for {
		interval := r.cfg.Current().Reconcile.Interval.Duration
		if interval <= 0 {
			interval = 15 * time.Minute
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		if r.cfg.Current().Reconcile.Enabled {
			r.runLogged(ctx)
		}
	}
}

func (r *Reconciler) runLogged(ctx context.Context) {
	if _, err := r.RunReconciliation(ctx); err != nil && ctx.Err() == nil {
		r.logger.Error("reconcile: pass failed", slog.String("error", err.Error()))
	}
}

// RunReconciliation checks store integrity and then repairs every key that
// shows residue, each under its own lease.
func (r *Reconciler) RunReconciliation(ctx context.Context) (Report, error) {
	report := Report{Repairs: []Repair{}}

	integrity, err := r.ledger.CheckIntegrity(ctx)
	if err != nil {
		return report, fmt.Errorf("reconcile: integrity: %w", err)
	}
	for _, p := range integrity.Restored {
		report.add(Repair{Kind: KindRestore, Detail: fmt.Sprintf("%s partition restored from %s", p, integrity.Source[p])})
	}

	snap, err := r.ledger.Snapshot(ctx)
	if err != nil {
		return report, fmt.Errorf("reconcile: snapshot: %w", err)
	}
	hedge := r.cfg.Current().Ledger.HedgeMode
	for _, key := range suspectKeys(snap, hedge) {
		err := r.ledger.Repair(ctx, key, func(ctx context.Context, store domain.PositionStore) error {
			return r.repairKey(ctx, store, key, hedge, &report)
		})
		if err != nil {
			// One stuck key must not block the others.
			r.logger.Error("reconcile: key repair failed",
				slog.String("key", key.String()),
				slog.String("error", err.Error()),
			)
		}
	}

	for _, rep := range report.Repairs {
		// The store counts its own restores.
		if rep.Kind != KindRestore {
			metrics.Repairs.WithLabelValues(rep.Kind).Inc()
		}
	}
	if report.RepairedCount > 0 {
		r.logger.Warn("reconcile: ledger repaired", slog.Int("repairs", report.RepairedCount))
		if r.events != nil {
			r.events.Publish(ctx, domain.Event{
				Kind:    domain.EventLedgerRepaired,
				Details: map[string]any{"repairs": report.RepairedCount},
				At:      r.now(),
			})
		}
	} else {
		r.logger.Info("reconcile: ledger consistent")
	}
	return report, nil
}

// suspectKeys lists, in a stable order, the keys whose records need a look.
func suspectKeys(snap domain.Snapshot, hedge bool) []domain.Key {
	keys := map[domain.Key]bool{}
	closedIDs := map[string]bool{}
	closedCopies := map[string]int{}
	for _, p := range snap.Closed {
		closedIDs[p.ID] = true
		closedCopies[p.ID]++
		if closedCopies[p.ID] > 1 {
			keys[p.Key()] = true
		}
	}
	activeCopies := map[string]int{}
	perKey := map[domain.Key]map[string]bool{}
	for _, p := range snap.Active {
		activeCopies[p.ID]++
		switch {
		case activeCopies[p.ID] > 1, closedIDs[p.ID], !p.Status.Active(), p.RemainingQuantity.IsZero():
			keys[p.Key()] = true
			continue
		}
		if perKey[p.Key()] == nil {
			perKey[p.Key()] = map[string]bool{}
		}
		perKey[p.Key()][p.ID] = true
	}
	if !hedge {
		for k, ids := range perKey {
			if len(ids) > 1 {
				keys[k] = true
			}
		}
	}

	out := make([]domain.Key, 0, len(keys))
	for k := range keys {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func (r *Reconciler) repairKey(ctx context.Context, store domain.PositionStore, key domain.Key, hedge bool, report *Report) error {
	// (b) duplicate copies of an id inside one partition.
	snap, err := store.Snapshot(ctx)
	if err != nil {
		return err
	}
	for _, part := range []struct {
		name domain.Partition
		recs []domain.Position
	}{{domain.PartitionActive, snap.Active}, {domain.PartitionClosed, snap.Closed}} {
		for _, id := range duplicateIDs(part.recs, key) {
			n, err := store.Dedupe(ctx, part.name, id)
			if err != nil {
				return err
			}
			if n > 0 {
				r.record(ctx, report, Repair{
					Kind:       KindDuplicateCopy,
					PositionID: id,
					Detail:     fmt.Sprintf("dropped %d stale copies from %s", n, part.name),
				})
			}
		}
	}

	// (a) ids in both partitions and (c) closes that never completed.
	if snap, err = store.Snapshot(ctx); err != nil {
		return err
	}
	closedIDs := map[string]bool{}
	for _, p := range snap.Closed {
		closedIDs[p.ID] = true
	}
	for _, p := range snap.Active {
		if p.Key() != key {
			continue
		}
		if closedIDs[p.ID] {
			if err := deleteActive(ctx, store, p.ID); err != nil {
				return err
			}
			r.record(ctx, report, Repair{
				Kind:       KindBothPartitions,
				PositionID: p.ID,
				Detail:     "closed record is authoritative, active copy removed",
			})
			continue
		}
		if p.Status.Active() && !p.RemainingQuantity.IsZero() {
			continue
		}
		closed := r.finishClose(p)
		if _, err := store.Put(ctx, closed, p.Version); err != nil {
			return fmt.Errorf("reconcile: finish close %s: %w", p.ID, err)
		}
		if err := deleteActive(ctx, store, p.ID); err != nil {
			return err
		}
		r.record(ctx, report, Repair{
			Kind:       KindStuckClose,
			PositionID: p.ID,
			Detail:     fmt.Sprintf("moved to history with reason %s", closed.CloseReason),
		})
	}

	// (d) more than one active position on the key.
	if hedge {
		return nil
	}
	active, err := store.ListActive(ctx)
	if err != nil {
		return err
	}
	var onKey []domain.Position
	for _, p := range active {
		if p.Key() == key {
			onKey = append(onKey, p)
		}
	}
	if len(onKey) < 2 {
		return nil
	}
	return r.mergeDuplicates(ctx, store, onKey, report)
}

// finishClose turns a stuck active record into its final closed form.
func (r *Reconciler) finishClose(p domain.Position) domain.Position {
	c := p.Clone()
	c.Status = domain.PositionStatusClosed
	c.RemainingQuantity = decimal.Zero
	if !c.CloseReason.Valid() {
		c.CloseReason = domain.CloseReasonManual
		if c.TakeProfitIndex > 0 || len(c.TakeProfits) > 0 {
			c.CloseReason = domain.CloseReasonTakeProfitFinal
		}
	}
	if c.ClosePrice == nil && len(c.TakeProfits) > 0 {
		last := c.TakeProfits[len(c.TakeProfits)-1].Price
		c.ClosePrice = &last
	}
	if c.ClosedAt == nil {
		at := c.LastModifiedAt
		if at.IsZero() {
			at = r.now()
		}
		c.ClosedAt = &at
	}
	c.LastModifiedAt = r.now()
	return c
}

// mergeDuplicates folds newer positions on one key into the oldest:
// quantities add up, entry is weighted by remaining size, and the tighter
// stop is kept.
func (r *Reconciler) mergeDuplicates(ctx context.Context, store domain.PositionStore, onKey []domain.Position, report *Report) error {
	sort.SliceStable(onKey, func(i, j int) bool { return onKey[i].OpenedAt.Before(onKey[j].OpenedAt) })
	keep := onKey[0].Clone()
	expected := keep.Version

	for _, dup := range onKey[1:] {
		total := keep.RemainingQuantity.Add(dup.RemainingQuantity)
		keep.EntryPrice = keep.EntryPrice.Mul(keep.RemainingQuantity).
			Add(dup.EntryPrice.Mul(dup.RemainingQuantity)).
			Div(total)
		keep.RemainingQuantity = total
		keep.OriginalQuantity = keep.OriginalQuantity.Add(dup.OriginalQuantity)
		keep.RealizedPnL = keep.RealizedPnL.Add(dup.RealizedPnL)
		if dup.StopLossPrice != nil {
			keep.TightenStop(*dup.StopLossPrice)
		}
	}
	keep.LastModifiedAt = r.now()
	if keep.Status == domain.PositionStatusOpen && keep.TakeProfitIndex > 0 {
		keep.Status = domain.PositionStatusPartiallyClosed
	}
	if err := keep.Validate(); err != nil {
		return fmt.Errorf("reconcile: merge into %s: %w", keep.ID, err)
	}
	if _, err := store.Put(ctx, keep, expected); err != nil {
		return fmt.Errorf("reconcile: merge into %s: %w", keep.ID, err)
	}

	for _, dup := range onKey[1:] {
		if err := deleteActive(ctx, store, dup.ID); err != nil {
			return err
		}
		r.logger.Warn("reconcile: duplicate key merged",
			slog.String("key", keep.Key().String()),
			slog.String("kept", keep.ID),
			slog.String("merged", dup.ID),
			slog.String("error", domain.ErrDuplicateKey.Error()),
		)
		r.record(ctx, report, Repair{
			Kind:       KindDuplicateKey,
			PositionID: dup.ID,
			Detail: fmt.Sprintf("merged %s %s @ %s into %s",
				dup.RemainingQuantity, dup.Symbol, dup.EntryPrice, keep.ID),
		})
	}
	return nil
}

func deleteActive(ctx context.Context, store domain.PositionStore, id string) error {
	if err := store.Delete(ctx, id); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("reconcile: remove active %s: %w", id, err)
	}
	return nil
}

func duplicateIDs(recs []domain.Position, key domain.Key) []string {
	seen := map[string]int{}
	var out []string
	for _, p := range recs {
		if p.Key() != key {
			continue
		}
		seen[p.ID]++
		if seen[p.ID] == 2 {
			out = append(out, p.ID)
		}
	}
	return out
}

func (r *Reconciler) record(ctx context.Context, report *Report, rep Repair) {
	report.add(rep)
	r.logger.Warn("reconcile: repair applied",
		slog.String("kind", rep.Kind),
		slog.String("position_id", rep.PositionID),
		slog.String("detail", rep.Detail),
	)
	if r.audit == nil {
		return
	}
	if err := r.audit.Log(ctx, "reconcile_"+rep.Kind, map[string]any{
		"position_id": rep.PositionID,
		"detail":      rep.Detail,
	}); err != nil {
		r.logger.Warn("reconcile: audit failed", slog.String("error", err.Error()))
	}
}
