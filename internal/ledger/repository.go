// Package ledger is the single choke point for position mutations. Every
// change runs under the per-key lease and is persisted with an optimistic
// version check, so signal handling, the safety scheduler and the reconciler
// can interleave freely.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/BB13/algobot-public/internal/config"
	"github.com/BB13/algobot-public/internal/domain"
)

// Op is the kind of change a Mutation makes.
type Op int

const (
	OpNone Op = iota
	OpCreate
	OpUpdate
	OpClose
)

func (o Op) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	case OpClose:
		return "close"
	}
	return "none"
}

// Mutation is the decision returned by a Func. Apply derives the record to
// persist from base (nil for OpCreate). It must be a pure function of base:
// after a version conflict it is called again on the re-read record.
type Mutation struct {
	Op    Op
	Apply func(base *domain.Position) (domain.Position, error)
}

// NoChange is the OpNone mutation.
var NoChange = Mutation{Op: OpNone}

// Func inspects the current active record for a target (nil when there is
// none) and decides what to do. It runs exactly once per WithPosition call,
// under the key lease, and may perform side effects such as placing orders.
type Func func(ctx context.Context, current *domain.Position) (Mutation, error)

// Target selects the position a mutation applies to. PositionID narrows the
// key when several positions share it; a zero Key is derived from the id.
type Target struct {
	Key        domain.Key
	PositionID string
}

func (t Target) String() string {
	if t.PositionID != "" {
		return t.Key.String() + "#" + t.PositionID
	}
	return t.Key.String()
}

// Repository wraps a PositionStore with per-key leases and bounded retries.
type Repository struct {
	store  domain.PositionStore
	locks  domain.LockManager
	cfg    config.Source
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// New creates a Repository. Retry and hedge settings are read from cfg on
// every call.
func New(store domain.PositionStore, locks domain.LockManager, cfg config.Source, logger *slog.Logger) *Repository {
	return &Repository{
		store:  store,
		locks:  locks,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "ledger")),
		now:    time.Now,
		newID:  func() string { return uuid.New().String() },
	}
}

// LockKey is the lease name guarding all positions of k.
func LockKey(k domain.Key) string {
	return "position:" + k.String()
}

// WithPosition runs fn against the current active record of t under the key
// lease and persists the mutation it returns. The returned position is the
// stored record, or the unchanged current record for OpNone (nil if none).
func (r *Repository) WithPosition(ctx context.Context, t Target, fn Func) (*domain.Position, error) {
	cfg := r.cfg.Current()

	if t.Key.Symbol == "" {
		if t.PositionID == "" {
			return nil, fmt.Errorf("ledger: empty target: %w", domain.ErrInvalidSignal)
		}
		p, err := r.store.Get(ctx, t.PositionID)
		if err != nil {
			return nil, fmt.Errorf("ledger: resolve %s: %w", t.PositionID, err)
		}
		t.Key = p.Key()
	}

	release, err := r.acquire(ctx, LockKey(t.Key), cfg)
	if err != nil {
		return nil, err
	}
	defer release()

	current, err := r.resolve(ctx, t)
	if err != nil {
		return nil, err
	}

	var arg *domain.Position
	if current != nil {
		c := current.Clone()
		arg = &c
	}
	m, err := fn(ctx, arg)
	if err != nil {
		return nil, err
	}
	if m.Op == OpNone {
		return current, nil
	}
	if m.Apply == nil {
		return nil, fmt.Errorf("ledger: %s %s: mutation has no Apply", m.Op, t)
	}
	return r.persist(ctx, t, current, m, cfg)
}

// Repair gives fn direct store access under the lease for k. It is meant for
// the reconciler; fn must leave every record it touches valid.
func (r *Repository) Repair(ctx context.Context, k domain.Key, fn func(ctx context.Context, store domain.PositionStore) error) error {
	release, err := r.acquire(ctx, LockKey(k), r.cfg.Current())
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx, r.store)
}

// Get returns the newest record of id from either partition.
func (r *Repository) Get(ctx context.Context, id string) (domain.Position, error) {
	return r.store.Get(ctx, id)
}

// ListActive returns every active position, oldest first.
func (r *Repository) ListActive(ctx context.Context) ([]domain.Position, error) {
	return r.store.ListActive(ctx)
}

// ListClosed returns history matching filter, newest first.
func (r *Repository) ListClosed(ctx context.Context, filter domain.ClosedFilter) ([]domain.Position, error) {
	return r.store.ListClosed(ctx, filter)
}

// FindActive returns the active positions on k, oldest first.
func (r *Repository) FindActive(ctx context.Context, k domain.Key) ([]domain.Position, error) {
	all, err := r.store.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	var out []domain.Position
	for _, p := range all {
		if p.Key() == k {
			out = append(out, p)
		}
	}
	return out, nil
}

// Snapshot exposes the raw partitions to the reconciler.
func (r *Repository) Snapshot(ctx context.Context) (domain.Snapshot, error) {
	return r.store.Snapshot(ctx)
}

// CheckIntegrity runs the store's parse-and-restore pass.
func (r *Repository) CheckIntegrity(ctx context.Context) (domain.IntegrityReport, error) {
	return r.store.CheckIntegrity(ctx)
}

// resolve finds the active record a target refers to: the named id, or the
// oldest active record on the key.
func (r *Repository) resolve(ctx context.Context, t Target) (*domain.Position, error) {
	active, err := r.FindActive(ctx, t.Key)
	if err != nil {
		return nil, fmt.Errorf("ledger: read %s: %w", t, err)
	}
	for i := range active {
		if t.PositionID == "" || active[i].ID == t.PositionID {
			return &active[i], nil
		}
	}
	return nil, nil
}

func (r *Repository) persist(ctx context.Context, t Target, current *domain.Position, m Mutation, cfg config.Config) (*domain.Position, error) {
	if m.Op != OpCreate && current == nil {
		return nil, fmt.Errorf("ledger: %s %s: %w", m.Op, t, domain.ErrNoActivePosition)
	}
	if m.Op == OpCreate {
		// A target naming an id can miss a record held under another id.
		existing, err := r.FindActive(ctx, t.Key)
		if err != nil {
			return nil, err
		}
		if len(existing) > 0 && !cfg.Ledger.HedgeMode {
			return nil, fmt.Errorf("ledger: create on %s: %w", t, domain.ErrDuplicateKey)
		}
	}

	base := current
	for attempt := 0; ; attempt++ {
		next, expected, err := r.apply(m, base, t)
		if err != nil {
			return nil, err
		}

		saved, err := r.store.Put(ctx, next, expected)
		if err == nil {
			if saved.Status == domain.PositionStatusClosed && base != nil {
				r.dropActive(ctx, saved.ID, cfg)
			}
			r.logger.Debug("ledger: persisted",
				slog.String("position_id", saved.ID),
				slog.String("op", m.Op.String()),
				slog.Int64("version", saved.Version),
				slog.String("status", string(saved.Status)),
			)
			return &saved, nil
		}
		if errors.Is(err, domain.ErrLockTimeout) && attempt < cfg.Ledger.MaxRetries {
			// The store lease timed out before anything was written.
			r.logger.Warn("ledger: store busy, retrying write",
				slog.String("target", t.String()),
				slog.Int("attempt", attempt+1),
			)
			if err := sleep(ctx, cfg.Ledger.RetryBackoff.Duration); err != nil {
				return nil, err
			}
			continue
		}
		if !errors.Is(err, domain.ErrVersionConflict) || base == nil || attempt >= cfg.Ledger.MaxRetries {
			return nil, fmt.Errorf("ledger: %s %s: %w", m.Op, t, err)
		}

		r.logger.Warn("ledger: version conflict, re-reading",
			slog.String("position_id", base.ID),
			slog.Int64("expected", expected),
			slog.Int("attempt", attempt+1),
		)
		if err := sleep(ctx, cfg.Ledger.RetryBackoff.Duration); err != nil {
			return nil, err
		}
		fresh, err := r.store.Get(ctx, base.ID)
		if err != nil {
			return nil, fmt.Errorf("ledger: re-read %s: %w", base.ID, err)
		}
		if !fresh.Status.Active() {
			return nil, fmt.Errorf("ledger: %s %s: %w", m.Op, t, domain.ErrPositionClosed)
		}
		base = &fresh
	}
}

// apply runs the mutation on a copy of base and checks the result is a valid
// successor record.
func (r *Repository) apply(m Mutation, base *domain.Position, t Target) (domain.Position, int64, error) {
	var arg *domain.Position
	var expected int64
	if base != nil && m.Op != OpCreate {
		c := base.Clone()
		arg = &c
		expected = base.Version
	}

	next, err := m.Apply(arg)
	if err != nil {
		return domain.Position{}, 0, err
	}
	now := r.now()
	next.LastModifiedAt = now

	switch m.Op {
	case OpCreate:
		if next.ID == "" {
			next.ID = r.newID()
		}
		if next.OpenedAt.IsZero() {
			next.OpenedAt = now
		}
		if next.Key() != t.Key {
			return domain.Position{}, 0, fmt.Errorf("ledger: create on %s produced %s: %w", t, next.Key(), domain.ErrInvalidTransition)
		}
	default:
		if next.ID != base.ID || next.Key() != base.Key() {
			return domain.Position{}, 0, fmt.Errorf("ledger: %s %s changed identity: %w", m.Op, t, domain.ErrInvalidTransition)
		}
	}

	if m.Op == OpClose && next.Status != domain.PositionStatusClosed {
		return domain.Position{}, 0, fmt.Errorf("ledger: close %s left status %s: %w", t, next.Status, domain.ErrInvalidTransition)
	}
	if next.Status == domain.PositionStatusClosed && next.ClosedAt == nil {
		next.ClosedAt = &now
	}
	if err := next.Validate(); err != nil {
		return domain.Position{}, 0, err
	}
	return next, expected, nil
}

// dropActive finishes moving a closed position to history. A failure leaves
// residue the reconciler removes; the closed copy is already authoritative.
func (r *Repository) dropActive(ctx context.Context, id string, cfg config.Config) {
	err := r.store.Delete(ctx, id)
	for attempt := 0; errors.Is(err, domain.ErrLockTimeout) && attempt < cfg.Ledger.MaxRetries; attempt++ {
		if sleep(ctx, cfg.Ledger.RetryBackoff.Duration) != nil {
			break
		}
		err = r.store.Delete(ctx, id)
	}
	if err == nil || errors.Is(err, domain.ErrNotFound) {
		return
	}
	r.logger.Warn("ledger: closed position still listed active",
		slog.String("position_id", id),
		slog.String("error", err.Error()),
	)
}

// acquire takes the lease, retrying timeouts up to the configured limit.
func (r *Repository) acquire(ctx context.Context, key string, cfg config.Config) (func(), error) {
	for attempt := 0; ; attempt++ {
		release, err := r.locks.Acquire(ctx, key, cfg.Lock.WriteTimeout.Duration)
		if err == nil {
			return release, nil
		}
		if !errors.Is(err, domain.ErrLockTimeout) || attempt >= cfg.Ledger.MaxRetries {
			return nil, fmt.Errorf("ledger: lock %s: %w", key, err)
		}
		r.logger.Warn("ledger: lock busy, retrying",
			slog.String("key", key),
			slog.Int("attempt", attempt+1),
		)
		if err := sleep(ctx, cfg.Ledger.RetryBackoff.Duration); err != nil {
			return nil, err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
