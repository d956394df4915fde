// Package file implements domain.PositionStore on two JSON documents, one per
// ledger partition. Every replace goes through a temp file and an atomic
// rename, the previous contents are kept as a dated backup, and a document
// that no longer parses is restored from the newest backup that does.
package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BB13/algobot-public/internal/domain"
)

// storeLease serializes every read-modify-write of the ledger files across
// goroutines and processes.
const storeLease = "ledger:store"

// Options configures a Store.
type Options struct {
	Dir             string
	ActiveFile      string
	ClosedFile      string
	BackupDir       string // relative paths are resolved against Dir
	BackupRetention time.Duration
	MaxBackups      int
	Fsync           bool
	LockTimeout     time.Duration
	// ReadLockTimeout bounds the lease a read takes to restore a corrupt
	// partition; LockTimeout is used when zero.
	ReadLockTimeout time.Duration

	// Remote is consulted when no local backup of a corrupt partition parses.
	Remote domain.BackupSource
	// Audit receives restore events; optional.
	Audit domain.AuditStore
	Now   func() time.Time
}

type partition struct {
	name domain.Partition
	path string
	stem string
}

// Store is the file-backed position store.
type Store struct {
	opts      Options
	active    partition
	closed    partition
	backupDir string
	locks     domain.LockManager
	logger    *slog.Logger
}

// New prepares the data and backup directories. It does not read the
// partitions; call CheckIntegrity at startup.
func New(opts Options, locks domain.LockManager, logger *slog.Logger) (*Store, error) {
	if opts.ActiveFile == "" {
		opts.ActiveFile = "positions_open.json"
	}
	if opts.ClosedFile == "" {
		opts.ClosedFile = "positions_closed.json"
	}
	if opts.BackupDir == "" {
		opts.BackupDir = "backups"
	}
	if opts.MaxBackups < 1 {
		opts.MaxBackups = 1
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 30 * time.Second
	}
	if opts.ReadLockTimeout <= 0 {
		opts.ReadLockTimeout = opts.LockTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	backupDir := opts.BackupDir
	if !filepath.IsAbs(backupDir) {
		backupDir = filepath.Join(opts.Dir, backupDir)
	}
	for _, dir := range []string{opts.Dir, backupDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create dir %s: %w", dir, err)
		}
	}

	return &Store{
		opts:      opts,
		active:    newPartition(domain.PartitionActive, opts.Dir, opts.ActiveFile),
		closed:    newPartition(domain.PartitionClosed, opts.Dir, opts.ClosedFile),
		backupDir: backupDir,
		locks:     locks,
		logger:    logger.With(slog.String("component", "store")),
	}, nil
}

func newPartition(name domain.Partition, dir, file string) partition {
	return partition{
		name: name,
		path: filepath.Join(dir, file),
		stem: strings.TrimSuffix(file, filepath.Ext(file)),
	}
}

// SetRemote installs the off-site restore source. Call it before the store is
// shared; the archiver that serves it needs the store to exist first.
func (s *Store) SetRemote(src domain.BackupSource) {
	s.opts.Remote = src
}

// Compile-time interface check.
var _ domain.PositionStore = (*Store)(nil)

// Get returns the highest version of id across both partitions.
func (s *Store) Get(ctx context.Context, id string) (domain.Position, error) {
	active, closed, err := s.readBoth(ctx)
	if err != nil {
		return domain.Position{}, err
	}
	r, ok := highest(active, closed, id)
	if !ok {
		return domain.Position{}, fmt.Errorf("store: get %s: %w", id, domain.ErrNotFound)
	}
	return r.toPosition(), nil
}

// Put writes pos if the stored version equals expectedVersion (0 = create).
func (s *Store) Put(ctx context.Context, pos domain.Position, expectedVersion int64) (domain.Position, error) {
	if pos.ID == "" {
		return domain.Position{}, fmt.Errorf("store: put: %w: missing id", domain.ErrInvalidTransition)
	}

	release, err := s.locks.Acquire(ctx, storeLease, s.opts.LockTimeout)
	if err != nil {
		return domain.Position{}, fmt.Errorf("store: put %s: %w", pos.ID, err)
	}
	defer release()

	activeRaw, active, err := s.loadLocked(ctx, s.active)
	if err != nil {
		return domain.Position{}, err
	}
	closedRaw, closed, err := s.loadLocked(ctx, s.closed)
	if err != nil {
		return domain.Position{}, err
	}

	cur, exists := highest(active, closed, pos.ID)
	var stored int64
	if exists {
		stored = cur.Version
	}
	if stored != expectedVersion {
		return domain.Position{}, fmt.Errorf("store: put %s: stored v%d, expected v%d: %w",
			pos.ID, stored, expectedVersion, domain.ErrVersionConflict)
	}
	if exists && cur.Status == domain.PositionStatusClosed {
		return domain.Position{}, fmt.Errorf("store: put %s: %w", pos.ID, domain.ErrPositionClosed)
	}

	pos = pos.Clone()
	pos.Version = expectedVersion + 1
	rec := toRecord(pos)

	if pos.Status == domain.PositionStatusClosed {
		closed = append(closed, rec)
		if err := s.writeLocked(s.closed, closedRaw, closed); err != nil {
			return domain.Position{}, err
		}
		return pos, nil
	}

	next := make([]record, 0, len(active)+1)
	replaced := false
	for _, r := range active {
		if r.ID != pos.ID {
			next = append(next, r)
			continue
		}
		if !replaced {
			next = append(next, rec)
			replaced = true
		}
	}
	if !replaced {
		next = append(next, rec)
	}
	if err := s.writeLocked(s.active, activeRaw, next); err != nil {
		return domain.Position{}, err
	}
	return pos, nil
}

// Delete removes every copy of id from the active partition. It returns
// domain.ErrNotFound when the id is not there.
func (s *Store) Delete(ctx context.Context, id string) error {
	release, err := s.locks.Acquire(ctx, storeLease, s.opts.LockTimeout)
	if err != nil {
		return fmt.Errorf("store: delete %s: %w", id, err)
	}
	defer release()

	raw, recs, err := s.loadLocked(ctx, s.active)
	if err != nil {
		return err
	}
	next := recs[:0:0]
	for _, r := range recs {
		if r.ID != id {
			next = append(next, r)
		}
	}
	if len(next) == len(recs) {
		return fmt.Errorf("store: delete %s: %w", id, domain.ErrNotFound)
	}
	return s.writeLocked(s.active, raw, next)
}

// ListActive returns active records ordered by OpenedAt. Ids that already
// have a copy in the closed partition are left out: closed is authoritative.
func (s *Store) ListActive(ctx context.Context) ([]domain.Position, error) {
	active, closed, err := s.readBoth(ctx)
	if err != nil {
		return nil, err
	}
	closedIDs := make(map[string]bool, len(closed))
	for _, r := range closed {
		closedIDs[r.ID] = true
	}

	var out []domain.Position
	for _, r := range resolve(active) {
		if closedIDs[r.ID] || !r.Status.Active() {
			continue
		}
		out = append(out, r.toPosition())
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out, nil
}

// ListClosed returns closed records matching filter, most recently closed first.
func (s *Store) ListClosed(ctx context.Context, filter domain.ClosedFilter) ([]domain.Position, error) {
	recs, err := s.read(ctx, s.closed)
	if err != nil {
		return nil, err
	}
	var out []domain.Position
	for _, r := range resolve(recs) {
		p := r.toPosition()
		if filter.Match(p) {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return closedAt(out[i]).After(closedAt(out[j]))
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Snapshot returns both partitions exactly as stored, duplicates included.
func (s *Store) Snapshot(ctx context.Context) (domain.Snapshot, error) {
	release, err := s.locks.Acquire(ctx, storeLease, s.opts.LockTimeout)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("store: snapshot: %w", err)
	}
	defer release()

	var snap domain.Snapshot
	_, active, err := s.loadLocked(ctx, s.active)
	if err != nil {
		return snap, err
	}
	_, closed, err := s.loadLocked(ctx, s.closed)
	if err != nil {
		return snap, err
	}
	for _, r := range active {
		snap.Active = append(snap.Active, r.toPosition())
	}
	for _, r := range closed {
		snap.Closed = append(snap.Closed, r.toPosition())
	}
	return snap, nil
}

// Dedupe keeps only the highest version of id in one partition and reports
// how many copies were dropped.
func (s *Store) Dedupe(ctx context.Context, name domain.Partition, id string) (int, error) {
	p, err := s.partition(name)
	if err != nil {
		return 0, err
	}
	release, err := s.locks.Acquire(ctx, storeLease, s.opts.LockTimeout)
	if err != nil {
		return 0, fmt.Errorf("store: dedupe %s: %w", id, err)
	}
	defer release()

	raw, recs, err := s.loadLocked(ctx, p)
	if err != nil {
		return 0, err
	}
	keep := latest(recs, id)
	if keep < 0 {
		return 0, nil
	}
	next := make([]record, 0, len(recs))
	for i, r := range recs {
		if r.ID == id && i != keep {
			continue
		}
		next = append(next, r)
	}
	removed := len(recs) - len(next)
	if removed == 0 {
		return 0, nil
	}
	if err := s.writeLocked(p, raw, next); err != nil {
		return 0, err
	}
	return removed, nil
}

func (s *Store) partition(name domain.Partition) (partition, error) {
	switch name {
	case domain.PartitionActive:
		return s.active, nil
	case domain.PartitionClosed:
		return s.closed, nil
	}
	return partition{}, fmt.Errorf("store: unknown partition %q", name)
}

// readBoth reads the two partitions without the lease. Each file is replaced
// atomically, so a reader sees a whole document from before or after a write.
func (s *Store) readBoth(ctx context.Context) (active, closed []record, err error) {
	if active, err = s.read(ctx, s.active); err != nil {
		return nil, nil, err
	}
	if closed, err = s.read(ctx, s.closed); err != nil {
		return nil, nil, err
	}
	return active, closed, nil
}

// read parses a partition. A corrupt document is restored under the lease
// before the read is retried once.
func (s *Store) read(ctx context.Context, p partition) ([]record, error) {
	raw, err := readFile(p.path)
	if err != nil {
		return nil, err
	}
	recs, err := decodeDocument(raw)
	if err == nil {
		return recs, nil
	}

	release, lerr := s.locks.Acquire(ctx, storeLease, s.opts.ReadLockTimeout)
	if lerr != nil {
		return nil, fmt.Errorf("store: read %s: %w (restore blocked: %v)", p.name, err, lerr)
	}
	defer release()
	_, recs, err = s.loadLocked(ctx, p)
	return recs, err
}

// loadLocked reads and parses a partition, restoring it first if it is
// corrupt. The caller holds the store lease. raw is nil when the file does
// not exist yet.
func (s *Store) loadLocked(ctx context.Context, p partition) (raw []byte, recs []record, err error) {
	raw, err = readFile(p.path)
	if err != nil {
		return nil, nil, err
	}
	recs, derr := decodeDocument(raw)
	if derr == nil {
		return raw, recs, nil
	}

	s.logger.Error("store: corrupt partition detected",
		slog.String("partition", string(p.name)),
		slog.String("path", p.path),
		slog.String("error", derr.Error()),
	)
	if _, err := s.restoreLocked(ctx, p, raw); err != nil {
		return nil, nil, err
	}
	raw, err = readFile(p.path)
	if err != nil {
		return nil, nil, err
	}
	recs, err = decodeDocument(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("store: %s still unreadable after restore: %w", p.name, err)
	}
	return raw, recs, nil
}

// writeLocked backs up prev (if the file existed) and atomically replaces the
// partition with recs.
func (s *Store) writeLocked(p partition, prev []byte, recs []record) error {
	now := s.opts.Now()
	data, err := encodeDocument(recs, now)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", p.name, err)
	}
	if prev != nil {
		if err := s.backup(p, prev, now); err != nil {
			return err
		}
	}
	if err := writeAtomic(p.path, data, s.opts.Fsync); err != nil {
		return fmt.Errorf("store: write %s: %w", p.name, err)
	}
	s.prune(p, now)
	return nil
}

func readFile(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: read %s: %w", path, err)
	}
	if raw == nil {
		raw = []byte{}
	}
	return raw, nil
}

// highest finds the newest copy of id; on a version tie the closed copy wins.
func highest(active, closed []record, id string) (record, bool) {
	var best record
	found := false
	for _, set := range [][]record{active, closed} {
		if i := latest(set, id); i >= 0 && (!found || set[i].Version >= best.Version) {
			best = set[i]
			found = true
		}
	}
	return best, found
}

func closedAt(p domain.Position) time.Time {
	if p.ClosedAt != nil {
		return *p.ClosedAt
	}
	return p.LastModifiedAt
}
