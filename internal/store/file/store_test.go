package file

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BB13/algobot-public/internal/domain"
	"github.com/BB13/algobot-public/internal/lock"
)

type fakeRemote struct {
	data map[domain.Partition][]byte
}

func (f fakeRemote) Latest(_ context.Context, p domain.Partition) ([]byte, error) {
	raw, ok := f.data[p]
	if !ok {
		return nil, errors.New("no remote copy")
	}
	return raw, nil
}

type recordingAudit struct{ events []string }

func (a *recordingAudit) Log(_ context.Context, event string, _ map[string]any) error {
	a.events = append(a.events, event)
	return nil
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time {
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

func newStore(t *testing.T, dir string, mod func(*Options)) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	locks, err := lock.NewFileLocker(filepath.Join(dir, "locks"), 2*time.Millisecond, logger)
	require.NoError(t, err)

	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	opts := Options{
		Dir:             dir,
		BackupRetention: 24 * time.Hour,
		MaxBackups:      50,
		LockTimeout:     time.Second,
		Now:             c.now,
	}
	if mod != nil {
		mod(&opts)
	}
	s, err := New(opts, locks, logger)
	require.NoError(t, err)
	return s
}

func openPosition(id string) domain.Position {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return domain.Position{
		ID:                  id,
		Symbol:              "BTCUSDT",
		Side:                domain.SideLong,
		Status:              domain.PositionStatusOpen,
		EntryPrice:          decimal.RequireFromString("100"),
		OriginalQuantity:    decimal.RequireFromString("10"),
		RemainingQuantity:   decimal.RequireFromString("10"),
		MaxTakeProfitStages: 3,
		OpenedAt:            now,
		LastModifiedAt:      now,
	}
}

func closeOf(p domain.Position) domain.Position {
	c := p.Clone()
	at := p.OpenedAt.Add(time.Hour)
	price := decimal.RequireFromString("110")
	c.Status = domain.PositionStatusClosed
	c.RemainingQuantity = decimal.Zero
	c.CloseReason = domain.CloseReasonManual
	c.ClosePrice = &price
	c.ClosedAt = &at
	return c
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newStore(t, t.TempDir(), nil)
	ctx := context.Background()

	p := openPosition("p1")
	stop := decimal.RequireFromString("97")
	p.StopLossPrice = &stop
	p.TakeProfitLevels = []decimal.Decimal{decimal.NewFromInt(33), decimal.NewFromInt(50), decimal.NewFromInt(100)}

	saved, err := s.Put(ctx, p, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), saved.Version)

	got, err := s.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
	assert.True(t, got.EntryPrice.Equal(p.EntryPrice))
	require.NotNil(t, got.StopLossPrice)
	assert.True(t, got.StopLossPrice.Equal(stop))
	require.Len(t, got.TakeProfitLevels, 3)
	assert.True(t, got.TakeProfitLevels[1].Equal(decimal.NewFromInt(50)))

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPutRejectsStaleVersion(t *testing.T) {
	s := newStore(t, t.TempDir(), nil)
	ctx := context.Background()

	p, err := s.Put(ctx, openPosition("p1"), 0)
	require.NoError(t, err)

	_, err = s.Put(ctx, openPosition("p1"), 0)
	assert.ErrorIs(t, err, domain.ErrVersionConflict)

	p.RemainingQuantity = decimal.RequireFromString("5")
	p.Status = domain.PositionStatusPartiallyClosed
	p2, err := s.Put(ctx, p, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), p2.Version)

	// A second writer still holding v1 loses.
	_, err = s.Put(ctx, p, 1)
	assert.ErrorIs(t, err, domain.ErrVersionConflict)

	active, err := s.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.True(t, active[0].RemainingQuantity.Equal(decimal.RequireFromString("5")))
}

func TestClosedRecordIsFinal(t *testing.T) {
	s := newStore(t, t.TempDir(), nil)
	ctx := context.Background()

	p, err := s.Put(ctx, openPosition("p1"), 0)
	require.NoError(t, err)
	closed, err := s.Put(ctx, closeOf(p), p.Version)
	require.NoError(t, err)
	assert.Equal(t, int64(2), closed.Version)

	// The active copy is still on disk until deleted, but closed wins.
	active, err := s.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	got, err := s.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusClosed, got.Status)

	_, err = s.Put(ctx, p, closed.Version)
	assert.ErrorIs(t, err, domain.ErrPositionClosed)

	require.NoError(t, s.Delete(ctx, "p1"))
	assert.ErrorIs(t, s.Delete(ctx, "p1"), domain.ErrNotFound)

	history, err := s.ListClosed(ctx, domain.ClosedFilter{Symbol: "btcusdt"})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, domain.CloseReasonManual, history[0].CloseReason)
}

func TestListClosedNewestFirstWithLimit(t *testing.T) {
	s := newStore(t, t.TempDir(), nil)
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c"} {
		p := openPosition(id)
		c := closeOf(p)
		at := p.OpenedAt.Add(time.Duration(i+1) * time.Hour)
		c.ClosedAt = &at
		_, err := s.Put(ctx, c, 0)
		require.NoError(t, err)
	}

	out, err := s.ListClosed(ctx, domain.ClosedFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "c", out[0].ID)
	assert.Equal(t, "b", out[1].ID)
}

func TestDedupeKeepsHighestVersion(t *testing.T) {
	dir := t.TempDir()
	s := newStore(t, dir, nil)
	ctx := context.Background()

	v1 := toRecord(openPosition("p1"))
	v1.Version = 1
	v3 := v1
	v3.Version = 3
	v3.RemainingQuantity = decimal.RequireFromString("4")
	other := toRecord(openPosition("p2"))
	other.Version = 1
	raw, err := encodeDocument([]record{v1, other, v3}, time.Now())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "positions_open.json"), raw, 0o644))

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Active, 3)

	// Reads already resolve to the newest copy.
	got, err := s.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.Version)

	n, err := s.Dedupe(ctx, domain.PartitionActive, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.Dedupe(ctx, domain.PartitionActive, "p1")
	require.NoError(t, err)
	assert.Zero(t, n)

	snap, err = s.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Active, 2)
}

func TestCorruptPartitionRestoredFromBackup(t *testing.T) {
	dir := t.TempDir()
	audit := &recordingAudit{}
	s := newStore(t, dir, func(o *Options) { o.Audit = audit })
	ctx := context.Background()

	p, err := s.Put(ctx, openPosition("p1"), 0)
	require.NoError(t, err)
	_, err = s.Put(ctx, openPosition("p2"), 0)
	require.NoError(t, err)
	p.Status = domain.PositionStatusPartiallyClosed
	p.RemainingQuantity = decimal.RequireFromString("6")
	_, err = s.Put(ctx, p, 1)
	require.NoError(t, err)

	path := filepath.Join(dir, "positions_open.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"schema":1,"positions":[{"id":`), 0o644))

	report, err := s.CheckIntegrity(ctx)
	require.NoError(t, err)
	assert.Equal(t, []domain.Partition{domain.PartitionActive}, report.Restored)
	assert.NotEmpty(t, report.Source[domain.PartitionActive])

	// The newest backup is the document before the last write.
	active, err := s.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)

	matches, err := filepath.Glob(path + ".corrupt-*")
	require.NoError(t, err)
	assert.Len(t, matches, 1)
	assert.Equal(t, []string{"ledger_restored"}, audit.events)
}

func TestCorruptPartitionRestoredOnRead(t *testing.T) {
	dir := t.TempDir()
	s := newStore(t, dir, nil)
	ctx := context.Background()

	_, err := s.Put(ctx, openPosition("p1"), 0)
	require.NoError(t, err)
	_, err = s.Put(ctx, openPosition("p2"), 0)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "positions_open.json"), []byte("garbage"), 0o644))

	active, err := s.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "p1", active[0].ID)
}

// timedLocks records the timeout of every lease taken.
type timedLocks struct {
	domain.LockManager
	timeouts []time.Duration
}

func (l *timedLocks) Acquire(ctx context.Context, key string, timeout time.Duration) (func(), error) {
	l.timeouts = append(l.timeouts, timeout)
	return l.LockManager.Acquire(ctx, key, timeout)
}

func TestReadRestoreUsesReadLockTimeout(t *testing.T) {
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fl, err := lock.NewFileLocker(filepath.Join(dir, "locks"), 2*time.Millisecond, logger)
	require.NoError(t, err)
	locks := &timedLocks{LockManager: fl}
	s, err := New(Options{
		Dir:             dir,
		BackupRetention: 24 * time.Hour,
		MaxBackups:      50,
		LockTimeout:     time.Second,
		ReadLockTimeout: 250 * time.Millisecond,
	}, locks, logger)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.Put(ctx, openPosition("p1"), 0)
	require.NoError(t, err)
	_, err = s.Put(ctx, openPosition("p2"), 0)
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{time.Second, time.Second}, locks.timeouts)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "positions_open.json"), []byte("garbage"), 0o644))
	locks.timeouts = nil
	_, err = s.ListActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{250 * time.Millisecond}, locks.timeouts)
}

func TestRemoteBackupUsedWhenLocalMissing(t *testing.T) {
	dir := t.TempDir()
	remoteDoc, err := encodeDocument([]record{func() record {
		r := toRecord(openPosition("remote"))
		r.Version = 4
		return r
	}()}, time.Now())
	require.NoError(t, err)

	s := newStore(t, dir, func(o *Options) {
		o.Remote = fakeRemote{data: map[domain.Partition][]byte{domain.PartitionActive: remoteDoc}}
	})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "positions_open.json"), []byte("{not json"), 0o644))

	report, err := s.CheckIntegrity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "remote", report.Source[domain.PartitionActive])

	got, err := s.Get(context.Background(), "remote")
	require.NoError(t, err)
	assert.Equal(t, int64(4), got.Version)
}

func TestCorruptWithoutAnyCopyFails(t *testing.T) {
	dir := t.TempDir()
	s := newStore(t, dir, nil)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "positions_closed.json"), []byte("{broken"), 0o644))

	_, err := s.CheckIntegrity(context.Background())
	assert.ErrorIs(t, err, domain.ErrCorruptLedger)

	// The broken file is left in place for an operator.
	raw, err := os.ReadFile(filepath.Join(dir, "positions_closed.json"))
	require.NoError(t, err)
	assert.Equal(t, "{broken", string(raw))
}

func TestEmptyFileResetsToEmptyPartition(t *testing.T) {
	dir := t.TempDir()
	s := newStore(t, dir, nil)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "positions_open.json"), nil, 0o644))

	report, err := s.CheckIntegrity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "empty", report.Source[domain.PartitionActive])

	active, err := s.ListActive(context.Background())
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestIntegrityRemovesInterruptedWrites(t *testing.T) {
	dir := t.TempDir()
	s := newStore(t, dir, nil)
	ctx := context.Background()
	_, err := s.Put(ctx, openPosition("p1"), 0)
	require.NoError(t, err)

	stale := filepath.Join(dir, ".positions_open.json.123456.tmp")
	require.NoError(t, os.WriteFile(stale, []byte("half a docu"), 0o644))

	report, err := s.CheckIntegrity(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Restored)
	assert.NoFileExists(t, stale)

	got, err := s.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
}

func TestBackupsPruned(t *testing.T) {
	dir := t.TempDir()
	s := newStore(t, dir, func(o *Options) { o.MaxBackups = 3 })
	ctx := context.Background()

	p, err := s.Put(ctx, openPosition("p1"), 0)
	require.NoError(t, err)
	for i := 0; i < 6; i++ {
		p.LastModifiedAt = p.LastModifiedAt.Add(time.Minute)
		p, err = s.Put(ctx, p, p.Version)
		require.NoError(t, err)
	}

	backups, err := s.Backups(domain.PartitionActive)
	require.NoError(t, err)
	assert.Len(t, backups, 3)
	assert.True(t, backups[0].At.After(backups[1].At))
}

func TestDocumentRefusesCorruptPartition(t *testing.T) {
	dir := t.TempDir()
	s := newStore(t, dir, nil)
	ctx := context.Background()

	raw, err := s.Document(ctx, domain.PartitionClosed)
	require.NoError(t, err)
	recs, err := decodeDocument(raw)
	require.NoError(t, err)
	assert.Empty(t, recs)

	_, err = s.Put(ctx, openPosition("a"), 0)
	require.NoError(t, err)
	raw, err = s.Document(ctx, domain.PartitionActive)
	require.NoError(t, err)
	recs, err = decodeDocument(raw)
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "positions_open.json"), []byte("{"), 0o644))
	_, err = s.Document(ctx, domain.PartitionActive)
	assert.ErrorIs(t, err, domain.ErrCorruptLedger)
}
