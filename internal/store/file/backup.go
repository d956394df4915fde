package file

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BB13/algobot-public/internal/domain"
	"github.com/BB13/algobot-public/internal/metrics"
)

// backupLayout sorts lexicographically in time order.
const backupLayout = "20060102T150405.000000000Z"

// BackupFile is one dated copy of a partition document.
type BackupFile struct {
	Partition domain.Partition
	Name      string
	Path      string
	At        time.Time
}

func (s *Store) backup(p partition, prev []byte, now time.Time) error {
	name := p.stem + "_" + now.UTC().Format(backupLayout) + ".json"
	if err := writeAtomic(filepath.Join(s.backupDir, name), prev, s.opts.Fsync); err != nil {
		return fmt.Errorf("store: backup %s: %w", p.name, err)
	}
	return nil
}

// Backups lists the backups of a partition, newest first.
func (s *Store) Backups(name domain.Partition) ([]BackupFile, error) {
	p, err := s.partition(name)
	if err != nil {
		return nil, err
	}
	return s.listBackups(p)
}

// Document returns the current raw content of a partition after checking it
// parses. A partition that was never written yields an empty document.
func (s *Store) Document(_ context.Context, name domain.Partition) ([]byte, error) {
	p, err := s.partition(name)
	if err != nil {
		return nil, err
	}
	raw, err := readFile(p.path)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return encodeDocument(nil, s.opts.Now())
	}
	if _, err := decodeDocument(raw); err != nil {
		return nil, fmt.Errorf("store: %s: %w", p.name, err)
	}
	return raw, nil
}

func (s *Store) listBackups(p partition) ([]BackupFile, error) {
	entries, err := os.ReadDir(s.backupDir)
	if err != nil {
		return nil, fmt.Errorf("store: list backups: %w", err)
	}
	prefix := p.stem + "_"
	var out []BackupFile
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		at, err := time.Parse(backupLayout, strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".json"))
		if err != nil {
			continue
		}
		out = append(out, BackupFile{
			Partition: p.name,
			Name:      name,
			Path:      filepath.Join(s.backupDir, name),
			At:        at,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.After(out[j].At) })
	return out, nil
}

// prune drops backups beyond MaxBackups or older than BackupRetention. The
// newest backup is always kept.
func (s *Store) prune(p partition, now time.Time) {
	backups, err := s.listBackups(p)
	if err != nil {
		s.logger.Warn("store: prune backups failed", slog.String("error", err.Error()))
		return
	}
	for i, b := range backups {
		if i == 0 {
			continue
		}
		expired := s.opts.BackupRetention > 0 && now.Sub(b.At) > s.opts.BackupRetention
		if i < s.opts.MaxBackups && !expired {
			continue
		}
		if err := os.Remove(b.Path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("store: remove backup failed",
				slog.String("backup", b.Name),
				slog.String("error", err.Error()),
			)
		}
	}
}

// CheckIntegrity parses both partitions and restores any that are corrupt.
// Staging files left by interrupted writes are removed.
func (s *Store) CheckIntegrity(ctx context.Context) (domain.IntegrityReport, error) {
	report := domain.IntegrityReport{Source: map[domain.Partition]string{}}

	release, err := s.locks.Acquire(ctx, storeLease, s.opts.LockTimeout)
	if err != nil {
		return report, fmt.Errorf("store: integrity check: %w", err)
	}
	defer release()

	for _, p := range []partition{s.active, s.closed} {
		report.Checked = append(report.Checked, p.name)
		s.removeStaleTemps(p)

		raw, err := readFile(p.path)
		if err != nil {
			return report, err
		}
		if _, derr := decodeDocument(raw); derr == nil {
			continue
		} else {
			s.logger.Error("store: integrity check failed",
				slog.String("partition", string(p.name)),
				slog.String("error", derr.Error()),
			)
		}
		src, err := s.restoreLocked(ctx, p, raw)
		if err != nil {
			return report, err
		}
		report.Restored = append(report.Restored, p.name)
		report.Source[p.name] = src
	}
	return report, nil
}

// restoreLocked replaces a corrupt partition with the newest copy that
// parses. The corrupt bytes are kept beside the partition, never discarded.
func (s *Store) restoreLocked(ctx context.Context, p partition, corrupt []byte) (string, error) {
	data, src, err := s.findValid(ctx, p, corrupt)
	if err != nil {
		s.logger.Error("store: no valid copy to restore from",
			slog.String("partition", string(p.name)),
		)
		return "", err
	}

	now := s.opts.Now()
	if corrupt != nil {
		quarantine := p.path + ".corrupt-" + now.UTC().Format(backupLayout)
		if err := os.WriteFile(quarantine, corrupt, 0o644); err != nil {
			return "", fmt.Errorf("store: quarantine %s: %w", p.name, err)
		}
	}
	if err := writeAtomic(p.path, data, s.opts.Fsync); err != nil {
		return "", fmt.Errorf("store: restore %s: %w", p.name, err)
	}

	metrics.Repairs.WithLabelValues("restore_" + string(p.name)).Inc()
	s.logger.Warn("store: partition restored",
		slog.String("partition", string(p.name)),
		slog.String("source", src),
	)
	if s.opts.Audit != nil {
		if err := s.opts.Audit.Log(ctx, "ledger_restored", map[string]any{
			"partition": string(p.name),
			"source":    src,
		}); err != nil {
			s.logger.Warn("store: audit restore failed", slog.String("error", err.Error()))
		}
	}
	return src, nil
}

func (s *Store) findValid(ctx context.Context, p partition, corrupt []byte) ([]byte, string, error) {
	backups, err := s.listBackups(p)
	if err != nil {
		return nil, "", err
	}
	for _, b := range backups {
		raw, err := os.ReadFile(b.Path)
		if err != nil {
			continue
		}
		if _, err := decodeDocument(raw); err == nil {
			return raw, b.Name, nil
		}
		s.logger.Warn("store: skipping unreadable backup", slog.String("backup", b.Name))
	}

	if s.opts.Remote != nil {
		raw, err := s.opts.Remote.Latest(ctx, p.name)
		if err == nil {
			if _, derr := decodeDocument(raw); derr == nil {
				return raw, "remote", nil
			}
		} else {
			s.logger.Warn("store: remote backup unavailable",
				slog.String("partition", string(p.name)),
				slog.String("error", err.Error()),
			)
		}
	}

	// An empty file holds no records, so resetting it loses nothing.
	if len(bytes.TrimSpace(corrupt)) == 0 {
		data, err := encodeDocument(nil, s.opts.Now())
		if err != nil {
			return nil, "", err
		}
		return data, "empty", nil
	}
	return nil, "", fmt.Errorf("store: no valid backup for %s: %w", p.name, domain.ErrCorruptLedger)
}

// removeStaleTemps deletes staging files. Writers hold the store lease while a
// temp file exists, so under the lease every temp file is stale.
func (s *Store) removeStaleTemps(p partition) {
	dir := filepath.Dir(p.path)
	base := filepath.Base(p.path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !isTempFor(e.Name(), base) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err == nil {
			s.logger.Warn("store: removed interrupted write", slog.String("file", e.Name()))
		}
	}
}
