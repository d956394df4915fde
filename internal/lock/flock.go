// Package lock provides process-spanning leases backed by advisory file locks.
// The kernel drops an flock when its holder exits, so a crashed process never
// leaves a key locked.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/BB13/algobot-public/internal/domain"
	"github.com/BB13/algobot-public/internal/metrics"
)

var keyReplacer = strings.NewReplacer("/", "%2F", `\`, "%5C", "%", "%25", "\x00", "")

// FileLocker implements domain.LockManager with one lock file per key.
type FileLocker struct {
	dir    string
	retry  time.Duration
	logger *slog.Logger

	mu    sync.Mutex
	local map[string]chan struct{}
}

// NewFileLocker creates dir if needed. retry is the poll interval between
// non-blocking flock attempts.
func NewFileLocker(dir string, retry time.Duration, logger *slog.Logger) (*FileLocker, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("lock: create dir %s: %w", dir, err)
	}
	if retry <= 0 {
		retry = 100 * time.Millisecond
	}
	return &FileLocker{
		dir:    dir,
		retry:  retry,
		logger: logger.With(slog.String("component", "lock")),
		local:  make(map[string]chan struct{}),
	}, nil
}

// Compile-time interface check.
var _ domain.LockManager = (*FileLocker)(nil)

// Acquire blocks until the lease for key is held, timeout elapses, or ctx is
// cancelled. Goroutines of this process queue on an in-memory semaphore first
// so only one of them polls the file lock at a time.
func (l *FileLocker) Acquire(ctx context.Context, key string, timeout time.Duration) (func(), error) {
	start := time.Now()
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sem := l.semaphore(key)
	select {
	case sem <- struct{}{}:
	case <-waitCtx.Done():
		return nil, l.waitErr(ctx, key, timeout)
	}

	f, err := os.OpenFile(l.path(key), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		<-sem
		return nil, fmt.Errorf("lock: open %s: %w", key, err)
	}

	for {
		err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			f.Close()
			<-sem
			return nil, fmt.Errorf("lock: flock %s: %w", key, err)
		}
		timer := time.NewTimer(l.retry)
		select {
		case <-waitCtx.Done():
			timer.Stop()
			f.Close()
			<-sem
			return nil, l.waitErr(ctx, key, timeout)
		case <-timer.C:
		}
	}
	metrics.LockWait.Observe(time.Since(start).Seconds())

	var once sync.Once
	release := func() {
		once.Do(func() {
			if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
				l.logger.Warn("lock: unlock failed",
					slog.String("key", key),
					slog.String("error", err.Error()),
				)
			}
			f.Close()
			<-sem
		})
	}
	return release, nil
}

// waitErr distinguishes a caller cancellation from our own timeout.
func (l *FileLocker) waitErr(ctx context.Context, key string, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("lock: acquire %s: %w", key, err)
	}
	metrics.LockTimeouts.Inc()
	l.logger.Warn("lock: acquire timed out",
		slog.String("key", key),
		slog.Duration("timeout", timeout),
	)
	return fmt.Errorf("lock: acquire %s after %s: %w", key, timeout, domain.ErrLockTimeout)
}

func (l *FileLocker) semaphore(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	sem, ok := l.local[key]
	if !ok {
		sem = make(chan struct{}, 1)
		l.local[key] = sem
	}
	return sem
}

func (l *FileLocker) path(key string) string {
	return filepath.Join(l.dir, keyReplacer.Replace(key)+".lock")
}
