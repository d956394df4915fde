package s3blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/BB13/algobot-public/internal/domain"
	"github.com/BB13/algobot-public/internal/store/file"
)

// multipartThreshold is the document size above which uploads go through the
// multipart manager.
const multipartThreshold int64 = 8 * 1024 * 1024

// BackupLister lists local backups of a partition, newest first, and reads
// the current partition document.
type BackupLister interface {
	Backups(name domain.Partition) ([]file.BackupFile, error)
	Document(ctx context.Context, name domain.Partition) ([]byte, error)
}

// stampLayout matches the timestamp suffix of local backup names.
const stampLayout = "20060102T150405.000000000Z"

// BlobDeleter removes remote objects.
type BlobDeleter interface {
	Delete(ctx context.Context, path string) error
}

// ArchiverOptions configure an Archiver.
type ArchiverOptions struct {
	Prefix string
	// Keep bounds the backups uploaded and retained per partition; 0 keeps all.
	Keep    int
	Deleter BlobDeleter
	Audit   domain.AuditStore
}

// Archiver copies local ledger backups to object storage under
// <prefix>/<partition>/<backup name> and serves the newest one back to the
// file store when no local copy of a corrupt partition is usable.
type Archiver struct {
	writer  domain.BlobWriter
	reader  domain.BlobReader
	backups BackupLister
	opts    ArchiverOptions
	logger  *slog.Logger
	now     func() time.Time
}

// NewArchiver creates an Archiver.
func NewArchiver(writer domain.BlobWriter, reader domain.BlobReader, backups BackupLister, opts ArchiverOptions, logger *slog.Logger) *Archiver {
	opts.Prefix = strings.Trim(opts.Prefix, "/")
	return &Archiver{
		writer:  writer,
		reader:  reader,
		backups: backups,
		opts:    opts,
		logger:  logger.With(slog.String("component", "archiver")),
		now:     time.Now,
	}
}

var partitions = []domain.Partition{domain.PartitionActive, domain.PartitionClosed}

func (a *Archiver) dir(p domain.Partition) string {
	return path.Join(a.opts.Prefix, string(p)) + "/"
}

// Archive uploads backups not yet present remotely plus a snapshot of the
// current documents, then trims the remote copy to Keep objects per
// partition. It returns the number of uploads.
func (a *Archiver) Archive(ctx context.Context) (int, error) {
	uploaded := 0
	for _, p := range partitions {
		n, err := a.archivePartition(ctx, p)
		uploaded += n
		if err != nil {
			return uploaded, err
		}
	}

	a.logger.Info("archiver: run complete", slog.Int("uploaded", uploaded))
	if uploaded > 0 && a.opts.Audit != nil {
		if err := a.opts.Audit.Log(ctx, "backups_archived", map[string]any{
			"uploaded": uploaded,
			"prefix":   a.opts.Prefix,
		}); err != nil {
			a.logger.Warn("archiver: audit failed", slog.String("error", err.Error()))
		}
	}
	return uploaded, nil
}

func (a *Archiver) archivePartition(ctx context.Context, p domain.Partition) (int, error) {
	local, err := a.backups.Backups(p)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s: %w", p, err)
	}
	if a.opts.Keep > 0 && len(local) > a.opts.Keep {
		local = local[:a.opts.Keep]
	}

	uploaded := 0
	for _, b := range local {
		key := a.dir(p) + b.Name
		exists, err := a.reader.Exists(ctx, key)
		if err != nil {
			return uploaded, fmt.Errorf("s3blob: archive %s: %w", p, err)
		}
		if exists {
			continue
		}
		if err := a.upload(ctx, key, b.Path); err != nil {
			if os.IsNotExist(err) {
				// Pruned locally between listing and reading.
				continue
			}
			return uploaded, err
		}
		uploaded++
	}

	doc, err := a.backups.Document(ctx, p)
	if err != nil {
		// A corrupt live document is left to the integrity check; never
		// archive it.
		a.logger.Warn("archiver: snapshot skipped",
			slog.String("partition", string(p)),
			slog.String("error", err.Error()),
		)
	} else {
		key := a.dir(p) + "snapshot_" + a.now().UTC().Format(stampLayout) + ".json"
		if err := a.writer.Put(ctx, key, bytes.NewReader(doc), "application/json"); err != nil {
			return uploaded, fmt.Errorf("s3blob: snapshot %s: %w", p, err)
		}
		uploaded++
	}
	return uploaded, a.trim(ctx, p)
}

func (a *Archiver) upload(ctx context.Context, key, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("s3blob: stat %s: %w", localPath, err)
	}
	if fi.Size() > multipartThreshold {
		return a.writer.PutMultipart(ctx, key, f, multipartThreshold)
	}
	return a.writer.Put(ctx, key, f, "application/json")
}

func (a *Archiver) trim(ctx context.Context, p domain.Partition) error {
	if a.opts.Keep <= 0 || a.opts.Deleter == nil {
		return nil
	}
	keys, err := a.remote(ctx, p)
	if err != nil {
		return err
	}
	for _, k := range keys[min(len(keys), a.opts.Keep):] {
		if err := a.opts.Deleter.Delete(ctx, k); err != nil {
			return fmt.Errorf("s3blob: trim %s: %w", p, err)
		}
	}
	return nil
}

// remote lists the archived keys of p, newest first by the timestamp that
// ends every archived name.
func (a *Archiver) remote(ctx context.Context, p domain.Partition) ([]string, error) {
	infos, err := a.reader.List(ctx, a.dir(p))
	if err != nil {
		return nil, fmt.Errorf("s3blob: list %s: %w", p, err)
	}
	keys := make([]string, 0, len(infos))
	for _, info := range infos {
		if strings.HasSuffix(info.Path, ".json") {
			keys = append(keys, info.Path)
		}
	}
	sort.SliceStable(keys, func(i, j int) bool { return stamp(keys[i]) > stamp(keys[j]) })
	return keys, nil
}

func stamp(key string) string {
	name := strings.TrimSuffix(path.Base(key), ".json")
	return name[strings.LastIndex(name, "_")+1:]
}

// Latest returns the newest archived document of a partition.
func (a *Archiver) Latest(ctx context.Context, p domain.Partition) ([]byte, error) {
	keys, err := a.remote(ctx, p)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("s3blob: no archived %s backup: %w", p, domain.ErrNotFound)
	}
	rc, err := a.reader.Get(ctx, keys[0])
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, rc); err != nil {
		return nil, fmt.Errorf("s3blob: read %s: %w", keys[0], err)
	}
	a.logger.Warn("archiver: serving remote backup", slog.String("key", keys[0]))
	return buf.Bytes(), nil
}

// Run archives on the cron schedule until ctx is cancelled.
func (a *Archiver) Run(ctx context.Context, schedule string) error {
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() {
		if _, err := a.Archive(ctx); err != nil {
			a.logger.Error("archiver: run failed", slog.String("error", err.Error()))
		}
	}); err != nil {
		return fmt.Errorf("s3blob: schedule %q: %w", schedule, err)
	}
	c.Start()
	a.logger.Info("archiver: scheduled", slog.String("schedule", schedule))

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

var _ domain.BackupSource = (*Archiver)(nil)
