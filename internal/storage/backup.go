package storage

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
)

// Uploader pushes one backup object to durable storage. Implemented by the
// s3blob writer.
type Uploader interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// BackupObject describes one stored backup for retention decisions.
type BackupObject struct {
	Path         string
	LastModified time.Time
}

// Pruner lists and deletes stored backups. Implemented by an adapter over the
// s3blob reader.
type Pruner interface {
	List(ctx context.Context, prefix string) ([]BackupObject, error)
	Delete(ctx context.Context, path string) error
}

// Backup tars the snapshot directory and uploads it on a cron schedule.
type Backup struct {
	store    *FileStore
	uploader Uploader
	prefix   string
	logger   *slog.Logger
	cron     *cron.Cron

	pruner Pruner
	keep   int

	now func() time.Time
}

// NewBackup wires the backup job. prefix namespaces objects in the bucket,
// e.g. "dlmmbot/backups".
func NewBackup(store *FileStore, uploader Uploader, prefix string, logger *slog.Logger) *Backup {
	return &Backup{
		store:    store,
		uploader: uploader,
		prefix:   prefix,
		logger:   logger.With(slog.String("component", "backup")),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Start registers the cron entry and begins the schedule. spec is a standard
// five-field cron expression, e.g. "0 */6 * * *" for every six hours.
func (b *Backup) Start(ctx context.Context, spec string) error {
	b.cron = cron.New()
	_, err := b.cron.AddFunc(spec, func() {
		runCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
		defer cancel()
		if err := b.RunOnce(runCtx); err != nil {
			b.logger.Error("scheduled backup failed", slog.String("error", err.Error()))
		}
	})
	if err != nil {
		return fmt.Errorf("storage: backup schedule %q: %w", spec, err)
	}
	b.cron.Start()
	b.logger.Info("backup schedule started", slog.String("spec", spec))
	return nil
}

// Stop halts the schedule, waiting for a running job to finish.
func (b *Backup) Stop() {
	if b.cron != nil {
		<-b.cron.Stop().Done()
	}
}

// SetRetention enables pruning of old backups after each run, keeping the
// newest keep tarballs.
func (b *Backup) SetRetention(pruner Pruner, keep int) {
	b.pruner = pruner
	b.keep = keep
}

// RunOnce archives the snapshot directory and uploads one tarball, then
// applies the retention policy when one is configured.
func (b *Backup) RunOnce(ctx context.Context) error {
	archive, count, err := b.archive()
	if err != nil {
		return err
	}
	if count == 0 {
		b.logger.Debug("no snapshots to back up")
		return nil
	}

	key := fmt.Sprintf("%s/%s.tar.gz", b.prefix, b.now().Format("20060102T150405Z"))
	if err := b.uploader.Put(ctx, key, archive, "application/gzip"); err != nil {
		return fmt.Errorf("storage: backup upload %s: %w", key, err)
	}
	b.logger.Info("backup uploaded",
		slog.String("key", key),
		slog.Int("snapshots", count),
	)

	if b.pruner != nil && b.keep > 0 {
		if err := b.prune(ctx); err != nil {
			// Retention failure must not fail the backup itself.
			b.logger.Warn("backup retention failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

// prune deletes all but the newest keep backups under the prefix.
func (b *Backup) prune(ctx context.Context) error {
	objects, err := b.pruner.List(ctx, b.prefix+"/")
	if err != nil {
		return fmt.Errorf("storage: retention list: %w", err)
	}
	if len(objects) <= b.keep {
		return nil
	}

	sort.Slice(objects, func(i, j int) bool {
		return objects[i].LastModified.After(objects[j].LastModified)
	})
	for _, obj := range objects[b.keep:] {
		if err := b.pruner.Delete(ctx, obj.Path); err != nil {
			return fmt.Errorf("storage: retention delete %s: %w", obj.Path, err)
		}
		b.logger.Info("old backup pruned", slog.String("key", obj.Path))
	}
	return nil
}

// archive builds a gzipped tar of every JSON file in the snapshot directory.
func (b *Backup) archive() (io.Reader, int, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	entries, err := os.ReadDir(b.store.Dir())
	if err != nil {
		return nil, 0, fmt.Errorf("storage: backup scan: %w", err)
	}

	count := 0
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		path := filepath.Join(b.store.Dir(), e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			b.logger.Warn("snapshot unreadable, skipped from backup",
				slog.String("file", e.Name()), slog.String("error", err.Error()))
			continue
		}
		hdr := &tar.Header{
			Name:    e.Name(),
			Mode:    0o644,
			Size:    int64(len(data)),
			ModTime: b.now(),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, 0, fmt.Errorf("storage: tar header %s: %w", e.Name(), err)
		}
		if _, err := tw.Write(data); err != nil {
			return nil, 0, fmt.Errorf("storage: tar write %s: %w", e.Name(), err)
		}
		count++
	}

	if err := tw.Close(); err != nil {
		return nil, 0, fmt.Errorf("storage: tar close: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, 0, fmt.Errorf("storage: gzip close: %w", err)
	}
	return &buf, count, nil
}
