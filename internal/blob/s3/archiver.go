package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/dlmmbot/internal/domain"
)

// OperationArchiveStore provides read access to the operations audit trail
// for archival. The Postgres operation store satisfies it.
type OperationArchiveStore interface {
	// ListBefore returns all operation records executed strictly before the
	// given cutoff time.
	ListBefore(ctx context.Context, before time.Time) ([]domain.OperationRecord, error)
}

// Archiver moves old operation records out of the primary store into S3 as
// JSONL, partitioned by year-month.
//
// Deletion of the archived records from the primary store is intentionally
// NOT performed here; that is a separate, explicit step to be executed after
// the archive has been verified.
type Archiver struct {
	writer *Writer
	ops    OperationArchiveStore
	logger *slog.Logger
}

// NewArchiver creates an Archiver.
func NewArchiver(writer *Writer, ops OperationArchiveStore, logger *slog.Logger) *Archiver {
	return &Archiver{
		writer: writer,
		ops:    ops,
		logger: logger.With(slog.String("component", "archiver")),
	}
}

// ArchiveOperations queries all operations before the cutoff, serializes them
// to JSONL, and uploads the file at archive/operations/YYYY-MM.jsonl. It
// returns the count of archived records.
func (a *Archiver) ArchiveOperations(ctx context.Context, before time.Time) (int64, error) {
	recs, err := a.ops.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive operations query: %w", err)
	}
	if len(recs) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(recs)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive operations marshal: %w", err)
	}

	path := archivePath("operations", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive operations upload: %w", err)
	}

	count := int64(len(recs))
	a.logger.Info("operations archived",
		slog.String("path", path),
		slog.Int64("count", count),
		slog.Time("before", before),
	)
	return count, nil
}

// archivePath builds the S3 key for an archive file, partitioned by the
// year-month of the cutoff time.
//
//	archive/operations/2026-08.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
