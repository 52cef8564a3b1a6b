package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/dlmmbot/internal/domain"
)

// OperationStore implements domain.OperationStore using PostgreSQL. Every
// business operation the executor performs lands here for offline analysis.
type OperationStore struct {
	pool *pgxpool.Pool
}

// NewOperationStore creates an OperationStore backed by the given pool.
func NewOperationStore(pool *pgxpool.Pool) *OperationStore {
	return &OperationStore{pool: pool}
}

// Append inserts one operation record.
func (s *OperationStore) Append(ctx context.Context, rec domain.OperationRecord) error {
	const query = `
		INSERT INTO operations
			(id, instance_id, action, active_bin, position_address,
			 amount, success, error, signature, at, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := s.pool.Exec(ctx, query,
		rec.ID,
		rec.InstanceID,
		string(rec.Action),
		rec.ActiveBin,
		rec.PositionAddress,
		rec.Amount,
		rec.Success,
		rec.Error,
		rec.Signature,
		rec.At,
		rec.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("postgres: append operation %s: %w", rec.Action, err)
	}
	return nil
}

// List returns the most recent operations for an instance, newest first.
// limit <= 0 returns everything.
func (s *OperationStore) List(ctx context.Context, instanceID string, limit int) ([]domain.OperationRecord, error) {
	query := `
		SELECT id, instance_id, action, active_bin, position_address,
		       amount, success, error, signature, at, duration_ms
		FROM operations
		WHERE instance_id = $1
		ORDER BY at DESC`
	args := []any{instanceID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list operations %s: %w", instanceID, err)
	}
	defer rows.Close()

	var recs []domain.OperationRecord
	for rows.Next() {
		var rec domain.OperationRecord
		var action string
		var durationMs int64

		if err := rows.Scan(
			&rec.ID,
			&rec.InstanceID,
			&action,
			&rec.ActiveBin,
			&rec.PositionAddress,
			&rec.Amount,
			&rec.Success,
			&rec.Error,
			&rec.Signature,
			&rec.At,
			&durationMs,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan operation: %w", err)
		}
		rec.Action = domain.OperationAction(action)
		rec.Duration = time.Duration(durationMs) * time.Millisecond
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list operations rows: %w", err)
	}
	return recs, nil
}

// ListBefore returns all operations executed strictly before the cutoff,
// oldest first. Used by the archiver.
func (s *OperationStore) ListBefore(ctx context.Context, before time.Time) ([]domain.OperationRecord, error) {
	const query = `
		SELECT id, instance_id, action, active_bin, position_address,
		       amount, success, error, signature, at, duration_ms
		FROM operations
		WHERE at < $1
		ORDER BY at ASC`

	rows, err := s.pool.Query(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list operations before %s: %w", before.Format(time.RFC3339), err)
	}
	defer rows.Close()

	var recs []domain.OperationRecord
	for rows.Next() {
		var rec domain.OperationRecord
		var action string
		var durationMs int64

		if err := rows.Scan(
			&rec.ID,
			&rec.InstanceID,
			&action,
			&rec.ActiveBin,
			&rec.PositionAddress,
			&rec.Amount,
			&rec.Success,
			&rec.Error,
			&rec.Signature,
			&rec.At,
			&durationMs,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan operation: %w", err)
		}
		rec.Action = domain.OperationAction(action)
		rec.Duration = time.Duration(durationMs) * time.Millisecond
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list operations before rows: %w", err)
	}
	return recs, nil
}

var _ domain.OperationStore = (*OperationStore)(nil)
