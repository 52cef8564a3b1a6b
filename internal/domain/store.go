package domain

import "context"

// SnapshotStore persists durable instance snapshots keyed by instance id.
// Writes are atomic and fsynced before acknowledging.
type SnapshotStore interface {
	Save(key string, value *StrategyInstance) error
	Load(key string) (*StrategyInstance, error)
	Exists(key string) bool
	List() ([]string, error)
	Delete(key string) error
}

// OperationStore appends operation records for offline analysis. A nil store
// is valid; appending is best-effort and never blocks the tick on failure.
type OperationStore interface {
	Append(ctx context.Context, rec OperationRecord) error
	List(ctx context.Context, instanceID string, limit int) ([]OperationRecord, error)
}
