// Package storage persists strategy snapshots as versioned JSON files with
// atomic write-temp-then-rename semantics, plus a periodic backup of the data
// directory to S3-compatible object storage.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/dlmmbot/internal/domain"
)

// CurrentSnapshotVersion is the envelope version written by this build.
// Version 1 predates the runtime block; loading one fills the defaults.
const CurrentSnapshotVersion = 2

const indexFile = "index.json"

// envelope wraps a persisted instance with its schema version.
type envelope struct {
	Version  int                      `json:"version"`
	SavedAt  time.Time                `json:"saved_at"`
	Instance *domain.StrategyInstance `json:"instance"`
}

// indexEntry is one row of strategies/index.json.
type indexEntry struct {
	ID      string                `json:"id"`
	Type    domain.StrategyType   `json:"type"`
	Status  domain.InstanceStatus `json:"status"`
	Updated time.Time             `json:"updated"`
}

// FileStore keeps one JSON file per instance under <dir>/strategies plus an
// index file. All writes are atomic and fsynced before acknowledging.
type FileStore struct {
	mu     sync.Mutex
	dir    string
	logger *slog.Logger
}

// NewFileStore creates the strategies directory if needed.
func NewFileStore(dataDir string, logger *slog.Logger) (*FileStore, error) {
	dir := filepath.Join(dataDir, "strategies")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: mkdir %s: %w", dir, err)
	}
	return &FileStore{
		dir:    dir,
		logger: logger.With(slog.String("component", "storage")),
	}, nil
}

// Dir returns the strategies directory, for the backup job.
func (s *FileStore) Dir() string { return s.dir }

// Save persists the instance atomically and refreshes the index.
func (s *FileStore) Save(key string, value *domain.StrategyInstance) error {
	if value == nil {
		return domain.Categorize(domain.ErrValidation, "save", errors.New("nil instance"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	env := envelope{Version: CurrentSnapshotVersion, SavedAt: time.Now().UTC(), Instance: value}
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("storage: marshal %s: %w", key, err)
	}
	if err := s.writeAtomic(s.path(key), data); err != nil {
		return err
	}
	return s.refreshIndexLocked()
}

// Load reads and migrates one snapshot.
func (s *FileStore) Load(key string) (*domain.StrategyInstance, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("storage: load %s: %w", key, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("storage: load %s: %w", key, err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("storage: decode %s: %w", key, err)
	}
	if err := migrate(&env); err != nil {
		return nil, fmt.Errorf("storage: migrate %s: %w", key, err)
	}
	return env.Instance, nil
}

// Exists reports whether a snapshot file is present for key.
func (s *FileStore) Exists(key string) bool {
	_, err := os.Stat(s.path(key))
	return err == nil
}

// List returns the instance ids present on disk.
func (s *FileStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("storage: list: %w", err)
	}
	var keys []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || name == indexFile || !strings.HasSuffix(name, ".json") {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, ".json"))
	}
	return keys, nil
}

// Delete removes the snapshot and refreshes the index. Deleting a missing key
// is not an error.
func (s *FileStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("storage: delete %s: %w", key, err)
	}
	return s.refreshIndexLocked()
}

// Index reads strategies/index.json.
func (s *FileStore) Index() ([]indexEntry, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, indexFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: read index: %w", err)
	}
	var idx []indexEntry
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("storage: decode index: %w", err)
	}
	return idx, nil
}

// refreshIndexLocked rebuilds index.json from the snapshot files on disk.
func (s *FileStore) refreshIndexLocked() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("storage: index scan: %w", err)
	}

	idx := make([]indexEntry, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || name == indexFile || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			continue
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Instance == nil {
			s.logger.Warn("corrupt snapshot skipped in index", slog.String("file", name))
			continue
		}
		idx = append(idx, indexEntry{
			ID:      env.Instance.ID,
			Type:    env.Instance.Type,
			Status:  env.Instance.Status,
			Updated: env.SavedAt,
		})
	}

	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("storage: marshal index: %w", err)
	}
	return s.writeAtomic(filepath.Join(s.dir, indexFile), data)
}

// writeAtomic writes to a temp file in the same directory, fsyncs, renames
// over the target, then fsyncs the directory so the rename is durable.
func (s *FileStore) writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("storage: temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("storage: write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("storage: fsync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("storage: close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("storage: rename %s: %w", path, err)
	}
	if dir, err := os.Open(filepath.Dir(path)); err == nil {
		dir.Sync()
		dir.Close()
	}
	return nil
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, key+".json")
}

// migrate upgrades an envelope in place to the current version.
func migrate(env *envelope) error {
	switch env.Version {
	case CurrentSnapshotVersion:
		return nil
	case 1:
		// Version 1 carried no runtime block; zero values are correct except
		// for the direction enum.
		if env.Instance != nil && env.Instance.Runtime.OutOfRangeDirection == "" {
			env.Instance.Runtime.OutOfRangeDirection = domain.DirectionNone
		}
		env.Version = CurrentSnapshotVersion
		return nil
	default:
		return fmt.Errorf("%w: %d", domain.ErrSnapshotVersion, env.Version)
	}
}

var _ domain.SnapshotStore = (*FileStore)(nil)
