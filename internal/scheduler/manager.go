// Package scheduler owns the strategy lifecycle: the instance table, one
// worker per running instance, and the periodic health checker. Workers
// serialize ticks per instance; the manager serializes status transitions.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/dlmmbot/internal/domain"
)

// TickRunner executes one tick of the strategy pipeline.
type TickRunner interface {
	Tick(ctx context.Context, inst *domain.StrategyInstance) error
}

// Publisher is the slice of the event bus the scheduler needs.
type Publisher interface {
	Publish(topic string, payload any, source string)
}

// Manager owns the instance table. All status transitions go through it;
// workers only mutate their own instance's runtime during a tick.
type Manager struct {
	mu         sync.RWMutex
	instances  map[string]*domain.StrategyInstance
	workers    map[string]*worker
	stoppingAt map[string]time.Time

	store  domain.SnapshotStore
	runner TickRunner
	bus    Publisher
	logger *slog.Logger

	// baseInterval, when non-zero, overrides every instance's monitoring
	// interval. Used for accelerated dry runs and tests.
	baseInterval time.Duration

	now func() time.Time
}

// NewManager creates an empty manager. store may be nil for ephemeral runs.
func NewManager(store domain.SnapshotStore, runner TickRunner, bus Publisher, logger *slog.Logger) *Manager {
	return &Manager{
		instances:  make(map[string]*domain.StrategyInstance),
		workers:    make(map[string]*worker),
		stoppingAt: make(map[string]time.Time),
		store:      store,
		runner:     runner,
		bus:        bus,
		logger:     logger.With(slog.String("component", "scheduler")),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Create validates the config, registers a new instance in Created status,
// and persists its first snapshot.
func (m *Manager) Create(cfg domain.StrategyConfig) (*domain.StrategyInstance, error) {
	cfg.Clamp()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	inst := domain.NewInstance(cfg)

	m.mu.Lock()
	m.instances[inst.ID] = inst
	m.mu.Unlock()

	if err := m.persist(inst); err != nil {
		m.logger.Warn("initial snapshot persist failed",
			slog.String("instance", inst.ID), slog.String("error", err.Error()))
	}
	m.logger.Info("instance created",
		slog.String("instance", inst.ID),
		slog.String("type", string(inst.Type)),
		slog.String("pool", cfg.PoolAddress),
	)
	return inst, nil
}

// Update replaces the config of a non-running instance.
func (m *Manager) Update(id string, cfg domain.StrategyConfig) error {
	cfg.Clamp()
	if err := cfg.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return fmt.Errorf("scheduler: update %s: %w", id, domain.ErrNotFound)
	}
	if inst.Status == domain.StatusRunning {
		return domain.Categorize(domain.ErrValidation, "update",
			fmt.Errorf("instance %s is running; stop it before updating", id))
	}
	inst.Config = cfg
	inst.Metadata.LastUpdate = m.now()
	return m.persistLocked(inst)
}

// Start launches a worker for the instance, advancing Created/Stopped through
// Initializing to Running.
func (m *Manager) Start(ctx context.Context, id string) error {
	m.mu.Lock()
	inst, ok := m.instances[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("scheduler: start %s: %w", id, domain.ErrNotFound)
	}
	if _, running := m.workers[id]; running {
		m.mu.Unlock()
		return fmt.Errorf("scheduler: start %s: %w", id, domain.ErrAlreadyExists)
	}
	if err := m.transitionLocked(inst, domain.StatusInitializing); err != nil {
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	// Initialization re-reads durable state before the first tick; today that
	// is the snapshot already in memory, so the phase is a transition marker.
	m.mu.Lock()
	if err := m.transitionLocked(inst, domain.StatusRunning); err != nil {
		m.mu.Unlock()
		return err
	}
	inst.Metadata.StartedAt = m.now()
	w := newWorker(m, inst)
	m.workers[id] = w
	m.mu.Unlock()

	w.start(ctx)
	m.publish(domain.TopicStrategyStarted, map[string]any{"instance_id": id})
	m.logger.Info("instance started", slog.String("instance", id))
	return nil
}

// Stop signals the worker to finish its current tick and exit, then waits for
// it. The Stopping → Stopped edge is applied when the worker drains.
func (m *Manager) Stop(id string) error {
	m.mu.Lock()
	inst, ok := m.instances[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("scheduler: stop %s: %w", id, domain.ErrNotFound)
	}
	w := m.workers[id]
	if err := m.transitionLocked(inst, domain.StatusStopping); err != nil {
		m.mu.Unlock()
		return err
	}
	m.stoppingAt[id] = m.now()
	m.mu.Unlock()

	if w != nil {
		w.requestStop()
		w.wait()
	}
	return m.finishStop(id)
}

// finishStop applies Stopping → Stopped and cleans the worker table. The
// health checker calls this directly when force-stopping a stuck instance.
func (m *Manager) finishStop(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return fmt.Errorf("scheduler: finish stop %s: %w", id, domain.ErrNotFound)
	}
	delete(m.workers, id)
	delete(m.stoppingAt, id)
	if inst.Status != domain.StatusStopped {
		if err := m.transitionLocked(inst, domain.StatusStopped); err != nil {
			return err
		}
	}
	if err := m.persistLocked(inst); err != nil {
		m.logger.Warn("stop snapshot persist failed",
			slog.String("instance", id), slog.String("error", err.Error()))
	}
	m.publish(domain.TopicStrategyStopped, map[string]any{"instance_id": id})
	m.logger.Info("instance stopped", slog.String("instance", id))
	return nil
}

// Pause suspends ticking without tearing the worker down.
func (m *Manager) Pause(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return fmt.Errorf("scheduler: pause %s: %w", id, domain.ErrNotFound)
	}
	return m.transitionLocked(inst, domain.StatusPaused)
}

// Resume returns a paused instance to Running.
func (m *Manager) Resume(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return fmt.Errorf("scheduler: resume %s: %w", id, domain.ErrNotFound)
	}
	return m.transitionLocked(inst, domain.StatusRunning)
}

// Delete removes a stopped instance from the table and the store.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.instances[id]; !ok {
		return fmt.Errorf("scheduler: delete %s: %w", id, domain.ErrNotFound)
	}
	if _, running := m.workers[id]; running {
		return domain.Categorize(domain.ErrValidation, "delete",
			fmt.Errorf("instance %s has a live worker; stop it first", id))
	}
	delete(m.instances, id)
	if m.store != nil {
		if err := m.store.Delete(id); err != nil {
			return fmt.Errorf("scheduler: delete snapshot %s: %w", id, err)
		}
	}
	m.logger.Info("instance deleted", slog.String("instance", id))
	return nil
}

// Get returns the instance by id.
func (m *Manager) Get(id string) (*domain.StrategyInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[id]
	if !ok {
		return nil, fmt.Errorf("scheduler: get %s: %w", id, domain.ErrNotFound)
	}
	return inst, nil
}

// List returns all registered instances.
func (m *Manager) List() []*domain.StrategyInstance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*domain.StrategyInstance, 0, len(m.instances))
	for _, inst := range m.instances {
		out = append(out, inst)
	}
	return out
}

// Recover loads persisted snapshots and restarts every instance whose last
// recorded status was Running, advancing each through Initializing.
func (m *Manager) Recover(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	keys, err := m.store.List()
	if err != nil {
		return fmt.Errorf("scheduler: recover list: %w", err)
	}

	var restart []string
	m.mu.Lock()
	for _, key := range keys {
		inst, err := m.store.Load(key)
		if err != nil {
			m.logger.Error("snapshot load failed, skipping",
				slog.String("instance", key), slog.String("error", err.Error()))
			continue
		}
		wasRunning := inst.Status == domain.StatusRunning || inst.Status == domain.StatusStopping
		if wasRunning {
			// The process died mid-run; the snapshot status lies about the
			// worker. Ground it at Stopped and restart below.
			inst.Status = domain.StatusStopped
			restart = append(restart, inst.ID)
		}
		m.instances[inst.ID] = inst
	}
	m.mu.Unlock()

	for _, id := range restart {
		if err := m.Start(ctx, id); err != nil {
			m.logger.Error("recovery restart failed",
				slog.String("instance", id), slog.String("error", err.Error()))
			m.markError(id, err)
		}
	}
	m.logger.Info("recovery complete",
		slog.Int("loaded", len(keys)), slog.Int("restarted", len(restart)))
	return nil
}

// Shutdown stops every worker, persisting all snapshots before returning.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.workers))
	for id := range m.workers {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		if err := m.Stop(id); err != nil {
			m.logger.Warn("shutdown stop failed",
				slog.String("instance", id), slog.String("error", err.Error()))
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, inst := range m.instances {
		if err := m.persistLocked(inst); err != nil {
			m.logger.Warn("shutdown persist failed",
				slog.String("instance", inst.ID), slog.String("error", err.Error()))
		}
	}
}

// markError moves an instance to Error status, frees its worker slot so an
// operator can Start it again, and publishes strategy.error. The worker loop
// exits on its own once it observes the status.
func (m *Manager) markError(id string, cause error) {
	m.mu.Lock()
	w := m.workers[id]
	delete(m.workers, id)
	if inst, ok := m.instances[id]; ok {
		inst.Status = domain.StatusError // any → Error is always legal
		inst.Metadata.LastUpdate = m.now()
	}
	m.mu.Unlock()
	if w != nil {
		w.requestStop()
	}
	m.publish(domain.TopicStrategyError, map[string]any{
		"instance_id": id, "error": cause.Error(),
	})
}

// transitionLocked applies one lifecycle edge under m.mu.
func (m *Manager) transitionLocked(inst *domain.StrategyInstance, to domain.InstanceStatus) error {
	if !domain.CanTransition(inst.Status, to) {
		return domain.Categorize(domain.ErrValidation, "transition",
			fmt.Errorf("instance %s: %s -> %s is not a legal edge", inst.ID, inst.Status, to))
	}
	m.logger.Debug("status transition",
		slog.String("instance", inst.ID),
		slog.String("from", string(inst.Status)),
		slog.String("to", string(to)),
	)
	inst.Status = to
	inst.Metadata.LastUpdate = m.now()
	return nil
}

func (m *Manager) persist(inst *domain.StrategyInstance) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.persistLocked(inst)
}

func (m *Manager) persistLocked(inst *domain.StrategyInstance) error {
	if m.store == nil {
		return nil
	}
	return m.store.Save(inst.ID, inst)
}

func (m *Manager) publish(topic string, payload any) {
	if m.bus != nil {
		m.bus.Publish(topic, payload, "scheduler")
	}
}
