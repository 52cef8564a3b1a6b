package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/dlmmbot/internal/domain"
)

const testPool = "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"

type memStore struct {
	mu    sync.Mutex
	items map[string]*domain.StrategyInstance
}

func newMemStore() *memStore {
	return &memStore{items: make(map[string]*domain.StrategyInstance)}
}

func (s *memStore) Save(key string, value *domain.StrategyInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *value
	s.items[key] = &cp
	return nil
}

func (s *memStore) Load(key string) (*domain.StrategyInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.items[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *v
	return &cp, nil
}

func (s *memStore) Exists(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.items[key]
	return ok
}

func (s *memStore) List() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.items))
	for k := range s.items {
		keys = append(keys, k)
	}
	return keys, nil
}

func (s *memStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}

type countingRunner struct {
	ticks atomic.Int64
}

func (r *countingRunner) Tick(context.Context, *domain.StrategyInstance) error {
	r.ticks.Add(1)
	return nil
}

type recordingBus struct {
	mu     sync.Mutex
	topics []string
}

func (b *recordingBus) Publish(topic string, _ any, _ string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topics = append(b.topics, topic)
}

func (b *recordingBus) has(topic string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range b.topics {
		if t == topic {
			return true
		}
	}
	return false
}

func validConfig() domain.StrategyConfig {
	cfg := domain.DefaultStrategyConfig()
	cfg.Name = "test"
	cfg.PoolAddress = testPool
	cfg.PositionAmount = 100
	return cfg
}

func newTestManager(t *testing.T) (*Manager, *memStore, *countingRunner, *recordingBus) {
	t.Helper()
	store := newMemStore()
	runner := &countingRunner{}
	bus := &recordingBus{}
	mgr := NewManager(store, runner, bus, slog.New(slog.NewTextHandler(io.Discard, nil)))
	mgr.baseInterval = 10 * time.Millisecond
	return mgr, store, runner, bus
}

func TestCreateValidatesAndPersists(t *testing.T) {
	mgr, store, _, _ := newTestManager(t)

	bad := validConfig()
	bad.PoolAddress = "nope"
	_, err := mgr.Create(bad)
	require.Error(t, err)
	assert.Equal(t, domain.ErrValidation, domain.CategoryOf(err))

	inst, err := mgr.Create(validConfig())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCreated, inst.Status)
	assert.True(t, store.Exists(inst.ID))
}

func TestStartStopLifecycle(t *testing.T) {
	mgr, _, runner, bus := newTestManager(t)
	inst, err := mgr.Create(validConfig())
	require.NoError(t, err)

	require.NoError(t, mgr.Start(context.Background(), inst.ID))
	assert.Equal(t, domain.StatusRunning, inst.Status)
	assert.Error(t, mgr.Start(context.Background(), inst.ID), "double start refused")

	assert.Eventually(t, func() bool { return runner.ticks.Load() >= 2 },
		time.Second, 5*time.Millisecond, "worker must tick")

	require.NoError(t, mgr.Stop(inst.ID))
	assert.Equal(t, domain.StatusStopped, inst.Status)
	assert.True(t, bus.has(domain.TopicStrategyStarted))
	assert.True(t, bus.has(domain.TopicStrategyStopped))

	// No worker left behind.
	mgr.mu.RLock()
	assert.Empty(t, mgr.workers)
	mgr.mu.RUnlock()
}

func TestPauseSuspendsTicks(t *testing.T) {
	mgr, _, runner, _ := newTestManager(t)
	inst, err := mgr.Create(validConfig())
	require.NoError(t, err)
	require.NoError(t, mgr.Start(context.Background(), inst.ID))
	defer mgr.Stop(inst.ID)

	assert.Eventually(t, func() bool { return runner.ticks.Load() >= 1 },
		time.Second, 5*time.Millisecond)

	require.NoError(t, mgr.Pause(inst.ID))
	time.Sleep(30 * time.Millisecond) // let an in-flight tick finish
	before := runner.ticks.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, before, runner.ticks.Load(), "paused instance must not tick")

	require.NoError(t, mgr.Resume(inst.ID))
	assert.Eventually(t, func() bool { return runner.ticks.Load() > before },
		time.Second, 5*time.Millisecond)
}

func TestStopRequiresLegalEdge(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)
	inst, err := mgr.Create(validConfig())
	require.NoError(t, err)

	err = mgr.Stop(inst.ID)
	require.Error(t, err, "created instance has no stopping edge")
	assert.Equal(t, domain.ErrValidation, domain.CategoryOf(err))
}

func TestDeleteRefusesLiveWorker(t *testing.T) {
	mgr, store, _, _ := newTestManager(t)
	assert.ErrorIs(t, mgr.Delete("missing"), domain.ErrNotFound)

	inst, err := mgr.Create(validConfig())
	require.NoError(t, err)
	require.NoError(t, mgr.Start(context.Background(), inst.ID))

	require.Error(t, mgr.Delete(inst.ID))

	require.NoError(t, mgr.Stop(inst.ID))
	require.NoError(t, mgr.Delete(inst.ID))
	assert.False(t, store.Exists(inst.ID))
	_, err = mgr.Get(inst.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

type panickingRunner struct {
	ticks atomic.Int64
}

func (r *panickingRunner) Tick(context.Context, *domain.StrategyInstance) error {
	r.ticks.Add(1)
	panic("pipeline blew up")
}

func TestErrorStatusStopsTicking(t *testing.T) {
	store := newMemStore()
	runner := &panickingRunner{}
	bus := &recordingBus{}
	mgr := NewManager(store, runner, bus, slog.New(slog.NewTextHandler(io.Discard, nil)))
	mgr.baseInterval = 10 * time.Millisecond

	inst, err := mgr.Create(validConfig())
	require.NoError(t, err)
	require.NoError(t, mgr.Start(context.Background(), inst.ID))

	assert.Eventually(t, func() bool {
		got, err := mgr.Get(inst.ID)
		return err == nil && got.Status == domain.StatusError
	}, time.Second, 5*time.Millisecond)
	assert.True(t, bus.has(domain.TopicStrategyError))

	count := runner.ticks.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, count, runner.ticks.Load(), "errored instance must not tick")

	// The worker slot is freed so an operator restart is possible.
	mgr.mu.RLock()
	_, live := mgr.workers[inst.ID]
	mgr.mu.RUnlock()
	assert.False(t, live)
	require.NoError(t, mgr.Start(context.Background(), inst.ID))
	mgr.Shutdown()
}

func TestRecoverRestartsRunningInstances(t *testing.T) {
	store := newMemStore()

	running := domain.NewInstance(validConfig())
	running.Status = domain.StatusRunning
	require.NoError(t, store.Save(running.ID, running))

	stopped := domain.NewInstance(validConfig())
	stopped.Status = domain.StatusStopped
	require.NoError(t, store.Save(stopped.ID, stopped))

	runner := &countingRunner{}
	mgr := NewManager(store, runner, &recordingBus{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	mgr.baseInterval = 10 * time.Millisecond

	require.NoError(t, mgr.Recover(context.Background()))
	defer mgr.Shutdown()

	got, err := mgr.Get(running.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, got.Status)

	gotStopped, err := mgr.Get(stopped.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusStopped, gotStopped.Status)

	assert.Eventually(t, func() bool { return runner.ticks.Load() >= 1 },
		time.Second, 5*time.Millisecond, "recovered instance must tick again")
}

func TestUpdateRefusedWhileRunning(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)
	inst, err := mgr.Create(validConfig())
	require.NoError(t, err)
	require.NoError(t, mgr.Start(context.Background(), inst.ID))
	defer mgr.Stop(inst.ID)

	cfg := validConfig()
	cfg.MonitoringIntervalSec = 60
	err = mgr.Update(inst.ID, cfg)
	require.Error(t, err)
	assert.Equal(t, domain.ErrValidation, domain.CategoryOf(err))
}

func TestShutdownPersistsEverything(t *testing.T) {
	mgr, store, _, _ := newTestManager(t)
	inst, err := mgr.Create(validConfig())
	require.NoError(t, err)
	require.NoError(t, mgr.Start(context.Background(), inst.ID))

	mgr.Shutdown()

	saved, err := store.Load(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusStopped, saved.Status)
}
