package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/dlmmbot/internal/domain"
)

type fakeObservations struct {
	count  int
	purged int
}

func (f *fakeObservations) ObservationCount() int { return f.count }

func (f *fakeObservations) PurgeExpired() int {
	f.count = 0
	return f.purged
}

func findIssue(issues []Issue, category string) (Issue, bool) {
	for _, i := range issues {
		if i.Category == category {
			return i, true
		}
	}
	return Issue{}, false
}

func TestStuckStoppingForcedToStopped(t *testing.T) {
	mgr, _, _, bus := newTestManager(t)
	inst, err := mgr.Create(validConfig())
	require.NoError(t, err)
	require.NoError(t, mgr.Start(context.Background(), inst.ID))

	// Simulate a stop that never drained.
	mgr.mu.Lock()
	inst.Status = domain.StatusStopping
	mgr.stoppingAt[inst.ID] = mgr.now().Add(-10 * time.Minute)
	mgr.mu.Unlock()

	h := NewHealthChecker(mgr, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	issues := h.CheckOnce()

	issue, found := findIssue(issues, IssueStuckStopping)
	require.True(t, found)
	assert.True(t, issue.Fixed)
	assert.Equal(t, domain.StatusStopped, inst.Status)
	assert.True(t, bus.has(domain.TopicStrategyStopped))
}

func TestTimerLeakCleared(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)
	inst, err := mgr.Create(validConfig())
	require.NoError(t, err)

	start := time.Now().UTC()
	inst.Runtime.OutOfRangeStartTime = &start
	inst.Runtime.OutOfRangeDirection = domain.DirectionBelow

	h := NewHealthChecker(mgr, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	issues := h.CheckOnce()

	issue, found := findIssue(issues, IssueTimerLeak)
	require.True(t, found)
	assert.True(t, issue.Fixed)
	assert.Nil(t, inst.Runtime.OutOfRangeStartTime)
}

func TestObservationBuildupPurged(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)
	obs := &fakeObservations{count: 5000, purged: 4000}

	h := NewHealthChecker(mgr, obs, slog.New(slog.NewTextHandler(io.Discard, nil)))
	issues := h.CheckOnce()

	issue, found := findIssue(issues, IssueObservationBuildup)
	require.True(t, found)
	assert.True(t, issue.Fixed)
	assert.Zero(t, obs.count)
}

func TestMemoryLeakReported(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)
	h := NewHealthChecker(mgr, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	h.rss = func() (uint64, error) { return 2 << 30, nil }

	issues := h.CheckOnce()
	_, found := findIssue(issues, IssueMemoryLeak)
	assert.True(t, found)
}

func TestPhaseErrorDetected(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)
	inst, err := mgr.Create(validConfig())
	require.NoError(t, err)

	// Positions without a position-bearing stage.
	inst.Positions = []string{"pos-1"}
	inst.Stage = domain.StageNoPosition

	h := NewHealthChecker(mgr, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	issues := h.CheckOnce()

	issue, found := findIssue(issues, IssuePhaseError)
	require.True(t, found)
	assert.False(t, issue.Fixed)
	assert.Equal(t, inst.ID, issue.InstanceID)
}

func TestSlowTicksWidenInterval(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)
	inst, err := mgr.Create(validConfig())
	require.NoError(t, err)

	// Register the worker without launching its loop so the slow-tick counter
	// cannot be reset behind the checker's back.
	w := newWorker(mgr, inst)
	mgr.mu.Lock()
	mgr.workers[inst.ID] = w
	mgr.mu.Unlock()
	inst.Runtime.ConsecutiveSlowTicks = 3
	before := w.currentInterval()

	h := NewHealthChecker(mgr, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	issues := h.CheckOnce()

	_, found := findIssue(issues, IssueSlowTicks)
	require.True(t, found)
	assert.Greater(t, w.currentInterval(), before)
	assert.Zero(t, inst.Runtime.ConsecutiveSlowTicks)
}

// gatedRunner sets a leaked out-of-range timer on its first tick, then holds
// the tick open until released. Later ticks return immediately.
type gatedRunner struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (r *gatedRunner) Tick(_ context.Context, inst *domain.StrategyInstance) error {
	r.once.Do(func() {
		at := time.Now().UTC()
		inst.Runtime.OutOfRangeStartTime = &at
		inst.Runtime.OutOfRangeDirection = domain.DirectionAbove
		close(r.entered)
		<-r.release
	})
	return nil
}

func TestAuditSkipsInstanceMidTick(t *testing.T) {
	runner := &gatedRunner{entered: make(chan struct{}), release: make(chan struct{})}
	mgr := NewManager(newMemStore(), runner, &recordingBus{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	mgr.baseInterval = 5 * time.Millisecond

	inst, err := mgr.Create(validConfig())
	require.NoError(t, err)
	require.NoError(t, mgr.Start(context.Background(), inst.ID))

	<-runner.entered // a tick is in flight, runtime state half-written

	h := NewHealthChecker(mgr, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	issues := h.CheckOnce()
	_, found := findIssue(issues, IssueTimerLeak)
	assert.False(t, found, "runtime must not be repaired under a live tick")

	close(runner.release)
	require.NoError(t, mgr.Pause(inst.ID))

	// Once the tick drains the leak is visible and repairable.
	assert.Eventually(t, func() bool {
		_, found := findIssue(h.CheckOnce(), IssueTimerLeak)
		return found
	}, time.Second, 5*time.Millisecond)
	assert.Nil(t, inst.Runtime.OutOfRangeStartTime)

	require.NoError(t, mgr.Resume(inst.ID))
	require.NoError(t, mgr.Stop(inst.ID))
}
