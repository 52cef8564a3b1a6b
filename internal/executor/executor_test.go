package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/dlmmbot/internal/domain"
)

const testPool = "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"

type fakeAdapter struct {
	snap *domain.MarketSnapshot
	err  error
}

func (f *fakeAdapter) Snapshot(context.Context, *domain.StrategyInstance) (*domain.MarketSnapshot, error) {
	return f.snap, f.err
}

type fakeStopLoss struct {
	decision domain.StopLossDecision
	cleared  []string
}

func (f *fakeStopLoss) Evaluate(*domain.StrategyInstance, *domain.MarketSnapshot) domain.StopLossDecision {
	return f.decision
}

func (f *fakeStopLoss) Clear(id string) { f.cleared = append(f.cleared, id) }

type fakeRecreate struct {
	decision domain.RecreationDecision
}

func (f *fakeRecreate) Evaluate(*domain.StrategyInstance, *domain.MarketSnapshot) domain.RecreationDecision {
	return f.decision
}

type fakeEngine struct {
	openResult OpenResult
	openErr    error
	closeErr   error
	swapErr    error
	cost       float64
	costErr    error

	opens    int
	closes   []string // opName per Close call
	swaps    int
	harvests int
}

func (f *fakeEngine) Open(context.Context, *domain.StrategyInstance) (OpenResult, error) {
	f.opens++
	return f.openResult, f.openErr
}

func (f *fakeEngine) Close(_ context.Context, _ *domain.StrategyInstance, opName string) (string, error) {
	f.closes = append(f.closes, opName)
	return "sig-close", f.closeErr
}

func (f *fakeEngine) SwapToQuote(context.Context, *domain.StrategyInstance, float64, string) (domain.SwapResult, error) {
	f.swaps++
	if f.swapErr != nil {
		return domain.SwapResult{}, f.swapErr
	}
	return domain.SwapResult{}, nil
}

func (f *fakeEngine) ClaimFees(context.Context, *domain.StrategyInstance) (string, error) {
	f.harvests++
	return "sig-claim", nil
}

func (f *fakeEngine) EstimateRecreateCost(context.Context, *domain.StrategyInstance) (float64, error) {
	return f.cost, f.costErr
}

type memOps struct {
	records []domain.OperationRecord
}

func (m *memOps) Append(_ context.Context, rec domain.OperationRecord) error {
	m.records = append(m.records, rec)
	return nil
}

func (m *memOps) List(_ context.Context, instanceID string, limit int) ([]domain.OperationRecord, error) {
	return m.records, nil
}

func (m *memOps) last(t *testing.T) domain.OperationRecord {
	t.Helper()
	require.NotEmpty(t, m.records)
	return m.records[len(m.records)-1]
}

type fixture struct {
	exec     *Executor
	adapter  *fakeAdapter
	stopLoss *fakeStopLoss
	recreate *fakeRecreate
	engine   *fakeEngine
	ops      *memOps
	now      *time.Time
}

func newFixture() *fixture {
	f := &fixture{
		adapter:  &fakeAdapter{snap: inRangeSnapshot()},
		stopLoss: &fakeStopLoss{decision: domain.StopLossDecision{Action: domain.StopLossHold}},
		recreate: &fakeRecreate{},
		engine: &fakeEngine{openResult: OpenResult{
			Positions: []string{"pos-1"},
			Range:     domain.PositionRange{LowerBin: 100, UpperBin: 120},
			Signature: "sig-open",
		}},
		ops: &memOps{},
	}
	f.exec = New(f.adapter, f.stopLoss, f.recreate, f.engine, f.ops, nil, nil,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	f.now = &now
	f.exec.now = func() time.Time { return now }
	return f
}

func inRangeSnapshot() *domain.MarketSnapshot {
	return &domain.MarketSnapshot{
		ActiveBin:        110,
		PositionLowerBin: 100,
		PositionUpperBin: 120,
	}
}

func runningInstance() *domain.StrategyInstance {
	cfg := domain.DefaultStrategyConfig()
	cfg.Name = "t"
	cfg.PoolAddress = testPool
	cfg.PositionAmount = 100
	inst := domain.NewInstance(cfg)
	inst.Stage = domain.StageYPositionOnly
	inst.Positions = []string{"pos-1"}
	inst.Range = domain.PositionRange{LowerBin: 100, UpperBin: 120}
	return inst
}

func TestFirstTickOpensPosition(t *testing.T) {
	f := newFixture()
	cfg := domain.DefaultStrategyConfig()
	cfg.Name = "t"
	cfg.PoolAddress = testPool
	cfg.PositionAmount = 100
	inst := domain.NewInstance(cfg)

	require.NoError(t, f.exec.Tick(context.Background(), inst))

	assert.Equal(t, domain.StageYPositionOnly, inst.Stage)
	assert.Equal(t, []string{"pos-1"}, inst.Positions)
	assert.Equal(t, int64(1), inst.Metadata.ExecutionCount)

	rec := f.ops.last(t)
	assert.Equal(t, domain.OpPositionCreate, rec.Action)
	assert.True(t, rec.Success)
	assert.Equal(t, "sig-open", rec.Signature)
}

func TestPartialChainCreationEntersCleanup(t *testing.T) {
	f := newFixture()
	f.engine.openErr = errors.New("second position create failed")
	f.engine.openResult = OpenResult{
		Positions: []string{"pos-high"},
		Range:     domain.PositionRange{LowerBin: 89, UpperBin: 110},
	}

	cfg := domain.DefaultStrategyConfig()
	cfg.Type = domain.StrategyChainPosition
	cfg.Name = "t"
	cfg.PoolAddress = testPool
	cfg.PositionAmount = 100
	inst := domain.NewInstance(cfg)

	err := f.exec.Tick(context.Background(), inst)
	require.Error(t, err)
	assert.Equal(t, domain.StageCleanup, inst.Stage)
	assert.Equal(t, []string{"pos-high"}, inst.Positions, "partial position recorded for cleanup")

	// The next tick finishes the cleanup.
	f.engine.openErr = nil
	require.NoError(t, f.exec.Tick(context.Background(), inst))
	assert.Equal(t, domain.StageNoPosition, inst.Stage)
	assert.Empty(t, inst.Positions)
	assert.Contains(t, f.engine.closes, "position.cleanup")
}

func TestStopLossFullExitLiquidates(t *testing.T) {
	f := newFixture()
	f.stopLoss.decision = domain.StopLossDecision{
		Action:         domain.StopLossFullExit,
		Urgency:        domain.UrgencyHigh,
		ExitPercentage: 100,
	}
	inst := runningInstance()
	inst.Runtime.LossRecoveryMarked = true

	require.NoError(t, f.exec.Tick(context.Background(), inst))

	assert.Equal(t, domain.StageNoPosition, inst.Stage)
	assert.Empty(t, inst.Positions)
	assert.False(t, inst.Runtime.LossRecoveryMarked)
	assert.Equal(t, []string{"stop.loss"}, f.engine.closes)
	assert.Equal(t, 1, f.engine.swaps)
	assert.Contains(t, f.stopLoss.cleared, inst.ID)

	rec := f.ops.last(t)
	assert.Equal(t, domain.OpStopLoss, rec.Action)
	assert.True(t, rec.Success)
}

func TestStopLossSwapFailureParksInCleanup(t *testing.T) {
	f := newFixture()
	f.stopLoss.decision = domain.StopLossDecision{
		Action:         domain.StopLossFullExit,
		Urgency:        domain.UrgencyHigh,
		ExitPercentage: 100,
	}
	f.engine.swapErr = errors.New("swap route unavailable")
	inst := runningInstance()

	err := f.exec.Tick(context.Background(), inst)
	require.Error(t, err)
	assert.Equal(t, domain.StageCleanup, inst.Stage, "failed swap must not reach no-position")
	assert.Empty(t, inst.Positions)
	assert.Equal(t, inst.Config.PositionAmount, inst.Runtime.PendingSwapAmount)
	assert.Equal(t, 1, f.engine.swaps)

	rec := f.ops.last(t)
	assert.Equal(t, domain.OpStopLossSwap, rec.Action)
	assert.False(t, rec.Success)

	// While the swap is owed, ticks retry it instead of opening a new position.
	err = f.exec.Tick(context.Background(), inst)
	require.Error(t, err)
	assert.Equal(t, domain.StageCleanup, inst.Stage)
	assert.Equal(t, 2, f.engine.swaps)
	assert.Zero(t, f.engine.opens)

	// Once the route heals, the swap settles and the cycle restarts.
	f.engine.swapErr = nil
	require.NoError(t, f.exec.Tick(context.Background(), inst))
	assert.Equal(t, domain.StageNoPosition, inst.Stage)
	assert.Zero(t, inst.Runtime.PendingSwapAmount)
	assert.Equal(t, 3, f.engine.swaps)

	require.NoError(t, f.exec.Tick(context.Background(), inst))
	assert.Equal(t, domain.StageYPositionOnly, inst.Stage)
	assert.Equal(t, 1, f.engine.opens)
}

func TestRecreationClosesAndReopens(t *testing.T) {
	f := newFixture()
	f.recreate.decision = domain.RecreationDecision{
		Recreate: true,
		Reason:   domain.ReasonOutOfRange,
		Urgency:  domain.UrgencyCritical,
	}
	f.adapter.snap = &domain.MarketSnapshot{
		ActiveBin: 95, PositionLowerBin: 100, PositionUpperBin: 120,
	}
	inst := runningInstance()
	start := time.Now().UTC()
	inst.Runtime.OutOfRangeStartTime = &start
	inst.Runtime.OutOfRangeDirection = domain.DirectionBelow

	require.NoError(t, f.exec.Tick(context.Background(), inst))

	assert.Equal(t, []string{"position.close"}, f.engine.closes)
	assert.Equal(t, 1, f.engine.opens)
	assert.Equal(t, domain.StageYPositionOnly, inst.Stage)
	assert.Equal(t, *f.now, inst.Runtime.LastRecreationAt)
	assert.Nil(t, inst.Runtime.OutOfRangeStartTime)

	rec := f.ops.last(t)
	assert.Equal(t, domain.OpRecreate, rec.Action)
	assert.True(t, rec.Success)
}

func TestRecreationDeclinedWhenTooSoon(t *testing.T) {
	f := newFixture()
	f.recreate.decision = domain.RecreationDecision{Recreate: true, Reason: domain.ReasonMarketOpportunity}
	inst := runningInstance()
	inst.Runtime.LastRecreationAt = f.now.Add(-2 * time.Minute)

	require.NoError(t, f.exec.Tick(context.Background(), inst))

	assert.Empty(t, f.engine.closes, "guard must decline before any close")
	rec := f.ops.last(t)
	assert.Equal(t, domain.OpRecreate, rec.Action)
	assert.False(t, rec.Success)
	assert.Contains(t, rec.Error, "recreation interval")
}

func TestRecreationDeclinedWhenTooCostly(t *testing.T) {
	f := newFixture()
	f.recreate.decision = domain.RecreationDecision{Recreate: true, Reason: domain.ReasonMarketOpportunity}
	f.engine.cost = 5 // 5% of the 100 notional
	inst := runningInstance()

	require.NoError(t, f.exec.Tick(context.Background(), inst))

	assert.Empty(t, f.engine.closes)
	rec := f.ops.last(t)
	assert.False(t, rec.Success)
	assert.Contains(t, rec.Error, "cost exceeds")
}

func TestRecreateOpenFailureLeavesCleanup(t *testing.T) {
	f := newFixture()
	f.recreate.decision = domain.RecreationDecision{Recreate: true, Reason: domain.ReasonOutOfRange}
	f.engine.openErr = errors.New("create transaction failed")
	f.engine.openResult = OpenResult{}
	inst := runningInstance()

	err := f.exec.Tick(context.Background(), inst)
	require.Error(t, err)
	assert.Equal(t, domain.StageCleanup, inst.Stage)
	assert.Empty(t, inst.Positions)
	assert.Equal(t, int64(1), inst.Metadata.ErrorCount)
}

func TestStageFollowsRangeCondition(t *testing.T) {
	f := newFixture()
	inst := runningInstance()

	f.adapter.snap = &domain.MarketSnapshot{ActiveBin: 95, PositionLowerBin: 100, PositionUpperBin: 120}
	require.NoError(t, f.exec.Tick(context.Background(), inst))
	assert.Equal(t, domain.StageOutOfRange, inst.Stage)

	f.adapter.snap = inRangeSnapshot()
	require.NoError(t, f.exec.Tick(context.Background(), inst))
	assert.Equal(t, domain.StageYPositionOnly, inst.Stage)
}

func TestHarvestThresholdAndTimeLock(t *testing.T) {
	f := newFixture()
	inst := runningInstance() // threshold 0.5, time-lock 1 min

	// Below the threshold: no harvest.
	f.adapter.snap.CurrentPendingYield = 0.2
	require.NoError(t, f.exec.Tick(context.Background(), inst))
	assert.Zero(t, f.engine.harvests)

	// Above the threshold: harvest and stamp the lock.
	f.adapter.snap.CurrentPendingYield = 0.8
	require.NoError(t, f.exec.Tick(context.Background(), inst))
	assert.Equal(t, 1, f.engine.harvests)
	assert.Equal(t, *f.now, inst.Runtime.LastHarvestAt)

	// Within the time-lock: skipped despite pending yield.
	require.NoError(t, f.exec.Tick(context.Background(), inst))
	assert.Equal(t, 1, f.engine.harvests)

	// Lock elapsed: harvest again.
	*f.now = f.now.Add(2 * time.Minute)
	require.NoError(t, f.exec.Tick(context.Background(), inst))
	assert.Equal(t, 2, f.engine.harvests)
}

func TestSnapshotFailureCountsError(t *testing.T) {
	f := newFixture()
	f.adapter.snap = nil
	f.adapter.err = errors.New("rpc timeout")
	inst := runningInstance()

	err := f.exec.Tick(context.Background(), inst)
	require.Error(t, err)
	assert.Equal(t, int64(1), inst.Metadata.ErrorCount)
	assert.Equal(t, int64(1), inst.Metadata.ExecutionCount)
}
