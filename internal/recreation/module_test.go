package recreation

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/dlmmbot/internal/domain"
)

const testPool = "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"

func newTestModule() (*Module, *time.Time) {
	m := NewModule(slog.New(slog.NewTextHandler(io.Discard, nil)))
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	return m, &now
}

// testInstance has range [100,120], out-of-range timeout 600s and the
// documented rule defaults.
func testInstance() *domain.StrategyInstance {
	cfg := domain.DefaultStrategyConfig()
	cfg.Name = "t"
	cfg.PoolAddress = testPool
	cfg.PositionAmount = 100
	return domain.NewInstance(cfg)
}

func snapshotAt(activeBin int32, netPnLPct float64) *domain.MarketSnapshot {
	return &domain.MarketSnapshot{
		ActiveBin:        activeBin,
		PositionLowerBin: 100,
		PositionUpperBin: 120,
		NetPnLPercentage: netPnLPct,
		CurrentPrice:     1.0,
	}
}

func TestOutOfRangeTimerLifecycle(t *testing.T) {
	m, now := newTestModule()
	inst := testInstance()

	// T0: bin drops below the range, timer starts.
	d := m.Evaluate(inst, snapshotAt(95, 0))
	require.False(t, d.Recreate)
	require.Equal(t, domain.ReasonTimerStarted, d.Reason)
	require.NotNil(t, inst.Runtime.OutOfRangeStartTime)
	assert.Equal(t, domain.DirectionBelow, inst.Runtime.OutOfRangeDirection)

	// T0+599s: still waiting, one second left.
	*now = now.Add(599 * time.Second)
	d = m.Evaluate(inst, snapshotAt(95, 0))
	require.Equal(t, domain.ReasonTimerWaiting, d.Reason)
	assert.Equal(t, time.Second, d.RemainingWait)

	// T0+601s: timeout elapsed, recreation fires.
	*now = now.Add(2 * time.Second)
	d = m.Evaluate(inst, snapshotAt(95, 0))
	require.True(t, d.Recreate)
	assert.Equal(t, domain.ReasonOutOfRange, d.Reason)
	assert.Equal(t, 95.0, d.Confidence)
	assert.Equal(t, domain.UrgencyCritical, d.Urgency)
}

func TestReturnToRangeClearsTimer(t *testing.T) {
	m, now := newTestModule()
	inst := testInstance()

	m.Evaluate(inst, snapshotAt(95, 0))
	require.NotNil(t, inst.Runtime.OutOfRangeStartTime)

	*now = now.Add(5 * time.Minute)
	d := m.Evaluate(inst, snapshotAt(110, 0))
	assert.False(t, d.Recreate)
	assert.Nil(t, inst.Runtime.OutOfRangeStartTime)
	assert.Equal(t, domain.DirectionNone, inst.Runtime.OutOfRangeDirection)
}

func TestDirectionChangeRestartsTimer(t *testing.T) {
	m, now := newTestModule()
	inst := testInstance()

	m.Evaluate(inst, snapshotAt(95, 0))
	*now = now.Add(9 * time.Minute)

	// Bin jumps to the other side: fresh timer, not a near-expired one.
	d := m.Evaluate(inst, snapshotAt(125, 0))
	require.Equal(t, domain.ReasonTimerStarted, d.Reason)
	assert.Equal(t, domain.DirectionAbove, inst.Runtime.OutOfRangeDirection)
	assert.Equal(t, *now, *inst.Runtime.OutOfRangeStartTime)
}

func TestPriceGuardKeepsPositionAndResetsTimer(t *testing.T) {
	m, now := newTestModule()
	inst := testInstance()
	inst.Config.MaxPriceForRecreation = 2.0

	snap := snapshotAt(125, 0) // above the range
	snap.CurrentPrice = 2.5
	m.Evaluate(inst, snap)

	*now = now.Add(11 * time.Minute)
	d := m.Evaluate(inst, snap)

	require.False(t, d.Recreate)
	assert.Equal(t, domain.ReasonPriceCheckFailed, d.Reason)
	assert.True(t, d.KeepPosition)
	assert.Nil(t, inst.Runtime.OutOfRangeStartTime, "guard failure resets the timer")

	// Next out-of-range tick starts a fresh countdown.
	d = m.Evaluate(inst, snap)
	assert.Equal(t, domain.ReasonTimerStarted, d.Reason)
}

func TestPriceGuardIgnoredBelowRange(t *testing.T) {
	m, now := newTestModule()
	inst := testInstance()
	inst.Config.MaxPriceForRecreation = 2.0

	snap := snapshotAt(95, 0) // below the range
	snap.CurrentPrice = 2.5
	m.Evaluate(inst, snap)
	*now = now.Add(11 * time.Minute)

	d := m.Evaluate(inst, snap)
	assert.True(t, d.Recreate, "ceiling only guards the above-range side")
	assert.Equal(t, domain.ReasonOutOfRange, d.Reason)
}

func TestMarketOpportunityFires(t *testing.T) {
	m, _ := newTestModule()
	inst := testInstance()

	// Bin 113 → position 65%, in range, profit above threshold.
	d := m.Evaluate(inst, snapshotAt(113, 1.5))
	require.True(t, d.Recreate)
	assert.Equal(t, domain.ReasonMarketOpportunity, d.Reason)
	assert.Equal(t, domain.UrgencyMedium, d.Urgency)
}

func TestMarketOpportunityRequiresBothConditions(t *testing.T) {
	m, _ := newTestModule()
	inst := testInstance()

	// Profitable but position too high in the range.
	d := m.Evaluate(inst, snapshotAt(115, 1.5)) // 75%
	assert.False(t, d.Recreate)

	// Position low enough but profit at, not above, the threshold.
	d = m.Evaluate(inst, snapshotAt(113, 1.0))
	assert.False(t, d.Recreate)
}

func TestLossRecoveryMarkThenTrigger(t *testing.T) {
	m, _ := newTestModule()
	inst := testInstance()

	// Phase 1: losing with a low position → mark, no recreation.
	d := m.Evaluate(inst, snapshotAt(112, -1)) // 60%
	require.False(t, d.Recreate)
	assert.Equal(t, domain.ReasonLossMarked, d.Reason)
	assert.True(t, inst.Runtime.LossRecoveryMarked)

	// Still marked, not recovered yet.
	d = m.Evaluate(inst, snapshotAt(112, -0.2))
	assert.False(t, d.Recreate)
	assert.True(t, inst.Runtime.LossRecoveryMarked)

	// Phase 2: recovered → recreate and clear the mark.
	d = m.Evaluate(inst, snapshotAt(113, 0.6)) // 65% <= 70, 0.6 >= 0.5
	require.True(t, d.Recreate)
	assert.Equal(t, domain.ReasonLossRecovery, d.Reason)
	assert.Equal(t, domain.UrgencyCritical, d.Urgency)
	assert.False(t, inst.Runtime.LossRecoveryMarked)
}

func TestLossRecoveryMarkSurvivesTicks(t *testing.T) {
	m, _ := newTestModule()
	inst := testInstance()

	m.Evaluate(inst, snapshotAt(112, -1))
	require.True(t, inst.Runtime.LossRecoveryMarked)

	// A deep-in-range profitable tick that satisfies no rule keeps the mark.
	d := m.Evaluate(inst, snapshotAt(118, 0.2)) // 90%
	assert.False(t, d.Recreate)
	assert.True(t, inst.Runtime.LossRecoveryMarked)
}

func TestDynamicProfitTierBoundary(t *testing.T) {
	m, _ := newTestModule()
	inst := testInstance()
	inst.Config.MarketOpportunity.Enabled = false
	inst.Config.LossRecovery.Enabled = false
	inst.Config.DynamicProfit.Enabled = true

	bench := 0.8                 // tier 2 → profit threshold 1.0
	snap := snapshotAt(114, 1.0) // position 70%, P&L exactly at the threshold
	snap.Benchmark.Avg15Min = &bench

	d := m.Evaluate(inst, snap)
	require.True(t, d.Recreate, "boundary values satisfy the inclusive comparisons")
	assert.Equal(t, domain.ReasonDynamicProfit, d.Reason)
}

func TestDynamicProfitSkippedDuringWarmup(t *testing.T) {
	m, _ := newTestModule()
	inst := testInstance()
	inst.Config.MarketOpportunity.Enabled = false
	inst.Config.LossRecovery.Enabled = false
	inst.Config.DynamicProfit.Enabled = true

	snap := snapshotAt(114, 5) // benchmark still nil
	d := m.Evaluate(inst, snap)
	assert.False(t, d.Recreate, "no benchmark average, rule must not guess")
}

func TestPositionTooLowGateBlocksEverything(t *testing.T) {
	m, _ := newTestModule()
	inst := testInstance()
	inst.Config.MinActiveBinPositionThreshold = 30

	// Position 25% with profit that would otherwise fire Rule 2.
	d := m.Evaluate(inst, snapshotAt(105, 2))
	require.False(t, d.Recreate)
	assert.Equal(t, domain.ReasonPositionTooLow, d.Reason)
	assert.False(t, inst.Runtime.LossRecoveryMarked)
}

func TestDegenerateRangeNeverRecreates(t *testing.T) {
	m, _ := newTestModule()
	inst := testInstance()

	snap := snapshotAt(100, 5)
	snap.PositionUpperBin = snap.PositionLowerBin

	d := m.Evaluate(inst, snap)
	require.False(t, d.Recreate)
	assert.Equal(t, domain.ReasonIdle, d.Reason)
	assert.Nil(t, inst.Runtime.OutOfRangeStartTime)
}

func TestStatusPrefersCountdownDiagnostic(t *testing.T) {
	m, now := newTestModule()
	inst := testInstance()

	m.Evaluate(inst, snapshotAt(95, 0))
	*now = now.Add(time.Minute)
	d := m.Evaluate(inst, snapshotAt(95, 0))

	assert.Contains(t, d.Status, "remaining")
}
