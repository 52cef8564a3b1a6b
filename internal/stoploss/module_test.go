package stoploss

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

// instanceAt builds an instance with range [100,120], safety threshold 50,
// observation 15 min, loss threshold 5%.
func instanceAt() *domain.StrategyInstance {
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
		YieldTrend:       domain.YieldStable,
	}
}

func TestSafeZoneHoldsAndClearsObservation(t *testing.T) {
	m, _ := newTestModule()
	inst := instanceAt()

	// First drop into the unsafe zone to open an observation.
	d := m.Evaluate(inst, snapshotAt(108, 0.5)) // position% = 40
	require.Equal(t, domain.StopLossAlert, d.Action)
	_, open := m.Observation(inst.ID)
	require.True(t, open)

	// Back to the safe zone: hold and clear.
	d = m.Evaluate(inst, snapshotAt(115, 0.5)) // position% = 75
	assert.Equal(t, domain.StopLossHold, d.Action)
	_, open = m.Observation(inst.ID)
	assert.False(t, open, "safe zone clears the observation entry")
}

func TestUnsafeZoneWithLossExitsImmediately(t *testing.T) {
	m, _ := newTestModule()
	inst := instanceAt()

	d := m.Evaluate(inst, snapshotAt(105, -6)) // position% 25, loss beyond 5%
	require.Equal(t, domain.StopLossFullExit, d.Action)
	assert.Equal(t, domain.UrgencyHigh, d.Urgency)
	assert.Equal(t, 100.0, d.ExitPercentage)
	require.Len(t, d.Reasoning, 2)
}

func TestObservationWindowExitOnProfitDeterioration(t *testing.T) {
	m, now := newTestModule()
	inst := instanceAt()

	// T0: unsafe but profitable → observation opens with initial profit 0.5.
	d := m.Evaluate(inst, snapshotAt(108, 0.5))
	require.Equal(t, domain.StopLossAlert, d.Action)

	// T0+10min: still observing.
	*now = now.Add(10 * time.Minute)
	d = m.Evaluate(inst, snapshotAt(108, 0.4))
	assert.Equal(t, domain.StopLossAlert, d.Action)

	// T0+16min: window elapsed, profit dropped below entry → exit.
	*now = now.Add(6 * time.Minute)
	d = m.Evaluate(inst, snapshotAt(108, 0.2))
	require.Equal(t, domain.StopLossFullExit, d.Action)
	assert.Equal(t, domain.UrgencyMedium, d.Urgency)
	_, open := m.Observation(inst.ID)
	assert.False(t, open)
}

func TestObservationWindowRotatesWhenProfitHolds(t *testing.T) {
	m, now := newTestModule()
	inst := instanceAt()

	m.Evaluate(inst, snapshotAt(108, 0.5))
	*now = now.Add(16 * time.Minute)
	d := m.Evaluate(inst, snapshotAt(108, 0.8))

	require.Equal(t, domain.StopLossAlert, d.Action)
	entry, open := m.Observation(inst.ID)
	require.True(t, open, "window rotates instead of closing")
	assert.Equal(t, *now, entry.StartTime)
	assert.Equal(t, 0.8, entry.InitialProfitPct)
}

func TestDegenerateRangeScoresAtFifty(t *testing.T) {
	m, _ := newTestModule()
	inst := instanceAt()

	snap := snapshotAt(100, 0.5)
	snap.PositionUpperBin = snap.PositionLowerBin
	d := m.Evaluate(inst, snap)

	// position% defaults to 50, which is not above the 50% threshold,
	// so the unsafe-zone path opens an observation.
	assert.Equal(t, domain.StopLossAlert, d.Action)
}

func TestDisabledStopLossAlwaysHolds(t *testing.T) {
	m, _ := newTestModule()
	inst := instanceAt()
	inst.Config.StopLoss.Enabled = false

	d := m.Evaluate(inst, snapshotAt(100, -50))
	assert.Equal(t, domain.StopLossHold, d.Action)
}

func TestNegativeSafetyThresholdDisablesUnsafeZone(t *testing.T) {
	m, _ := newTestModule()
	inst := instanceAt()
	inst.Config.StopLoss.ActiveBinSafetyThreshold = -1

	d := m.Evaluate(inst, snapshotAt(100, -2)) // position% = 0 > -1
	assert.Equal(t, domain.StopLossHold, d.Action)
	_, open := m.Observation(inst.ID)
	assert.False(t, open)
}

func TestEvaluationHistoryBounded(t *testing.T) {
	m, _ := newTestModule()
	inst := instanceAt()

	for i := 0; i < 150; i++ {
		m.Evaluate(inst, snapshotAt(115, 0))
	}
	assert.Equal(t, 100, m.HistoryLen())
}

func TestExpiredObservationsPurged(t *testing.T) {
	m, now := newTestModule()
	inst := instanceAt()

	m.Evaluate(inst, snapshotAt(108, 0.5))
	require.Equal(t, 1, m.ObservationCount())

	*now = now.Add(2 * time.Hour)
	assert.Equal(t, 1, m.PurgeExpired())
	assert.Zero(t, m.ObservationCount())
}

func TestExportRestoreRoundTrip(t *testing.T) {
	m, _ := newTestModule()
	inst := instanceAt()
	m.Evaluate(inst, snapshotAt(108, 0.5))

	exported := m.Export()
	require.Len(t, exported, 1)

	m2, _ := newTestModule()
	m2.Restore(exported)
	entry, ok := m2.Observation(inst.ID)
	require.True(t, ok)
	assert.Equal(t, 0.5, entry.InitialProfitPct)
}

func TestRiskScoreComposition(t *testing.T) {
	snap := snapshotAt(108, -2)
	snap.PriceDropPercentage = 4
	snap.YieldTrend = domain.YieldDecreasing
	snap.YieldGrowthRate = -10

	// liquidity 80, price max(20, 6)=20, yield 10+30=40.
	assert.InDelta(t, 0.6*80+0.2*20+0.2*40, riskScore(true, snap), 1e-9)

	snap.YieldTrend = domain.YieldStable
	// liquidity 20, price 20, yield 10+10=20.
	assert.InDelta(t, 0.6*20+0.2*20+0.2*20, riskScore(false, snap), 1e-9)
}
