package market

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
	"github.com/alanyoungcy/dlmmbot/internal/retry"
)

const testPool = "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"

type fakeDLMM struct {
	state domain.PoolState
	err   error
	calls int
}

func (f *fakeDLMM) GetActiveBin(context.Context, string) (int32, error) {
	return f.state.ActiveBin, f.err
}

func (f *fakeDLMM) GetPoolPriceAndBin(context.Context, string) (domain.PoolState, error) {
	f.calls++
	return f.state, f.err
}

func (f *fakeDLMM) CalculateBinPrice(context.Context, string, int32) (float64, error) {
	return f.state.CurrentPrice, nil
}

func (f *fakeDLMM) CreatePositionTransaction(context.Context, domain.CreatePositionParams) (domain.UnsignedTx, string, error) {
	return domain.UnsignedTx{}, "", errors.New("not implemented")
}

func (f *fakeDLMM) CreateRemoveLiquidityTransaction(context.Context, string, string, string, []int32, int) (domain.UnsignedTx, error) {
	return domain.UnsignedTx{}, errors.New("not implemented")
}

func (f *fakeDLMM) CreateClaimFeeTransaction(context.Context, string, string, string) (domain.UnsignedTx, error) {
	return domain.UnsignedTx{}, errors.New("not implemented")
}

func (f *fakeDLMM) SubscribeActiveBinChanges(context.Context, string, domain.ActiveBinHandler) (string, error) {
	return "", errors.New("not implemented")
}

func (f *fakeDLMM) Unsubscribe(string) error { return nil }

type fakeAnalytics struct {
	yield domain.YieldStats
	pnl   domain.PnLReport
	bench domain.BenchmarkYieldRates
}

func (f *fakeAnalytics) YieldStats(context.Context, string) (domain.YieldStats, error) {
	return f.yield, nil
}

func (f *fakeAnalytics) PnLReport(context.Context, string) (domain.PnLReport, error) {
	return f.pnl, nil
}

func (f *fakeAnalytics) Benchmark(context.Context, string, time.Time) (domain.BenchmarkYieldRates, error) {
	return f.bench, nil
}

func testInstance() *domain.StrategyInstance {
	cfg := domain.DefaultStrategyConfig()
	cfg.Name = "test"
	cfg.PoolAddress = testPool
	cfg.PositionAmount = 100
	inst := domain.NewInstance(cfg)
	inst.Range = domain.PositionRange{LowerBin: 100, UpperBin: 120}
	return inst
}

func newTestAdapter(dlmm *fakeDLMM, an *fakeAnalytics) *Adapter {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewAdapter(dlmm, an, nil, retry.NewExecutor(nil, logger), logger)
}

func TestSnapshotAssemblesFields(t *testing.T) {
	dlmm := &fakeDLMM{state: domain.PoolState{
		ActiveBin: 110, BinStep: 20, CurrentPrice: 1.5,
	}}
	an := &fakeAnalytics{
		yield: domain.YieldStats{PendingYield: 0.3, ExtractedYield: 2, YieldRate: 9, Trend: domain.YieldStable},
		pnl:   domain.PnLReport{PositionValue: 103, InitialInvestment: 100, HoldingDuration: time.Hour},
	}
	a := newTestAdapter(dlmm, an)

	snap, err := a.Snapshot(context.Background(), testInstance())
	require.NoError(t, err)

	assert.Equal(t, int32(110), snap.ActiveBin)
	assert.Equal(t, 1.5, snap.CurrentPrice)
	assert.Equal(t, int32(100), snap.PositionLowerBin)
	assert.Equal(t, int32(120), snap.PositionUpperBin)
	assert.InDelta(t, 5.0, snap.NetPnLPercentage, 1e-9) // (103+2-100)/100*100
	assert.Equal(t, 0.3, snap.CurrentPendingYield)
	assert.Len(t, snap.PriceHistory, 1)
}

func TestVolatilityAndDrop(t *testing.T) {
	now := time.Now().UTC()
	history := []domain.PricePoint{
		{Price: 2.0, At: now.Add(-3 * time.Minute)},
		{Price: 2.5, At: now.Add(-2 * time.Minute)},
		{Price: 2.0, At: now.Add(-time.Minute)},
	}

	v := volatility(history)
	assert.Greater(t, v, 0.0)
	assert.LessOrEqual(t, v, 100.0)

	// Max of the recent window is 2.5, current 2.0 → 20% drop.
	assert.InDelta(t, 20, dropPercentage(history, 2.0), 1e-9)
	// Current at the max → no drop.
	assert.Zero(t, dropPercentage(history, 2.5))
}

func TestVolatilityDegenerateInputs(t *testing.T) {
	assert.Zero(t, volatility(nil))
	assert.Zero(t, volatility([]domain.PricePoint{{Price: 1}}))

	flat := []domain.PricePoint{{Price: 1}, {Price: 1}, {Price: 1}}
	assert.Zero(t, volatility(flat))
}

func TestHistoricalChangesUseFirstSampleAtOrAfterCutoff(t *testing.T) {
	now := time.Now().UTC()
	history := []domain.PricePoint{
		{Price: 1.0, At: now.Add(-20 * time.Minute)},
		{Price: 1.2, At: now.Add(-10 * time.Minute)},
		{Price: 1.4, At: now.Add(-4 * time.Minute)},
	}

	ch := historicalChanges(history, 1.5, now)
	require.NotNil(t, ch.Change5Min)
	assert.InDelta(t, (1.5-1.4)/1.4*100, *ch.Change5Min, 1e-9)
	require.NotNil(t, ch.Change15Min)
	assert.InDelta(t, (1.5-1.2)/1.2*100, *ch.Change15Min, 1e-9)
	require.NotNil(t, ch.Change1H)
	assert.InDelta(t, (1.5-1.0)/1.0*100, *ch.Change1H, 1e-9)
}

func TestPriceRingEvictsOldPoints(t *testing.T) {
	r := newPriceRing(10 * time.Minute)
	now := time.Now().UTC()

	r.append(domain.PricePoint{Price: 1, At: now.Add(-30 * time.Minute)})
	r.append(domain.PricePoint{Price: 2, At: now.Add(-5 * time.Minute)})
	r.append(domain.PricePoint{Price: 3, At: now})

	pts := r.snapshot()
	require.Len(t, pts, 2)
	assert.Equal(t, 2.0, pts[0].Price)
}

func TestSnapshotSurfacesNetworkFailure(t *testing.T) {
	dlmm := &fakeDLMM{err: errors.New("account fetch failed")}
	a := newTestAdapter(dlmm, &fakeAnalytics{})

	_, err := a.Snapshot(context.Background(), testInstance())
	require.Error(t, err)
	assert.Equal(t, domain.ErrNetwork, domain.CategoryOf(err))
}
