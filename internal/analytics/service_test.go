package analytics

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/dlmmbot/internal/domain"
)

func newClockedService() (*Service, *time.Time) {
	svc := NewService(slog.New(slog.NewTextHandler(io.Discard, nil)))
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }
	return svc, &now
}

func TestYieldStatsEmptyInstance(t *testing.T) {
	svc, _ := newClockedService()

	stats, err := svc.YieldStats(context.Background(), "missing")
	require.NoError(t, err)
	assert.Equal(t, domain.YieldStable, stats.Trend)
	assert.Zero(t, stats.PendingYield)
}

func TestYieldTrendFromGrowth(t *testing.T) {
	svc, now := newClockedService()

	svc.RecordYield("i1", 0.1, 0, 10)
	*now = now.Add(10 * time.Minute)
	svc.RecordYield("i1", 0.2, 0, 12)

	stats, err := svc.YieldStats(context.Background(), "i1")
	require.NoError(t, err)
	assert.Equal(t, domain.YieldIncreasing, stats.Trend)
	assert.InDelta(t, 20, stats.GrowthRate, 1e-9)
	assert.Equal(t, 12.0, stats.YieldRate)
}

func TestPnLReportCombinesValueAndExtractedYield(t *testing.T) {
	svc, now := newClockedService()

	opened := now.Add(-2 * time.Hour)
	svc.RecordPosition("i1", 105, 100, opened)
	svc.RecordYield("i1", 0.2, 3, 8)

	rep, err := svc.PnLReport(context.Background(), "i1")
	require.NoError(t, err)
	assert.InDelta(t, 8, rep.NetPnL, 1e-9) // 105 + 3 - 100
	assert.Equal(t, 2*time.Hour, rep.HoldingDuration)
}

func TestBenchmarkWarmup(t *testing.T) {
	svc, now := newClockedService()
	start := *now

	svc.RecordBenchmark("pool", 1.0)
	*now = now.Add(6 * time.Minute)
	svc.RecordBenchmark("pool", 2.0)

	rates, err := svc.Benchmark(context.Background(), "pool", start)
	require.NoError(t, err)
	require.NotNil(t, rates.Avg5Min, "5-minute average warm after 6 minutes")
	assert.Nil(t, rates.Avg15Min, "15-minute average still warming up")
	assert.Nil(t, rates.Avg30Min, "30-minute average still warming up")

	*now = now.Add(25 * time.Minute) // 31 minutes since start
	svc.RecordBenchmark("pool", 3.0)
	rates, err = svc.Benchmark(context.Background(), "pool", start)
	require.NoError(t, err)
	require.NotNil(t, rates.Avg15Min)
	require.NotNil(t, rates.Avg30Min)
}

func TestForgetDropsInstanceState(t *testing.T) {
	svc, _ := newClockedService()

	svc.RecordYield("i1", 1, 2, 3)
	svc.Forget("i1")

	stats, err := svc.YieldStats(context.Background(), "i1")
	require.NoError(t, err)
	assert.Zero(t, stats.PendingYield)
}
