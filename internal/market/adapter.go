// Package market implements the data adapter that assembles a MarketSnapshot
// per tick from the DLMM collaborator and the analytics service.
package market

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"github.com/alanyoungcy/dlmmbot/internal/domain"
	"github.com/alanyoungcy/dlmmbot/internal/retry"
)

const (
	// DefaultPriceWindow bounds the in-memory price ring.
	DefaultPriceWindow = 60 * time.Minute
	// dropSampleCount is how many recent samples feed the drop percentage.
	dropSampleCount = 10
)

// BenchmarkRecorder receives the pool yield-rate observation made on every
// snapshot so the benchmark averages accumulate.
type BenchmarkRecorder interface {
	RecordBenchmark(pool string, rate float64)
}

// Adapter gathers market snapshots. One adapter serves all instances; price
// rings are kept per instance and only touched by that instance's worker.
type Adapter struct {
	dlmm      domain.DLMMClient
	analytics domain.AnalyticsService
	recorder  BenchmarkRecorder
	retrier   *retry.Executor
	logger    *slog.Logger
	window    time.Duration

	mu    sync.Mutex
	rings map[string]*priceRing
}

// NewAdapter creates a data adapter. recorder may be nil when benchmark
// accumulation is handled elsewhere.
func NewAdapter(
	dlmm domain.DLMMClient,
	analyticsSvc domain.AnalyticsService,
	recorder BenchmarkRecorder,
	retrier *retry.Executor,
	logger *slog.Logger,
) *Adapter {
	return &Adapter{
		dlmm:      dlmm,
		analytics: analyticsSvc,
		recorder:  recorder,
		retrier:   retrier,
		logger:    logger.With(slog.String("component", "market")),
		window:    DefaultPriceWindow,
		rings:     make(map[string]*priceRing),
	}
}

// SetPriceWindow overrides the price-ring retention window. Must be called
// before the first snapshot.
func (a *Adapter) SetPriceWindow(d time.Duration) {
	if d > 0 {
		a.window = d
	}
}

// ForgetInstance drops the price ring for a deleted instance.
func (a *Adapter) ForgetInstance(instanceID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.rings, instanceID)
}

func (a *Adapter) ring(instanceID string) *priceRing {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.rings[instanceID]
	if !ok {
		r = newPriceRing(a.window)
		a.rings[instanceID] = r
	}
	return r
}

// Snapshot assembles the per-tick market view for inst. The pool state is
// fetched realtime (bypassing any cache layer in the DLMM client), in
// parallel with yield statistics and the P&L report. The call is cancellable
// through ctx; every external call goes through the retry executor.
func (a *Adapter) Snapshot(ctx context.Context, inst *domain.StrategyInstance) (*domain.MarketSnapshot, error) {
	var (
		pool  domain.PoolState
		yield domain.YieldStats
		pnl   domain.PnLReport
		bench domain.BenchmarkYieldRates
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		res, err := a.retrier.Do(gctx, "adapter.pool.state", func(c context.Context) (any, error) {
			return a.dlmm.GetPoolPriceAndBin(c, inst.Config.PoolAddress)
		}, nil)
		if err != nil {
			return fmt.Errorf("market: pool state %s: %w", inst.Config.PoolAddress, err)
		}
		pool = res.(domain.PoolState)
		return nil
	})
	g.Go(func() error {
		var err error
		yield, err = a.analytics.YieldStats(gctx, inst.ID)
		if err != nil {
			return fmt.Errorf("market: yield stats %s: %w", inst.ID, err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		pnl, err = a.analytics.PnLReport(gctx, inst.ID)
		if err != nil {
			return fmt.Errorf("market: pnl report %s: %w", inst.ID, err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		bench, err = a.analytics.Benchmark(gctx, inst.Config.PoolAddress, inst.Metadata.StartedAt)
		if err != nil {
			return fmt.Errorf("market: benchmark %s: %w", inst.Config.PoolAddress, err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, domain.Categorize(domain.ErrNetwork, "market snapshot", err)
	}

	now := time.Now().UTC()
	ring := a.ring(inst.ID)
	ring.append(domain.PricePoint{Price: pool.CurrentPrice, At: now})
	history := ring.snapshot()

	snap := &domain.MarketSnapshot{
		Taken:            now,
		CurrentPrice:     pool.CurrentPrice,
		ActiveBin:        pool.ActiveBin,
		BinStep:          pool.BinStep,
		PositionLowerBin: inst.Range.LowerBin,
		PositionUpperBin: inst.Range.UpperBin,
		PriceHistory:     history,

		CurrentPendingYield:  yield.PendingYield,
		TotalExtractedYield:  yield.ExtractedYield,
		YieldRate:            yield.YieldRate,
		YieldTrend:           yield.Trend,
		YieldGrowthRate:      yield.GrowthRate,
		HistoricalYieldRates: yield.HistoricalRates,
		Benchmark:            bench,

		PositionValue:     pnl.PositionValue,
		InitialInvestment: pnl.InitialInvestment,
		HoldingDuration:   pnl.HoldingDuration,
	}

	snap.PriceVolatility = volatility(history)
	snap.PriceDropPercentage = dropPercentage(history, pool.CurrentPrice)
	snap.HistoricalPrice = historicalChanges(history, pool.CurrentPrice, now)

	// Net P&L, all values in the quote token.
	snap.NetPnL = pnl.PositionValue + yield.ExtractedYield - pnl.InitialInvestment
	if pnl.InitialInvestment > 0 {
		snap.NetPnLPercentage = snap.NetPnL / pnl.InitialInvestment * 100
	}

	if a.recorder != nil {
		a.recorder.RecordBenchmark(inst.Config.PoolAddress, yield.YieldRate)
	}

	a.logger.Debug("snapshot assembled",
		slog.String("instance", inst.ID),
		slog.Int("active_bin", int(pool.ActiveBin)),
		slog.Float64("price", pool.CurrentPrice),
		slog.Float64("net_pnl_pct", snap.NetPnLPercentage),
	)
	return snap, nil
}

// volatility is std(prices)/mean(prices)*100, clamped to [0,100].
func volatility(history []domain.PricePoint) float64 {
	if len(history) < 2 {
		return 0
	}
	prices := make([]float64, len(history))
	for i, p := range history {
		prices[i] = p.Price
	}
	mean, std := stat.MeanStdDev(prices, nil)
	if mean == 0 {
		return 0
	}
	v := std / mean * 100
	if v < 0 {
		v = 0
	}
	if v > 100 {
		v = 100
	}
	return v
}

// dropPercentage is max(0, (maxRecent − current)/maxRecent × 100) over the
// most recent ten samples.
func dropPercentage(history []domain.PricePoint, current float64) float64 {
	if len(history) == 0 {
		return 0
	}
	start := len(history) - dropSampleCount
	if start < 0 {
		start = 0
	}
	maxRecent := history[start].Price
	for _, p := range history[start:] {
		if p.Price > maxRecent {
			maxRecent = p.Price
		}
	}
	if maxRecent <= 0 || current >= maxRecent {
		return 0
	}
	return (maxRecent - current) / maxRecent * 100
}

// historicalChanges derives price changes at 5/15/60 minutes by locating the
// first sample at or after each cutoff.
func historicalChanges(history []domain.PricePoint, current float64, now time.Time) domain.HistoricalChanges {
	changeAt := func(lookback time.Duration) *float64 {
		cutoff := now.Add(-lookback)
		for _, p := range history {
			if !p.At.Before(cutoff) {
				if p.Price == 0 {
					return nil
				}
				c := (current - p.Price) / p.Price * 100
				return &c
			}
		}
		return nil
	}
	return domain.HistoricalChanges{
		Change5Min:  changeAt(5 * time.Minute),
		Change15Min: changeAt(15 * time.Minute),
		Change1H:    changeAt(time.Hour),
	}
}
