package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/dlmmbot/internal/domain"
	"github.com/alanyoungcy/dlmmbot/internal/executor"
)

// RunMode drives live strategies with real transaction submission. It blocks
// until the context is cancelled and returns the reason the loop exited.
func (a *App) RunMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "entering run mode",
		slog.String("wallet", a.cfg.Wallet.Address),
		slog.Int("strategies", len(a.cfg.Strategies)),
	)
	return a.run(ctx, deps)
}

// MonitorMode drives the same loop as RunMode but against a dry-run engine:
// every position operation is logged and fabricated instead of submitted, so
// strategy behavior can be observed without a funded wallet.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "entering monitor mode, transactions are simulated",
		slog.Int("strategies", len(a.cfg.Strategies)),
	)
	return a.run(ctx, deps)
}

// run is the shared engine loop: recover persisted instances, start the
// configured strategies, attach the bin feed to the pool cache, and keep the
// background jobs (health checks, backups, archival) alive until shutdown.
func (a *App) run(ctx context.Context, deps *Dependencies) error {
	deps.Bus.Publish(domain.TopicSystemStartup, map[string]any{"mode": a.cfg.Mode}, "app")

	if err := deps.Manager.Recover(ctx); err != nil {
		return fmt.Errorf("app: recover instances: %w", err)
	}
	a.startConfigured(ctx, deps)

	subIDs := a.subscribePools(ctx, deps)
	defer func() {
		for _, id := range subIDs {
			_ = deps.DLMM.Unsubscribe(id)
		}
	}()

	if deps.Backup != nil {
		if err := deps.Backup.Start(ctx, a.cfg.Backup.Cron); err != nil {
			return fmt.Errorf("app: backup schedule: %w", err)
		}
		defer deps.Backup.Stop()
	}
	if deps.Archiver != nil {
		stop, err := a.startArchiveCron(ctx, deps)
		if err != nil {
			return fmt.Errorf("app: archive schedule: %w", err)
		}
		defer stop()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return deps.Health.Run(gctx) })

	err := g.Wait()

	deps.Bus.Publish(domain.TopicSystemShutdown, map[string]any{"mode": a.cfg.Mode}, "app")
	deps.Manager.Shutdown()
	a.logger.Info("engine loop stopped")
	return err
}

// startConfigured creates and starts every strategy from the configuration
// that recovery did not already bring back. Failures are logged per strategy
// so one bad entry does not block the rest.
func (a *App) startConfigured(ctx context.Context, deps *Dependencies) {
	existing := make(map[string]bool)
	for _, inst := range deps.Manager.List() {
		existing[inst.Config.Name] = true
	}

	for _, sc := range a.cfg.Strategies {
		if existing[sc.Name] {
			a.logger.Info("strategy already recovered, skipping",
				slog.String("name", sc.Name))
			continue
		}
		inst, err := deps.Manager.Create(sc)
		if err != nil {
			a.logger.Error("strategy rejected",
				slog.String("name", sc.Name), slog.String("error", err.Error()))
			continue
		}
		if err := deps.Manager.Start(ctx, inst.ID); err != nil {
			a.logger.Error("strategy start failed",
				slog.String("name", sc.Name),
				slog.String("instance", inst.ID),
				slog.String("error", err.Error()))
		}
	}
}

// subscribePools attaches a bin-feed subscription for every distinct pool
// under management and refreshes the pool cache on each push, so polled reads
// between ticks see the freshest bin without an extra round trip. Without a
// cache there is no consumer, so no subscriptions are made.
func (a *App) subscribePools(ctx context.Context, deps *Dependencies) []string {
	if deps.PoolCache == nil {
		return nil
	}

	pools := make(map[string]bool)
	for _, inst := range deps.Manager.List() {
		pools[inst.Config.PoolAddress] = true
	}

	var ids []string
	for pool := range pools {
		id, err := deps.DLMM.SubscribeActiveBinChanges(ctx, pool, func(pool string, activeBin int32, price float64) {
			cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			state, ok := deps.PoolCache.GetPool(cctx, pool)
			if !ok {
				state = domain.PoolState{Address: pool}
			}
			state.ActiveBin = activeBin
			state.CurrentPrice = price
			state.Fetched = time.Now().UTC()
			deps.PoolCache.SetPool(cctx, state)
		})
		if err != nil {
			a.logger.Warn("bin feed subscription failed",
				slog.String("pool", pool), slog.String("error", err.Error()))
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// startArchiveCron schedules the monthly operation archival job and returns a
// stop function that drains a running job before returning.
func (a *App) startArchiveCron(ctx context.Context, deps *Dependencies) (func(), error) {
	c := cron.New()
	_, err := c.AddFunc(a.cfg.Archive.Cron, func() {
		runCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
		defer cancel()
		before := time.Now().UTC().AddDate(0, 0, -a.cfg.Archive.RetentionDays)
		n, err := deps.Archiver.ArchiveOperations(runCtx, before)
		if err != nil {
			a.logger.Error("operation archival failed", slog.String("error", err.Error()))
			return
		}
		a.logger.Info("operations archived", slog.Int64("count", n))
	})
	if err != nil {
		return nil, err
	}
	c.Start()
	deps.ArchiveCron = c
	return func() { <-c.Stop().Done() }, nil
}

// dryRunEngine satisfies the execution engine contract without touching the
// chain. It reads real pool state so fabricated ranges track the market, logs
// what it would have done, and returns synthetic results.
type dryRunEngine struct {
	dlmm        domain.DLMMClient
	logger      *slog.Logger
	binsPerSide int32
}

func newDryRunEngine(dlmm domain.DLMMClient, logger *slog.Logger) *dryRunEngine {
	return &dryRunEngine{
		dlmm:        dlmm,
		logger:      logger.With(slog.String("component", "dry-run-engine")),
		binsPerSide: 10,
	}
}

var _ executor.Engine = (*dryRunEngine)(nil)

func (e *dryRunEngine) Open(ctx context.Context, inst *domain.StrategyInstance) (executor.OpenResult, error) {
	activeBin, err := e.dlmm.GetActiveBin(ctx, inst.Config.PoolAddress)
	if err != nil {
		return executor.OpenResult{}, fmt.Errorf("dryrun: active bin %s: %w", inst.Config.PoolAddress, err)
	}

	rng := domain.PositionRange{LowerBin: activeBin - e.binsPerSide, UpperBin: activeBin}
	positions := []string{dryPositionAddr()}
	if inst.Type == domain.StrategyChainPosition {
		positions = append(positions, dryPositionAddr())
		rng.LowerBin -= e.binsPerSide + 1
	}

	e.logger.Info("dry run: would create position",
		slog.String("instance", inst.ID),
		slog.String("pool", inst.Config.PoolAddress),
		slog.Int("lower_bin", int(rng.LowerBin)),
		slog.Int("upper_bin", int(rng.UpperBin)),
		slog.Float64("amount", inst.Config.PositionAmount),
	)
	return executor.OpenResult{Positions: positions, Range: rng}, nil
}

func (e *dryRunEngine) Close(_ context.Context, inst *domain.StrategyInstance, opName string) (string, error) {
	e.logger.Info("dry run: would close position",
		slog.String("instance", inst.ID),
		slog.String("operation", opName),
		slog.Int("positions", len(inst.Positions)),
	)
	return "", nil
}

func (e *dryRunEngine) SwapToQuote(ctx context.Context, inst *domain.StrategyInstance, amount float64, opName string) (domain.SwapResult, error) {
	out := amount
	if state, err := e.dlmm.GetPoolPriceAndBin(ctx, inst.Config.PoolAddress); err == nil && state.CurrentPrice > 0 {
		out = amount * state.CurrentPrice
	}
	e.logger.Info("dry run: would swap to quote",
		slog.String("instance", inst.ID),
		slog.String("operation", opName),
		slog.Float64("amount", amount),
	)
	return domain.SwapResult{InAmount: amount, OutAmount: out}, nil
}

func (e *dryRunEngine) ClaimFees(_ context.Context, inst *domain.StrategyInstance) (string, error) {
	e.logger.Info("dry run: would claim fees", slog.String("instance", inst.ID))
	return "", nil
}

func (e *dryRunEngine) EstimateRecreateCost(context.Context, *domain.StrategyInstance) (float64, error) {
	return 0, nil
}

func dryPositionAddr() string {
	return "dry_" + strings.ReplaceAll(uuid.New().String(), "-", "")
}
