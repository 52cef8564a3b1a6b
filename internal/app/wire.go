package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/alanyoungcy/dlmmbot/internal/analytics"
	s3blob "github.com/alanyoungcy/dlmmbot/internal/blob/s3"
	"github.com/alanyoungcy/dlmmbot/internal/cache/redis"
	"github.com/alanyoungcy/dlmmbot/internal/config"
	"github.com/alanyoungcy/dlmmbot/internal/domain"
	"github.com/alanyoungcy/dlmmbot/internal/events"
	"github.com/alanyoungcy/dlmmbot/internal/executor"
	"github.com/alanyoungcy/dlmmbot/internal/logging"
	"github.com/alanyoungcy/dlmmbot/internal/market"
	"github.com/alanyoungcy/dlmmbot/internal/notify"
	"github.com/alanyoungcy/dlmmbot/internal/platform/chain"
	"github.com/alanyoungcy/dlmmbot/internal/platform/dlmm"
	"github.com/alanyoungcy/dlmmbot/internal/platform/swap"
	"github.com/alanyoungcy/dlmmbot/internal/recreation"
	"github.com/alanyoungcy/dlmmbot/internal/retry"
	"github.com/alanyoungcy/dlmmbot/internal/scheduler"
	"github.com/alanyoungcy/dlmmbot/internal/stoploss"
	"github.com/alanyoungcy/dlmmbot/internal/storage"
	"github.com/alanyoungcy/dlmmbot/internal/store/postgres"
)

// Dependencies bundles everything the application modes need to operate. It
// is constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	Logs     *logging.Service
	Bus      *events.Bus
	Retrier  *retry.Executor
	Adapter  *market.Adapter
	StopLoss *stoploss.Module
	Exec     *executor.Executor
	Store    *storage.FileStore
	Manager  *scheduler.Manager
	Health   *scheduler.HealthChecker

	DLMM      *dlmm.Service
	PoolCache *redis.PoolCache

	Backup      *storage.Backup
	Archiver    *s3blob.Archiver
	ArchiveCron *cron.Cron

	Notifier *notify.Notifier
	Bridge   *notify.Bridge
}

// parseLevel maps the config log level to slog.
func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, bootLogger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- Tiered file logging ---
	logs, err := logging.NewService(logging.Config{
		Dir:            cfg.Logging.Dir,
		Level:          parseLevel(cfg.LogLevel),
		MaxFileSize:    int64(cfg.Logging.MaxFileSizeMB) * 1024 * 1024,
		MaxBackups:     cfg.Logging.MaxBackups,
		PurgeOnStart:   cfg.Logging.PurgeOnStart,
		PreserveFiles:  cfg.Logging.PreserveFiles,
		EchoOperations: cfg.Logging.EchoOperations,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: logging: %w", err)
	}
	closers = append(closers, logs.Close)
	deps.Logs = logs

	// Components log to the system stream.
	logger := logs.System()

	// --- Event bus ---
	bus := events.NewBus(logger)
	closers = append(closers, bus.Close)
	deps.Bus = bus

	// --- Retry executor ---
	retrier := retry.NewExecutor(bus, logger)
	deps.Retrier = retrier

	// --- Redis (optional): pool cache and run lock ---
	var poolCache *redis.PoolCache
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		poolCache = redis.NewPoolCache(redisClient, cfg.Redis.CacheTTL.Duration, logger)
		deps.PoolCache = poolCache

		// One process per wallet: refuse to start when another instance
		// already drives these positions.
		if cfg.Wallet.Address != "" {
			locks := redis.NewLockManager(redisClient)
			unlock, err := locks.Acquire(ctx, "dlmmbot:wallet:"+cfg.Wallet.Address, 24*time.Hour)
			if err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: run lock: %w", err)
			}
			closers = append(closers, unlock)
		}
	}

	// --- Platform collaborators ---
	var cache dlmm.PoolCache
	if poolCache != nil {
		cache = poolCache
	}
	dlmmREST := dlmm.NewClient(cfg.Platform.DLMMAPIURL, cache)
	feed := dlmm.NewWSFeed(cfg.Platform.DLMMWSURL, logger)
	if err := feed.Connect(ctx); err != nil {
		// The poll loop works without the feed; push updates resume on
		// reconnect.
		bootLogger.Warn("bin feed unavailable at startup", slog.String("error", err.Error()))
	}
	closers = append(closers, func() { _ = feed.Close() })
	dlmmSvc := dlmm.NewService(dlmmREST, feed)
	deps.DLMM = dlmmSvc

	swapClient := swap.NewClient(cfg.Platform.SwapAPIURL)
	chainClient := chain.NewClient(cfg.Platform.RPCURL, logger)
	fees := chain.NewFees(chainClient)

	// --- Execution engine (dry-run in monitor mode) ---
	var engine executor.Engine
	if strings.ToLower(cfg.Mode) == "monitor" {
		engine = newDryRunEngine(dlmmSvc, logger)
	} else {
		if _, err := os.Stat(cfg.Wallet.PrivateKeyPath); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: wallet key %s: %w", cfg.Wallet.PrivateKeyPath, err)
		}
		engine = executor.NewPositionEngine(
			dlmmSvc, swapClient, chainClient, fees, retrier,
			cfg.Wallet.Address, cfg.Tokens.BaseMint, cfg.Tokens.QuoteMint,
			logger,
		)
	}

	// --- Postgres (optional): operation history ---
	var ops domain.OperationStore
	var opStore *postgres.OperationStore
	if cfg.Postgres.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}
		opStore = postgres.NewOperationStore(pgClient.Pool())
		ops = opStore
	}

	// --- Decision modules and tick pipeline ---
	analyticsSvc := analytics.NewService(logger)
	adapter := market.NewAdapter(dlmmSvc, analyticsSvc, analyticsSvc, retrier, logger)
	deps.Adapter = adapter

	stopLoss := stoploss.NewModule(logger)
	deps.StopLoss = stopLoss
	recreate := recreation.NewModule(logger)

	exec := executor.New(adapter, stopLoss, recreate, engine, ops, bus, logs, logger)
	deps.Exec = exec

	// --- Snapshot store, scheduler, health ---
	store, err := storage.NewFileStore(cfg.Storage.DataDir, logger)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: snapshot store: %w", err)
	}
	deps.Store = store

	mgr := scheduler.NewManager(store, exec, bus, logger)
	deps.Manager = mgr
	deps.Health = scheduler.NewHealthChecker(mgr, stopLoss, logger)

	// --- S3 (optional): snapshot backup and operation archive ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		writer := s3blob.NewWriter(s3Client)
		reader := s3blob.NewReader(s3Client)

		if cfg.Backup.Enabled {
			backup := storage.NewBackup(store, writer, cfg.Backup.Prefix, logger)
			backup.SetRetention(&s3Pruner{reader: reader}, cfg.Backup.Keep)
			deps.Backup = backup
		}
		if cfg.Archive.Enabled && opStore != nil {
			deps.Archiver = s3blob.NewArchiver(writer, opStore, logger)
		}
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	if len(senders) > 0 {
		deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)
		deps.Bridge = notify.NewBridge(deps.Notifier, bus)
		deps.Bridge.Attach()
		closers = append(closers, deps.Bridge.Detach)
	}

	return deps, cleanup, nil
}

// s3Pruner adapts the s3blob reader to the backup retention contract.
type s3Pruner struct {
	reader *s3blob.Reader
}

func (p *s3Pruner) List(ctx context.Context, prefix string) ([]storage.BackupObject, error) {
	infos, err := p.reader.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	objects := make([]storage.BackupObject, len(infos))
	for i, info := range infos {
		objects[i] = storage.BackupObject{Path: info.Path, LastModified: info.LastModified}
	}
	return objects, nil
}

func (p *s3Pruner) Delete(ctx context.Context, path string) error {
	return p.reader.Delete(ctx, path)
}
