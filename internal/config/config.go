// Package config defines the top-level configuration for the DLMM bot and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/dlmmbot/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by DLMMBOT_* environment variables.
type Config struct {
	Wallet   WalletConfig   `toml:"wallet"`
	Platform PlatformConfig `toml:"platform"`
	Tokens   TokensConfig   `toml:"tokens"`
	Logging  LoggingConfig  `toml:"logging"`
	Storage  StorageConfig  `toml:"storage"`
	Backup   BackupConfig   `toml:"backup"`
	Archive  ArchiveConfig  `toml:"archive"`
	Redis    RedisConfig    `toml:"redis"`
	Postgres PostgresConfig `toml:"postgres"`
	S3       S3Config       `toml:"s3"`
	Notify   NotifyConfig   `toml:"notify"`

	// Strategies are created (if absent) and started at boot.
	Strategies []domain.StrategyConfig `toml:"strategies"`

	Mode     string `toml:"mode"`
	LogLevel string `toml:"log_level"`
}

// WalletConfig holds the signing wallet.
type WalletConfig struct {
	Address        string `toml:"address"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// PlatformConfig holds the collaborator endpoints.
type PlatformConfig struct {
	DLMMAPIURL string `toml:"dlmm_api_url"`
	DLMMWSURL  string `toml:"dlmm_ws_url"`
	SwapAPIURL string `toml:"swap_api_url"`
	RPCURL     string `toml:"rpc_url"`
}

// TokensConfig holds the base/quote mint pair positions are denominated in.
type TokensConfig struct {
	BaseMint  string `toml:"base_mint"`
	QuoteMint string `toml:"quote_mint"`
}

// LoggingConfig tunes the multi-stream file logger.
type LoggingConfig struct {
	Dir            string   `toml:"dir"`
	MaxFileSizeMB  int64    `toml:"max_file_size_mb"`
	MaxBackups     int      `toml:"max_backups"`
	PurgeOnStart   bool     `toml:"purge_on_start"`
	PreserveFiles  []string `toml:"preserve_files"`
	EchoOperations []string `toml:"echo_operations"`
}

// StorageConfig holds the local snapshot directory.
type StorageConfig struct {
	DataDir string `toml:"data_dir"`
}

// BackupConfig schedules snapshot backups to S3.
type BackupConfig struct {
	Enabled bool   `toml:"enabled"`
	Cron    string `toml:"cron"`
	Prefix  string `toml:"prefix"`
	Keep    int    `toml:"keep"`
}

// ArchiveConfig schedules archival of old operation records to S3.
type ArchiveConfig struct {
	Enabled       bool   `toml:"enabled"`
	Cron          string `toml:"cron"`
	RetentionDays int    `toml:"retention_days"`
}

// RedisConfig holds Redis connection parameters for the pool cache and the
// run lock.
type RedisConfig struct {
	Enabled    bool     `toml:"enabled"`
	Addr       string   `toml:"addr"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	PoolSize   int      `toml:"pool_size"`
	MaxRetries int      `toml:"max_retries"`
	TLSEnabled bool     `toml:"tls_enabled"`
	CacheTTL   duration `toml:"cache_ttl"`
}

// PostgresConfig holds PostgreSQL connection parameters for the operation
// history store.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Platform: PlatformConfig{
			DLMMAPIURL: "http://127.0.0.1:8765",
			DLMMWSURL:  "ws://127.0.0.1:8765/ws",
			SwapAPIURL: "https://quote-api.jup.ag/v6",
			RPCURL:     "https://api.mainnet-beta.solana.com",
		},
		Tokens: TokensConfig{
			BaseMint:  "So11111111111111111111111111111111111111112",
			QuoteMint: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
		},
		Logging: LoggingConfig{
			Dir:           "logs",
			MaxFileSizeMB: 10,
			MaxBackups:    5,
			PurgeOnStart:  true,
			EchoOperations: []string{
				"position.create", "position.close", "stop.loss", "position.recreate",
			},
		},
		Storage: StorageConfig{
			DataDir: "data",
		},
		Backup: BackupConfig{
			Enabled: false,
			Cron:    "0 */6 * * *",
			Prefix:  "backups",
			Keep:    28,
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			Cron:          "0 3 1 * *",
			RetentionDays: 90,
		},
		Redis: RedisConfig{
			Enabled:    false,
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
			CacheTTL:   duration{5 * time.Second},
		},
		Postgres: PostgresConfig{
			Enabled:       false,
			Host:          "localhost",
			Port:          5432,
			Database:      "dlmmbot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "dlmmbot-data",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Notify: NotifyConfig{
			Events: []string{"strategy.error", "system.error", "transaction.failed"},
		},
		Mode:     "run",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode. "monitor" runs
// the full loop without submitting transactions.
var validModes = map[string]bool{
	"run":     true,
	"monitor": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: run, monitor)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Wallet — required to sign in run mode.
	if strings.ToLower(c.Mode) == "run" {
		if !domain.IsBase58Address(c.Wallet.Address) {
			errs = append(errs, fmt.Sprintf("wallet: address %q is not a base58 address", c.Wallet.Address))
		}
		if c.Wallet.PrivateKeyPath == "" {
			errs = append(errs, "wallet: private_key_path must be set for mode run")
		}
	}

	// Platform endpoints
	if c.Platform.DLMMAPIURL == "" {
		errs = append(errs, "platform: dlmm_api_url must not be empty")
	}
	if c.Platform.DLMMWSURL == "" {
		errs = append(errs, "platform: dlmm_ws_url must not be empty")
	}
	if c.Platform.SwapAPIURL == "" {
		errs = append(errs, "platform: swap_api_url must not be empty")
	}
	if c.Platform.RPCURL == "" {
		errs = append(errs, "platform: rpc_url must not be empty")
	}

	// Tokens
	if !domain.IsBase58Address(c.Tokens.BaseMint) {
		errs = append(errs, fmt.Sprintf("tokens: base_mint %q is not a base58 address", c.Tokens.BaseMint))
	}
	if !domain.IsBase58Address(c.Tokens.QuoteMint) {
		errs = append(errs, fmt.Sprintf("tokens: quote_mint %q is not a base58 address", c.Tokens.QuoteMint))
	}

	// Logging / storage
	if c.Logging.Dir == "" {
		errs = append(errs, "logging: dir must not be empty")
	}
	if c.Logging.MaxFileSizeMB <= 0 {
		errs = append(errs, "logging: max_file_size_mb must be > 0")
	}
	if c.Storage.DataDir == "" {
		errs = append(errs, "storage: data_dir must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty when enabled")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// Postgres
	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 {
			errs = append(errs, "postgres: pool_min_conns must be >= 0")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when enabled")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty when enabled")
		}
	}
	if c.Backup.Enabled && !c.S3.Enabled {
		errs = append(errs, "backup: requires s3 to be enabled")
	}
	if c.Archive.Enabled && (!c.S3.Enabled || !c.Postgres.Enabled) {
		errs = append(errs, "archive: requires s3 and postgres to be enabled")
	}

	// Strategies — names must be unique; per-field validation happens at
	// create time with the full payload contract.
	seen := make(map[string]bool, len(c.Strategies))
	for i, sc := range c.Strategies {
		if sc.Name == "" {
			errs = append(errs, fmt.Sprintf("strategies[%d]: name must not be empty", i))
			continue
		}
		if seen[sc.Name] {
			errs = append(errs, fmt.Sprintf("strategies[%d]: duplicate name %q", i, sc.Name))
		}
		seen[sc.Name] = true
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
