package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies DLMMBOT_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known DLMMBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Wallet ──
	setStr(&cfg.Wallet.Address, "DLMMBOT_WALLET_ADDRESS")
	setStr(&cfg.Wallet.PrivateKeyPath, "DLMMBOT_WALLET_PRIVATE_KEY_PATH")

	// ── Platform ──
	setStr(&cfg.Platform.DLMMAPIURL, "DLMMBOT_PLATFORM_DLMM_API_URL")
	setStr(&cfg.Platform.DLMMWSURL, "DLMMBOT_PLATFORM_DLMM_WS_URL")
	setStr(&cfg.Platform.SwapAPIURL, "DLMMBOT_PLATFORM_SWAP_API_URL")
	setStr(&cfg.Platform.RPCURL, "DLMMBOT_PLATFORM_RPC_URL")

	// ── Tokens ──
	setStr(&cfg.Tokens.BaseMint, "DLMMBOT_TOKENS_BASE_MINT")
	setStr(&cfg.Tokens.QuoteMint, "DLMMBOT_TOKENS_QUOTE_MINT")

	// ── Logging / storage ──
	setStr(&cfg.Logging.Dir, "DLMMBOT_LOGGING_DIR")
	setBool(&cfg.Logging.PurgeOnStart, "DLMMBOT_LOGGING_PURGE_ON_START")
	setStringSlice(&cfg.Logging.EchoOperations, "DLMMBOT_LOGGING_ECHO_OPERATIONS")
	setStr(&cfg.Storage.DataDir, "DLMMBOT_STORAGE_DATA_DIR")

	// ── Backup / archive ──
	setBool(&cfg.Backup.Enabled, "DLMMBOT_BACKUP_ENABLED")
	setStr(&cfg.Backup.Cron, "DLMMBOT_BACKUP_CRON")
	setStr(&cfg.Backup.Prefix, "DLMMBOT_BACKUP_PREFIX")
	setInt(&cfg.Backup.Keep, "DLMMBOT_BACKUP_KEEP")
	setBool(&cfg.Archive.Enabled, "DLMMBOT_ARCHIVE_ENABLED")
	setStr(&cfg.Archive.Cron, "DLMMBOT_ARCHIVE_CRON")
	setInt(&cfg.Archive.RetentionDays, "DLMMBOT_ARCHIVE_RETENTION_DAYS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "DLMMBOT_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "DLMMBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "DLMMBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "DLMMBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "DLMMBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "DLMMBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "DLMMBOT_REDIS_TLS_ENABLED")
	setDuration(&cfg.Redis.CacheTTL, "DLMMBOT_REDIS_CACHE_TTL")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "DLMMBOT_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "DLMMBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "DLMMBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "DLMMBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "DLMMBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "DLMMBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "DLMMBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "DLMMBOT_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "DLMMBOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "DLMMBOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "DLMMBOT_POSTGRES_RUN_MIGRATIONS")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "DLMMBOT_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "DLMMBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "DLMMBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "DLMMBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "DLMMBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "DLMMBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "DLMMBOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "DLMMBOT_S3_FORCE_PATH_STYLE")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "DLMMBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "DLMMBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "DLMMBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "DLMMBOT_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "DLMMBOT_MODE")
	setStr(&cfg.LogLevel, "DLMMBOT_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
