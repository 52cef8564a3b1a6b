package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/dlmmbot/internal/domain"
)

const testPool = "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"

func validConfig() Config {
	cfg := Defaults()
	cfg.Mode = "monitor"
	return cfg
}

func TestDefaultsValidateInMonitorMode(t *testing.T) {
	cfg := validConfig()
	assert.NoError(t, cfg.Validate())
}

func TestRunModeRequiresWallet(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "run"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wallet")
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := validConfig()
	cfg.LogLevel = "verbose"
	cfg.Platform.RPCURL = ""
	cfg.Storage.DataDir = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log_level")
	assert.Contains(t, err.Error(), "rpc_url")
	assert.Contains(t, err.Error(), "data_dir")
}

func TestBackupRequiresS3(t *testing.T) {
	cfg := validConfig()
	cfg.Backup.Enabled = true

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backup: requires s3")
}

func TestDuplicateStrategyNamesRejected(t *testing.T) {
	cfg := validConfig()
	a := domain.DefaultStrategyConfig()
	a.Name = "main"
	a.PoolAddress = testPool
	a.PositionAmount = 100
	cfg.Strategies = []domain.StrategyConfig{a, a}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate name")
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	data := `
mode = "monitor"
log_level = "debug"

[redis]
enabled = true
addr = "redis:6379"
cache_ttl = "10s"

[[strategies]]
type = "simple_y"
name = "sol-usdc"
pool_address = "` + testPool + `"
position_amount = 250.0
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "monitor", cfg.Mode)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 10*time.Second, cfg.Redis.CacheTTL.Duration)
	// Untouched sections keep their defaults.
	assert.Equal(t, "logs", cfg.Logging.Dir)

	require.Len(t, cfg.Strategies, 1)
	assert.Equal(t, "sol-usdc", cfg.Strategies[0].Name)
	assert.Equal(t, 250.0, cfg.Strategies[0].PositionAmount)
	assert.NoError(t, cfg.Validate())
}

func TestEnvOverridesBeatFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`mode = "monitor"`), 0o644))

	t.Setenv("DLMMBOT_LOG_LEVEL", "warn")
	t.Setenv("DLMMBOT_REDIS_ADDR", "override:6379")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "override:6379", cfg.Redis.Addr)
}

func TestRedactedConfigHidesSecrets(t *testing.T) {
	cfg := validConfig()
	cfg.Postgres.Password = "hunter2"
	cfg.S3.SecretKey = "sk"
	cfg.Notify.TelegramToken = "tok"

	red := RedactedConfig(&cfg)
	assert.Equal(t, "***", red.Postgres.Password)
	assert.Equal(t, "***", red.S3.SecretKey)
	assert.Equal(t, "***", red.Notify.TelegramToken)
	// Original untouched.
	assert.Equal(t, "hunter2", cfg.Postgres.Password)
}
