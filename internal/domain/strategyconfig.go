package domain

import (
	"fmt"
	"strings"
	"time"
)

// MinMonitoringInterval is the floor applied to per-instance tick periods so
// a misconfigured instance cannot hammer the collaborators.
const MinMonitoringInterval = 5 * time.Second

// MaxTickDeadline caps the per-tick deadline regardless of the monitoring
// interval.
const MaxTickDeadline = 45 * time.Second

// base58Alphabet is the Bitcoin base58 alphabet used by the chain's addresses.
const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

// IsBase58Address reports whether s looks like a valid base58 account address
// (32–44 characters from the base58 alphabet).
func IsBase58Address(s string) bool {
	if len(s) < 32 || len(s) > 44 {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune(base58Alphabet, r) {
			return false
		}
	}
	return true
}

// MarketOpportunityConfig parameterizes Rule 2: recreate when the active bin
// sits low in the range while the position is profitable.
type MarketOpportunityConfig struct {
	Enabled           bool    `json:"enabled" toml:"enabled"`
	PositionThreshold float64 `json:"position_threshold" toml:"position_threshold"` // %, default 70
	ProfitThreshold   float64 `json:"profit_threshold" toml:"profit_threshold"`     // %, default 1
}

// LossRecoveryConfig parameterizes the two-phase Rule 3: mark on loss + low
// position, trigger on recovery.
type LossRecoveryConfig struct {
	Enabled                  bool    `json:"enabled" toml:"enabled"`
	MarkPositionThreshold    float64 `json:"mark_position_threshold" toml:"mark_position_threshold"`       // %, default 65
	MarkLossThreshold        float64 `json:"mark_loss_threshold" toml:"mark_loss_threshold"`               // %, default 0.5
	TriggerPositionThreshold float64 `json:"trigger_position_threshold" toml:"trigger_position_threshold"` // %, default 70
	TriggerProfitThreshold   float64 `json:"trigger_profit_threshold" toml:"trigger_profit_threshold"`     // %, default 0.5
}

// DynamicProfitConfig parameterizes Rule 4: the profit threshold scales with
// the 15-minute benchmark yield tier.
type DynamicProfitConfig struct {
	Enabled           bool    `json:"enabled" toml:"enabled"`
	PositionThreshold float64 `json:"position_threshold" toml:"position_threshold"`
	BenchmarkTier1Max float64 `json:"benchmark_tier1_max" toml:"benchmark_tier1_max"`
	BenchmarkTier2Max float64 `json:"benchmark_tier2_max" toml:"benchmark_tier2_max"`
	BenchmarkTier3Max float64 `json:"benchmark_tier3_max" toml:"benchmark_tier3_max"`
	BenchmarkTier4Max float64 `json:"benchmark_tier4_max" toml:"benchmark_tier4_max"`
	ProfitTier1       float64 `json:"profit_tier1" toml:"profit_tier1"`
	ProfitTier2       float64 `json:"profit_tier2" toml:"profit_tier2"`
	ProfitTier3       float64 `json:"profit_tier3" toml:"profit_tier3"`
	ProfitTier4       float64 `json:"profit_tier4" toml:"profit_tier4"`
}

// SmartStopLossConfig parameterizes the stop-loss observation state machine.
// ActiveBinSafetyThreshold may be negative to disable the unsafe-zone check.
type SmartStopLossConfig struct {
	Enabled                  bool    `json:"enabled" toml:"enabled"`
	ActiveBinSafetyThreshold float64 `json:"active_bin_safety_threshold" toml:"active_bin_safety_threshold"` // %
	ObservationPeriodMinutes int     `json:"observation_period_minutes" toml:"observation_period_minutes"`
	LossThresholdPercentage  float64 `json:"loss_threshold_percentage" toml:"loss_threshold_percentage"`
}

// StrategyConfig is the immutable create/update payload for one strategy
// instance. Monetary amounts are expressed in the quote token.
type StrategyConfig struct {
	Type           StrategyType `json:"type" toml:"type"`
	Name           string       `json:"name" toml:"name"`
	PoolAddress    string       `json:"pool_address" toml:"pool_address"`
	PositionAmount float64      `json:"position_amount" toml:"position_amount"`

	MonitoringIntervalSec         int     `json:"monitoring_interval_sec" toml:"monitoring_interval_sec"`
	OutOfRangeTimeoutSec          int     `json:"out_of_range_timeout_sec" toml:"out_of_range_timeout_sec"`
	MaxPriceForRecreation         float64 `json:"max_price_for_recreation" toml:"max_price_for_recreation"`
	MinPriceForRecreation         float64 `json:"min_price_for_recreation" toml:"min_price_for_recreation"`
	BenchmarkYieldThreshold5Min   float64 `json:"benchmark_yield_threshold_5min" toml:"benchmark_yield_threshold_5min"`
	MinActiveBinPositionThreshold float64 `json:"min_active_bin_position_threshold" toml:"min_active_bin_position_threshold"`

	YieldExtractionThreshold float64 `json:"yield_extraction_threshold" toml:"yield_extraction_threshold"`
	YieldExtractionTimeLock  int     `json:"yield_extraction_time_lock_min" toml:"yield_extraction_time_lock_min"` // minutes
	SlippageBps              int     `json:"slippage_bps" toml:"slippage_bps"`

	StopLoss          SmartStopLossConfig     `json:"stop_loss" toml:"stop_loss"`
	MarketOpportunity MarketOpportunityConfig `json:"market_opportunity" toml:"market_opportunity"`
	LossRecovery      LossRecoveryConfig      `json:"loss_recovery" toml:"loss_recovery"`
	DynamicProfit     DynamicProfitConfig     `json:"dynamic_profit" toml:"dynamic_profit"`
}

// DefaultStrategyConfig returns a StrategyConfig populated with the documented
// defaults. Type, Name, PoolAddress and PositionAmount must still be set.
func DefaultStrategyConfig() StrategyConfig {
	return StrategyConfig{
		Type:                     StrategySimpleY,
		MonitoringIntervalSec:    30,
		OutOfRangeTimeoutSec:     600,
		YieldExtractionThreshold: 0.5,
		YieldExtractionTimeLock:  1,
		SlippageBps:              300,
		StopLoss: SmartStopLossConfig{
			Enabled:                  true,
			ActiveBinSafetyThreshold: 50,
			ObservationPeriodMinutes: 15,
			LossThresholdPercentage:  5,
		},
		MarketOpportunity: MarketOpportunityConfig{
			Enabled:           true,
			PositionThreshold: 70,
			ProfitThreshold:   1,
		},
		LossRecovery: LossRecoveryConfig{
			Enabled:                  true,
			MarkPositionThreshold:    65,
			MarkLossThreshold:        0.5,
			TriggerPositionThreshold: 70,
			TriggerProfitThreshold:   0.5,
		},
		DynamicProfit: DynamicProfitConfig{
			Enabled:           false,
			PositionThreshold: 70,
			BenchmarkTier1Max: 0.5,
			BenchmarkTier2Max: 1.0,
			BenchmarkTier3Max: 2.0,
			BenchmarkTier4Max: 5.0,
			ProfitTier1:       0.5,
			ProfitTier2:       1.0,
			ProfitTier3:       1.5,
			ProfitTier4:       2.0,
		},
	}
}

// MonitoringInterval returns the tick period with the 5 s floor applied.
func (c *StrategyConfig) MonitoringInterval() time.Duration {
	d := time.Duration(c.MonitoringIntervalSec) * time.Second
	if d < MinMonitoringInterval {
		return MinMonitoringInterval
	}
	return d
}

// OutOfRangeTimeout returns the Rule-1 timeout as a duration.
func (c *StrategyConfig) OutOfRangeTimeout() time.Duration {
	return time.Duration(c.OutOfRangeTimeoutSec) * time.Second
}

// YieldTimeLock returns the minimum interval between fee harvests.
func (c *StrategyConfig) YieldTimeLock() time.Duration {
	return time.Duration(c.YieldExtractionTimeLock) * time.Minute
}

// TickDeadline is the per-tick deadline: min(monitoringInterval, 45 s).
func (c *StrategyConfig) TickDeadline() time.Duration {
	d := c.MonitoringInterval()
	if d > MaxTickDeadline {
		return MaxTickDeadline
	}
	return d
}

// Clamp normalizes fields that are accepted but adjusted rather than
// rejected, such as a sub-floor monitoring interval.
func (c *StrategyConfig) Clamp() {
	if c.MonitoringIntervalSec < int(MinMonitoringInterval/time.Second) {
		c.MonitoringIntervalSec = int(MinMonitoringInterval / time.Second)
	}
}

// Validate checks the payload per the create/update contract and returns a
// combined error listing every problem. Validation failures are never retried.
func (c *StrategyConfig) Validate() error {
	var errs []string

	if c.Type != StrategySimpleY && c.Type != StrategyChainPosition {
		errs = append(errs, fmt.Sprintf("type must be %q or %q, got %q",
			StrategySimpleY, StrategyChainPosition, c.Type))
	}
	if strings.TrimSpace(c.Name) == "" {
		errs = append(errs, "name must not be empty")
	}
	if !IsBase58Address(c.PoolAddress) {
		errs = append(errs, fmt.Sprintf("pool_address %q is not a base58 address (32-44 chars)", c.PoolAddress))
	}
	if c.PositionAmount <= 0 {
		errs = append(errs, "position_amount must be > 0")
	}
	if c.OutOfRangeTimeoutSec < 0 {
		errs = append(errs, "out_of_range_timeout_sec must be >= 0")
	}
	if c.MaxPriceForRecreation < 0 || c.MinPriceForRecreation < 0 {
		errs = append(errs, "recreation price bounds must be >= 0")
	}
	if c.MaxPriceForRecreation > 0 && c.MinPriceForRecreation > c.MaxPriceForRecreation {
		errs = append(errs, "min_price_for_recreation must not exceed max_price_for_recreation")
	}
	if c.BenchmarkYieldThreshold5Min < 0 {
		errs = append(errs, "benchmark_yield_threshold_5min must be >= 0 (0 disables)")
	}
	if c.MinActiveBinPositionThreshold < 0 || c.MinActiveBinPositionThreshold > 100 {
		errs = append(errs, "min_active_bin_position_threshold must be within [0,100]")
	}
	if c.YieldExtractionThreshold <= 0 {
		errs = append(errs, "yield_extraction_threshold must be > 0")
	}
	if c.YieldExtractionTimeLock < 0 {
		errs = append(errs, "yield_extraction_time_lock_min must be >= 0")
	}
	if c.SlippageBps < 100 || c.SlippageBps > 3000 {
		errs = append(errs, fmt.Sprintf("slippage_bps must be within [100,3000], got %d", c.SlippageBps))
	}
	if c.StopLoss.Enabled {
		if c.StopLoss.ObservationPeriodMinutes <= 0 {
			errs = append(errs, "stop_loss.observation_period_minutes must be > 0 when enabled")
		}
		if c.StopLoss.LossThresholdPercentage <= 0 {
			errs = append(errs, "stop_loss.loss_threshold_percentage must be > 0 when enabled")
		}
	}
	if c.DynamicProfit.Enabled {
		t := c.DynamicProfit
		if !(t.BenchmarkTier1Max < t.BenchmarkTier2Max && t.BenchmarkTier2Max < t.BenchmarkTier3Max && t.BenchmarkTier3Max < t.BenchmarkTier4Max) {
			errs = append(errs, "dynamic_profit benchmark tiers must be strictly increasing")
		}
	}

	if len(errs) > 0 {
		return Categorize(ErrValidation, "strategy config",
			fmt.Errorf("%s", strings.Join(errs, "; ")))
	}
	return nil
}
