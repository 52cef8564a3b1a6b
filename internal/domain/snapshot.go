package domain

import "time"

// PricePoint is one sample in the adapter's in-memory price ring.
type PricePoint struct {
	Price float64   `json:"price"`
	At    time.Time `json:"at"`
}

// YieldTrend describes the recent direction of the fee-yield rate.
type YieldTrend string

const (
	YieldIncreasing YieldTrend = "increasing"
	YieldStable     YieldTrend = "stable"
	YieldDecreasing YieldTrend = "decreasing"
)

// HistoricalChanges carries percentage changes at the standard lookbacks.
// A nil entry means the window has no sample yet.
type HistoricalChanges struct {
	Change5Min  *float64 `json:"change_5min,omitempty"`
	Change15Min *float64 `json:"change_15min,omitempty"`
	Change1H    *float64 `json:"change_1h,omitempty"`
}

// BenchmarkYieldRates is the pool-wide normalized fee-yield benchmark used to
// scale dynamic recreation thresholds. Averages are nil until their warm-up
// interval has elapsed.
type BenchmarkYieldRates struct {
	Current5Min *float64 `json:"current_5min,omitempty"`
	Avg5Min     *float64 `json:"avg_5min,omitempty"`
	Avg15Min    *float64 `json:"avg_15min,omitempty"`
	Avg30Min    *float64 `json:"avg_30min,omitempty"`
}

// MarketSnapshot is the per-tick view of market and position state consumed
// by the decision modules. It is produced on demand and never stored.
type MarketSnapshot struct {
	Taken time.Time `json:"taken"`

	CurrentPrice float64 `json:"current_price"`
	ActiveBin    int32   `json:"active_bin"`
	BinStep      int32   `json:"bin_step"`

	PositionLowerBin int32 `json:"position_lower_bin"`
	PositionUpperBin int32 `json:"position_upper_bin"`

	PriceHistory        []PricePoint      `json:"-"`
	PriceVolatility     float64           `json:"price_volatility"`      // %, clamped [0,100]
	PriceDropPercentage float64           `json:"price_drop_percentage"` // %, over last ten samples
	HistoricalPrice     HistoricalChanges `json:"historical_price"`

	CurrentPendingYield  float64           `json:"current_pending_yield"`
	TotalExtractedYield  float64           `json:"total_extracted_yield"`
	YieldRate            float64           `json:"yield_rate"`
	YieldTrend           YieldTrend        `json:"yield_trend"`
	YieldGrowthRate      float64           `json:"yield_growth_rate"`
	HistoricalYieldRates HistoricalChanges `json:"historical_yield_rates"`

	Benchmark BenchmarkYieldRates `json:"benchmark"`

	NetPnL            float64       `json:"net_pnl"`
	NetPnLPercentage  float64       `json:"net_pnl_percentage"`
	PositionValue     float64       `json:"position_value"`
	InitialInvestment float64       `json:"initial_investment"`
	HoldingDuration   time.Duration `json:"holding_duration"`
}

// PositionRangeOf returns the snapshot's position range.
func (s *MarketSnapshot) PositionRangeOf() PositionRange {
	return PositionRange{LowerBin: s.PositionLowerBin, UpperBin: s.PositionUpperBin}
}

// InRange reports whether the active bin lies inside the position range.
func (s *MarketSnapshot) InRange() bool {
	return s.PositionRangeOf().Contains(s.ActiveBin)
}

// PositionPercent computes the active bin's relative location in the range as
// a percentage clamped to [0,100]. degenerate is returned when the range has
// collapsed to a single bin; callers substitute their documented default
// (50 for stop-loss scoring, 0 for recreation).
func (s *MarketSnapshot) PositionPercent() (pct float64, degenerate bool) {
	if s.PositionUpperBin == s.PositionLowerBin {
		return 0, true
	}
	pct = float64(s.ActiveBin-s.PositionLowerBin) /
		float64(s.PositionUpperBin-s.PositionLowerBin) * 100
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return pct, false
}
