package chain

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/alanyoungcy/dlmmbot/internal/domain"
)

// Fee tiers, in micro-lamports per compute unit. The floor keeps transactions
// landing when the fee market is empty; the ceiling bounds what a runaway
// percentile can charge.
const (
	minPriorityFee      uint64 = 10_000
	maxPriorityFee      uint64 = 2_000_000
	stopLossCeiling     uint64 = 5_000_000
	emergencyMultiplier        = 3
)

// feeTTL bounds how long a sampled fee distribution is reused.
const feeTTL = 10 * time.Second

// FeeSource supplies the recent per-slot priority fees. Implemented by Client.
type FeeSource interface {
	RecentPrioritizationFees(ctx context.Context) ([]uint64, error)
}

// Fees prices priority fees from the recent fee distribution: the smart tier
// pays the median (75th percentile after a recent failure), the stop-loss tier
// pays the 95th percentile, and the emergency tier pays a multiple of that.
type Fees struct {
	source FeeSource

	mu       sync.Mutex
	cached   []float64
	cachedAt time.Time

	now func() time.Time
}

// NewFees creates the fee service on top of the RPC client.
func NewFees(source FeeSource) *Fees {
	return &Fees{
		source: source,
		now:    time.Now,
	}
}

// GetSmartPriorityFee returns the routine-operation fee. After a recent
// failure the quantile steps up so the retry outbids whatever starved the
// first attempt.
func (f *Fees) GetSmartPriorityFee(ctx context.Context, hasRecentFailures bool) (uint64, error) {
	q := 0.5
	if hasRecentFailures {
		q = 0.75
	}
	return f.quantileFee(ctx, q, maxPriorityFee)
}

// GetStopLossMaxPriorityFee returns the aggressive fee for stop-loss exits.
func (f *Fees) GetStopLossMaxPriorityFee(ctx context.Context) (uint64, error) {
	return f.quantileFee(ctx, 0.95, stopLossCeiling)
}

// GetEmergencyPriorityFeeAfterTimeout returns the last-resort fee used when a
// stop-loss transaction has already timed out once.
func (f *Fees) GetEmergencyPriorityFeeAfterTimeout(ctx context.Context) (uint64, error) {
	base, err := f.GetStopLossMaxPriorityFee(ctx)
	if err != nil {
		return 0, err
	}
	fee := base * emergencyMultiplier
	if fee > stopLossCeiling {
		fee = stopLossCeiling
	}
	return fee, nil
}

func (f *Fees) quantileFee(ctx context.Context, q float64, ceiling uint64) (uint64, error) {
	sample, err := f.sample(ctx)
	if err != nil {
		return 0, err
	}
	if len(sample) == 0 {
		return minPriorityFee, nil
	}

	fee := uint64(stat.Quantile(q, stat.Empirical, sample, nil))
	if fee < minPriorityFee {
		fee = minPriorityFee
	}
	if fee > ceiling {
		fee = ceiling
	}
	return fee, nil
}

// sample fetches and sorts the recent fee distribution, reusing it within the
// TTL so back-to-back pricings in one tick cost a single RPC call.
func (f *Fees) sample(ctx context.Context) ([]float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.cached != nil && f.now().Sub(f.cachedAt) < feeTTL {
		return f.cached, nil
	}

	raw, err := f.source.RecentPrioritizationFees(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain: fee sample: %w", err)
	}

	sample := make([]float64, 0, len(raw))
	for _, fee := range raw {
		if fee > 0 {
			sample = append(sample, float64(fee))
		}
	}
	sort.Float64s(sample)

	f.cached = sample
	f.cachedAt = f.now()
	return sample, nil
}

var _ domain.GasService = (*Fees)(nil)
