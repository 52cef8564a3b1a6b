package chain

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFeeSource struct {
	fees  []uint64
	calls int
	err   error
}

func (f *fakeFeeSource) RecentPrioritizationFees(context.Context) ([]uint64, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.fees, nil
}

// hundredFees is 10k..1M in 10k steps, so quantiles land on round numbers.
func hundredFees() []uint64 {
	fees := make([]uint64, 100)
	for i := range fees {
		fees[i] = uint64(i+1) * 10_000
	}
	return fees
}

func newTestFees(src *fakeFeeSource) *Fees {
	f := NewFees(src)
	f.now = func() time.Time { return time.Unix(1700000000, 0) }
	return f
}

func TestSmartFeeUsesMedian(t *testing.T) {
	f := newTestFees(&fakeFeeSource{fees: hundredFees()})

	fee, err := f.GetSmartPriorityFee(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, uint64(500_000), fee)
}

func TestSmartFeeStepsUpAfterFailures(t *testing.T) {
	f := newTestFees(&fakeFeeSource{fees: hundredFees()})

	fee, err := f.GetSmartPriorityFee(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, uint64(750_000), fee)
}

func TestStopLossFeeUsesHighPercentile(t *testing.T) {
	f := newTestFees(&fakeFeeSource{fees: hundredFees()})

	fee, err := f.GetStopLossMaxPriorityFee(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(950_000), fee)
}

func TestEmergencyFeeMultipliesStopLoss(t *testing.T) {
	f := newTestFees(&fakeFeeSource{fees: hundredFees()})

	fee, err := f.GetEmergencyPriorityFeeAfterTimeout(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(2_850_000), fee)
}

func TestEmergencyFeeRespectsCeiling(t *testing.T) {
	f := newTestFees(&fakeFeeSource{fees: []uint64{4_000_000, 4_000_000, 4_000_000}})

	fee, err := f.GetEmergencyPriorityFeeAfterTimeout(context.Background())
	require.NoError(t, err)
	assert.Equal(t, stopLossCeiling, fee)
}

func TestEmptyFeeMarketFallsBackToFloor(t *testing.T) {
	f := newTestFees(&fakeFeeSource{fees: nil})

	fee, err := f.GetSmartPriorityFee(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, minPriorityFee, fee)
}

func TestFeeSampleCachedWithinTTL(t *testing.T) {
	src := &fakeFeeSource{fees: hundredFees()}
	f := newTestFees(src)

	_, err := f.GetSmartPriorityFee(context.Background(), false)
	require.NoError(t, err)
	_, err = f.GetStopLossMaxPriorityFee(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, src.calls)
}
