package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPool = "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"

func validStrategyConfig() StrategyConfig {
	cfg := DefaultStrategyConfig()
	cfg.Name = "sol-usdc"
	cfg.PoolAddress = testPool
	cfg.PositionAmount = 100
	return cfg
}

func TestLifecycleTransitions(t *testing.T) {
	assert.True(t, CanTransition(StatusCreated, StatusInitializing))
	assert.True(t, CanTransition(StatusRunning, StatusStopping))
	assert.True(t, CanTransition(StatusStopped, StatusInitializing))

	assert.False(t, CanTransition(StatusCreated, StatusRunning))
	assert.False(t, CanTransition(StatusStopping, StatusRunning))
	assert.False(t, CanTransition(StatusCompleted, StatusInitializing))
}

func TestAnyStatusMayEnterError(t *testing.T) {
	for _, from := range []InstanceStatus{
		StatusCreated, StatusInitializing, StatusRunning, StatusPaused,
		StatusStopping, StatusStopped, StatusCompleted,
	} {
		assert.True(t, CanTransition(from, StatusError), string(from))
	}
}

func TestStageEdges(t *testing.T) {
	assert.True(t, CanAdvanceStage(StageNoPosition, StageYPositionOnly))
	assert.True(t, CanAdvanceStage(StageOutOfRange, StageYPositionOnly))
	assert.True(t, CanAdvanceStage(StageStopLossTriggered, StageCleanup))
	assert.True(t, CanAdvanceStage(StageCleanup, StageNoPosition))

	// Stop-loss is terminal for the position: no way back to in-range.
	assert.False(t, CanAdvanceStage(StageStopLossTriggered, StageYPositionOnly))
	assert.False(t, CanAdvanceStage(StageNoPosition, StageOutOfRange))
}

func TestPositionRange(t *testing.T) {
	r := PositionRange{LowerBin: 100, UpperBin: 120}
	assert.True(t, r.Contains(100))
	assert.True(t, r.Contains(120))
	assert.False(t, r.Contains(99))
	assert.False(t, r.Contains(121))
	assert.False(t, r.Degenerate())
	assert.True(t, PositionRange{LowerBin: 7, UpperBin: 7}.Degenerate())
}

func TestInstanceIDCarriesType(t *testing.T) {
	inst := NewInstance(validStrategyConfig())

	typ, err := TypeFromID(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, StrategySimpleY, typ)

	_, err = TypeFromID("bogus_deadbeef")
	assert.Error(t, err)
}

func TestCheckInvariants(t *testing.T) {
	inst := NewInstance(validStrategyConfig())
	require.NoError(t, inst.CheckInvariants())

	// Position recorded while the stage says there is none.
	inst.Positions = []string{"pos-1"}
	assert.Error(t, inst.CheckInvariants())

	inst.Stage = StageYPositionOnly
	require.NoError(t, inst.CheckInvariants())

	// Out-of-range timer without a direction is a bookkeeping bug.
	start := time.Now().UTC()
	inst.Runtime.OutOfRangeStartTime = &start
	inst.Runtime.OutOfRangeDirection = DirectionNone
	assert.Error(t, inst.CheckInvariants())
}

func TestStrategyConfigValidate(t *testing.T) {
	cfg := validStrategyConfig()
	require.NoError(t, cfg.Validate())

	cfg.PoolAddress = "not-base58!"
	cfg.PositionAmount = 0
	cfg.SlippageBps = 5000

	err := cfg.Validate()
	require.Error(t, err)
	assert.Equal(t, ErrValidation, CategoryOf(err))
	assert.Contains(t, err.Error(), "pool_address")
	assert.Contains(t, err.Error(), "position_amount")
	assert.Contains(t, err.Error(), "slippage_bps")
}

func TestClampRaisesSubFloorInterval(t *testing.T) {
	cfg := validStrategyConfig()
	cfg.MonitoringIntervalSec = 1
	cfg.Clamp()
	assert.Equal(t, 5, cfg.MonitoringIntervalSec)
}

func TestTickDeadlineCapped(t *testing.T) {
	cfg := validStrategyConfig()
	cfg.MonitoringIntervalSec = 30
	assert.Equal(t, 30*time.Second, cfg.TickDeadline())

	cfg.MonitoringIntervalSec = 300
	assert.Equal(t, MaxTickDeadline, cfg.TickDeadline())
}

func TestCategorizeWrapsAndClassifies(t *testing.T) {
	base := errors.New("connection refused")
	err := Categorize(ErrNetwork, "fetch pool", base)

	assert.Equal(t, ErrNetwork, CategoryOf(err))
	assert.ErrorIs(t, err, base)
	assert.Contains(t, err.Error(), "fetch pool")
}
