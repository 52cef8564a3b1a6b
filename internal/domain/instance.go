package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// StrategyType selects the position shape an instance manages.
type StrategyType string

const (
	// StrategySimpleY holds a single one-sided position in the quote token.
	StrategySimpleY StrategyType = "simple_y"
	// StrategyChainPosition holds a high and a low position created in sequence.
	StrategyChainPosition StrategyType = "chain_position"
)

// InstanceStatus is the lifecycle status of a strategy instance.
type InstanceStatus string

const (
	StatusCreated      InstanceStatus = "created"
	StatusInitializing InstanceStatus = "initializing"
	StatusRunning      InstanceStatus = "running"
	StatusPaused       InstanceStatus = "paused"
	StatusStopping     InstanceStatus = "stopping"
	StatusStopped      InstanceStatus = "stopped"
	StatusError        InstanceStatus = "error"
	StatusCompleted    InstanceStatus = "completed"
)

// statusEdges enumerates the permitted lifecycle transitions. Any status may
// move to StatusError; Stopping must reach Stopped within the health checker's
// deadline or be forced there.
var statusEdges = map[InstanceStatus][]InstanceStatus{
	StatusCreated:      {StatusInitializing, StatusStopped},
	StatusInitializing: {StatusRunning, StatusStopped},
	StatusRunning:      {StatusPaused, StatusStopping, StatusCompleted},
	StatusPaused:       {StatusRunning, StatusStopping},
	StatusStopping:     {StatusStopped},
	StatusStopped:      {StatusInitializing},
	StatusError:        {StatusInitializing, StatusStopping, StatusStopped},
	StatusCompleted:    {},
}

// CanTransition reports whether the lifecycle edge from → to is permitted.
func CanTransition(from, to InstanceStatus) bool {
	if to == StatusError {
		return true
	}
	for _, next := range statusEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Stage is the type-specific execution phase of an instance.
type Stage string

const (
	StageNoPosition        Stage = "no_position"
	StageYPositionOnly     Stage = "y_position_only"
	StageOutOfRange        Stage = "out_of_range"
	StageStopLossTriggered Stage = "stop_loss_triggered"
	StageCleanup           Stage = "cleanup"
)

// stageEdges enumerates the permitted stage transitions for both strategy
// types. ChainPosition shares the same shape with two positions behind
// StageYPositionOnly.
var stageEdges = map[Stage][]Stage{
	StageNoPosition:        {StageYPositionOnly},
	StageYPositionOnly:     {StageOutOfRange, StageStopLossTriggered, StageCleanup},
	StageOutOfRange:        {StageYPositionOnly, StageStopLossTriggered, StageCleanup},
	StageStopLossTriggered: {StageCleanup},
	StageCleanup:           {StageNoPosition},
}

// CanAdvanceStage reports whether the stage edge from → to is permitted.
func CanAdvanceStage(from, to Stage) bool {
	for _, next := range stageEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// OutOfRangeDirection records which side of the position range the active bin
// has moved to.
type OutOfRangeDirection string

const (
	DirectionNone  OutOfRangeDirection = "none"
	DirectionAbove OutOfRangeDirection = "above"
	DirectionBelow OutOfRangeDirection = "below"
)

// PositionRange is the [LowerBin, UpperBin] interval holding the instance's
// liquidity. Derived on position creation.
type PositionRange struct {
	LowerBin int32 `json:"lower_bin"`
	UpperBin int32 `json:"upper_bin"`
}

// Contains reports whether bin lies inside the range, inclusive.
func (r PositionRange) Contains(bin int32) bool {
	return bin >= r.LowerBin && bin <= r.UpperBin
}

// Degenerate reports whether the range has collapsed to a single bin.
func (r PositionRange) Degenerate() bool { return r.UpperBin == r.LowerBin }

// InstanceRuntime is the mutable per-tick state of an instance. It is owned
// exclusively by the instance's worker; all other components produce values
// that the worker applies.
type InstanceRuntime struct {
	LastTickAt           time.Time           `json:"last_tick_at"`
	LastActiveBin        int32               `json:"last_active_bin"`
	OutOfRangeStartTime  *time.Time          `json:"out_of_range_start_time,omitempty"`
	OutOfRangeDirection  OutOfRangeDirection `json:"out_of_range_direction"`
	LossRecoveryMarked   bool                `json:"loss_recovery_marked"`
	PendingSwapAmount    float64             `json:"pending_swap_amount,omitempty"`
	RetryCount           int                 `json:"retry_count"`
	ConsecutiveSlowTicks int                 `json:"consecutive_slow_ticks"`
	LastRecreationAt     time.Time           `json:"last_recreation_at"`
	LastHarvestAt        time.Time           `json:"last_harvest_at"`
	ObservationKey       string              `json:"observation_key,omitempty"`
}

// InstanceMetadata tracks bookkeeping counters for an instance.
type InstanceMetadata struct {
	CreatedAt      time.Time `json:"created_at"`
	StartedAt      time.Time `json:"started_at"`
	LastUpdate     time.Time `json:"last_update"`
	ExecutionCount int64     `json:"execution_count"`
	ErrorCount     int64     `json:"error_count"`
}

// StrategyInstance is one user-configured strategy with its durable state.
type StrategyInstance struct {
	ID        string           `json:"id"`
	Type      StrategyType     `json:"type"`
	Status    InstanceStatus   `json:"status"`
	Config    StrategyConfig   `json:"config"`
	Stage     Stage            `json:"stage"`
	Positions []string         `json:"positions"`
	Range     PositionRange    `json:"position_range"`
	Runtime   InstanceRuntime  `json:"runtime"`
	Metadata  InstanceMetadata `json:"metadata"`
}

// NewInstanceID builds a stable opaque id embedding the strategy type prefix,
// e.g. "simple_y_2f6c...".
func NewInstanceID(t StrategyType) string {
	return fmt.Sprintf("%s_%s", t, strings.ReplaceAll(uuid.New().String(), "-", ""))
}

// TypeFromID recovers the strategy type prefix from an instance id.
func TypeFromID(id string) (StrategyType, error) {
	switch {
	case strings.HasPrefix(id, string(StrategySimpleY)+"_"):
		return StrategySimpleY, nil
	case strings.HasPrefix(id, string(StrategyChainPosition)+"_"):
		return StrategyChainPosition, nil
	default:
		return "", fmt.Errorf("domain: instance id %q carries no known type prefix", id)
	}
}

// NewInstance creates a StrategyInstance in StatusCreated with no position.
func NewInstance(cfg StrategyConfig) *StrategyInstance {
	now := time.Now().UTC()
	return &StrategyInstance{
		ID:     NewInstanceID(cfg.Type),
		Type:   cfg.Type,
		Status: StatusCreated,
		Config: cfg,
		Stage:  StageNoPosition,
		Runtime: InstanceRuntime{
			OutOfRangeDirection: DirectionNone,
		},
		Metadata: InstanceMetadata{
			CreatedAt:  now,
			LastUpdate: now,
		},
	}
}

// HasPosition reports whether the instance currently owns on-chain positions.
// Invariant: positions non-empty iff stage is not NoPosition/Cleanup.
func (si *StrategyInstance) HasPosition() bool {
	return len(si.Positions) > 0
}

// CheckInvariants verifies the structural invariants of the instance and
// returns a descriptive error for the first violation found.
func (si *StrategyInstance) CheckInvariants() error {
	inPositionStage := si.Stage != StageNoPosition && si.Stage != StageCleanup
	if si.HasPosition() != inPositionStage {
		return fmt.Errorf("domain: instance %s: positions=%d inconsistent with stage %s",
			si.ID, len(si.Positions), si.Stage)
	}
	if si.Runtime.OutOfRangeStartTime != nil && si.Runtime.OutOfRangeDirection == DirectionNone {
		return fmt.Errorf("domain: instance %s: out-of-range timer set without direction", si.ID)
	}
	return nil
}
