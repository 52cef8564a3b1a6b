package domain

import "time"

// OperationAction names the semantic business operations an executor performs.
type OperationAction string

const (
	OpPositionCreate OperationAction = "position.create"
	OpPositionClose  OperationAction = "position.close"
	OpLiquidityAdd   OperationAction = "liquidity.add"
	OpTokenSwap      OperationAction = "token.swap"
	OpChainCreate    OperationAction = "chain.position.create"
	OpStopLoss       OperationAction = "stop.loss"
	OpStopLossSwap   OperationAction = "stop.loss.token.swap"
	OpCleanup        OperationAction = "position.cleanup"
	OpOutOfRange     OperationAction = "outOfRange.handler"
	OpHarvest        OperationAction = "fees.harvest"
	OpRecreate       OperationAction = "position.recreate"
)

// OperationRecord documents one executed (or failed) business operation for
// the per-tick audit trail.
type OperationRecord struct {
	ID              string          `json:"id"`
	InstanceID      string          `json:"instance_id"`
	Action          OperationAction `json:"action"`
	ActiveBin       int32           `json:"active_bin"`
	PositionAddress string          `json:"position_address,omitempty"`
	Amount          float64         `json:"amount,omitempty"`
	Success         bool            `json:"success"`
	Error           string          `json:"error,omitempty"`
	Signature       string          `json:"signature,omitempty"`
	At              time.Time       `json:"at"`
	Duration        time.Duration   `json:"duration"`
}
