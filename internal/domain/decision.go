package domain

import "time"

// Urgency grades how quickly a decision should be acted upon.
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyMedium   Urgency = "medium"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// StopLossAction is the outcome of one stop-loss evaluation.
type StopLossAction string

const (
	StopLossHold     StopLossAction = "hold"
	StopLossAlert    StopLossAction = "alert"
	StopLossFullExit StopLossAction = "full_exit"
)

// StopLossDecision is the stop-loss module's verdict for one tick.
type StopLossDecision struct {
	Action         StopLossAction `json:"action"`
	Confidence     float64        `json:"confidence"` // [0,100]
	Urgency        Urgency        `json:"urgency"`
	RiskScore      float64        `json:"risk_score"` // composite, [0,100]
	Reasoning      []string       `json:"reasoning"`
	NextEvaluation time.Time      `json:"next_evaluation"`
	// ExitPercentage suggests how much of the position to liquidate; 100 for
	// a full exit.
	ExitPercentage float64 `json:"exit_percentage,omitempty"`
}

// RecreationReason identifies which rule produced (or blocked) a recreation.
type RecreationReason string

const (
	ReasonPositionTooLow    RecreationReason = "POSITION_TOO_LOW"
	ReasonInRange           RecreationReason = "IN_RANGE"
	ReasonTimerStarted      RecreationReason = "TIMER_STARTED"
	ReasonTimerWaiting      RecreationReason = "TIMER_WAITING"
	ReasonPriceCheckFailed  RecreationReason = "PRICE_CHECK_FAILED"
	ReasonOutOfRange        RecreationReason = "OUT_OF_RANGE"
	ReasonMarketOpportunity RecreationReason = "MARKET_OPPORTUNITY"
	ReasonLossMarked        RecreationReason = "LOSS_RECOVERY_MARKED"
	ReasonLossRecovery      RecreationReason = "LOSS_RECOVERY"
	ReasonDynamicProfit     RecreationReason = "DYNAMIC_PROFIT"
	ReasonIdle              RecreationReason = "IDLE"
)

// RecreationDecision is the recreation module's verdict for one tick. At most
// one rule fires per tick; when none does, Status carries the most
// informative diagnostic for display.
type RecreationDecision struct {
	Recreate   bool             `json:"recreate"`
	Reason     RecreationReason `json:"reason"`
	Confidence float64          `json:"confidence"`
	Urgency    Urgency          `json:"urgency"`
	Reasoning  []string         `json:"reasoning"`
	// RemainingWait is set while the out-of-range timer is still running.
	RemainingWait time.Duration `json:"remaining_wait,omitempty"`
	// KeepPosition instructs the executor to hold the position even though
	// the out-of-range timer expired (price-guard failure).
	KeepPosition bool `json:"keep_position,omitempty"`
	// Status is the diagnostic line selected for UI display.
	Status string `json:"status,omitempty"`
}
