package domain

import "time"

// Standard event topics published by the engine.
const (
	TopicSystemStartup  = "system.startup"
	TopicSystemShutdown = "system.shutdown"
	TopicSystemError    = "system.error"

	TopicWalletConnected    = "wallet.connected"
	TopicWalletDisconnected = "wallet.disconnected"
	TopicWalletBalance      = "wallet.balance.updated"

	TopicTxStarted   = "transaction.started"
	TopicTxCompleted = "transaction.completed"
	TopicTxFailed    = "transaction.failed"

	TopicStrategyStarted = "strategy.started"
	TopicStrategyStopped = "strategy.stopped"
	TopicStrategyError   = "strategy.error"

	// TopicStopLossUpdate is high-frequency and debounced by default.
	TopicStopLossUpdate = "strategy.smart-stop-loss.update"

	TopicRetryStarted = "sync.retry.started"
	TopicRetryAttempt = "sync.retry.attempt"
	TopicRetrySuccess = "sync.retry.success"
	TopicRetryFailed  = "sync.retry.failed"
)

// Event is one message on the in-process bus.
type Event struct {
	Type          string    `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	Data          any       `json:"data"`
	Source        string    `json:"source"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	// CoalescedCount is > 1 when the event was delivered from a debounced
	// topic and merges that many publishes.
	CoalescedCount int `json:"coalesced_count,omitempty"`
}
