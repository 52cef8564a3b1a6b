package retry

import "time"

// Policy describes how one named operation is retried: the attempt bound, the
// substrings that mark an error retriable, and a delay schedule indexed by
// attempt (the last entry repeats when attempts outnumber entries).
type Policy struct {
	MaxAttempts int
	Retriable   []string
	Delays      []time.Duration
}

// DelayFor returns the sleep before the next attempt, given the 1-based index
// of the attempt that just failed.
func (p Policy) DelayFor(attempt int) time.Duration {
	if len(p.Delays) == 0 {
		return 0
	}
	if attempt-1 < len(p.Delays) {
		return p.Delays[attempt-1]
	}
	return p.Delays[len(p.Delays)-1]
}

// defaultRetriable are substrings marking transient RPC and execution
// failures across all operations.
var defaultRetriable = []string{
	"timeout",
	"timed out",
	"connection refused",
	"connection reset",
	"temporary failure",
	"rate limit",
	"429",
	"502",
	"503",
	"504",
	"blockhash not found",
	"block height exceeded",
	"transaction was not confirmed",
	"node is behind",
	"交易验证超时",
}

// executionRetriable extends the default set with slippage-style failures
// that resolve on a re-quote.
var executionRetriable = append([]string{
	"slippage tolerance exceeded",
	"insufficient liquidity",
	"simulation failed",
}, defaultRetriable...)

// DefaultPolicies is the per-operation policy table.
var DefaultPolicies = map[string]Policy{
	"position.create": {
		MaxAttempts: 2,
		Retriable:   defaultRetriable,
		Delays:      []time.Duration{2 * time.Second},
	},
	"position.close": {
		MaxAttempts: 5,
		Retriable:   defaultRetriable,
		Delays:      []time.Duration{time.Second},
	},
	"liquidity.add": {
		MaxAttempts: 6,
		Retriable:   executionRetriable,
		Delays:      []time.Duration{10 * time.Second},
	},
	"token.swap": {
		MaxAttempts: 3,
		Retriable:   executionRetriable,
		Delays:      []time.Duration{30 * time.Second},
	},
	"chain.position.create": {
		MaxAttempts: 3,
		Retriable:   defaultRetriable,
		Delays:      []time.Duration{15 * time.Second},
	},
	"stop.loss": {
		MaxAttempts: 4,
		Retriable:   executionRetriable,
		Delays:      []time.Duration{10 * time.Second, 30 * time.Second, 30 * time.Second, 30 * time.Second},
	},
	"stop.loss.token.swap": {
		MaxAttempts: 4,
		Retriable:   executionRetriable,
		Delays:      []time.Duration{30 * time.Second},
	},
	"position.cleanup": {
		MaxAttempts: 3,
		Retriable:   defaultRetriable,
		Delays:      []time.Duration{30 * time.Second},
	},
	"outOfRange.handler": {
		MaxAttempts: 3,
		Retriable:   defaultRetriable,
		Delays:      []time.Duration{3 * time.Second},
	},
}

// fallbackPolicy applies to operations absent from the table.
var fallbackPolicy = Policy{
	MaxAttempts: 3,
	Retriable:   defaultRetriable,
	Delays:      []time.Duration{5 * time.Second},
}
