package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrInstanceStopped  = errors.New("instance stopped")
	ErrWSDisconnect     = errors.New("websocket disconnected")
	ErrContextDone      = errors.New("context cancelled")
	ErrBreakerOpen      = errors.New("circuit breaker open")
	ErrDegenerateRange  = errors.New("degenerate position range")
	ErrSnapshotVersion  = errors.New("unsupported snapshot version")
	ErrRecreateTooSoon  = errors.New("minimum recreation interval not elapsed")
	ErrRecreateTooCosty = errors.New("recreation cost exceeds maximum")
)

// ErrorCategory classifies failures for retry and reporting decisions.
type ErrorCategory string

const (
	ErrNetwork       ErrorCategory = "network"       // transient RPC / timeout
	ErrValidation    ErrorCategory = "validation"    // bad config or address
	ErrExecution     ErrorCategory = "execution"     // on-chain failure, slippage, simulation
	ErrConfiguration ErrorCategory = "configuration" // missing or invalid parameter
	ErrSystem        ErrorCategory = "system"        // I/O, storage
)

// CategorizedError attaches an ErrorCategory to an underlying error so callers
// can route it (retry, surface, or swallow) without string inspection.
type CategorizedError struct {
	Category ErrorCategory
	Op       string
	Err      error
}

func (e *CategorizedError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Category, e.Err)
}

func (e *CategorizedError) Unwrap() error { return e.Err }

// Categorize wraps err with the given category and operation name.
func Categorize(cat ErrorCategory, op string, err error) error {
	if err == nil {
		return nil
	}
	return &CategorizedError{Category: cat, Op: op, Err: err}
}

// CategoryOf returns the category of err, or ErrSystem when err carries none.
func CategoryOf(err error) ErrorCategory {
	var ce *CategorizedError
	if errors.As(err, &ce) {
		return ce.Category
	}
	return ErrSystem
}

// Result is the envelope returned by every public operation. Error is a short
// human string; full detail goes to the business-operations log.
type Result struct {
	Success bool           `json:"success"`
	Data    any            `json:"data,omitempty"`
	Error   string         `json:"error,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// OK wraps data in a successful Result.
func OK(data any) Result {
	return Result{Success: true, Data: data}
}

// Fail builds a failed Result from err, prefixing the error category.
func Fail(err error) Result {
	return Result{
		Success: false,
		Error:   err.Error(),
		Meta:    map[string]any{"category": string(CategoryOf(err))},
	}
}
