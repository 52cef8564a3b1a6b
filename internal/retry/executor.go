// Package retry implements the synchronous-semantics retry executor: a single
// bounded loop with a per-operation policy table, substring error
// classification, and cooperative sleeps that survive the caller's decision
// state across attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/dlmmbot/internal/domain"
)

// Publisher is the slice of the event bus the executor needs.
type Publisher interface {
	Publish(topic string, payload any, source string)
}

// Operation is one attemptable unit of work. The result is opaque to the
// executor and handed to the optional validator.
type Operation func(ctx context.Context) (any, error)

// Validator inspects a successful result; returning false converts the
// attempt into a failure.
type Validator func(result any) bool

// Executor runs operations under the policy table, emitting lifecycle events
// and one human-readable success or failure line per call.
type Executor struct {
	policies map[string]Policy
	bus      Publisher
	logger   *slog.Logger
	// sleep is swappable for tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates an Executor with the default policy table. bus may be
// nil when no event emission is wanted.
func NewExecutor(bus Publisher, logger *slog.Logger) *Executor {
	return &Executor{
		policies: DefaultPolicies,
		bus:      bus,
		logger:   logger.With(slog.String("component", "retry")),
		sleep:    sleepCtx,
	}
}

// SetPolicy overrides or adds the policy for one operation name.
func (e *Executor) SetPolicy(op string, p Policy) {
	// Copy-on-write so the shared default table is never mutated.
	next := make(map[string]Policy, len(e.policies)+1)
	for k, v := range e.policies {
		next[k] = v
	}
	next[op] = p
	e.policies = next
}

// PolicyFor returns the effective policy for op.
func (e *Executor) PolicyFor(op string) Policy {
	if p, ok := e.policies[op]; ok {
		return p
	}
	return fallbackPolicy
}

// attemptEvent is the payload for sync.retry.* events.
type attemptEvent struct {
	Operation  string `json:"operation"`
	Attempt    int    `json:"attempt,omitempty"`
	MaxAttempt int    `json:"max_attempts"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

// Do runs op under the policy named by name. On success the optional
// validator must return true, else the attempt counts as failed. Errors are
// classified by substring match against the policy's retriable set;
// non-retriable errors and exhausted attempts surface the last error.
// Cancellation during a retry sleep returns immediately with the last error.
func (e *Executor) Do(ctx context.Context, name string, op Operation, validator Validator) (any, error) {
	policy := e.PolicyFor(name)
	start := time.Now()

	e.emit(domain.TopicRetryStarted, attemptEvent{Operation: name, MaxAttempt: policy.MaxAttempts})

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, e.fail(name, attempt-1, start, joinCancel(lastErr, err))
		}

		result, err := op(ctx)
		if err == nil && validator != nil && !validator(result) {
			err = fmt.Errorf("retry: %s attempt %d produced an invalid result", name, attempt)
		}

		e.emit(domain.TopicRetryAttempt, attemptEvent{
			Operation:  name,
			Attempt:    attempt,
			MaxAttempt: policy.MaxAttempts,
			Error:      errString(err),
		})

		if err == nil {
			elapsed := time.Since(start)
			e.emit(domain.TopicRetrySuccess, attemptEvent{
				Operation:  name,
				Attempt:    attempt,
				MaxAttempt: policy.MaxAttempts,
				DurationMs: elapsed.Milliseconds(),
			})
			e.logger.Info("operation succeeded",
				slog.String("operation", name),
				slog.Int("attempt", attempt),
				slog.Duration("duration", elapsed),
			)
			return result, nil
		}

		lastErr = err
		if !e.retriable(policy, err) || attempt == policy.MaxAttempts {
			return nil, e.fail(name, attempt, start, lastErr)
		}

		delay := policy.DelayFor(attempt)
		e.logger.Warn("attempt failed, retrying",
			slog.String("operation", name),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
		if serr := e.sleep(ctx, delay); serr != nil {
			return nil, e.fail(name, attempt, start, joinCancel(lastErr, serr))
		}
	}

	// Unreachable: the loop always returns.
	return nil, e.fail(name, policy.MaxAttempts, start, lastErr)
}

// fail emits the failure event and wraps the last error.
func (e *Executor) fail(name string, attempts int, start time.Time, err error) error {
	elapsed := time.Since(start)
	e.emit(domain.TopicRetryFailed, attemptEvent{
		Operation:  name,
		Attempt:    attempts,
		MaxAttempt: e.PolicyFor(name).MaxAttempts,
		Error:      errString(err),
		DurationMs: elapsed.Milliseconds(),
	})
	e.logger.Error("operation failed",
		slog.String("operation", name),
		slog.Int("attempts", attempts),
		slog.Duration("duration", elapsed),
		slog.String("error", errString(err)),
	)
	return fmt.Errorf("retry: %s failed after %d attempt(s): %w", name, attempts, err)
}

// retriable classifies err by substring match. Validation and configuration
// errors, and an open circuit breaker, are never retried.
func (e *Executor) retriable(policy Policy, err error) bool {
	switch domain.CategoryOf(err) {
	case domain.ErrValidation, domain.ErrConfiguration:
		return false
	}
	if errors.Is(err, domain.ErrBreakerOpen) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, sub := range policy.Retriable {
		if strings.Contains(msg, strings.ToLower(sub)) {
			return true
		}
	}
	return false
}

func (e *Executor) emit(topic string, payload attemptEvent) {
	if e.bus != nil {
		e.bus.Publish(topic, payload, "retry")
	}
}

// sleepCtx sleeps cooperatively, returning the context error on cancellation.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// joinCancel prefers the operation's last error, annotated with the
// cancellation, so callers see what actually failed.
func joinCancel(lastErr, cancelErr error) error {
	if lastErr == nil {
		return cancelErr
	}
	return fmt.Errorf("%w (cancelled: %v)", lastErr, cancelErr)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
