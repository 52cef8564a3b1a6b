package retry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/dlmmbot/internal/domain"
)

type recordingBus struct {
	mu     sync.Mutex
	topics []string
}

func (b *recordingBus) Publish(topic string, payload any, source string) {
	b.mu.Lock()
	b.topics = append(b.topics, topic)
	b.mu.Unlock()
}

func (b *recordingBus) Topics() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.topics))
	copy(out, b.topics)
	return out
}

// newTestExecutor returns an executor whose sleeps record delays instead of
// blocking.
func newTestExecutor(bus Publisher) (*Executor, *[]time.Duration) {
	e := NewExecutor(bus, slog.New(slog.NewTextHandler(io.Discard, nil)))
	delays := &[]time.Duration{}
	e.sleep = func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return ctx.Err()
	}
	return e, delays
}

func TestSucceedsFirstAttempt(t *testing.T) {
	bus := &recordingBus{}
	e, delays := newTestExecutor(bus)

	res, err := e.Do(context.Background(), "position.close",
		func(context.Context) (any, error) { return "sig", nil }, nil)

	require.NoError(t, err)
	assert.Equal(t, "sig", res)
	assert.Empty(t, *delays)
	assert.Equal(t, []string{
		domain.TopicRetryStarted,
		domain.TopicRetryAttempt,
		domain.TopicRetrySuccess,
	}, bus.Topics())
}

func TestStopLossDelaySchedule(t *testing.T) {
	bus := &recordingBus{}
	e, delays := newTestExecutor(bus)

	calls := 0
	res, err := e.Do(context.Background(), "stop.loss", func(context.Context) (any, error) {
		calls++
		if calls < 4 {
			return nil, errors.New("rpc timeout while confirming")
		}
		return "done", nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, "done", res)
	assert.Equal(t, 4, calls)
	// Dynamic schedule: 10s, 30s, 30s between the four attempts.
	assert.Equal(t, []time.Duration{10 * time.Second, 30 * time.Second, 30 * time.Second}, *delays)

	topics := bus.Topics()
	require.Len(t, topics, 1+4+1) // started, attempt x4, success
	assert.Equal(t, domain.TopicRetryStarted, topics[0])
	assert.Equal(t, domain.TopicRetrySuccess, topics[len(topics)-1])
}

func TestNeverExceedsMaxAttempts(t *testing.T) {
	e, delays := newTestExecutor(nil)

	calls := 0
	_, err := e.Do(context.Background(), "position.create", func(context.Context) (any, error) {
		calls++
		return nil, errors.New("connection refused")
	}, nil)

	require.Error(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []time.Duration{2 * time.Second}, *delays)
}

func TestNonRetriableErrorSurfacesImmediately(t *testing.T) {
	e, delays := newTestExecutor(nil)

	calls := 0
	_, err := e.Do(context.Background(), "token.swap", func(context.Context) (any, error) {
		calls++
		return nil, errors.New("account does not exist")
	}, nil)

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *delays)
}

func TestValidationCategoryNeverRetried(t *testing.T) {
	e, _ := newTestExecutor(nil)

	calls := 0
	_, err := e.Do(context.Background(), "position.close", func(context.Context) (any, error) {
		calls++
		// Message contains a retriable substring, but the category wins.
		return nil, domain.Categorize(domain.ErrValidation, "close", errors.New("timeout in address"))
	}, nil)

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestValidatorFailureCountsAsFailedAttempt(t *testing.T) {
	e, _ := newTestExecutor(nil)

	calls := 0
	_, err := e.Do(context.Background(), "position.create",
		func(context.Context) (any, error) { calls++; return "bad", nil },
		func(result any) bool { return result == "good" })

	require.Error(t, err)
	// Invalid result is not a retriable substring, so one attempt only.
	assert.Equal(t, 1, calls)
}

func TestCancellationDuringSleepReturnsLastError(t *testing.T) {
	e := NewExecutor(nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	e.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	_, err := e.Do(ctx, "position.close",
		func(context.Context) (any, error) { return nil, errors.New("rpc timeout") }, nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "rpc timeout", "last error is surfaced")
	assert.Contains(t, err.Error(), "cancelled")
}

func TestChineseRetriableSubstringMatches(t *testing.T) {
	e, delays := newTestExecutor(nil)

	calls := 0
	res, err := e.Do(context.Background(), "stop.loss", func(context.Context) (any, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("rpc: 交易验证超时")
		}
		return "ok", nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, "ok", res)
	assert.Equal(t, []time.Duration{10 * time.Second}, *delays)
}

func TestCumulativeDelayBoundedBySchedule(t *testing.T) {
	e, delays := newTestExecutor(nil)

	_, err := e.Do(context.Background(), "stop.loss",
		func(context.Context) (any, error) { return nil, errors.New("timeout") }, nil)

	require.Error(t, err)
	var total time.Duration
	for _, d := range *delays {
		total += d
	}
	policy := e.PolicyFor("stop.loss")
	var max time.Duration
	for _, d := range policy.Delays {
		max += d
	}
	assert.LessOrEqual(t, total, max)
}

func TestSetPolicyDoesNotMutateDefaults(t *testing.T) {
	e1, _ := newTestExecutor(nil)
	e2, _ := newTestExecutor(nil)

	e1.SetPolicy("position.create", Policy{MaxAttempts: 9, Delays: []time.Duration{time.Millisecond}})

	assert.Equal(t, 9, e1.PolicyFor("position.create").MaxAttempts)
	assert.Equal(t, 2, e2.PolicyFor("position.create").MaxAttempts)
	assert.Equal(t, 2, DefaultPolicies["position.create"].MaxAttempts)
}
