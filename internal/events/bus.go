// Package events provides the in-process publish/subscribe bus used by the
// strategy engine: registration-ordered fan-out, a bounded event history, and
// per-topic debounce for high-frequency monitoring topics.
package events

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/dlmmbot/internal/domain"
)

const (
	// DefaultHistorySize bounds the FIFO ring of retained events.
	DefaultHistorySize = 1000

	// DefaultDebounceDelay is the quiet period for debounced topics.
	DefaultDebounceDelay = time.Second

	// historyQueryLimit caps how many events GetHistory returns.
	historyQueryLimit = 100
)

// Handler receives one event. A non-nil error is logged against the topic and
// never propagates to the publisher or to later subscribers.
type Handler func(domain.Event) error

type subscription struct {
	id      string
	topic   string
	handler Handler
}

// debounceState tracks an open quiet window for one debounced topic.
type debounceState struct {
	timer   *time.Timer
	pending domain.Event
	count   int
	open    bool
}

// Bus is the in-process event bus. All internal tables are mutated under a
// single lock; handlers run outside it, serialized per topic so subscribers
// observe publishes in FIFO order.
type Bus struct {
	mu       sync.Mutex
	subs     map[string][]subscription
	byID     map[string]string // subscription id → topic
	history  []domain.Event
	histMax  int
	debounce map[string]*debounceState
	delay    time.Duration
	dispatch map[string]*sync.Mutex
	closed   bool
	logger   *slog.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithHistorySize overrides the bounded history length.
func WithHistorySize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.histMax = n
		}
	}
}

// WithDebounceDelay overrides the quiet period for debounced topics.
func WithDebounceDelay(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.delay = d
		}
	}
}

// WithDebouncedTopics marks topics whose publishes are coalesced.
func WithDebouncedTopics(topics ...string) Option {
	return func(b *Bus) {
		for _, t := range topics {
			b.debounce[t] = &debounceState{}
		}
	}
}

// NewBus creates a Bus. By default the stop-loss update topic is debounced.
func NewBus(logger *slog.Logger, opts ...Option) *Bus {
	b := &Bus{
		subs:     make(map[string][]subscription),
		byID:     make(map[string]string),
		histMax:  DefaultHistorySize,
		debounce: map[string]*debounceState{domain.TopicStopLossUpdate: {}},
		delay:    DefaultDebounceDelay,
		dispatch: make(map[string]*sync.Mutex),
		logger:   logger.With(slog.String("component", "events")),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers handler for topic and returns a subscription id.
// Handlers are invoked in registration order. The parameter is the plain
// function type so consumers can declare their bus dependency without
// importing this package.
func (b *Bus) Subscribe(topic string, handler func(domain.Event) error) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.New().String()
	b.subs[topic] = append(b.subs[topic], subscription{id: id, topic: topic, handler: handler})
	b.byID[id] = topic
	return id
}

// Unsubscribe removes the subscription with the given id. Unknown ids are a
// no-op.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	topic, ok := b.byID[id]
	if !ok {
		return
	}
	delete(b.byID, id)
	list := b.subs[topic]
	for i, s := range list {
		if s.id == id {
			b.subs[topic] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
}

// Publish sends payload to every subscriber of topic. For debounced topics
// the first publish in a quiet period is delivered immediately; later
// publishes within the quiet period are merged and the most recent payload is
// delivered when the window closes, carrying the coalesced count.
func (b *Bus) Publish(topic string, payload any, source string) {
	b.PublishEvent(domain.Event{
		Type:      topic,
		Timestamp: time.Now().UTC(),
		Data:      payload,
		Source:    source,
	})
}

// PublishEvent is Publish with a fully populated event, for callers that set
// correlation ids.
func (b *Bus) PublishEvent(ev domain.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	st, debounced := b.debounce[ev.Type]
	if !debounced {
		b.mu.Unlock()
		b.deliver(ev)
		return
	}

	if !st.open {
		// Leading edge: deliver now, open the quiet window.
		st.open = true
		st.count = 0
		st.timer = time.AfterFunc(b.delay, func() { b.flushDebounced(ev.Type) })
		b.mu.Unlock()
		b.deliver(ev)
		return
	}

	// Window open: merge, keep only the latest payload.
	st.pending = ev
	st.count++
	b.mu.Unlock()
}

// flushDebounced closes the quiet window for topic, delivering the merged
// event if any publishes arrived during the window.
func (b *Bus) flushDebounced(topic string) {
	b.mu.Lock()
	st, ok := b.debounce[topic]
	if !ok || b.closed {
		b.mu.Unlock()
		return
	}
	if st.count == 0 {
		st.open = false
		b.mu.Unlock()
		return
	}
	ev := st.pending
	ev.CoalescedCount = st.count
	st.count = 0
	st.pending = domain.Event{}
	// Re-arm so a burst spanning windows keeps coalescing.
	st.timer = time.AfterFunc(b.delay, func() { b.flushDebounced(topic) })
	b.mu.Unlock()

	b.deliver(ev)
}

// deliver appends ev to history and invokes subscribers in registration
// order, serialized per topic.
func (b *Bus) deliver(ev domain.Event) {
	b.mu.Lock()
	b.history = append(b.history, ev)
	if over := len(b.history) - b.histMax; over > 0 {
		b.history = b.history[over:]
	}
	handlers := make([]subscription, len(b.subs[ev.Type]))
	copy(handlers, b.subs[ev.Type])
	dm, ok := b.dispatch[ev.Type]
	if !ok {
		dm = &sync.Mutex{}
		b.dispatch[ev.Type] = dm
	}
	b.mu.Unlock()

	dm.Lock()
	defer dm.Unlock()
	for _, s := range handlers {
		b.invoke(s, ev)
	}
}

// invoke runs one handler, containing panics and logging failures so a bad
// subscriber cannot prevent later subscribers from running.
func (b *Bus) invoke(s subscription, ev domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event subscriber panicked",
				slog.String("topic", s.topic),
				slog.String("subscription", s.id),
				slog.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	if err := s.handler(ev); err != nil {
		b.logger.Error("event subscriber failed",
			slog.String("topic", s.topic),
			slog.String("subscription", s.id),
			slog.String("error", err.Error()),
		)
	}
}

// GetHistory returns up to 100 of the most recent events for topic within
// window (zero window means no time filter), newest first.
func (b *Bus) GetHistory(topic string, window time.Duration) []domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	var cutoff time.Time
	if window > 0 {
		cutoff = time.Now().UTC().Add(-window)
	}

	out := make([]domain.Event, 0, historyQueryLimit)
	for i := len(b.history) - 1; i >= 0 && len(out) < historyQueryLimit; i-- {
		ev := b.history[i]
		if ev.Type != topic {
			continue
		}
		if !cutoff.IsZero() && ev.Timestamp.Before(cutoff) {
			break
		}
		out = append(out, ev)
	}
	return out
}

// Close stops all debounce timers and drops further publishes.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, st := range b.debounce {
		if st.timer != nil {
			st.timer.Stop()
		}
		st.open = false
		st.count = 0
	}
}
