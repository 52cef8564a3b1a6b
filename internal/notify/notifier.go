// Package notify delivers operator alerts for engine events. Alerts fan out
// to every configured channel (Telegram, Discord) and are filtered by event
// type, with a per-type cooldown so a flapping strategy cannot flood a chat.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// defaultCooldown mutes repeats of the same event type. Shutdown and startup
// are exempt; they fire once per process anyway.
const defaultCooldown = time.Minute

// Sender is one delivery channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier fans alerts out to its senders. Notify drops event types outside
// the allowed set and repeats inside the cooldown window; NotifyAll bypasses
// both.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger

	mu       sync.Mutex
	lastSent map[string]time.Time
	cooldown time.Duration
	now      func() time.Time
}

// NewNotifier creates a Notifier delivering to the given senders. An empty
// events list allows every type.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		allowed[strings.TrimSpace(e)] = true
	}
	return &Notifier{
		senders:  senders,
		events:   allowed,
		logger:   logger.With(slog.String("component", "notifier")),
		lastSent: make(map[string]time.Time),
		cooldown: defaultCooldown,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetCooldown overrides the per-event-type mute window. Zero disables it.
func (n *Notifier) SetCooldown(d time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cooldown = d
}

// Notify delivers the alert when the event type is allowed and outside its
// cooldown window.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}
	if n.muted(event) {
		n.logger.DebugContext(ctx, "event muted by cooldown", slog.String("event", event))
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// NotifyAll delivers regardless of event type or cooldown.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	return n.dispatch(ctx, title, message)
}

// muted records the send attempt and reports whether event is still inside
// its cooldown window.
func (n *Notifier) muted(event string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.cooldown <= 0 {
		return false
	}
	now := n.now()
	if last, ok := n.lastSent[event]; ok && now.Sub(last) < n.cooldown {
		return true
	}
	n.lastSent[event] = now
	return false
}

// dispatch fans out to every sender, collecting failures so one dead channel
// never blocks the rest.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	if len(n.senders) == 0 {
		return nil
	}

	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "alert sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}

// postJSON is the shared webhook delivery used by both senders: marshal,
// POST, and treat any non-2xx as an error carrying the response head.
func postJSON(ctx context.Context, client *http.Client, url string, payload any, tag string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s: marshal payload: %w", tag, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: create request: %w", tag, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: send request: %w", tag, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s: unexpected status %d: %s", tag, resp.StatusCode, string(respBody))
	}
	return nil
}
