package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/alanyoungcy/dlmmbot/internal/domain"
)

// Bus is the subscription surface the bridge needs from the event bus.
type Bus interface {
	Subscribe(topic string, handler func(domain.Event) error) string
	Unsubscribe(id string)
}

// alertTopics are the bus topics an operator wants pushed to chat. Everything
// else stays in the logs.
var alertTopics = []string{
	domain.TopicSystemStartup,
	domain.TopicSystemShutdown,
	domain.TopicSystemError,
	domain.TopicStrategyError,
	domain.TopicTxFailed,
	domain.TopicRetryFailed,
}

// Bridge forwards alert-worthy bus events to the notifier channels.
type Bridge struct {
	notifier *Notifier
	bus      Bus
	subs     []string
}

// NewBridge creates a Bridge. Call Attach to start forwarding.
func NewBridge(notifier *Notifier, bus Bus) *Bridge {
	return &Bridge{notifier: notifier, bus: bus}
}

// Attach subscribes to every alert topic.
func (b *Bridge) Attach() {
	for _, topic := range alertTopics {
		b.subs = append(b.subs, b.bus.Subscribe(topic, b.forward))
	}
}

// Detach removes the subscriptions.
func (b *Bridge) Detach() {
	for _, id := range b.subs {
		b.bus.Unsubscribe(id)
	}
	b.subs = nil
}

func (b *Bridge) forward(ev domain.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	title := fmt.Sprintf("dlmmbot: %s", ev.Type)
	message := fmt.Sprintf("source: %s\ntime: %s", ev.Source, ev.Timestamp.Format(time.RFC3339))
	if ev.Data != nil {
		message += fmt.Sprintf("\n%v", ev.Data)
	}
	return b.notifier.Notify(ctx, ev.Type, title, message)
}
