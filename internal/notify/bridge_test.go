package notify

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/dlmmbot/internal/domain"
	"github.com/alanyoungcy/dlmmbot/internal/events"
)

// The real bus must satisfy the bridge's subscription surface.
var _ Bus = (*events.Bus)(nil)

type memSender struct {
	titles []string
}

func (m *memSender) Send(_ context.Context, title, _ string) error {
	m.titles = append(m.titles, title)
	return nil
}

func (m *memSender) Name() string { return "mem" }

func TestBridgeForwardsAlertTopics(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := events.NewBus(logger)
	sender := &memSender{}
	notifier := NewNotifier([]Sender{sender}, nil, logger)

	bridge := NewBridge(notifier, bus)
	bridge.Attach()

	bus.Publish(domain.TopicStrategyError, map[string]any{"instance_id": "i-1"}, "scheduler")
	require.Len(t, sender.titles, 1)
	assert.Contains(t, sender.titles[0], domain.TopicStrategyError)

	// Non-alert topics stay off the chat channels.
	bus.Publish(domain.TopicStrategyStarted, nil, "scheduler")
	assert.Len(t, sender.titles, 1)

	bridge.Detach()
	bus.Publish(domain.TopicTxFailed, nil, "executor")
	assert.Len(t, sender.titles, 1)
}
