package dlmm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/dlmmbot/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second
)

// wsCommand is the subscribe/unsubscribe frame.
type wsCommand struct {
	Type string `json:"type"`
	Pool string `json:"pool"`
}

// binUpdate is the active-bin change frame pushed by the feed.
type binUpdate struct {
	Pool      string  `json:"pool"`
	ActiveBin int32   `json:"active_bin"`
	Price     float64 `json:"price"`
}

// WSFeed manages the active-bin websocket: connection lifecycle, per-pool
// subscriptions, reconnection with backoff, and handler dispatch.
type WSFeed struct {
	wsURL  string
	logger *slog.Logger

	mu       sync.RWMutex
	conn     *websocket.Conn
	closed   bool
	handlers map[string]subscription // subscription id → handler
	pools    map[string]int          // pool → live subscription count

	done chan struct{}
}

type subscription struct {
	pool    string
	handler domain.ActiveBinHandler
}

// NewWSFeed creates the feed for the given websocket endpoint, e.g.
// "ws://127.0.0.1:8765/ws".
func NewWSFeed(wsURL string, logger *slog.Logger) *WSFeed {
	return &WSFeed{
		wsURL:    wsURL,
		logger:   logger.With(slog.String("component", "dlmm-ws")),
		handlers: make(map[string]subscription),
		pools:    make(map[string]int),
		done:     make(chan struct{}),
	}
}

// Connect dials the feed and starts the read and ping loops.
func (w *WSFeed) Connect(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("dlmm/ws: %w", domain.ErrWSDisconnect)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, w.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dlmm/ws: connect: %w", err)
	}
	w.conn = conn

	w.conn.SetReadDeadline(time.Now().Add(pongWait))
	w.conn.SetPongHandler(func(string) error {
		w.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go w.readLoop()
	go w.pingLoop()

	// Restore pool subscriptions after a reconnect.
	for pool := range w.pools {
		if err := w.sendCommand(wsCommand{Type: "subscribe", Pool: pool}); err != nil {
			return fmt.Errorf("dlmm/ws: restore subscription %s: %w", pool, err)
		}
	}
	return nil
}

// Subscribe registers a handler for a pool's active-bin changes and returns
// the subscription id.
func (w *WSFeed) Subscribe(ctx context.Context, pool string, handler domain.ActiveBinHandler) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		return "", fmt.Errorf("dlmm/ws: not connected")
	}

	id := uuid.New().String()
	w.handlers[id] = subscription{pool: pool, handler: handler}
	w.pools[pool]++
	if w.pools[pool] == 1 {
		if err := w.sendCommand(wsCommand{Type: "subscribe", Pool: pool}); err != nil {
			delete(w.handlers, id)
			w.pools[pool]--
			return "", fmt.Errorf("dlmm/ws: subscribe %s: %w", pool, err)
		}
	}
	return id, nil
}

// Unsubscribe removes one handler; the pool subscription is dropped when the
// last handler goes.
func (w *WSFeed) Unsubscribe(id string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	sub, ok := w.handlers[id]
	if !ok {
		return fmt.Errorf("dlmm/ws: unsubscribe %s: %w", id, domain.ErrNotFound)
	}
	delete(w.handlers, id)
	w.pools[sub.pool]--
	if w.pools[sub.pool] <= 0 {
		delete(w.pools, sub.pool)
		if w.conn != nil {
			if err := w.sendCommand(wsCommand{Type: "unsubscribe", Pool: sub.pool}); err != nil {
				w.logger.Warn("unsubscribe frame failed", slog.String("pool", sub.pool),
					slog.String("error", err.Error()))
			}
		}
	}
	return nil
}

// Close shuts the feed down permanently.
func (w *WSFeed) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	close(w.done)
	if w.conn != nil {
		return w.conn.Close()
	}
	return nil
}

// sendCommand writes one frame; callers hold w.mu.
func (w *WSFeed) sendCommand(cmd wsCommand) error {
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteJSON(cmd)
}

func (w *WSFeed) readLoop() {
	for {
		w.mu.RLock()
		conn := w.conn
		w.mu.RUnlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			w.handleDisconnect(err)
			return
		}

		var update binUpdate
		if err := json.Unmarshal(data, &update); err != nil {
			w.logger.Warn("unparseable frame dropped", slog.String("error", err.Error()))
			continue
		}
		w.dispatch(update)
	}
}

func (w *WSFeed) dispatch(update binUpdate) {
	w.mu.RLock()
	var targets []domain.ActiveBinHandler
	for _, sub := range w.handlers {
		if sub.pool == update.Pool {
			targets = append(targets, sub.handler)
		}
	}
	w.mu.RUnlock()

	for _, h := range targets {
		// A panicking handler must not take the feed down.
		func() {
			defer func() {
				if r := recover(); r != nil {
					w.logger.Error("bin handler panicked", slog.Any("panic", r))
				}
			}()
			h(update.Pool, update.ActiveBin, update.Price)
		}()
	}
}

func (w *WSFeed) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.mu.RLock()
			conn := w.conn
			w.mu.RUnlock()
			if conn == nil {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				w.logger.Warn("ping failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

// handleDisconnect reconnects with exponential backoff until Close.
func (w *WSFeed) handleDisconnect(cause error) {
	w.mu.RLock()
	closed := w.closed
	w.mu.RUnlock()
	if closed {
		return
	}
	w.logger.Warn("feed disconnected, reconnecting", slog.String("error", cause.Error()))

	delay := reconnectDelay
	for {
		select {
		case <-w.done:
			return
		case <-time.After(delay):
		}
		if err := w.Connect(context.Background()); err == nil {
			w.logger.Info("feed reconnected")
			return
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// Service combines the REST client and the websocket feed into the full
// protocol collaborator.
type Service struct {
	*Client
	feed *WSFeed
}

// NewService composes the collaborator from its two halves.
func NewService(client *Client, feed *WSFeed) *Service {
	return &Service{Client: client, feed: feed}
}

// SubscribeActiveBinChanges delegates to the websocket feed.
func (s *Service) SubscribeActiveBinChanges(ctx context.Context, pool string, handler domain.ActiveBinHandler) (string, error) {
	return s.feed.Subscribe(ctx, pool, handler)
}

// Unsubscribe delegates to the websocket feed.
func (s *Service) Unsubscribe(id string) error {
	return s.feed.Unsubscribe(id)
}

var _ domain.DLMMClient = (*Service)(nil)
