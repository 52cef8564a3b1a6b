// Package dlmm implements the DLMM protocol collaborator over the pool API
// sidecar: realtime pool reads, position transaction building, and the
// active-bin websocket feed.
package dlmm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/alanyoungcy/dlmmbot/internal/domain"
)

// PoolCache is an optional read-through cache for pool state. Realtime reads
// always hit the API and refresh the cache; only GetActiveBin may serve from
// it.
type PoolCache interface {
	GetPool(ctx context.Context, pool string) (domain.PoolState, bool)
	SetPool(ctx context.Context, state domain.PoolState)
}

// Client is the REST client for the DLMM pool API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	cache      PoolCache
}

// NewClient creates the REST client. cache may be nil.
//
// baseURL is the pool API root, e.g. "http://127.0.0.1:8765".
func NewClient(baseURL string, cache PoolCache) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		cache: cache,
	}
}

type poolResponse struct {
	Address      string  `json:"address"`
	ActiveBin    int32   `json:"active_bin"`
	BinStep      int32   `json:"bin_step"`
	CurrentPrice float64 `json:"current_price"`
	ReserveBase  float64 `json:"reserve_x"`
	ReserveQuote float64 `json:"reserve_y"`
}

// GetActiveBin returns the pool's active bin, serving a fresh cache entry
// when one exists.
func (c *Client) GetActiveBin(ctx context.Context, pool string) (int32, error) {
	if c.cache != nil {
		if state, ok := c.cache.GetPool(ctx, pool); ok {
			return state.ActiveBin, nil
		}
	}
	state, err := c.GetPoolPriceAndBin(ctx, pool)
	if err != nil {
		return 0, err
	}
	return state.ActiveBin, nil
}

// GetPoolPriceAndBin reads the pool state realtime, bypassing the cache, and
// refreshes the cache with the result.
func (c *Client) GetPoolPriceAndBin(ctx context.Context, pool string) (domain.PoolState, error) {
	var resp poolResponse
	if err := c.get(ctx, "/pool/"+pool, &resp); err != nil {
		return domain.PoolState{}, fmt.Errorf("dlmm: pool state %s: %w", pool, err)
	}
	state := domain.PoolState{
		Address:      resp.Address,
		ActiveBin:    resp.ActiveBin,
		BinStep:      resp.BinStep,
		CurrentPrice: resp.CurrentPrice,
		ReserveBase:  resp.ReserveBase,
		ReserveQuote: resp.ReserveQuote,
		Fetched:      time.Now().UTC(),
	}
	if c.cache != nil {
		c.cache.SetPool(ctx, state)
	}
	return state, nil
}

// CalculateBinPrice converts a bin id to its price for the pool.
func (c *Client) CalculateBinPrice(ctx context.Context, pool string, binID int32) (float64, error) {
	var resp struct {
		Price float64 `json:"price"`
	}
	path := fmt.Sprintf("/pool/%s/bin/%d/price", pool, binID)
	if err := c.get(ctx, path, &resp); err != nil {
		return 0, fmt.Errorf("dlmm: bin price %s/%d: %w", pool, binID, err)
	}
	return resp.Price, nil
}

type txResponse struct {
	Transaction     string `json:"transaction"` // base64
	PositionAddress string `json:"position_address,omitempty"`
	Summary         string `json:"summary,omitempty"`
	Error           string `json:"error,omitempty"`
}

func (r txResponse) unsigned() (domain.UnsignedTx, error) {
	payload, err := base64.StdEncoding.DecodeString(r.Transaction)
	if err != nil {
		return domain.UnsignedTx{}, fmt.Errorf("dlmm: decode transaction: %w", err)
	}
	return domain.UnsignedTx{Payload: payload, Summary: r.Summary}, nil
}

// CreatePositionTransaction builds an unsigned one-sided position creation
// transaction and returns the derived position address.
func (c *Client) CreatePositionTransaction(ctx context.Context, params domain.CreatePositionParams) (domain.UnsignedTx, string, error) {
	body := map[string]any{
		"pool":         params.Pool,
		"user":         params.User,
		"lower_bin":    params.LowerBin,
		"upper_bin":    params.UpperBin,
		"amount":       params.Amount,
		"slippage_bps": params.SlippageBps,
	}
	var resp txResponse
	if err := c.post(ctx, "/position/create", body, &resp); err != nil {
		return domain.UnsignedTx{}, "", fmt.Errorf("dlmm: create position: %w", err)
	}
	if resp.Error != "" {
		return domain.UnsignedTx{}, "", domain.Categorize(domain.ErrExecution, "create position",
			fmt.Errorf("%s", resp.Error))
	}
	tx, err := resp.unsigned()
	if err != nil {
		return domain.UnsignedTx{}, "", err
	}
	return tx, resp.PositionAddress, nil
}

// CreateRemoveLiquidityTransaction builds an unsigned remove-liquidity
// transaction over the given bins.
func (c *Client) CreateRemoveLiquidityTransaction(ctx context.Context, pool, user, position string, binIDs []int32, slippageBps int) (domain.UnsignedTx, error) {
	body := map[string]any{
		"pool":         pool,
		"user":         user,
		"position":     position,
		"bin_ids":      binIDs,
		"slippage_bps": slippageBps,
	}
	var resp txResponse
	if err := c.post(ctx, "/position/remove-liquidity", body, &resp); err != nil {
		return domain.UnsignedTx{}, fmt.Errorf("dlmm: remove liquidity %s: %w", position, err)
	}
	if resp.Error != "" {
		return domain.UnsignedTx{}, domain.Categorize(domain.ErrExecution, "remove liquidity",
			fmt.Errorf("%s", resp.Error))
	}
	return resp.unsigned()
}

// CreateClaimFeeTransaction builds an unsigned fee-claim transaction for one
// position.
func (c *Client) CreateClaimFeeTransaction(ctx context.Context, pool, user, position string) (domain.UnsignedTx, error) {
	body := map[string]any{
		"pool":     pool,
		"user":     user,
		"position": position,
	}
	var resp txResponse
	if err := c.post(ctx, "/position/claim-fee", body, &resp); err != nil {
		return domain.UnsignedTx{}, fmt.Errorf("dlmm: claim fee %s: %w", position, err)
	}
	if resp.Error != "" {
		return domain.UnsignedTx{}, domain.Categorize(domain.ErrExecution, "claim fee",
			fmt.Errorf("%s", resp.Error))
	}
	return resp.unsigned()
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.Categorize(domain.ErrNetwork, "dlmm api", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.Categorize(domain.ErrNetwork, "dlmm api read", err)
	}
	if resp.StatusCode != http.StatusOK {
		return domain.Categorize(domain.ErrNetwork, "dlmm api",
			fmt.Errorf("status %d: %s", resp.StatusCode, truncate(data, 256)))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("dlmm: decode response: %w", err)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
