// Package swap implements the swap-aggregator collaborator used to convert
// withdrawn base tokens back into the quote token.
package swap

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/alanyoungcy/dlmmbot/internal/domain"
)

// Client talks to the aggregator's quote/swap HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates the aggregator client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type quoteResponse struct {
	InMint      string  `json:"input_mint"`
	OutMint     string  `json:"output_mint"`
	InAmount    float64 `json:"in_amount"`
	OutAmount   float64 `json:"out_amount"`
	PriceImpact float64 `json:"price_impact_pct"`
	Route       string  `json:"route_plan"`
	Error       string  `json:"error,omitempty"`
}

// GetQuote asks the aggregator for the best route without committing funds.
func (c *Client) GetQuote(ctx context.Context, inMint, outMint string, amount float64, slippageBps int) (domain.SwapQuote, error) {
	q := url.Values{}
	q.Set("inputMint", inMint)
	q.Set("outputMint", outMint)
	q.Set("amount", strconv.FormatFloat(amount, 'f', -1, 64))
	q.Set("slippageBps", strconv.Itoa(slippageBps))

	var resp quoteResponse
	if err := c.get(ctx, "/quote?"+q.Encode(), &resp); err != nil {
		return domain.SwapQuote{}, fmt.Errorf("swap: quote %s->%s: %w", inMint, outMint, err)
	}
	if resp.Error != "" {
		return domain.SwapQuote{}, domain.Categorize(domain.ErrExecution, "quote",
			fmt.Errorf("%s", resp.Error))
	}
	return domain.SwapQuote{
		InMint:      resp.InMint,
		OutMint:     resp.OutMint,
		InAmount:    resp.InAmount,
		OutAmount:   resp.OutAmount,
		PriceImpact: resp.PriceImpact,
		Route:       resp.Route,
	}, nil
}

type swapResponse struct {
	Signature   string  `json:"signature"`
	InAmount    float64 `json:"in_amount"`
	OutAmount   float64 `json:"out_amount"`
	PriceImpact float64 `json:"price_impact_pct"`
	Error       string  `json:"error,omitempty"`
}

// ExecuteSwap routes and executes the exchange in one call.
func (c *Client) ExecuteSwap(ctx context.Context, params domain.SwapParams) (domain.SwapResult, error) {
	body := map[string]any{
		"input_mint":   params.InMint,
		"output_mint":  params.OutMint,
		"amount":       params.Amount,
		"slippage_bps": params.SlippageBps,
		"priority_fee": params.PriorityFee,
	}
	var resp swapResponse
	if err := c.post(ctx, "/swap", body, &resp); err != nil {
		return domain.SwapResult{}, fmt.Errorf("swap: execute %s->%s: %w", params.InMint, params.OutMint, err)
	}
	if resp.Error != "" {
		return domain.SwapResult{}, domain.Categorize(domain.ErrExecution, "swap",
			fmt.Errorf("%s", resp.Error))
	}
	return domain.SwapResult{
		Signature:   resp.Signature,
		InAmount:    resp.InAmount,
		OutAmount:   resp.OutAmount,
		PriceImpact: resp.PriceImpact,
	}, nil
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
		return domain.Categorize(domain.ErrNetwork, "swap api", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.Categorize(domain.ErrNetwork, "swap api read", err)
	}
	if resp.StatusCode != http.StatusOK {
		return domain.Categorize(domain.ErrNetwork, "swap api",
			fmt.Errorf("status %d", resp.StatusCode))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("swap: decode response: %w", err)
	}
	return nil
}

var _ domain.SwapClient = (*Client)(nil)
