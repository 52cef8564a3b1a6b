package domain

import (
	"context"
	"time"
)

// PoolState is the DLMM pool view the data adapter reads each tick.
type PoolState struct {
	Address      string    `json:"address"`
	ActiveBin    int32     `json:"active_bin"`
	BinStep      int32     `json:"bin_step"`
	CurrentPrice float64   `json:"current_price"`
	ReserveBase  float64   `json:"reserve_base"`
	ReserveQuote float64   `json:"reserve_quote"`
	Fetched      time.Time `json:"fetched"`
}

// CreatePositionParams describes a new one-sided liquidity position.
type CreatePositionParams struct {
	Pool        string
	User        string
	LowerBin    int32
	UpperBin    int32
	Amount      float64 // quote token
	SlippageBps int
}

// UnsignedTx is an opaque transaction produced by a collaborator; encoding is
// delegated to the protocol client.
type UnsignedTx struct {
	Payload []byte
	Summary string
}

// ActiveBinHandler receives active-bin change notifications from the DLMM
// subscription feed.
type ActiveBinHandler func(pool string, activeBin int32, price float64)

// DLMMClient is the protocol collaborator quoting bin state and building
// liquidity transactions.
type DLMMClient interface {
	GetActiveBin(ctx context.Context, pool string) (int32, error)
	GetPoolPriceAndBin(ctx context.Context, pool string) (PoolState, error)
	CalculateBinPrice(ctx context.Context, pool string, binID int32) (float64, error)
	CreatePositionTransaction(ctx context.Context, params CreatePositionParams) (UnsignedTx, string, error)
	CreateRemoveLiquidityTransaction(ctx context.Context, pool, user, position string, binIDs []int32, slippageBps int) (UnsignedTx, error)
	CreateClaimFeeTransaction(ctx context.Context, pool, user, position string) (UnsignedTx, error)
	SubscribeActiveBinChanges(ctx context.Context, pool string, handler ActiveBinHandler) (string, error)
	Unsubscribe(id string) error
}

// SwapQuote is the aggregator's routing answer for one exchange.
type SwapQuote struct {
	InMint      string
	OutMint     string
	InAmount    float64
	OutAmount   float64
	PriceImpact float64
	Route       string
}

// SwapResult is the outcome of an executed swap.
type SwapResult struct {
	Signature   string
	InAmount    float64
	OutAmount   float64
	PriceImpact float64
}

// SwapParams describes a token exchange to execute.
type SwapParams struct {
	InMint      string
	OutMint     string
	Amount      float64
	SlippageBps int
	PriorityFee uint64
}

// SwapClient is the swap-aggregator collaborator.
type SwapClient interface {
	GetQuote(ctx context.Context, inMint, outMint string, amount float64, slippageBps int) (SwapQuote, error)
	ExecuteSwap(ctx context.Context, params SwapParams) (SwapResult, error)
}

// TxResult is the chain client's answer for a submitted transaction.
type TxResult struct {
	Success   bool
	Signature string
	Status    string
	GasUsed   uint64
}

// SendOptions tunes transaction submission.
type SendOptions struct {
	PriorityFee   uint64
	SkipPreflight bool
	MaxRetries    int
}

// ChainClient is the blockchain RPC collaborator.
type ChainClient interface {
	SendTransaction(ctx context.Context, tx UnsignedTx, opts SendOptions) (TxResult, error)
	GetLatestBlockhash(ctx context.Context) (string, error)
	SimulateTransaction(ctx context.Context, tx UnsignedTx) error
}

// GasService prices transaction priority fees.
type GasService interface {
	GetSmartPriorityFee(ctx context.Context, hasRecentFailures bool) (uint64, error)
	GetStopLossMaxPriorityFee(ctx context.Context) (uint64, error)
	GetEmergencyPriorityFeeAfterTimeout(ctx context.Context) (uint64, error)
}

// PositionYield is the per-position pending/extracted fee view.
type PositionYield struct {
	Pending   float64
	Extracted float64
	AsOf      time.Time
}

// AnalyticsService supplies price history, yield statistics, and P&L reports
// to the data adapter.
type AnalyticsService interface {
	YieldStats(ctx context.Context, instanceID string) (YieldStats, error)
	PnLReport(ctx context.Context, instanceID string) (PnLReport, error)
	Benchmark(ctx context.Context, pool string, runningSince time.Time) (BenchmarkYieldRates, error)
}

// YieldStats aggregates the fee-yield statistics for one instance.
type YieldStats struct {
	PendingYield    float64
	ExtractedYield  float64
	YieldRate       float64
	Trend           YieldTrend
	GrowthRate      float64
	HistoricalRates HistoricalChanges
}

// PnLReport is the profit-and-loss view for one instance, in the quote token.
type PnLReport struct {
	PositionValue     float64
	InitialInvestment float64
	NetPnL            float64
	HoldingDuration   time.Duration
}
