package executor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/dlmmbot/internal/domain"
	"github.com/alanyoungcy/dlmmbot/internal/retry"
)

const (
	// defaultBinsPerSide is the half-width of a freshly created range.
	defaultBinsPerSide = 10
	// baseFeeLamports is the flat signature fee per transaction.
	baseFeeLamports = 5000
	lamportsPerSol  = 1e9
)

// OpenResult reports the positions created by one Open call. On a partial
// chain-position failure Positions holds what did get created so the caller
// can clean up.
type OpenResult struct {
	Positions []string
	Range     domain.PositionRange
	Signature string
}

// PositionEngine executes on-chain position operations through the protocol
// collaborators. All submissions go through the retry executor under the
// operation's named policy.
type PositionEngine struct {
	dlmm    domain.DLMMClient
	swap    domain.SwapClient
	chain   domain.ChainClient
	gas     domain.GasService
	retrier *retry.Executor
	logger  *slog.Logger

	wallet      string
	baseMint    string
	quoteMint   string
	binsPerSide int32
}

// NewPositionEngine wires the engine to its collaborators. wallet is the
// owner account; baseMint/quoteMint identify the pool's token pair.
func NewPositionEngine(
	dlmm domain.DLMMClient,
	swapClient domain.SwapClient,
	chain domain.ChainClient,
	gas domain.GasService,
	retrier *retry.Executor,
	wallet, baseMint, quoteMint string,
	logger *slog.Logger,
) *PositionEngine {
	return &PositionEngine{
		dlmm:        dlmm,
		swap:        swapClient,
		chain:       chain,
		gas:         gas,
		retrier:     retrier,
		logger:      logger.With(slog.String("component", "position-engine")),
		wallet:      wallet,
		baseMint:    baseMint,
		quoteMint:   quoteMint,
		binsPerSide: defaultBinsPerSide,
	}
}

// SetBinsPerSide overrides the created range half-width.
func (pe *PositionEngine) SetBinsPerSide(n int32) {
	if n > 0 {
		pe.binsPerSide = n
	}
}

// Open creates the instance's position(s) around the current active bin. A
// quote-only range sits at and below the active bin. ChainPosition creates a
// second, lower range in sequence; when the second creation exhausts its
// retries the partially created position is returned alongside the error.
func (pe *PositionEngine) Open(ctx context.Context, inst *domain.StrategyInstance) (OpenResult, error) {
	activeBin, err := pe.dlmm.GetActiveBin(ctx, inst.Config.PoolAddress)
	if err != nil {
		return OpenResult{}, fmt.Errorf("executor: active bin %s: %w", inst.Config.PoolAddress, err)
	}

	high := domain.PositionRange{LowerBin: activeBin - pe.binsPerSide, UpperBin: activeBin}
	amount := inst.Config.PositionAmount

	switch inst.Type {
	case domain.StrategyChainPosition:
		// Split the notional across the two chained ranges.
		amount /= 2
	}

	addr, sig, err := pe.createOne(ctx, inst, high, amount, "position.create")
	if err != nil {
		return OpenResult{}, err
	}
	result := OpenResult{Positions: []string{addr}, Range: high, Signature: sig}

	if inst.Type != domain.StrategyChainPosition {
		return result, nil
	}

	low := domain.PositionRange{
		LowerBin: high.LowerBin - pe.binsPerSide - 1,
		UpperBin: high.LowerBin - 1,
	}
	lowAddr, _, err := pe.createOne(ctx, inst, low, amount, "chain.position.create")
	if err != nil {
		// Partial creation: surface what exists so the caller can clean up.
		return result, fmt.Errorf("executor: chain second position: %w", err)
	}
	result.Positions = append(result.Positions, lowAddr)
	result.Range = domain.PositionRange{LowerBin: low.LowerBin, UpperBin: high.UpperBin}
	return result, nil
}

// createOne builds, signs, and lands a single position under the named retry
// policy, returning the position address and transaction signature.
func (pe *PositionEngine) createOne(ctx context.Context, inst *domain.StrategyInstance, rng domain.PositionRange, amount float64, opName string) (string, string, error) {
	type created struct {
		addr string
		sig  string
	}
	res, err := pe.retrier.Do(ctx, opName, func(c context.Context) (any, error) {
		tx, posAddr, err := pe.dlmm.CreatePositionTransaction(c, domain.CreatePositionParams{
			Pool:        inst.Config.PoolAddress,
			User:        pe.wallet,
			LowerBin:    rng.LowerBin,
			UpperBin:    rng.UpperBin,
			Amount:      amount,
			SlippageBps: inst.Config.SlippageBps,
		})
		if err != nil {
			return nil, err
		}
		txRes, err := pe.send(c, tx, false)
		if err != nil {
			return nil, err
		}
		return created{addr: posAddr, sig: txRes.Signature}, nil
	}, nil)
	if err != nil {
		return "", "", err
	}
	c := res.(created)
	pe.logger.Info("position created",
		slog.String("instance", inst.ID),
		slog.String("position", c.addr),
		slog.Int("lower_bin", int(rng.LowerBin)),
		slog.Int("upper_bin", int(rng.UpperBin)),
		slog.Float64("amount", amount),
	)
	return c.addr, c.sig, nil
}

// Close removes all liquidity of every position the instance holds. opName
// selects the retry policy: "position.close" for routine closes, "stop.loss"
// for liquidations.
func (pe *PositionEngine) Close(ctx context.Context, inst *domain.StrategyInstance, opName string) (string, error) {
	bins := rangeBins(inst.Range)
	var lastSig string
	for _, pos := range inst.Positions {
		pos := pos
		res, err := pe.retrier.Do(ctx, opName, func(c context.Context) (any, error) {
			tx, err := pe.dlmm.CreateRemoveLiquidityTransaction(c,
				inst.Config.PoolAddress, pe.wallet, pos, bins, inst.Config.SlippageBps)
			if err != nil {
				return nil, err
			}
			return pe.send(c, tx, opName == "stop.loss")
		}, nil)
		if err != nil {
			return lastSig, fmt.Errorf("executor: close %s: %w", pos, err)
		}
		lastSig = res.(domain.TxResult).Signature
	}
	return lastSig, nil
}

// SwapToQuote converts base-token proceeds back to the quote token after a
// liquidation. A zero amount is a no-op.
func (pe *PositionEngine) SwapToQuote(ctx context.Context, inst *domain.StrategyInstance, amount float64, opName string) (domain.SwapResult, error) {
	if amount <= 0 {
		return domain.SwapResult{}, nil
	}
	res, err := pe.retrier.Do(ctx, opName, func(c context.Context) (any, error) {
		return pe.swap.ExecuteSwap(c, domain.SwapParams{
			InMint:      pe.baseMint,
			OutMint:     pe.quoteMint,
			Amount:      amount,
			SlippageBps: inst.Config.SlippageBps,
		})
	}, nil)
	if err != nil {
		return domain.SwapResult{}, fmt.Errorf("executor: swap to quote: %w", err)
	}
	return res.(domain.SwapResult), nil
}

// ClaimFees harvests pending fees from every position the instance holds.
func (pe *PositionEngine) ClaimFees(ctx context.Context, inst *domain.StrategyInstance) (string, error) {
	var lastSig string
	for _, pos := range inst.Positions {
		pos := pos
		res, err := pe.retrier.Do(ctx, "fees.harvest", func(c context.Context) (any, error) {
			tx, err := pe.dlmm.CreateClaimFeeTransaction(c, inst.Config.PoolAddress, pe.wallet, pos)
			if err != nil {
				return nil, err
			}
			return pe.send(c, tx, false)
		}, nil)
		if err != nil {
			return lastSig, fmt.Errorf("executor: claim fees %s: %w", pos, err)
		}
		lastSig = res.(domain.TxResult).Signature
	}
	return lastSig, nil
}

// EstimateRecreateCost returns the projected close-and-create cost in the
// quote token: per-transaction base fees plus the current smart priority fee,
// for one close and one create per held position.
func (pe *PositionEngine) EstimateRecreateCost(ctx context.Context, inst *domain.StrategyInstance) (float64, error) {
	fee, err := pe.gas.GetSmartPriorityFee(ctx, inst.Runtime.RetryCount > 0)
	if err != nil {
		return 0, fmt.Errorf("executor: priority fee: %w", err)
	}
	txCount := uint64(len(inst.Positions) * 2)
	if txCount == 0 {
		txCount = 2
	}
	lamports := txCount * (baseFeeLamports + fee)
	return float64(lamports) / lamportsPerSol, nil
}

// send simulates, prices, and submits one transaction. stopLoss selects the
// aggressive fee ladder.
func (pe *PositionEngine) send(ctx context.Context, tx domain.UnsignedTx, stopLoss bool) (domain.TxResult, error) {
	if err := pe.chain.SimulateTransaction(ctx, tx); err != nil {
		return domain.TxResult{}, domain.Categorize(domain.ErrExecution, "simulate", err)
	}

	var fee uint64
	var err error
	if stopLoss {
		fee, err = pe.gas.GetStopLossMaxPriorityFee(ctx)
	} else {
		fee, err = pe.gas.GetSmartPriorityFee(ctx, false)
	}
	if err != nil {
		// Fee pricing is advisory; submit with the default on failure.
		pe.logger.Warn("priority fee lookup failed, using default", slog.String("error", err.Error()))
		fee = 0
	}

	res, err := pe.chain.SendTransaction(ctx, tx, domain.SendOptions{PriorityFee: fee})
	if err != nil {
		return domain.TxResult{}, err
	}
	if !res.Success {
		return res, domain.Categorize(domain.ErrExecution, "send",
			fmt.Errorf("transaction %s landed with status %s", res.Signature, res.Status))
	}
	return res, nil
}

func rangeBins(r domain.PositionRange) []int32 {
	if r.UpperBin < r.LowerBin {
		return nil
	}
	bins := make([]int32, 0, r.UpperBin-r.LowerBin+1)
	for b := r.LowerBin; b <= r.UpperBin; b++ {
		bins = append(bins, b)
	}
	return bins
}

var _ Engine = (*PositionEngine)(nil)

// String identifies the engine's wallet for diagnostics.
func (pe *PositionEngine) String() string {
	return fmt.Sprintf("PositionEngine(wallet=%s)", pe.wallet)
}
