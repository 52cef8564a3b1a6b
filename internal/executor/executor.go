// Package executor runs the per-tick strategy pipeline: snapshot, stop-loss,
// recreation, fee harvest, audit record. It owns the instance stage machine;
// lifecycle status belongs to the scheduler.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/dlmmbot/internal/domain"
	"github.com/alanyoungcy/dlmmbot/internal/recreation"
)

// SnapshotSource supplies the per-tick market view.
type SnapshotSource interface {
	Snapshot(ctx context.Context, inst *domain.StrategyInstance) (*domain.MarketSnapshot, error)
}

// StopLossModule is the slice of the stop-loss module the executor consumes.
type StopLossModule interface {
	Evaluate(inst *domain.StrategyInstance, snap *domain.MarketSnapshot) domain.StopLossDecision
	Clear(instanceID string)
}

// RecreationModule is the slice of the recreation module the executor consumes.
type RecreationModule interface {
	Evaluate(inst *domain.StrategyInstance, snap *domain.MarketSnapshot) domain.RecreationDecision
}

// Engine abstracts the on-chain position operations.
type Engine interface {
	Open(ctx context.Context, inst *domain.StrategyInstance) (OpenResult, error)
	Close(ctx context.Context, inst *domain.StrategyInstance, opName string) (string, error)
	SwapToQuote(ctx context.Context, inst *domain.StrategyInstance, amount float64, opName string) (domain.SwapResult, error)
	ClaimFees(ctx context.Context, inst *domain.StrategyInstance) (string, error)
	EstimateRecreateCost(ctx context.Context, inst *domain.StrategyInstance) (float64, error)
}

// Publisher is the slice of the event bus the executor needs.
type Publisher interface {
	Publish(topic string, payload any, source string)
}

// EchoSink mirrors important operation lines into the tiered log streams.
type EchoSink interface {
	Echo(instanceID, action, msg string, attrs map[string]any)
}

// Executor drives one instance through its tick pipeline. A single Executor
// serves all instances; per-instance serialization is the scheduler's job.
type Executor struct {
	adapter  SnapshotSource
	stopLoss StopLossModule
	recreate RecreationModule
	engine   Engine
	ops      domain.OperationStore
	bus      Publisher
	echo     EchoSink
	logger   *slog.Logger

	minRecreateInterval time.Duration
	maxRecreateCostPct  float64

	now func() time.Time
}

// New wires the tick pipeline. ops, bus, and echo may be nil.
func New(
	adapter SnapshotSource,
	stopLoss StopLossModule,
	recreate RecreationModule,
	engine Engine,
	ops domain.OperationStore,
	bus Publisher,
	echo EchoSink,
	logger *slog.Logger,
) *Executor {
	return &Executor{
		adapter:             adapter,
		stopLoss:            stopLoss,
		recreate:            recreate,
		engine:              engine,
		ops:                 ops,
		bus:                 bus,
		echo:                echo,
		logger:              logger.With(slog.String("component", "executor")),
		minRecreateInterval: recreation.MinRecreationInterval,
		maxRecreateCostPct:  recreation.MaxRecreationCostPct,
		now:                 func() time.Time { return time.Now().UTC() },
	}
}

// Tick executes one full pipeline pass for inst. The caller owns the instance
// and guarantees no concurrent ticks for the same id.
func (e *Executor) Tick(ctx context.Context, inst *domain.StrategyInstance) error {
	log := e.logger.With(slog.String("instance", inst.ID))
	now := e.now()

	defer func() {
		inst.Runtime.LastTickAt = now
		inst.Metadata.LastUpdate = now
		inst.Metadata.ExecutionCount++
	}()

	// No position yet: enter the market and stop there for this tick.
	if inst.Stage == domain.StageNoPosition {
		if err := e.enter(ctx, inst, log); err != nil {
			inst.Metadata.ErrorCount++
			return err
		}
		return nil
	}

	// A previous tick left residue (partial creation or interrupted
	// recreation): finish the cleanup before anything else.
	if inst.Stage == domain.StageCleanup {
		if err := e.cleanup(ctx, inst, log); err != nil {
			inst.Metadata.ErrorCount++
			return err
		}
		return nil
	}

	snap, err := e.adapter.Snapshot(ctx, inst)
	if err != nil {
		inst.Metadata.ErrorCount++
		return fmt.Errorf("executor: snapshot %s: %w", inst.ID, err)
	}
	inst.Runtime.LastActiveBin = snap.ActiveBin

	// Stop-loss verdict first; a full exit preempts everything else.
	slDecision := e.stopLoss.Evaluate(inst, snap)
	e.publish(domain.TopicStopLossUpdate, map[string]any{
		"instance_id": inst.ID,
		"action":      slDecision.Action,
		"risk_score":  slDecision.RiskScore,
		"urgency":     slDecision.Urgency,
	})
	if slDecision.Action == domain.StopLossFullExit {
		if err := e.liquidate(ctx, inst, slDecision, log); err != nil {
			inst.Metadata.ErrorCount++
			return err
		}
		return nil
	}

	e.syncStage(inst, snap, log)

	rcDecision := e.recreate.Evaluate(inst, snap)
	if rcDecision.Recreate {
		if err := e.maybeRecreate(ctx, inst, snap, rcDecision, log); err != nil {
			inst.Metadata.ErrorCount++
			return err
		}
	}

	if err := e.maybeHarvest(ctx, inst, snap, log); err != nil {
		// Harvest failures are recorded but never fail the tick.
		log.Warn("fee harvest failed", slog.String("error", err.Error()))
	}
	return nil
}

// enter creates the initial position(s) and advances to YPositionOnly.
func (e *Executor) enter(ctx context.Context, inst *domain.StrategyInstance, log *slog.Logger) error {
	start := e.now()
	e.publish(domain.TopicTxStarted, map[string]any{"instance_id": inst.ID, "action": domain.OpPositionCreate})

	result, err := e.engine.Open(ctx, inst)
	if err != nil {
		// A chain-position partial creation leaves real positions behind:
		// record them and move to Cleanup instead of pretending it never
		// happened.
		if len(result.Positions) > 0 {
			inst.Positions = result.Positions
			inst.Range = result.Range
			e.advanceStage(inst, domain.StageYPositionOnly, log)
			e.advanceStage(inst, domain.StageCleanup, log)
		}
		e.record(ctx, inst, domain.OperationRecord{
			Action: domain.OpPositionCreate, Success: false,
			Error: err.Error(), At: start, Duration: e.now().Sub(start),
		})
		e.publish(domain.TopicTxFailed, map[string]any{"instance_id": inst.ID, "error": err.Error()})
		return fmt.Errorf("executor: enter %s: %w", inst.ID, err)
	}

	inst.Positions = result.Positions
	inst.Range = result.Range
	e.advanceStage(inst, domain.StageYPositionOnly, log)

	e.record(ctx, inst, domain.OperationRecord{
		Action: domain.OpPositionCreate, Success: true,
		PositionAddress: first(result.Positions),
		Amount:          inst.Config.PositionAmount,
		Signature:       result.Signature,
		At:              start, Duration: e.now().Sub(start),
	})
	e.publish(domain.TopicTxCompleted, map[string]any{
		"instance_id": inst.ID, "action": domain.OpPositionCreate, "signature": result.Signature,
	})
	e.echoLine(inst.ID, string(domain.OpPositionCreate),
		fmt.Sprintf("opened %d position(s) in bins [%d,%d]",
			len(result.Positions), result.Range.LowerBin, result.Range.UpperBin), nil)
	return nil
}

// liquidate runs the stop-loss exit: close everything, swap proceeds back to
// the quote token, then reset to NoPosition through Cleanup. A failed swap
// parks the instance in Cleanup with the amount still owed.
func (e *Executor) liquidate(ctx context.Context, inst *domain.StrategyInstance, decision domain.StopLossDecision, log *slog.Logger) error {
	start := e.now()
	e.advanceStage(inst, domain.StageStopLossTriggered, log)
	e.publish(domain.TopicTxStarted, map[string]any{"instance_id": inst.ID, "action": domain.OpStopLoss})

	sig, err := e.engine.Close(ctx, inst, "stop.loss")
	if err != nil {
		e.record(ctx, inst, domain.OperationRecord{
			Action: domain.OpStopLoss, Success: false,
			Error: err.Error(), At: start, Duration: e.now().Sub(start),
		})
		e.publish(domain.TopicTxFailed, map[string]any{"instance_id": inst.ID, "error": err.Error()})
		return fmt.Errorf("executor: stop-loss close %s: %w", inst.ID, err)
	}

	// The close committed on-chain: the position is gone whatever happens to
	// the swap, so the stage reflects that before the swap is attempted.
	e.advanceStage(inst, domain.StageCleanup, log)
	inst.Positions = nil
	inst.Range = domain.PositionRange{}
	inst.Runtime.OutOfRangeStartTime = nil
	inst.Runtime.OutOfRangeDirection = domain.DirectionNone
	inst.Runtime.LossRecoveryMarked = false

	if _, err := e.engine.SwapToQuote(ctx, inst, inst.Config.PositionAmount, "stop.loss.token.swap"); err != nil {
		// Proceeds are stranded in the base token. Park in Cleanup with the
		// amount still owed; cleanup retries the swap before any re-entry.
		log.Error("stop-loss swap failed, proceeds remain in base token", slog.String("error", err.Error()))
		inst.Runtime.PendingSwapAmount = inst.Config.PositionAmount
		e.record(ctx, inst, domain.OperationRecord{
			Action: domain.OpStopLossSwap, Success: false,
			Error: err.Error(), At: start, Duration: e.now().Sub(start),
		})
		e.publish(domain.TopicTxFailed, map[string]any{"instance_id": inst.ID, "error": err.Error()})
		return fmt.Errorf("executor: stop-loss swap %s: %w", inst.ID, err)
	}

	e.stopLoss.Clear(inst.ID)
	e.advanceStage(inst, domain.StageNoPosition, log)

	e.record(ctx, inst, domain.OperationRecord{
		Action: domain.OpStopLoss, Success: true,
		Signature: sig, At: start, Duration: e.now().Sub(start),
	})
	e.publish(domain.TopicTxCompleted, map[string]any{
		"instance_id": inst.ID, "action": domain.OpStopLoss, "signature": sig,
	})
	e.echoLine(inst.ID, string(domain.OpStopLoss),
		fmt.Sprintf("full exit completed, risk score %.1f", decision.RiskScore),
		map[string]any{"reasoning": decision.Reasoning})
	return nil
}

// cleanup closes whatever positions remain and resets to NoPosition.
func (e *Executor) cleanup(ctx context.Context, inst *domain.StrategyInstance, log *slog.Logger) error {
	start := e.now()
	if inst.HasPosition() {
		if _, err := e.engine.Close(ctx, inst, "position.cleanup"); err != nil {
			e.record(ctx, inst, domain.OperationRecord{
				Action: domain.OpCleanup, Success: false,
				Error: err.Error(), At: start, Duration: e.now().Sub(start),
			})
			return fmt.Errorf("executor: cleanup %s: %w", inst.ID, err)
		}
	}

	// A stop-loss exit whose swap failed left the proceeds owed to the quote
	// token; settle that debt before leaving Cleanup.
	if inst.Runtime.PendingSwapAmount > 0 {
		if _, err := e.engine.SwapToQuote(ctx, inst, inst.Runtime.PendingSwapAmount, "stop.loss.token.swap"); err != nil {
			e.record(ctx, inst, domain.OperationRecord{
				Action: domain.OpStopLossSwap, Success: false,
				Error: err.Error(), At: start, Duration: e.now().Sub(start),
			})
			return fmt.Errorf("executor: cleanup swap %s: %w", inst.ID, err)
		}
		inst.Runtime.PendingSwapAmount = 0
		e.record(ctx, inst, domain.OperationRecord{
			Action: domain.OpStopLossSwap, Success: true,
			At: start, Duration: e.now().Sub(start),
		})
	}

	inst.Positions = nil
	inst.Range = domain.PositionRange{}
	inst.Runtime.OutOfRangeStartTime = nil
	inst.Runtime.OutOfRangeDirection = domain.DirectionNone
	e.stopLoss.Clear(inst.ID)
	e.advanceStage(inst, domain.StageNoPosition, log)

	e.record(ctx, inst, domain.OperationRecord{
		Action: domain.OpCleanup, Success: true,
		At: start, Duration: e.now().Sub(start),
	})
	e.echoLine(inst.ID, string(domain.OpCleanup), "cleanup completed, back to no-position", nil)
	return nil
}

// syncStage mirrors the in/out-of-range condition onto the stage machine.
func (e *Executor) syncStage(inst *domain.StrategyInstance, snap *domain.MarketSnapshot, log *slog.Logger) {
	switch {
	case inst.Stage == domain.StageYPositionOnly && !snap.InRange():
		e.advanceStage(inst, domain.StageOutOfRange, log)
	case inst.Stage == domain.StageOutOfRange && snap.InRange():
		e.advanceStage(inst, domain.StageYPositionOnly, log)
	}
}

// maybeRecreate applies the executor-side guards, then performs the atomic
// close-and-create. A close that succeeds without a subsequent create leaves
// the instance in Cleanup with the error recorded.
func (e *Executor) maybeRecreate(ctx context.Context, inst *domain.StrategyInstance, snap *domain.MarketSnapshot, decision domain.RecreationDecision, log *slog.Logger) error {
	start := e.now()

	if err := e.acceptRecreate(ctx, inst); err != nil {
		log.Info("recreation declined",
			slog.String("reason", string(decision.Reason)),
			slog.String("guard", err.Error()),
		)
		e.record(ctx, inst, domain.OperationRecord{
			Action: domain.OpRecreate, Success: false,
			Error: err.Error(), At: start, Duration: e.now().Sub(start),
		})
		return nil
	}

	e.publish(domain.TopicTxStarted, map[string]any{
		"instance_id": inst.ID, "action": domain.OpRecreate, "reason": decision.Reason,
	})

	if _, err := e.engine.Close(ctx, inst, "position.close"); err != nil {
		e.record(ctx, inst, domain.OperationRecord{
			Action: domain.OpPositionClose, Success: false,
			Error: err.Error(), At: start, Duration: e.now().Sub(start),
		})
		e.publish(domain.TopicTxFailed, map[string]any{"instance_id": inst.ID, "error": err.Error()})
		return fmt.Errorf("executor: recreate close %s: %w", inst.ID, err)
	}
	inst.Positions = nil

	result, err := e.engine.Open(ctx, inst)
	if err != nil {
		// Closed but not re-opened: a well-defined Cleanup state, never a
		// silent half-position.
		inst.Positions = result.Positions
		if inst.Stage == domain.StageOutOfRange || inst.Stage == domain.StageYPositionOnly {
			e.advanceStage(inst, domain.StageCleanup, log)
		}
		e.record(ctx, inst, domain.OperationRecord{
			Action: domain.OpRecreate, Success: false,
			Error: err.Error(), At: start, Duration: e.now().Sub(start),
		})
		e.publish(domain.TopicTxFailed, map[string]any{"instance_id": inst.ID, "error": err.Error()})
		return fmt.Errorf("executor: recreate open %s: %w", inst.ID, err)
	}

	inst.Positions = result.Positions
	inst.Range = result.Range
	inst.Runtime.LastRecreationAt = e.now()
	inst.Runtime.OutOfRangeStartTime = nil
	inst.Runtime.OutOfRangeDirection = domain.DirectionNone
	if inst.Stage == domain.StageOutOfRange {
		e.advanceStage(inst, domain.StageYPositionOnly, log)
	}

	e.record(ctx, inst, domain.OperationRecord{
		Action: domain.OpRecreate, Success: true,
		PositionAddress: first(result.Positions),
		Amount:          inst.Config.PositionAmount,
		Signature:       result.Signature,
		At:              start, Duration: e.now().Sub(start),
	})
	e.publish(domain.TopicTxCompleted, map[string]any{
		"instance_id": inst.ID, "action": domain.OpRecreate, "reason": decision.Reason,
	})
	e.echoLine(inst.ID, string(domain.OpRecreate),
		fmt.Sprintf("recreated at bins [%d,%d] (%s)", result.Range.LowerBin, result.Range.UpperBin, decision.Reason),
		map[string]any{"confidence": decision.Confidence})
	return nil
}

// acceptRecreate enforces the minimum recreation interval and the maximum
// recreation cost before any close is issued.
func (e *Executor) acceptRecreate(ctx context.Context, inst *domain.StrategyInstance) error {
	if last := inst.Runtime.LastRecreationAt; !last.IsZero() {
		if since := e.now().Sub(last); since < e.minRecreateInterval {
			return fmt.Errorf("%w: %s since last, need %s",
				domain.ErrRecreateTooSoon, since.Round(time.Second), e.minRecreateInterval)
		}
	}

	cost, err := e.engine.EstimateRecreateCost(ctx, inst)
	if err != nil {
		// Cost estimation is advisory; a pricing outage must not block a
		// critical recreation.
		e.logger.Warn("recreation cost estimate failed", slog.String("error", err.Error()))
		return nil
	}
	if inst.Config.PositionAmount > 0 {
		pct := cost / inst.Config.PositionAmount * 100
		if pct > e.maxRecreateCostPct {
			return fmt.Errorf("%w: %.3f%% > %.3f%%", domain.ErrRecreateTooCosty, pct, e.maxRecreateCostPct)
		}
	}
	return nil
}

// maybeHarvest claims fees when the pending yield crosses the threshold and
// the time-lock since the last extraction has elapsed.
func (e *Executor) maybeHarvest(ctx context.Context, inst *domain.StrategyInstance, snap *domain.MarketSnapshot, log *slog.Logger) error {
	if !inst.HasPosition() {
		return nil
	}
	if snap.CurrentPendingYield < inst.Config.YieldExtractionThreshold {
		return nil
	}
	now := e.now()
	if last := inst.Runtime.LastHarvestAt; !last.IsZero() && now.Sub(last) < inst.Config.YieldTimeLock() {
		return nil
	}

	start := now
	sig, err := e.engine.ClaimFees(ctx, inst)
	if err != nil {
		e.record(ctx, inst, domain.OperationRecord{
			Action: domain.OpHarvest, Success: false,
			Error: err.Error(), At: start, Duration: e.now().Sub(start),
		})
		return fmt.Errorf("executor: harvest %s: %w", inst.ID, err)
	}

	inst.Runtime.LastHarvestAt = e.now()
	e.record(ctx, inst, domain.OperationRecord{
		Action: domain.OpHarvest, Success: true,
		Amount: snap.CurrentPendingYield, Signature: sig,
		At: start, Duration: e.now().Sub(start),
	})
	e.echoLine(inst.ID, string(domain.OpHarvest),
		fmt.Sprintf("harvested %.6f pending yield", snap.CurrentPendingYield), nil)
	return nil
}

// advanceStage applies a stage edge, logging (not panicking) on an illegal
// transition so a buggy path degrades to diagnostics instead of corruption.
func (e *Executor) advanceStage(inst *domain.StrategyInstance, to domain.Stage, log *slog.Logger) {
	if !domain.CanAdvanceStage(inst.Stage, to) {
		log.Error("illegal stage transition refused",
			slog.String("from", string(inst.Stage)),
			slog.String("to", string(to)),
		)
		return
	}
	log.Debug("stage advanced",
		slog.String("from", string(inst.Stage)),
		slog.String("to", string(to)),
	)
	inst.Stage = to
}

// record appends one operation to the audit trail, filling common fields.
func (e *Executor) record(ctx context.Context, inst *domain.StrategyInstance, rec domain.OperationRecord) {
	rec.ID = uuid.New().String()
	rec.InstanceID = inst.ID
	rec.ActiveBin = inst.Runtime.LastActiveBin
	if rec.At.IsZero() {
		rec.At = e.now()
	}
	if e.ops == nil {
		return
	}
	if err := e.ops.Append(ctx, rec); err != nil {
		// Audit persistence is best-effort; the operation itself succeeded.
		e.logger.Warn("operation record append failed",
			slog.String("instance", inst.ID),
			slog.String("action", string(rec.Action)),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Executor) publish(topic string, payload any) {
	if e.bus != nil {
		e.bus.Publish(topic, payload, "executor")
	}
}

func (e *Executor) echoLine(instanceID, action, msg string, attrs map[string]any) {
	if e.echo != nil {
		e.echo.Echo(instanceID, action, msg, attrs)
	}
}

func first(s []string) string {
	if len(s) == 0 {
		return ""
	}
	return s[0]
}
