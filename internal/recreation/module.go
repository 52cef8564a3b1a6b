// Package recreation implements the position-recreation decision engine: five
// ordered rules evaluated per tick, first match wins. The module's
// per-instance state (out-of-range timer, loss-recovery mark) lives in the
// instance runtime so it persists with the snapshot and is only mutated by
// the instance's worker.
package recreation

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/dlmmbot/internal/domain"
)

// MinRecreationInterval is the default minimum spacing between recreations,
// enforced by the executor rather than this module.
const MinRecreationInterval = 10 * time.Minute

// MaxRecreationCostPct is the default cap on recreation cost as a percentage
// of notional, enforced by the executor.
const MaxRecreationCostPct = 1.0

// Module evaluates the recreation rules. It is stateless apart from the
// clock; rule state rides on the instance runtime.
type Module struct {
	logger *slog.Logger
	now    func() time.Time
}

// NewModule creates the recreation decision module.
func NewModule(logger *slog.Logger) *Module {
	return &Module{
		logger: logger.With(slog.String("component", "recreation")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// diagnostics collects the per-rule no-fire explanations so the most
// informative one can be selected for display.
type diagnostics struct {
	rule1 string // out-of-range countdown
	rule3 string // marked / waiting
	rule4 string // tier info
	rule2 string // analysis
	rule0 string // gate
}

// pick returns the preferred diagnostic: Rule-1 countdown > Rule-3 mark >
// Rule-4 tier > Rule-2 analysis > Rule-0 gate > idle.
func (d diagnostics) pick() string {
	for _, s := range []string{d.rule1, d.rule3, d.rule4, d.rule2, d.rule0} {
		if s != "" {
			return s
		}
	}
	return "idle: all recreation rules quiet"
}

// Evaluate runs the rule chain for one tick. The instance runtime is mutated
// in place (timer, mark); the caller is the worker that owns it.
func (m *Module) Evaluate(inst *domain.StrategyInstance, snap *domain.MarketSnapshot) domain.RecreationDecision {
	var diag diagnostics

	positionPct, degenerate := snap.PositionPercent()
	if degenerate {
		// A collapsed range can never justify a recreation.
		m.clearTimer(inst)
		return noRecreate(domain.ReasonIdle, "degenerate position range, holding")
	}

	// Rule 0 — position-too-low gate. Blocks every subsequent rule.
	if thr := inst.Config.MinActiveBinPositionThreshold; thr > 0 && positionPct < thr {
		diag.rule0 = fmt.Sprintf("gate: position %.1f%% below minimum %.1f%%", positionPct, thr)
		d := noRecreate(domain.ReasonPositionTooLow, diag.rule0)
		d.Status = diag.pick()
		return d
	}

	// Rule 1 — out-of-range timeout.
	if d, fired := m.ruleOutOfRange(inst, snap, &diag); fired {
		d.Status = diag.pick()
		return d
	}

	// Rule 2 — market opportunity.
	if d, fired := m.ruleMarketOpportunity(inst, positionPct, snap.NetPnLPercentage, &diag); fired {
		d.Status = diag.pick()
		return d
	}

	// Rule 3 — loss recovery, two-phase.
	if d, fired := m.ruleLossRecovery(inst, positionPct, snap.NetPnLPercentage, &diag); fired {
		d.Status = diag.pick()
		return d
	}

	// Rule 4 — dynamic profit scaled by the 15-minute benchmark.
	if d, fired := m.ruleDynamicProfit(inst, positionPct, snap, &diag); fired {
		d.Status = diag.pick()
		return d
	}

	// Rule 5 — reserved seam for future heuristics.
	d := noRecreate(domain.ReasonIdle, "no recreation rule fired")
	d.Status = diag.pick()
	return d
}

// ruleOutOfRange manages the out-of-range timer and the price guard.
func (m *Module) ruleOutOfRange(inst *domain.StrategyInstance, snap *domain.MarketSnapshot, diag *diagnostics) (domain.RecreationDecision, bool) {
	rt := &inst.Runtime

	if snap.InRange() {
		m.clearTimer(inst)
		return domain.RecreationDecision{}, false
	}

	direction := domain.DirectionBelow
	if snap.ActiveBin > snap.PositionUpperBin {
		direction = domain.DirectionAbove
	}

	now := m.now()
	if rt.OutOfRangeStartTime == nil || rt.OutOfRangeDirection != direction {
		start := now
		rt.OutOfRangeStartTime = &start
		rt.OutOfRangeDirection = direction
		diag.rule1 = fmt.Sprintf("out of range (%s), timer started, timeout %s",
			direction, inst.Config.OutOfRangeTimeout())
		d := noRecreate(domain.ReasonTimerStarted, diag.rule1)
		d.Confidence = 50
		return d, true
	}

	age := now.Sub(*rt.OutOfRangeStartTime)
	timeout := inst.Config.OutOfRangeTimeout()
	if age < timeout {
		remaining := timeout - age
		diag.rule1 = fmt.Sprintf("out of range (%s), waiting %s of %s, remaining %s",
			direction, age.Round(time.Second), timeout, remaining.Round(time.Second))
		d := noRecreate(domain.ReasonTimerWaiting, diag.rule1)
		d.RemainingWait = remaining
		return d, true
	}

	// Price guard: above the range with a configured price ceiling, a hot
	// price keeps the position and resets the timer.
	if direction == domain.DirectionAbove &&
		inst.Config.MaxPriceForRecreation > 0 &&
		snap.CurrentPrice > inst.Config.MaxPriceForRecreation {
		m.clearTimer(inst)
		d := noRecreate(domain.ReasonPriceCheckFailed,
			fmt.Sprintf("price %.4f above recreation ceiling %.4f, keeping position",
				snap.CurrentPrice, inst.Config.MaxPriceForRecreation))
		d.KeepPosition = true
		return d, true
	}

	return domain.RecreationDecision{
		Recreate:   true,
		Reason:     domain.ReasonOutOfRange,
		Confidence: 95,
		Urgency:    domain.UrgencyCritical,
		Reasoning: []string{
			fmt.Sprintf("active bin %d outside [%d,%d] (%s) for %s, timeout %s elapsed",
				snap.ActiveBin, snap.PositionLowerBin, snap.PositionUpperBin,
				direction, age.Round(time.Second), timeout),
		},
	}, true
}

func (m *Module) ruleMarketOpportunity(inst *domain.StrategyInstance, positionPct, netPnLPct float64, diag *diagnostics) (domain.RecreationDecision, bool) {
	cfg := inst.Config.MarketOpportunity
	if !cfg.Enabled {
		return domain.RecreationDecision{}, false
	}
	if positionPct < cfg.PositionThreshold && netPnLPct > cfg.ProfitThreshold {
		return domain.RecreationDecision{
			Recreate:   true,
			Reason:     domain.ReasonMarketOpportunity,
			Confidence: 80,
			Urgency:    domain.UrgencyMedium,
			Reasoning: []string{
				fmt.Sprintf("position %.1f%% below %.1f%% with profit %.2f%% above %.2f%%",
					positionPct, cfg.PositionThreshold, netPnLPct, cfg.ProfitThreshold),
			},
		}, true
	}
	diag.rule2 = fmt.Sprintf("opportunity: position %.1f%% (need <%.1f%%), P&L %.2f%% (need >%.2f%%)",
		positionPct, cfg.PositionThreshold, netPnLPct, cfg.ProfitThreshold)
	return domain.RecreationDecision{}, false
}

func (m *Module) ruleLossRecovery(inst *domain.StrategyInstance, positionPct, netPnLPct float64, diag *diagnostics) (domain.RecreationDecision, bool) {
	cfg := inst.Config.LossRecovery
	if !cfg.Enabled {
		return domain.RecreationDecision{}, false
	}
	rt := &inst.Runtime

	if !rt.LossRecoveryMarked {
		if positionPct < cfg.MarkPositionThreshold && netPnLPct <= -cfg.MarkLossThreshold {
			rt.LossRecoveryMarked = true
			diag.rule3 = fmt.Sprintf("loss-recovery mark set at position %.1f%%, P&L %.2f%%", positionPct, netPnLPct)
			return noRecreate(domain.ReasonLossMarked, diag.rule3), true
		}
		return domain.RecreationDecision{}, false
	}

	if positionPct <= cfg.TriggerPositionThreshold && netPnLPct >= cfg.TriggerProfitThreshold {
		rt.LossRecoveryMarked = false
		return domain.RecreationDecision{
			Recreate:   true,
			Reason:     domain.ReasonLossRecovery,
			Confidence: 85,
			Urgency:    domain.UrgencyCritical,
			Reasoning: []string{
				fmt.Sprintf("marked loss recovered: position %.1f%% <= %.1f%%, P&L %.2f%% >= %.2f%%",
					positionPct, cfg.TriggerPositionThreshold, netPnLPct, cfg.TriggerProfitThreshold),
			},
		}, true
	}

	diag.rule3 = fmt.Sprintf("loss-recovery marked, waiting: position %.1f%%, P&L %.2f%%", positionPct, netPnLPct)
	return domain.RecreationDecision{}, false
}

func (m *Module) ruleDynamicProfit(inst *domain.StrategyInstance, positionPct float64, snap *domain.MarketSnapshot, diag *diagnostics) (domain.RecreationDecision, bool) {
	cfg := inst.Config.DynamicProfit
	if !cfg.Enabled {
		return domain.RecreationDecision{}, false
	}
	bench := snap.Benchmark.Avg15Min
	if bench == nil || *bench <= 0 {
		return domain.RecreationDecision{}, false
	}

	threshold, tier := selectTier(cfg, *bench)
	diag.rule4 = fmt.Sprintf("dynamic-profit tier %d: benchmark %.2f%%, profit threshold %.2f%%", tier, *bench, threshold)

	if positionPct <= cfg.PositionThreshold && snap.NetPnLPercentage >= threshold {
		return domain.RecreationDecision{
			Recreate:   true,
			Reason:     domain.ReasonDynamicProfit,
			Confidence: 75,
			Urgency:    domain.UrgencyMedium,
			Reasoning: []string{
				fmt.Sprintf("tier %d (benchmark %.2f%%): P&L %.2f%% >= %.2f%% with position %.1f%% <= %.1f%%",
					tier, *bench, snap.NetPnLPercentage, threshold, positionPct, cfg.PositionThreshold),
			},
		}, true
	}
	return domain.RecreationDecision{}, false
}

// selectTier maps the 15-minute benchmark onto the configured profit tiers.
func selectTier(cfg domain.DynamicProfitConfig, bench float64) (float64, int) {
	switch {
	case bench <= cfg.BenchmarkTier1Max:
		return cfg.ProfitTier1, 1
	case bench <= cfg.BenchmarkTier2Max:
		return cfg.ProfitTier2, 2
	case bench <= cfg.BenchmarkTier3Max:
		return cfg.ProfitTier3, 3
	default:
		return cfg.ProfitTier4, 4
	}
}

func (m *Module) clearTimer(inst *domain.StrategyInstance) {
	inst.Runtime.OutOfRangeStartTime = nil
	inst.Runtime.OutOfRangeDirection = domain.DirectionNone
}

func noRecreate(reason domain.RecreationReason, line string) domain.RecreationDecision {
	return domain.RecreationDecision{
		Recreate:  false,
		Reason:    reason,
		Urgency:   domain.UrgencyLow,
		Reasoning: []string{line},
	}
}
