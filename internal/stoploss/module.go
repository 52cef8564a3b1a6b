// Package stoploss implements the smart stop-loss decision module: a risk
// evaluation plus an observation-period state machine for positions that are
// in the unsafe zone but still profitable.
package stoploss

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/dlmmbot/internal/domain"
)

const (
	// historyLimit bounds the retained evaluation history.
	historyLimit = 100
	// observationTTL purges stale observation entries.
	observationTTL = time.Hour
	// degeneratePositionPct is the position% substituted when the range has
	// collapsed to a single bin.
	degeneratePositionPct = 50.0
)

// ObservationEntry tracks one instance's open observation period. Keyed by
// the stable instance id so restarts preserve in-flight observations.
type ObservationEntry struct {
	StartTime          time.Time `json:"start_time"`
	InitialPositionPct float64   `json:"initial_position_pct"`
	InitialProfitPct   float64   `json:"initial_profit_pct"`
}

// evalRecord is one history row for diagnostics.
type evalRecord struct {
	InstanceID string
	Action     domain.StopLossAction
	At         time.Time
}

// Module evaluates stop-loss per tick. Observation state is owned here and
// only mutated through Evaluate (called by the instance's worker) and the
// Export/Restore persistence hooks.
type Module struct {
	mu           sync.Mutex
	observations map[string]ObservationEntry
	history      []evalRecord
	logger       *slog.Logger
	now          func() time.Time
}

// NewModule creates an empty stop-loss module.
func NewModule(logger *slog.Logger) *Module {
	return &Module{
		observations: make(map[string]ObservationEntry),
		logger:       logger.With(slog.String("component", "stoploss")),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Evaluate runs the stop-loss algorithm for one tick and returns the
// decision. The caller owns the instance; this module only mutates its own
// observation registry.
func (m *Module) Evaluate(inst *domain.StrategyInstance, snap *domain.MarketSnapshot) domain.StopLossDecision {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.purgeExpiredLocked()

	cfg := inst.Config.StopLoss
	if !cfg.Enabled {
		return m.record(inst.ID, hold("smart stop-loss disabled"))
	}

	positionPct, degenerate := snap.PositionPercent()
	if degenerate {
		positionPct = degeneratePositionPct
	}
	netPnLPct := snap.NetPnLPercentage
	risk := riskScore(positionPct <= cfg.ActiveBinSafetyThreshold, snap)

	// Safe zone: clear any open observation and hold.
	if positionPct > cfg.ActiveBinSafetyThreshold {
		delete(m.observations, inst.ID)
		d := hold(fmt.Sprintf("position %.1f%% above safety threshold %.1f%%", positionPct, cfg.ActiveBinSafetyThreshold))
		d.RiskScore = risk
		return m.record(inst.ID, d)
	}

	// Unsafe zone with the loss threshold breached: exit immediately.
	if netPnLPct <= -cfg.LossThresholdPercentage {
		delete(m.observations, inst.ID)
		d := domain.StopLossDecision{
			Action:         domain.StopLossFullExit,
			Confidence:     90,
			Urgency:        domain.UrgencyHigh,
			RiskScore:      risk,
			ExitPercentage: 100,
			Reasoning: []string{
				fmt.Sprintf("position %.1f%% at or below safety threshold %.1f%%", positionPct, cfg.ActiveBinSafetyThreshold),
				fmt.Sprintf("net P&L %.2f%% breaches loss threshold -%.2f%%", netPnLPct, cfg.LossThresholdPercentage),
			},
		}
		return m.record(inst.ID, d)
	}

	// Unsafe zone but profitable or break-even: observation handling.
	window := time.Duration(cfg.ObservationPeriodMinutes) * time.Minute
	entry, open := m.observations[inst.ID]
	now := m.now()

	if !open {
		m.observations[inst.ID] = ObservationEntry{
			StartTime:          now,
			InitialPositionPct: positionPct,
			InitialProfitPct:   netPnLPct,
		}
		d := alert(risk, fmt.Sprintf("entered unsafe zone at %.1f%% with P&L %.2f%%, observing for %s",
			positionPct, netPnLPct, window))
		return m.record(inst.ID, d)
	}

	age := now.Sub(entry.StartTime)
	if age < window {
		d := alert(risk, fmt.Sprintf("observing: %s of %s elapsed, P&L %.2f%% (entry %.2f%%)",
			age.Round(time.Second), window, netPnLPct, entry.InitialProfitPct))
		d.NextEvaluation = entry.StartTime.Add(window)
		return m.record(inst.ID, d)
	}

	// Window elapsed: rotate while profit holds, exit when it deteriorated.
	if netPnLPct >= entry.InitialProfitPct {
		m.observations[inst.ID] = ObservationEntry{
			StartTime:          now,
			InitialPositionPct: positionPct,
			InitialProfitPct:   netPnLPct,
		}
		d := alert(risk, fmt.Sprintf("profit held (%.2f%% >= %.2f%%), rotating observation window",
			netPnLPct, entry.InitialProfitPct))
		d.NextEvaluation = now.Add(window)
		return m.record(inst.ID, d)
	}

	delete(m.observations, inst.ID)
	d := domain.StopLossDecision{
		Action:         domain.StopLossFullExit,
		Confidence:     75,
		Urgency:        domain.UrgencyMedium,
		RiskScore:      risk,
		ExitPercentage: 100,
		Reasoning: []string{
			fmt.Sprintf("observation window %s elapsed in the unsafe zone", window),
			fmt.Sprintf("profit deteriorated: %.2f%% < entry %.2f%%", netPnLPct, entry.InitialProfitPct),
		},
	}
	return m.record(inst.ID, d)
}

// Observation returns the open observation entry for an instance, if any.
func (m *Module) Observation(instanceID string) (ObservationEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.observations[instanceID]
	return e, ok
}

// ObservationCount reports registry size for the health checker.
func (m *Module) ObservationCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.observations)
}

// PurgeExpired removes observation entries older than one hour and returns
// how many were dropped. The health checker calls this on buildup.
func (m *Module) PurgeExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.purgeExpiredLocked()
}

func (m *Module) purgeExpiredLocked() int {
	cutoff := m.now().Add(-observationTTL)
	n := 0
	for id, e := range m.observations {
		if e.StartTime.Before(cutoff) {
			delete(m.observations, id)
			n++
		}
	}
	return n
}

// Clear drops all module state for an instance (stop or delete).
func (m *Module) Clear(instanceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.observations, instanceID)
}

// Export returns a copy of the observation registry for persistence.
func (m *Module) Export() map[string]ObservationEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]ObservationEntry, len(m.observations))
	for k, v := range m.observations {
		out[k] = v
	}
	return out
}

// Restore replaces the observation registry from a persisted copy.
func (m *Module) Restore(entries map[string]ObservationEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observations = make(map[string]ObservationEntry, len(entries))
	for k, v := range entries {
		m.observations[k] = v
	}
}

// record appends to the bounded evaluation history and returns d.
func (m *Module) record(instanceID string, d domain.StopLossDecision) domain.StopLossDecision {
	m.history = append(m.history, evalRecord{InstanceID: instanceID, Action: d.Action, At: m.now()})
	if over := len(m.history) - historyLimit; over > 0 {
		m.history = m.history[over:]
	}
	return d
}

// HistoryLen reports the retained evaluation count (bounded at 100).
func (m *Module) HistoryLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.history)
}

func hold(reason string) domain.StopLossDecision {
	return domain.StopLossDecision{
		Action:     domain.StopLossHold,
		Confidence: 80,
		Urgency:    domain.UrgencyLow,
		Reasoning:  []string{reason},
	}
}

func alert(risk float64, reason string) domain.StopLossDecision {
	return domain.StopLossDecision{
		Action:     domain.StopLossAlert,
		Confidence: 60,
		Urgency:    domain.UrgencyMedium,
		RiskScore:  risk,
		Reasoning:  []string{reason},
	}
}

// riskScore is the composite 0.6·liquidity + 0.2·price + 0.2·yield.
func riskScore(unsafeZone bool, snap *domain.MarketSnapshot) float64 {
	liquidity := 20.0
	if unsafeZone {
		liquidity = 80.0
	}

	price := 5 * abs(snap.PriceDropPercentage)
	if alt := 3 * abs(snap.NetPnLPercentage); alt > price {
		price = alt
	}
	if price > 100 {
		price = 100
	}

	yield := abs(min(snap.YieldGrowthRate, 0))
	if yield > 70 {
		yield = 70
	}
	switch snap.YieldTrend {
	case domain.YieldDecreasing:
		yield += 30
	case domain.YieldStable:
		yield += 10
	}
	if yield > 100 {
		yield = 100
	}

	return 0.6*liquidity + 0.2*price + 0.2*yield
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
