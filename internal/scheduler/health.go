package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/alanyoungcy/dlmmbot/internal/domain"
)

// Health issue categories.
const (
	IssueStuckStopping      = "stuck_stopping"
	IssueTimerLeak          = "timer_leak"
	IssueMemoryLeak         = "memory_leak"
	IssueObservationBuildup = "observation_buildup"
	IssuePhaseError         = "phase_error"
	IssueSlowTicks          = "slow_ticks"
)

const (
	defaultCheckInterval    = 30 * time.Second
	defaultStoppingTimeout  = 5 * time.Minute
	defaultObservationBound = 1000
	defaultMemoryThreshold  = 1 << 30 // 1 GiB RSS
	slowTicksBeforeWidening = 3
)

// Issue is one health finding, with whether an auto-fix was applied.
type Issue struct {
	InstanceID string `json:"instance_id,omitempty"`
	Category   string `json:"category"`
	Detail     string `json:"detail"`
	Fixed      bool   `json:"fixed"`
}

// ObservationRegistry is the slice of the stop-loss module the health checker
// inspects and purges.
type ObservationRegistry interface {
	ObservationCount() int
	PurgeExpired() int
}

// HealthChecker periodically audits the instance table: stuck stops, leaked
// timers, memory growth, observation buildup, and phase inconsistencies.
type HealthChecker struct {
	mgr          *Manager
	observations ObservationRegistry
	logger       *slog.Logger

	interval         time.Duration
	stoppingTimeout  time.Duration
	observationBound int
	memoryThreshold  uint64

	// rss is swappable for tests; defaults to the gopsutil process reader.
	rss func() (uint64, error)
}

// NewHealthChecker wires the checker. observations may be nil.
func NewHealthChecker(mgr *Manager, observations ObservationRegistry, logger *slog.Logger) *HealthChecker {
	return &HealthChecker{
		mgr:              mgr,
		observations:     observations,
		logger:           logger.With(slog.String("component", "health")),
		interval:         defaultCheckInterval,
		stoppingTimeout:  defaultStoppingTimeout,
		observationBound: defaultObservationBound,
		memoryThreshold:  defaultMemoryThreshold,
		rss:              processRSS,
	}
}

// SetInterval overrides the check cadence. Must be called before Run.
func (h *HealthChecker) SetInterval(d time.Duration) {
	if d > 0 {
		h.interval = d
	}
}

// Run loops until ctx is cancelled.
func (h *HealthChecker) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, issue := range h.CheckOnce() {
				h.logger.Warn("health issue",
					slog.String("category", issue.Category),
					slog.String("instance", issue.InstanceID),
					slog.String("detail", issue.Detail),
					slog.Bool("fixed", issue.Fixed),
				)
			}
		}
	}
}

// CheckOnce runs every check and returns the findings.
func (h *HealthChecker) CheckOnce() []Issue {
	var issues []Issue
	now := h.mgr.now()

	type target struct {
		inst *domain.StrategyInstance
		w    *worker
	}
	h.mgr.mu.RLock()
	var forceStops []string
	for id, since := range h.mgr.stoppingAt {
		if now.Sub(since) > h.stoppingTimeout {
			forceStops = append(forceStops, id)
		}
	}
	targets := make([]target, 0, len(h.mgr.instances))
	for id, inst := range h.mgr.instances {
		targets = append(targets, target{inst: inst, w: h.mgr.workers[id]})
	}
	h.mgr.mu.RUnlock()

	// Runtime fields belong to the tick path, which holds only the worker's
	// tick mutex. A worker mid-tick is skipped and audited next round; an
	// instance without a worker has no tick path, so the manager lock keeps
	// control operations out instead.
	for _, t := range targets {
		if t.w != nil {
			if !t.w.tickMu.TryLock() {
				continue
			}
			issues = append(issues, h.auditRuntime(t.inst, t.w)...)
			t.w.tickMu.Unlock()
		} else {
			h.mgr.mu.Lock()
			issues = append(issues, h.auditRuntime(t.inst, nil)...)
			h.mgr.mu.Unlock()
		}
	}

	for _, id := range forceStops {
		issue := Issue{
			InstanceID: id, Category: IssueStuckStopping,
			Detail: "stopping deadline exceeded, forcing stopped",
		}
		if w, ok := h.workerFor(id); ok {
			w.requestStop()
		}
		if err := h.mgr.finishStop(id); err != nil {
			issue.Detail = err.Error()
		} else {
			issue.Fixed = true
		}
		issues = append(issues, issue)
	}

	if h.observations != nil && h.observations.ObservationCount() > h.observationBound {
		purged := h.observations.PurgeExpired()
		issues = append(issues, Issue{
			Category: IssueObservationBuildup,
			Detail:   fmt.Sprintf("purged %d expired observation entries", purged),
			Fixed:    purged > 0,
		})
	}

	if rss, err := h.rss(); err == nil && rss > h.memoryThreshold {
		issues = append(issues, Issue{
			Category: IssueMemoryLeak,
			Detail:   "resident memory above threshold",
		})
	}

	return issues
}

// auditRuntime inspects and repairs one instance's runtime state. The caller
// holds the worker's tick mutex (live worker) or the manager lock (no worker).
func (h *HealthChecker) auditRuntime(inst *domain.StrategyInstance, w *worker) []Issue {
	var issues []Issue

	// Out-of-range timer with no position behind it is a leak: nothing will
	// ever clear it.
	if inst.Runtime.OutOfRangeStartTime != nil && !inst.HasPosition() {
		inst.Runtime.OutOfRangeStartTime = nil
		inst.Runtime.OutOfRangeDirection = domain.DirectionNone
		issues = append(issues, Issue{
			InstanceID: inst.ID, Category: IssueTimerLeak,
			Detail: "out-of-range timer held without a position", Fixed: true,
		})
	}

	if w != nil && inst.Runtime.ConsecutiveSlowTicks >= slowTicksBeforeWidening {
		inst.Runtime.ConsecutiveSlowTicks = 0
		next := w.widenInterval()
		issues = append(issues, Issue{
			InstanceID: inst.ID, Category: IssueSlowTicks,
			Detail: fmt.Sprintf("repeated slow ticks, interval widened to %s", next), Fixed: true,
		})
	}

	if err := inst.CheckInvariants(); err != nil && inst.Stage != domain.StageCleanup {
		issues = append(issues, Issue{
			InstanceID: inst.ID, Category: IssuePhaseError,
			Detail: err.Error(),
		})
	}
	return issues
}

func (h *HealthChecker) workerFor(id string) (*worker, bool) {
	h.mgr.mu.RLock()
	defer h.mgr.mu.RUnlock()
	w, ok := h.mgr.workers[id]
	return w, ok
}

// processRSS reads this process's resident set size.
func processRSS() (uint64, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0, err
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		return 0, err
	}
	return mem.RSS, nil
}
