package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/dlmmbot/internal/domain"
)

// slowTickThreshold is the fraction of the tick deadline past which a tick
// counts as slow for interval widening.
const slowTickThreshold = 0.8

// worker drives one instance's tick loop. Ticks for the same instance are
// strictly serialized: the loop never starts a tick before the previous one
// returned.
type worker struct {
	mgr  *Manager
	inst *domain.StrategyInstance

	interval atomic.Int64 // nanoseconds, widened by the health checker
	stopCh   chan struct{}
	stopOnce atomic.Bool
	done     chan struct{}

	// tickMu is held for the whole of a tick. The health checker takes it
	// before reading or repairing inst.Runtime, since the pipeline mutates
	// those fields without touching the manager lock.
	tickMu sync.Mutex
}

func newWorker(mgr *Manager, inst *domain.StrategyInstance) *worker {
	w := &worker{
		mgr:    mgr,
		inst:   inst,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	interval := inst.Config.MonitoringInterval()
	if mgr.baseInterval > 0 {
		interval = mgr.baseInterval
	}
	w.interval.Store(int64(interval))
	return w
}

// start launches the loop. ctx is the manager-level hard context: its
// cancellation abandons in-flight collaborator calls on process shutdown.
func (w *worker) start(ctx context.Context) {
	go w.run(ctx)
}

// requestStop asks the loop to finish the current tick and exit.
func (w *worker) requestStop() {
	if w.stopOnce.CompareAndSwap(false, true) {
		close(w.stopCh)
	}
}

// wait blocks until the loop has exited.
func (w *worker) wait() { <-w.done }

// currentInterval reads the possibly-widened tick period.
func (w *worker) currentInterval() time.Duration {
	return time.Duration(w.interval.Load())
}

// widenInterval multiplies the tick period by 1.5, capped at 5 minutes. The
// health checker calls this when collaborator latency keeps blowing the
// deadline.
func (w *worker) widenInterval() time.Duration {
	for {
		cur := w.interval.Load()
		next := cur + cur/2
		if next > int64(5*time.Minute) {
			next = int64(5 * time.Minute)
		}
		if w.interval.CompareAndSwap(cur, next) {
			return time.Duration(next)
		}
	}
}

func (w *worker) run(ctx context.Context) {
	defer close(w.done)

	log := w.mgr.logger.With(slog.String("instance", w.inst.ID))
	timer := time.NewTimer(w.currentInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-timer.C:
		}

		switch w.status() {
		case domain.StatusRunning:
			w.tick(ctx, log)
			timer.Reset(w.currentInterval())
		case domain.StatusPaused:
			// Paused workers keep their loop alive so Resume is cheap.
			timer.Reset(w.currentInterval())
		default:
			// Error, or a stop racing the timer: the loop is finished and the
			// manager decides whether the instance ever runs again.
			return
		}
	}
}

// status reads the instance's lifecycle status under the manager lock.
func (w *worker) status() domain.InstanceStatus {
	w.mgr.mu.RLock()
	defer w.mgr.mu.RUnlock()
	return w.inst.Status
}

// tick runs one pipeline pass under the per-tick deadline. A panic in the
// critical path marks the instance Error instead of killing the process.
func (w *worker) tick(ctx context.Context, log *slog.Logger) {
	w.tickMu.Lock()
	defer w.tickMu.Unlock()

	deadline := w.inst.Config.TickDeadline()
	tickCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			log.Error("tick panicked", slog.Any("panic", r))
			w.mgr.markError(w.inst.ID, fmt.Errorf("tick panic: %v", r))
		}
	}()

	err := w.mgr.runner.Tick(tickCtx, w.inst)
	elapsed := time.Since(start)

	if elapsed > time.Duration(float64(deadline)*slowTickThreshold) {
		w.inst.Runtime.ConsecutiveSlowTicks++
		log.Warn("slow tick",
			slog.Duration("elapsed", elapsed),
			slog.Duration("deadline", deadline),
			slog.Int("consecutive", w.inst.Runtime.ConsecutiveSlowTicks),
		)
	} else {
		w.inst.Runtime.ConsecutiveSlowTicks = 0
	}

	if err != nil {
		log.Error("tick failed", slog.String("error", err.Error()))
	}

	if perr := w.mgr.persist(w.inst); perr != nil {
		log.Warn("snapshot persist failed", slog.String("error", perr.Error()))
	}
}
