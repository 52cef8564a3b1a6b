// Package analytics maintains the running yield, P&L, and benchmark-yield
// statistics the data adapter folds into each market snapshot. Observations
// are fed by the executors and the adapter; reads are cheap and lock-scoped.
package analytics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/dlmmbot/internal/domain"
)

const (
	// sampleRetention bounds how long yield and benchmark samples are kept.
	sampleRetention = 2 * time.Hour
	// benchmarkWindow5 is the resolution of the current benchmark rate.
	benchmarkWindow5 = 5 * time.Minute
)

type yieldSample struct {
	at        time.Time
	pending   float64
	extracted float64
	rate      float64 // day-rate, %
}

type benchSample struct {
	at   time.Time
	rate float64 // normalized fee yield, %
}

type instanceState struct {
	samples       []yieldSample
	positionValue float64
	initial       float64
	openedAt      time.Time
}

// Service implements domain.AnalyticsService over in-memory state.
type Service struct {
	mu        sync.Mutex
	instances map[string]*instanceState
	pools     map[string][]benchSample
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates an empty analytics service.
func NewService(logger *slog.Logger) *Service {
	return &Service{
		instances: make(map[string]*instanceState),
		pools:     make(map[string][]benchSample),
		logger:    logger.With(slog.String("component", "analytics")),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// RecordYield feeds one pending/extracted yield observation for an instance.
// rate is the instantaneous day-rate in percent.
func (s *Service) RecordYield(instanceID string, pending, extracted, rate float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(instanceID)
	st.samples = append(st.samples, yieldSample{
		at:        s.now(),
		pending:   pending,
		extracted: extracted,
		rate:      rate,
	})
	st.samples = trimYield(st.samples, s.now().Add(-sampleRetention))
}

// RecordPosition feeds the current position value and the initial investment
// for an instance, both in the quote token.
func (s *Service) RecordPosition(instanceID string, value, initial float64, openedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(instanceID)
	st.positionValue = value
	st.initial = initial
	st.openedAt = openedAt
}

// RecordBenchmark feeds one pool-wide normalized fee-yield observation.
func (s *Service) RecordBenchmark(pool string, rate float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	samples := append(s.pools[pool], benchSample{at: s.now(), rate: rate})
	cutoff := s.now().Add(-sampleRetention)
	for len(samples) > 0 && samples[0].at.Before(cutoff) {
		samples = samples[1:]
	}
	s.pools[pool] = samples
}

// Forget drops all state for an instance, used when an instance is deleted.
func (s *Service) Forget(instanceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.instances, instanceID)
}

func (s *Service) state(id string) *instanceState {
	st, ok := s.instances[id]
	if !ok {
		st = &instanceState{}
		s.instances[id] = st
	}
	return st
}

// YieldStats aggregates the recorded yield samples for one instance.
func (s *Service) YieldStats(_ context.Context, instanceID string) (domain.YieldStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.instances[instanceID]
	if !ok || len(st.samples) == 0 {
		return domain.YieldStats{Trend: domain.YieldStable}, nil
	}

	latest := st.samples[len(st.samples)-1]
	stats := domain.YieldStats{
		PendingYield:   latest.pending,
		ExtractedYield: latest.extracted,
		YieldRate:      latest.rate,
	}

	stats.HistoricalRates = domain.HistoricalChanges{
		Change5Min:  rateAt(st.samples, s.now().Add(-5*time.Minute)),
		Change15Min: rateAt(st.samples, s.now().Add(-15*time.Minute)),
		Change1H:    rateAt(st.samples, s.now().Add(-time.Hour)),
	}

	stats.GrowthRate, stats.Trend = growth(st.samples)
	return stats, nil
}

// PnLReport returns the P&L view for one instance in the quote token.
func (s *Service) PnLReport(_ context.Context, instanceID string) (domain.PnLReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.instances[instanceID]
	if !ok {
		return domain.PnLReport{}, nil
	}

	var extracted float64
	if len(st.samples) > 0 {
		extracted = st.samples[len(st.samples)-1].extracted
	}
	rep := domain.PnLReport{
		PositionValue:     st.positionValue,
		InitialInvestment: st.initial,
		NetPnL:            st.positionValue + extracted - st.initial,
	}
	if !st.openedAt.IsZero() {
		rep.HoldingDuration = s.now().Sub(st.openedAt)
	}
	return rep, nil
}

// Benchmark returns the pool's benchmark yield rates. Each average is nil
// until its warm-up window has elapsed since runningSince.
func (s *Service) Benchmark(_ context.Context, pool string, runningSince time.Time) (domain.BenchmarkYieldRates, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	samples := s.pools[pool]
	now := s.now()
	var rates domain.BenchmarkYieldRates
	if len(samples) == 0 {
		return rates, nil
	}

	if cur := avgSince(samples, now.Add(-benchmarkWindow5)); cur != nil {
		rates.Current5Min = cur
	}
	elapsed := now.Sub(runningSince)
	if elapsed >= 5*time.Minute {
		rates.Avg5Min = avgSince(samples, now.Add(-5*time.Minute))
	}
	if elapsed >= 15*time.Minute {
		rates.Avg15Min = avgSince(samples, now.Add(-15*time.Minute))
	}
	if elapsed >= 30*time.Minute {
		rates.Avg30Min = avgSince(samples, now.Add(-30*time.Minute))
	}
	return rates, nil
}

// rateAt locates the first sample at or after cutoff and returns its rate.
func rateAt(samples []yieldSample, cutoff time.Time) *float64 {
	for _, sm := range samples {
		if !sm.at.Before(cutoff) {
			r := sm.rate
			return &r
		}
	}
	return nil
}

// growth derives the yield growth rate (% change between the oldest and
// newest retained rates) and the matching trend label.
func growth(samples []yieldSample) (float64, domain.YieldTrend) {
	if len(samples) < 2 {
		return 0, domain.YieldStable
	}
	first, last := samples[0].rate, samples[len(samples)-1].rate
	if first == 0 {
		return 0, domain.YieldStable
	}
	g := (last - first) / first * 100
	switch {
	case g > 5:
		return g, domain.YieldIncreasing
	case g < -5:
		return g, domain.YieldDecreasing
	default:
		return g, domain.YieldStable
	}
}

func avgSince(samples []benchSample, cutoff time.Time) *float64 {
	var sum float64
	var n int
	for _, sm := range samples {
		if sm.at.Before(cutoff) {
			continue
		}
		sum += sm.rate
		n++
	}
	if n == 0 {
		return nil
	}
	avg := sum / float64(n)
	return &avg
}

func trimYield(samples []yieldSample, cutoff time.Time) []yieldSample {
	i := 0
	for i < len(samples) && samples[i].at.Before(cutoff) {
		i++
	}
	return samples[i:]
}

var _ domain.AnalyticsService = (*Service)(nil)
