package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"pulseintel/internal/telemetry"
)

// Probe states reported per dependency.
const (
	ProbeHealthy = "healthy"
	ProbeFailed  = "failed"
	ProbeUnknown = "unknown"
)

// Overall status taxonomy surfaced by the control plane.
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
	StatusCritical = "critical"
)

// SLO thresholds over the aggregate rate-limiter stats.
const (
	minThroughput = 0.5
	maxErrorRate  = 0.25
)

// Pinger is a dependency with a cheap liveness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Prober is the catalog-side probe (public endpoint round-trip).
type Prober interface {
	Probe(ctx context.Context) error
}

// StatsSource exposes the aggregate request outcomes of all rate limiters.
type StatsSource interface {
	Aggregate() (total, successful, failed int64)
}

// Snapshot is the state of the last probe cycle.
type Snapshot struct {
	Overall        string    `json:"overall"`
	Redis          string    `json:"redis"`
	Catalog        string    `json:"catalog"`
	Analytics      string    `json:"analytics"`
	Throughput     float64   `json:"throughput"`
	ErrorRate      float64   `json:"error_rate"`
	FailoverActive bool      `json:"failover_active"`
	FailoverReason string    `json:"failover_reason,omitempty"`
	CheckedAt      time.Time `json:"checked_at"`
}

// Supervisor probes the sink, the catalog and the analytical store on a
// fixed cadence and drives the failover latch. Probe cadence tightens to
// failureInterval after any failed cycle.
type Supervisor struct {
	redis     Pinger
	catalog   Prober
	analytics Pinger // nil when the analytical store is not configured
	stats     StatsSource
	latch     *Latch
	metrics   *telemetry.Metrics

	interval        time.Duration
	failureInterval time.Duration
	probeTimeout    time.Duration

	mu   sync.RWMutex
	last Snapshot
}

// NewSupervisor wires the supervisor. analytics may be nil; its probe is
// then reported as unknown, never healthy.
func NewSupervisor(redis Pinger, catalog Prober, analytics Pinger,
	stats StatsSource, latch *Latch, metrics *telemetry.Metrics, interval time.Duration) *Supervisor {
	return &Supervisor{
		redis:           redis,
		catalog:         catalog,
		analytics:       analytics,
		stats:           stats,
		latch:           latch,
		metrics:         metrics,
		interval:        interval,
		failureInterval: 5 * time.Second,
		probeTimeout:    10 * time.Second,
		last:            Snapshot{Overall: StatusHealthy, Redis: ProbeUnknown, Catalog: ProbeUnknown, Analytics: ProbeUnknown},
	}
}

// Run probes until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	timer := time.NewTimer(s.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		snap := s.Check(ctx)

		next := s.interval
		if snap.Overall != StatusHealthy {
			next = s.failureInterval
		}
		timer.Reset(next)
	}
}

// Check runs one probe cycle immediately and returns the new snapshot.
func (s *Supervisor) Check(ctx context.Context) Snapshot {
	snap := Snapshot{CheckedAt: time.Now()}

	snap.Redis = s.probe(ctx, s.redis.Ping)
	snap.Catalog = s.probe(ctx, s.catalog.Probe)
	if s.analytics != nil {
		snap.Analytics = s.probe(ctx, s.analytics.Ping)
	} else {
		snap.Analytics = ProbeUnknown
	}

	total, successful, _ := s.stats.Aggregate()
	if total > 0 {
		snap.Throughput = float64(successful) / float64(total)
		snap.ErrorRate = 1 - snap.Throughput
	} else {
		snap.Throughput = 1
	}

	reason := ""
	switch {
	case snap.Redis == ProbeFailed:
		reason = "redis ping failed"
	case snap.Catalog == ProbeFailed:
		reason = "catalog probe failed"
	case total > 0 && snap.Throughput < minThroughput:
		reason = fmt.Sprintf("throughput %.2f below %.2f", snap.Throughput, minThroughput)
	case total > 0 && snap.ErrorRate > maxErrorRate:
		reason = fmt.Sprintf("error rate %.2f above %.2f", snap.ErrorRate, maxErrorRate)
	}

	if reason != "" {
		if !s.latch.Active() {
			log.Warn().Str("reason", reason).Msg("failover latch set")
		}
		s.latch.Set(reason)
		s.metrics.FailoverActive.Set(1)
	} else if s.latch.Active() {
		log.Info().Msg("failover latch cleared")
		s.latch.Clear()
		s.metrics.FailoverActive.Set(0)
	}

	snap.FailoverActive = s.latch.Active()
	snap.FailoverReason = s.latch.Reason()
	snap.Overall = s.classify(snap)

	s.mu.Lock()
	s.last = snap
	s.mu.Unlock()
	return snap
}

// Status returns the latest snapshot without probing.
func (s *Supervisor) Status() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

func (s *Supervisor) probe(ctx context.Context, fn func(context.Context) error) string {
	pctx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	defer cancel()
	if err := fn(pctx); err != nil {
		log.Warn().Err(err).Msg("dependency probe failed")
		return ProbeFailed
	}
	return ProbeHealthy
}

func (s *Supervisor) classify(snap Snapshot) string {
	if snap.Redis == ProbeFailed || snap.Catalog == ProbeFailed {
		return StatusCritical
	}
	if snap.FailoverActive || snap.Analytics == ProbeFailed {
		return StatusDegraded
	}
	return StatusHealthy
}
