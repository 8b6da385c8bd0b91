package upstream

import (
	"context"
	"crypto/tls"
	"sync"

	"github.com/rs/zerolog/log"

	"pulseintel/internal/events"
	"pulseintel/internal/health"
	"pulseintel/internal/ratelimit"
	"pulseintel/internal/telemetry"
)

// Supervisor owns the streaming sessions. Reconfiguration is
// destroy-and-recreate: Restart stops every session, waits for them to
// terminate, and starts a new set from the given groups.
type Supervisor struct {
	sink        TradeSink
	broadcaster Broadcaster
	registry    *ratelimit.Registry
	latch       *health.Latch
	metrics     *telemetry.Metrics
	tlsCfg      *tls.Config

	mu       sync.Mutex
	baseCtx  context.Context
	sessions []*Session
	wg       sync.WaitGroup
}

// NewSupervisor wires the supervisor. tlsCfg may be nil.
func NewSupervisor(sink TradeSink, broadcaster Broadcaster, registry *ratelimit.Registry,
	latch *health.Latch, metrics *telemetry.Metrics, tlsCfg *tls.Config) *Supervisor {
	return &Supervisor{
		sink:        sink,
		broadcaster: broadcaster,
		registry:    registry,
		latch:       latch,
		metrics:     metrics,
		tlsCfg:      tlsCfg,
	}
}

// Bind sets the lifecycle context sessions run under. Must be called before
// Start; restarts triggered later (e.g. from a request handler) keep using
// this context, not the caller's.
func (s *Supervisor) Bind(ctx context.Context) {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()
}

// Start launches one session per group. A zero-length group list is valid
// and starts nothing.
func (s *Supervisor) Start(groups []events.SubscriptionGroup, includeBooks bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx := s.baseCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, group := range groups {
		sess, err := NewSession(group, includeBooks, s.sink, s.broadcaster,
			s.registry.Get("ws-"+group.ID), s.latch, s.metrics, s.tlsCfg)
		if err != nil {
			return err
		}
		s.sessions = append(s.sessions, sess)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			sess.Run(ctx)
		}()
	}
	log.Info().Int("sessions", len(groups)).Bool("books", includeBooks).Msg("upstream sessions started")
	return nil
}

// StopAll terminates every session and waits for them to drain.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = nil
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.Stop()
	}
	s.wg.Wait()
	if len(sessions) > 0 {
		log.Info().Int("sessions", len(sessions)).Msg("upstream sessions stopped")
	}
}

// Restart replaces the running session set with one built from groups.
func (s *Supervisor) Restart(groups []events.SubscriptionGroup, includeBooks bool) error {
	s.StopAll()
	return s.Start(groups, includeBooks)
}

// Stats snapshots every active session.
func (s *Supervisor) Stats() []Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Stats, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Stats())
	}
	return out
}
