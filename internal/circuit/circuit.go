// Package circuit gates risky outbound operations behind a
// closed/open/half-open breaker.
package circuit

import (
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned when a call is short-circuited.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State mirrors the breaker state for status endpoints.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config controls when the breaker trips and when it probes recovery.
type Config struct {
	FailureThreshold uint32        // consecutive failures to open
	ResetTimeout     time.Duration // open -> half-open delay
}

// DefaultConfig matches the upstream REST failure profile: trip after five
// consecutive failures, probe again after a minute.
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, ResetTimeout: 60 * time.Second}
}

// Breaker wraps a single risky operation class. In the open state calls are
// rejected with ErrCircuitOpen; the first half-open success closes it again.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// NewBreaker creates a named breaker.
func NewBreaker(name string, cfg Config) *Breaker {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout == 0 {
		cfg.ResetTimeout = 60 * time.Second
	}
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("circuit state change")
		},
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// Execute runs fn unless the breaker is open. Failures of fn are returned
// unchanged; short-circuited calls return ErrCircuitOpen.
func (b *Breaker) Execute(fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	return err
}

// State reports the current breaker state.
func (b *Breaker) State() State {
	switch b.cb.State() {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Counts exposes the rolling failure counters for status endpoints.
func (b *Breaker) Counts() gobreaker.Counts {
	return b.cb.Counts()
}
