// Package ratelimit provides adaptive per-caller token-bucket rate limiting.
// Each named caller owns one bucket; feedback from request outcomes tunes the
// effective rate and an exponential back-off factor.
package ratelimit

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// maxSleep bounds a single throttle wait; the caller re-checks afterwards.
const maxSleep = 5 * time.Second

// Limiter is an adaptive token bucket. Tokens refill continuously at the
// current rate up to the burst capacity. After throttle signals the rate is
// halved and a back-off factor widens the minimum inter-request interval;
// sustained success decays both back toward the base rate.
//
// Invariants: 0 <= tokens <= burst, rate in [1, 1.5*base], backoff in [1, 4].
type Limiter struct {
	name  string
	burst int

	mu          sync.Mutex
	bucket      *rate.Limiter
	baseRPS     float64
	currentRPS  float64
	backoff     float64
	lastRequest time.Time

	total     int64
	succeeded int64
	failed    int64
	throttled int64

	consecSuccesses int
	consecFailures  int
}

// Stats is a read-only snapshot of limiter state.
type Stats struct {
	Name                 string  `json:"name"`
	BaseRPS              float64 `json:"base_rps"`
	CurrentRPS           float64 `json:"current_rps"`
	BackoffFactor        float64 `json:"backoff_factor"`
	Tokens               float64 `json:"tokens"`
	TotalRequests        int64   `json:"total_requests"`
	SuccessfulRequests   int64   `json:"successful_requests"`
	FailedRequests       int64   `json:"failed_requests"`
	ThrottledRequests    int64   `json:"throttled_requests"`
	ConsecutiveSuccesses int     `json:"consecutive_successes"`
	ConsecutiveFailures  int     `json:"consecutive_failures"`
}

// NewLimiter creates a limiter with the given base rate and burst capacity.
func NewLimiter(name string, baseRPS float64, burst int) *Limiter {
	if baseRPS < 1 {
		baseRPS = 1
	}
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		name:       name,
		burst:      burst,
		bucket:     rate.NewLimiter(rate.Limit(baseRPS), burst),
		baseRPS:    baseRPS,
		currentRPS: baseRPS,
		backoff:    1,
	}
}

// Acquire blocks until one token is available and the back-off floor has
// elapsed, then consumes the token. It only fails when ctx is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	blocked := false
	for {
		l.mu.Lock()
		res := l.bucket.Reserve()
		wait := res.Delay()
		if l.backoff > 1 {
			floor := time.Duration(float64(time.Second) / l.currentRPS * l.backoff)
			if since := time.Since(l.lastRequest); since < floor && floor-since > wait {
				wait = floor - since
			}
		}
		if wait <= 0 {
			l.lastRequest = time.Now()
			l.total++
			l.mu.Unlock()
			return nil
		}
		res.Cancel()
		// One throttled wait per acquisition, however many sleep passes the
		// wait is split into.
		if !blocked {
			blocked = true
			l.throttled++
		}
		l.mu.Unlock()

		if wait > maxSleep {
			wait = maxSleep
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// ReportSuccess records a successful request and relaxes back-off after
// sustained success: the factor decays from 20 consecutive successes on, and
// the rate creeps back toward 1.5x base from 50 on.
func (l *Limiter) ReportSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.succeeded++
	l.consecSuccesses++
	l.consecFailures = 0

	if l.consecSuccesses >= 20 && l.backoff > 1 {
		l.backoff = max(1, l.backoff*0.9)
	}
	if l.consecSuccesses >= 50 && l.currentRPS < l.baseRPS*1.5 {
		l.setRate(min(l.baseRPS*1.5, l.currentRPS*1.05))
	}
}

// ReportError records a failed request. Throttle signals halve the rate and
// double the back-off factor; a run of other errors widens the factor more
// gently.
func (l *Limiter) ReportError(kind, message string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.failed++
	l.consecFailures++
	l.consecSuccesses = 0

	if isThrottleSignal(kind) || isThrottleSignal(message) {
		l.backoff = min(4, l.backoff*2)
		l.setRate(max(1, l.currentRPS*0.5))
		log.Warn().Str("limiter", l.name).
			Float64("rps", l.currentRPS).Float64("backoff", l.backoff).
			Msg("throttle signal, backing off")
		return
	}
	if l.consecFailures >= 5 {
		l.backoff = min(2, l.backoff*1.5)
	}
}

// UpdateBaseRate hot-replaces the target rate, e.g. when the capability tier
// changes. Bucket tokens are implicitly clamped to the burst capacity.
func (l *Limiter) UpdateBaseRate(rps float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if rps < 1 {
		rps = 1
	}
	if rps == l.baseRPS {
		return
	}
	old := l.baseRPS
	l.baseRPS = rps
	l.setRate(rps)
	log.Info().Str("limiter", l.name).Float64("old_rps", old).Float64("new_rps", rps).
		Msg("base rate updated")
}

// Tokens reports the tokens currently available.
func (l *Limiter) Tokens() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bucket.Tokens()
}

// Stats returns a snapshot of the limiter state.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		Name:                 l.name,
		BaseRPS:              l.baseRPS,
		CurrentRPS:           l.currentRPS,
		BackoffFactor:        l.backoff,
		Tokens:               l.bucket.Tokens(),
		TotalRequests:        l.total,
		SuccessfulRequests:   l.succeeded,
		FailedRequests:       l.failed,
		ThrottledRequests:    l.throttled,
		ConsecutiveSuccesses: l.consecSuccesses,
		ConsecutiveFailures:  l.consecFailures,
	}
}

// setRate applies a new effective rate. Callers hold l.mu.
func (l *Limiter) setRate(rps float64) {
	l.currentRPS = rps
	l.bucket.SetLimit(rate.Limit(rps))
}

func isThrottleSignal(s string) bool {
	s = strings.ToLower(s)
	for _, kw := range []string{"rate limit", "too many requests", "429", "throttle"} {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
