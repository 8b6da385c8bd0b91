package ratelimit

import "sync"

// Registry manages the named limiters of a process. Sessions, the catalog
// client and the control plane each acquire their bucket by name; the health
// supervisor aggregates across all of them.
type Registry struct {
	mu       sync.RWMutex
	limiters map[string]*Limiter
	baseRPS  float64
	burst    int
}

// NewRegistry creates a registry whose buckets default to the given rate.
func NewRegistry(baseRPS float64, burst int) *Registry {
	return &Registry{
		limiters: make(map[string]*Limiter),
		baseRPS:  baseRPS,
		burst:    burst,
	}
}

// Get returns the limiter for name, creating it on first use.
func (r *Registry) Get(name string) *Limiter {
	r.mu.RLock()
	l, ok := r.limiters[name]
	r.mu.RUnlock()
	if ok {
		return l
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[name]; ok {
		return l
	}
	l = NewLimiter(name, r.baseRPS, r.burst)
	r.limiters[name] = l
	return l
}

// UpdateBaseRate hot-replaces the base rate of every registered limiter and
// of buckets created afterwards.
func (r *Registry) UpdateBaseRate(rps float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.baseRPS = rps
	for _, l := range r.limiters {
		l.UpdateBaseRate(rps)
	}
}

// Stats returns per-limiter snapshots keyed by name.
func (r *Registry) Stats() map[string]Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Stats, len(r.limiters))
	for name, l := range r.limiters {
		out[name] = l.Stats()
	}
	return out
}

// Aggregate sums request outcomes across all limiters. Used by the health
// supervisor for throughput and error-rate SLOs.
func (r *Registry) Aggregate() (total, successful, failed int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, l := range r.limiters {
		s := l.Stats()
		total += s.TotalRequests
		successful += s.SuccessfulRequests
		failed += s.FailedRequests
	}
	return total, successful, failed
}
