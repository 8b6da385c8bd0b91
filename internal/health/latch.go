// Package health runs the periodic dependency probes and owns the upstream
// failover latch.
package health

import (
	"sync"
	"sync/atomic"
)

// Latch is the process-wide failover flag. When set, no new upstream session
// may start streaming; existing sessions drain at their next reconnect cycle.
type Latch struct {
	active atomic.Bool

	mu     sync.Mutex
	reason string
}

// NewLatch returns a cleared latch.
func NewLatch() *Latch { return &Latch{} }

// Set raises the latch with a human-readable reason. Idempotent.
func (l *Latch) Set(reason string) {
	l.mu.Lock()
	l.reason = reason
	l.mu.Unlock()
	l.active.Store(true)
}

// Clear lowers the latch.
func (l *Latch) Clear() {
	l.active.Store(false)
	l.mu.Lock()
	l.reason = ""
	l.mu.Unlock()
}

// Active reports whether failover is in effect. Lock-free; safe to call from
// every session's reconnect path.
func (l *Latch) Active() bool { return l.active.Load() }

// Reason returns why the latch was last set, empty when clear.
func (l *Latch) Reason() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reason
}
