package store

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"pulseintel/internal/events"
)

// Archiver buffers published trades and bulk-inserts them into the
// analytical store in the background. Losing a batch on a crash is
// acceptable; the stream sink remains the source of truth.
type Archiver struct {
	analytics     *Analytics
	flushInterval time.Duration

	mu  sync.Mutex
	buf []events.Trade
}

// NewArchiver wraps the analytical sink with a periodic flusher.
func NewArchiver(analytics *Analytics, flushInterval time.Duration) *Archiver {
	return &Archiver{analytics: analytics, flushInterval: flushInterval}
}

// Enqueue buffers one trade for the next flush. Never blocks.
func (a *Archiver) Enqueue(t events.Trade) {
	a.mu.Lock()
	a.buf = append(a.buf, t)
	a.mu.Unlock()
}

// Run flushes on a fixed cadence until ctx is cancelled, then drains once.
func (a *Archiver) Run(ctx context.Context) {
	ticker := time.NewTicker(a.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			a.flush(drainCtx)
			cancel()
			return
		case <-ticker.C:
			a.flush(ctx)
		}
	}
}

func (a *Archiver) flush(ctx context.Context) {
	a.mu.Lock()
	batch := a.buf
	a.buf = nil
	a.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	if err := a.analytics.InsertTrades(ctx, batch); err != nil {
		log.Warn().Err(err).Int("rows", len(batch)).Msg("trade archive flush failed")
	}
}
