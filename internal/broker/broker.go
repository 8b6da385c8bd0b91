// Package broker fans ingested market data out to dashboard websocket
// clients, one channel per symbol, with debounced latest-wins batching.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"pulseintel/internal/telemetry"
)

// errorCooldown is the minimum pause after an internal flusher error.
const errorCooldown = 100 * time.Millisecond

// helloFrame is the one-shot greeting sent on connect.
type helloFrame struct {
	Type         string `json:"type"`
	Status       string `json:"status"`
	Symbol       string `json:"symbol"`
	ServerTimeMS int64  `json:"server_time_ms"`
}

// pendingSlot holds the undelivered messages for one symbol. With a positive
// debounce the slot carries at most one message (latest wins); with debounce
// zero messages queue up and are all delivered at the next flush.
type pendingSlot struct {
	msgs         [][]byte
	lastAccepted time.Time
}

// Metrics is the broker's counter snapshot.
type Metrics struct {
	MessagesSent     int64 `json:"messages_sent"`
	MessagesQueued   int64 `json:"messages_queued"`
	ConnectionsTotal int64 `json:"connections_total"`
	ErrorsCount      int64 `json:"errors_count"`
	ActiveSymbols    int   `json:"active_symbols"`
	TotalConnections int   `json:"total_connections"`
}

// Broker multiplexes per-symbol message streams to attached client sessions.
// Safe for many producers and consumers; the flusher is the only sender.
type Broker struct {
	telemetry *telemetry.Metrics

	mu       sync.Mutex
	channels map[string]map[*ClientSession]struct{}
	pending  map[string]*pendingSlot

	debounce      atomic.Int64 // nanoseconds
	batchInterval atomic.Int64 // nanoseconds

	messagesSent     atomic.Int64
	messagesQueued   atomic.Int64
	connectionsTotal atomic.Int64
	errorsCount      atomic.Int64
}

// NewBroker creates a broker with the given default debounce and flush
// interval.
func NewBroker(debounce, batchInterval time.Duration, tm *telemetry.Metrics) *Broker {
	b := &Broker{
		telemetry: tm,
		channels:  make(map[string]map[*ClientSession]struct{}),
		pending:   make(map[string]*pendingSlot),
	}
	b.debounce.Store(int64(debounce))
	b.batchInterval.Store(int64(batchInterval))
	return b
}

// SetIntervals hot-tunes the flush cadence and default debounce. Zero values
// leave the corresponding setting unchanged.
func (b *Broker) SetIntervals(batchInterval, debounce time.Duration) {
	if batchInterval > 0 {
		b.batchInterval.Store(int64(batchInterval))
	}
	if debounce >= 0 {
		b.debounce.Store(int64(debounce))
	}
	log.Info().
		Dur("batch_interval", time.Duration(b.batchInterval.Load())).
		Dur("debounce", time.Duration(b.debounce.Load())).
		Msg("broker intervals updated")
}

// Connect attaches a session to a symbol channel and sends the hello frame.
func (b *Broker) Connect(sess *ClientSession, symbol string) {
	b.mu.Lock()
	set, ok := b.channels[symbol]
	if !ok {
		set = make(map[*ClientSession]struct{})
		b.channels[symbol] = set
	}
	set[sess] = struct{}{}
	b.mu.Unlock()

	b.connectionsTotal.Add(1)
	b.telemetry.ClientsConnected.Inc()

	hello, _ := json.Marshal(helloFrame{
		Type:         "connection",
		Status:       "connected",
		Symbol:       symbol,
		ServerTimeMS: time.Now().UnixMilli(),
	})
	if !sess.enqueue(hello) {
		b.Disconnect(sess, symbol)
		return
	}
	log.Debug().Str("session", sess.ID()).Str("symbol", symbol).Msg("client attached")
}

// Disconnect removes a session from a symbol channel, deleting the channel
// when it empties. Idempotent.
func (b *Broker) Disconnect(sess *ClientSession, symbol string) {
	b.mu.Lock()
	set, ok := b.channels[symbol]
	if ok {
		if _, attached := set[sess]; attached {
			delete(set, sess)
			b.telemetry.ClientsConnected.Dec()
		}
		if len(set) == 0 {
			delete(b.channels, symbol)
		}
	}
	b.mu.Unlock()
	sess.Close()
}

// Broadcast enqueues a message for a symbol using the default debounce.
func (b *Broker) Broadcast(symbol string, message []byte) {
	b.BroadcastDebounced(symbol, message, time.Duration(b.debounce.Load()))
}

// BroadcastDebounced enqueues with an explicit debounce. A zero debounce
// disables coalescing: every message is retained and batch-sent in order.
func (b *Broker) BroadcastDebounced(symbol string, message []byte, debounce time.Duration) {
	now := time.Now()

	b.mu.Lock()
	slot, ok := b.pending[symbol]
	if !ok {
		slot = &pendingSlot{}
		b.pending[symbol] = slot
	}
	switch {
	case debounce <= 0:
		slot.msgs = append(slot.msgs, message)
		slot.lastAccepted = now
	case len(slot.msgs) > 0 && now.Sub(slot.lastAccepted) < debounce:
		// Inside the debounce window: latest wins, timestamp holds.
		slot.msgs[len(slot.msgs)-1] = message
	default:
		slot.msgs = [][]byte{message}
		slot.lastAccepted = now
	}
	b.mu.Unlock()

	b.messagesQueued.Add(1)
}

// Run drives the background flusher until ctx is cancelled. The flusher
// never aborts: internal failures are counted, logged, and followed by a
// cooldown pause.
func (b *Broker) Run(ctx context.Context) {
	for {
		interval := time.Duration(b.batchInterval.Load())
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		if err := b.flushOnce(); err != nil {
			b.errorsCount.Add(1)
			log.Error().Err(err).Msg("broker flush error")
			select {
			case <-ctx.Done():
				return
			case <-time.After(errorCooldown):
			}
		}
	}
}

// flushOnce delivers the pending messages of every symbol to its attached
// sessions. Sessions that cannot accept are reaped.
func (b *Broker) flushOnce() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError{r}
		}
	}()

	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return nil
	}
	batch := b.pending
	b.pending = make(map[string]*pendingSlot)

	targets := make(map[string][]*ClientSession, len(batch))
	for symbol := range batch {
		set := b.channels[symbol]
		sessions := make([]*ClientSession, 0, len(set))
		for sess := range set {
			sessions = append(sessions, sess)
		}
		targets[symbol] = sessions
	}
	b.mu.Unlock()

	var reaped []reapTarget
	for symbol, slot := range batch {
		sessions := targets[symbol]
		if len(sessions) == 0 {
			// No attached clients: the pending slot is dropped, nothing was
			// sent.
			continue
		}
		for _, msg := range slot.msgs {
			b.messagesSent.Add(1)
			b.telemetry.BroadcastsSent.Inc()
			for _, sess := range sessions {
				if !sess.enqueue(msg) {
					reaped = append(reaped, reapTarget{sess, symbol})
				}
			}
		}
	}

	for _, r := range reaped {
		log.Warn().Str("session", r.sess.ID()).Str("symbol", r.symbol).Msg("reaping slow client session")
		b.Disconnect(r.sess, r.symbol)
	}
	return nil
}

type reapTarget struct {
	sess   *ClientSession
	symbol string
}

type panicError struct{ v interface{} }

func (p panicError) Error() string { return fmt.Sprintf("broker internal panic: %v", p.v) }

// Metrics returns the broker counter snapshot.
func (b *Broker) Metrics() Metrics {
	b.mu.Lock()
	activeSymbols := len(b.channels)
	total := 0
	for _, set := range b.channels {
		total += len(set)
	}
	b.mu.Unlock()

	return Metrics{
		MessagesSent:     b.messagesSent.Load(),
		MessagesQueued:   b.messagesQueued.Load(),
		ConnectionsTotal: b.connectionsTotal.Load(),
		ErrorsCount:      b.errorsCount.Load(),
		ActiveSymbols:    activeSymbols,
		TotalConnections: total,
	}
}
