// Package store implements the low-latency cache/stream sink and the
// analytical bulk-insert sink.
//
// Trades land in append-only Redis streams keyed trades:{symbol}:{market},
// capped with approximate trimming. A deduplication set (local map plus
// trade_dedup:{hash} keys with TTL) suppresses replays inside the dedup
// window. Order books are plain values with a short TTL: latest wins, stale
// books expire on their own.
package store

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"pulseintel/internal/config"
	"pulseintel/internal/events"
)

// Sink is the Redis-backed cache/stream sink. Safe for concurrent use; all
// callers share one connection pool.
type Sink struct {
	client       redis.UniversalClient
	streamMaxLen int64
	orderbookTTL time.Duration
	dedupWindow  time.Duration

	mu        sync.Mutex
	seen      map[string]time.Time
	lastSweep time.Time
}

// NewSink connects the sink. TLS is enabled automatically for non-loopback
// peers.
func NewSink(cfg config.RedisConfig, tlsCfg config.TLSConfig) (*Sink, error) {
	opts := &redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		PoolSize: cfg.PoolSize,
	}
	if !isLoopback(cfg.Host) {
		tc, err := tlsCfg.ClientConfig()
		if err != nil {
			return nil, fmt.Errorf("redis tls: %w", err)
		}
		if tc == nil {
			tc = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		opts.TLSConfig = tc
	}

	return &Sink{
		client:       redis.NewClient(opts),
		streamMaxLen: cfg.StreamMaxLen,
		orderbookTTL: cfg.OrderbookTTL,
		dedupWindow:  cfg.DedupWindow,
		seen:         make(map[string]time.Time),
		lastSweep:    time.Now(),
	}, nil
}

// newSinkWithClient is used by tests to inject a mock client.
func newSinkWithClient(client redis.UniversalClient, cfg config.RedisConfig) *Sink {
	return &Sink{
		client:       client,
		streamMaxLen: cfg.StreamMaxLen,
		orderbookTTL: cfg.OrderbookTTL,
		dedupWindow:  cfg.DedupWindow,
		seen:         make(map[string]time.Time),
		lastSweep:    time.Now(),
	}
}

// TradeStreamKey returns the stream key for a symbol/market pair.
func TradeStreamKey(symbol, market string) string {
	return fmt.Sprintf("trades:%s:%s", symbol, market)
}

// OrderbookKey returns the order book key for a symbol/market pair.
func OrderbookKey(symbol, market string) string {
	return fmt.Sprintf("orderbook:%s:%s", symbol, market)
}

func dedupKey(hash string) string { return "trade_dedup:" + hash }

// PublishTrade appends the trade to its stream unless it was already seen
// inside the dedup window. Returns true when the trade was published,
// false on a dedup hit. Idempotent under retries.
func (s *Sink) PublishTrade(ctx context.Context, t events.Trade) (bool, error) {
	hash := t.Hash()
	if s.seenLocally(hash) {
		return false, nil
	}

	// SETNX doubles as existence check and claim, so concurrent publishers
	// of the same trade race safely.
	fresh, err := s.client.SetNX(ctx, dedupKey(hash), "1", s.dedupWindow).Result()
	if err != nil {
		return false, fmt.Errorf("dedup check: %w", err)
	}
	if !fresh {
		s.markSeen(hash)
		return false, nil
	}

	payload, err := Compress(t)
	if err != nil {
		return false, fmt.Errorf("encode trade: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: TradeStreamKey(t.Symbol, t.Market),
		MaxLen: s.streamMaxLen,
		Approx: true,
		ID:     fmt.Sprintf("%d-*", t.TimestampMS),
		Values: map[string]interface{}{"data": payload},
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		// The venue occasionally delivers trades out of source-timestamp
		// order; fall back to a server-assigned id rather than losing them.
		if strings.Contains(err.Error(), "equal or smaller") {
			args.ID = "*"
			err = s.client.XAdd(ctx, args).Err()
		}
		if err != nil {
			// Release the claim so a retry of the same trade is not swallowed
			// by the dedup window.
			if derr := s.client.Del(ctx, dedupKey(hash)).Err(); derr != nil {
				log.Warn().Err(derr).Str("hash", hash).Msg("dedup claim release failed")
			}
			return false, fmt.Errorf("stream append: %w", err)
		}
	}

	s.markSeen(hash)
	return true, nil
}

// PutBook stores the latest order book for a symbol with a short TTL.
func (s *Sink) PutBook(ctx context.Context, b events.BookUpdate) error {
	payload, err := Compress(b)
	if err != nil {
		return fmt.Errorf("encode book: %w", err)
	}
	if err := s.client.Set(ctx, OrderbookKey(b.Symbol, b.Market), payload, s.orderbookTTL).Err(); err != nil {
		return fmt.Errorf("book store: %w", err)
	}
	return nil
}

// Ping probes sink liveness.
func (s *Sink) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (s *Sink) Close() error {
	return s.client.Close()
}

func (s *Sink) seenLocally(hash string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if now.Sub(s.lastSweep) > time.Minute {
		for h, at := range s.seen {
			if now.Sub(at) > s.dedupWindow {
				delete(s.seen, h)
			}
		}
		s.lastSweep = now
	}

	at, ok := s.seen[hash]
	return ok && now.Sub(at) <= s.dedupWindow
}

func (s *Sink) markSeen(hash string) {
	s.mu.Lock()
	s.seen[hash] = time.Now()
	s.mu.Unlock()
}

// Compress serializes v to canonical JSON and gzips it. The dashboard
// readers mirror this encoding.
func Compress(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decompress reverses Compress into v.
func Decompress(data []byte, v interface{}) error {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

func isLoopback(host string) bool {
	switch host {
	case "localhost", "127.0.0.1", "::1", "":
		return true
	}
	if strings.HasPrefix(host, "127.") {
		return true
	}
	return false
}

func init() {
	// go-redis logs through the stdlib by default; keep it quiet and rely on
	// error returns surfaced to callers.
	redis.SetLogger(discardLogger{})
}

type discardLogger struct{}

func (discardLogger) Printf(_ context.Context, format string, v ...interface{}) {
	log.Debug().Msgf(format, v...)
}
