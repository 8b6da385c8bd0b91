// Package upstream runs the venue streaming sessions: one websocket per
// subscription group, feeding the cache sink and the fan-out broker.
package upstream

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"pulseintel/internal/config"
	"pulseintel/internal/events"
	"pulseintel/internal/health"
	"pulseintel/internal/ratelimit"
	"pulseintel/internal/telemetry"
)

// Session lifecycle states.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateSubscribing
	StateStreaming
	StateDraining
	StateReconnecting
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateSubscribing:
		return "subscribing"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateReconnecting:
		return "reconnecting"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

const (
	handshakeTimeout = 10 * time.Second
	idleTimeout      = 60 * time.Second
	pingInterval     = 20 * time.Second
	pongDeadline     = 10 * time.Second
	drainTimeout     = 10 * time.Second
	maxBackoff       = 60 * time.Second
	latchWait        = 5 * time.Second
)

// TradeSink receives parsed market data. Satisfied by the Redis store.
type TradeSink interface {
	PublishTrade(ctx context.Context, t events.Trade) (bool, error)
	PutBook(ctx context.Context, b events.BookUpdate) error
}

// Broadcaster pushes fresh trades to dashboard clients.
type Broadcaster interface {
	Broadcast(symbol string, message []byte)
}

// Stats is a session's observable state, surfaced via /user/status.
type Stats struct {
	GroupID         string    `json:"group_id"`
	Market          string    `json:"market"`
	State           string    `json:"state"`
	Symbols         int       `json:"symbols"`
	FramesReceived  int64     `json:"frames_received"`
	TradesForwarded int64     `json:"trades_forwarded"`
	BooksForwarded  int64     `json:"books_forwarded"`
	StreamErrors    int64     `json:"stream_errors"`
	Reconnects      int64     `json:"reconnects"`
	LastFrameAt     time.Time `json:"last_frame_at"`
}

// Session streams one subscription group. Create with NewSession, drive with
// Run, stop by cancelling the context or calling Stop.
type Session struct {
	group        events.SubscriptionGroup
	mapping      config.MarketMapping
	includeBooks bool

	sink        TradeSink
	broadcaster Broadcaster
	limiter     *ratelimit.Limiter
	latch       *health.Latch
	metrics     *telemetry.Metrics
	dialer      *websocket.Dialer
	logger      zerolog.Logger

	members map[string]struct{}

	state    atomic.Int32
	stopOnce sync.Once
	stopped  chan struct{}

	framesReceived  atomic.Int64
	tradesForwarded atomic.Int64
	booksForwarded  atomic.Int64
	streamErrors    atomic.Int64
	reconnects      atomic.Int64
	lastFrameUnixNS atomic.Int64
}

// NewSession builds a session for one group. tlsCfg may be nil.
func NewSession(group events.SubscriptionGroup, includeBooks bool, sink TradeSink,
	broadcaster Broadcaster, limiter *ratelimit.Limiter, latch *health.Latch,
	metrics *telemetry.Metrics, tlsCfg *tls.Config) (*Session, error) {

	mapping, ok := config.MarketMappings[group.Market]
	if !ok {
		return nil, fmt.Errorf("upstream: unsupported market %q", group.Market)
	}

	members := make(map[string]struct{}, len(group.Symbols))
	for _, sym := range group.Symbols {
		members[sym] = struct{}{}
	}

	return &Session{
		group:        group,
		mapping:      mapping,
		includeBooks: includeBooks,
		sink:         sink,
		broadcaster:  broadcaster,
		limiter:      limiter,
		latch:        latch,
		metrics:      metrics,
		dialer: &websocket.Dialer{
			HandshakeTimeout: handshakeTimeout,
			TLSClientConfig:  tlsCfg,
		},
		logger:  log.With().Str("group", group.ID).Str("market", group.Market).Logger(),
		members: members,
		stopped: make(chan struct{}),
	}, nil
}

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Stop terminates the session. Idempotent.
func (s *Session) Stop() {
	s.stopOnce.Do(func() { close(s.stopped) })
}

// Stats snapshots the session counters.
func (s *Session) Stats() Stats {
	var lastFrame time.Time
	if ns := s.lastFrameUnixNS.Load(); ns > 0 {
		lastFrame = time.Unix(0, ns)
	}
	return Stats{
		GroupID:         s.group.ID,
		Market:          s.group.Market,
		State:           s.State().String(),
		Symbols:         len(s.group.Symbols),
		FramesReceived:  s.framesReceived.Load(),
		TradesForwarded: s.tradesForwarded.Load(),
		BooksForwarded:  s.booksForwarded.Load(),
		StreamErrors:    s.streamErrors.Load(),
		Reconnects:      s.reconnects.Load(),
		LastFrameAt:     lastFrame,
	}
}

// Run drives the connect/subscribe/stream loop until stopped. Reconnects
// back off exponentially, capped at maxBackoff; the attempt counter resets
// once the session reaches streaming.
func (s *Session) Run(ctx context.Context) {
	defer s.setState(StateTerminated)

	attempt := 0
	for {
		if s.done(ctx) {
			return
		}

		s.setState(StateConnecting)
		if s.latch.Active() {
			// Failover in effect: do not touch the venue, park and re-check.
			s.setState(StateIdle)
			s.logger.Debug().Msg("failover active, session idle")
			if !s.sleep(ctx, latchWait) {
				return
			}
			continue
		}

		streamed, err := s.runOnce(ctx)
		if s.done(ctx) {
			return
		}
		if streamed {
			attempt = 0
		}
		if err != nil {
			s.streamErrors.Add(1)
			s.logger.Warn().Err(err).Int("attempt", attempt).Msg("session error")
		}

		s.setState(StateReconnecting)
		s.reconnects.Add(1)
		s.metrics.Reconnects.WithLabelValues(s.group.Market).Inc()
		backoff := time.Duration(math.Min(math.Pow(2, float64(attempt)), maxBackoff.Seconds())) * time.Second
		attempt++
		if !s.sleep(ctx, backoff) {
			return
		}
	}
}

// runOnce performs a single connect/subscribe/stream cycle. The bool result
// reports whether the session reached the streaming state.
func (s *Session) runOnce(ctx context.Context) (bool, error) {
	conn, _, err := s.dialer.DialContext(ctx, s.mapping.WSURL, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", s.mapping.WSURL, err)
	}
	defer conn.Close()

	s.setState(StateSubscribing)
	if err := s.subscribe(ctx, conn); err != nil {
		return false, err
	}

	s.setState(StateStreaming)
	s.metrics.SessionsActive.Inc()
	defer s.metrics.SessionsActive.Dec()
	s.logger.Info().Int("symbols", len(s.group.Symbols)).Msg("session streaming")

	err = s.stream(ctx, conn)

	s.setState(StateDraining)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(drainTimeout))
	return true, err
}

// subscribe sends the batched subscribe envelope for the whole group. Book
// channels are requested only for privileged profiles.
func (s *Session) subscribe(ctx context.Context, conn *websocket.Conn) error {
	args := make([]subscribeArg, 0, len(s.group.Symbols)*2)
	for _, sym := range s.group.Symbols {
		instID := sym + s.mapping.Suffix
		args = append(args, subscribeArg{
			InstType: s.mapping.InstType,
			Channel:  "trade",
			InstID:   instID,
		})
		if s.includeBooks {
			args = append(args, subscribeArg{
				InstType: s.mapping.InstType,
				Channel:  "books50",
				InstID:   instID,
			})
		}
	}

	if err := s.limiter.Acquire(ctx); err != nil {
		return err
	}
	if err := conn.WriteJSON(subscribeEnvelope{Op: "subscribe", Args: args}); err != nil {
		s.limiter.ReportError("subscribe_write", err.Error())
		return fmt.Errorf("subscribe write: %w", err)
	}
	s.limiter.ReportSuccess()
	return nil
}

// stream consumes frames until the connection dies, the session is stopped,
// or the idle timeout fires.
func (s *Session) stream(ctx context.Context, conn *websocket.Conn) error {
	stop := make(chan struct{})
	defer close(stop)

	pongOK := make(chan struct{}, 1)
	writeErr := make(chan error, 1)
	go s.heartbeat(conn, stop, pongOK, writeErr)

	subscribed := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stopped:
			return nil
		case err := <-writeErr:
			return err
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(idleTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		s.framesReceived.Add(1)
		s.lastFrameUnixNS.Store(time.Now().UnixNano())
		select {
		case pongOK <- struct{}{}:
		default:
		}

		if string(raw) == "pong" {
			continue
		}

		var frame wsFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			s.metrics.DecodeErrors.Inc()
			s.logger.Debug().Err(err).Msg("undecodable frame dropped")
			continue
		}
		s.handleFrame(ctx, frame, &subscribed)
	}
}

// heartbeat sends the application-level ping and enforces the pong deadline.
func (s *Session) heartbeat(conn *websocket.Conn, stop <-chan struct{}, pongOK <-chan struct{}, writeErr chan<- error) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(pongDeadline))
			if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
				select {
				case writeErr <- fmt.Errorf("ping write: %w", err):
				default:
				}
				return
			}
			// Any inbound frame counts as liveness; a dedicated pong is not
			// required while trades flow.
			select {
			case <-stop:
				return
			case <-pongOK:
			case <-time.After(pongDeadline):
				select {
				case writeErr <- fmt.Errorf("pong deadline exceeded"):
				default:
				}
				_ = conn.Close()
				return
			}
		}
	}
}

func (s *Session) handleFrame(ctx context.Context, frame wsFrame, subscribed *bool) {
	switch {
	case frame.Event == "subscribe":
		if !*subscribed {
			s.logger.Info().Msg("subscription confirmed")
			*subscribed = true
		}
	case frame.Event == "error":
		s.streamErrors.Add(1)
		s.limiter.ReportError("stream_error", frame.Msg)
		s.logger.Warn().Str("msg", frame.Msg).Msg("venue stream error")
	case frame.Action == "update" || frame.Action == "snapshot":
		symbol := strings.TrimSuffix(frame.Arg.InstID, s.mapping.Suffix)
		if _, ok := s.members[symbol]; !ok {
			s.metrics.UnknownSymbols.Inc()
			s.logger.Warn().Str("symbol", symbol).Msg("frame for unknown symbol dropped")
			return
		}
		if frame.Arg.Channel == "trade" {
			s.handleTrades(ctx, symbol, frame.Data)
		} else if strings.HasPrefix(frame.Arg.Channel, "books") {
			s.handleBook(ctx, symbol, frame.Data, frame.Action == "snapshot")
		}
	}
}

// handleTrades parses trade tuples [ts_ms, price, size, side], publishes
// each to the sink, and broadcasts those the dedup guard let through.
func (s *Session) handleTrades(ctx context.Context, symbol string, data json.RawMessage) {
	var tuples [][]interface{}
	if err := json.Unmarshal(data, &tuples); err != nil {
		s.metrics.DecodeErrors.Inc()
		s.logger.Debug().Err(err).Str("symbol", symbol).Msg("trade data dropped")
		return
	}
	now := time.Now()
	for _, tuple := range tuples {
		if len(tuple) < 4 {
			s.metrics.DecodeErrors.Inc()
			continue
		}
		tsMS, ok1 := toInt64(tuple[0])
		price, ok2 := toFloat(tuple[1])
		size, ok3 := toFloat(tuple[2])
		side, ok4 := tuple[3].(string)
		if !ok1 || !ok2 || !ok3 || !ok4 {
			s.metrics.DecodeErrors.Inc()
			continue
		}
		side = strings.ToLower(side)
		if side != events.SideBuy && side != events.SideSell {
			s.metrics.DecodeErrors.Inc()
			continue
		}

		trade := events.Trade{
			Symbol:      symbol,
			Market:      s.group.Market,
			Price:       price,
			Size:        size,
			Side:        side,
			TimestampMS: tsMS,
			Timestamp:   time.UnixMilli(tsMS),
			IngestedAt:  now,
		}

		published, err := s.sink.PublishTrade(ctx, trade)
		if err != nil {
			s.metrics.SinkErrors.Inc()
			s.logger.Warn().Err(err).Str("symbol", symbol).Msg("trade publish failed")
			continue
		}
		if !published {
			s.metrics.TradesDeduped.WithLabelValues(s.group.Market).Inc()
			continue
		}
		s.metrics.TradesIngested.WithLabelValues(s.group.Market).Inc()
		s.tradesForwarded.Add(1)

		if payload, err := json.Marshal(trade); err == nil {
			s.broadcaster.Broadcast(symbol, payload)
		}
	}
}

func (s *Session) handleBook(ctx context.Context, symbol string, data json.RawMessage, snapshot bool) {
	var entries []bookData
	if err := json.Unmarshal(data, &entries); err != nil {
		s.metrics.DecodeErrors.Inc()
		s.logger.Debug().Err(err).Str("symbol", symbol).Msg("book data dropped")
		return
	}
	for _, entry := range entries {
		tsMS, _ := toInt64(entry.TS)
		update := events.BookUpdate{
			Symbol:      symbol,
			Market:      s.group.Market,
			Bids:        parseLevels(entry.Bids),
			Asks:        parseLevels(entry.Asks),
			TimestampMS: tsMS,
			Snapshot:    snapshot,
		}
		if err := s.sink.PutBook(ctx, update); err != nil {
			s.metrics.SinkErrors.Inc()
			s.logger.Warn().Err(err).Str("symbol", symbol).Msg("book store failed")
			continue
		}
		s.metrics.BooksStored.WithLabelValues(s.group.Market).Inc()
		s.booksForwarded.Add(1)
	}
}

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

func (s *Session) done(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-s.stopped:
		return true
	default:
		return false
	}
}

// sleep waits d, returning false if the session was stopped meanwhile.
func (s *Session) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return !s.done(ctx)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-s.stopped:
		return false
	case <-t.C:
		return true
	}
}

// Wire types.

type subscribeEnvelope struct {
	Op   string         `json:"op"`
	Args []subscribeArg `json:"args"`
}

type subscribeArg struct {
	InstType string `json:"instType"`
	Channel  string `json:"channel"`
	InstID   string `json:"instId"`
}

type wsFrame struct {
	Event  string          `json:"event"`
	Msg    string          `json:"msg"`
	Action string          `json:"action"`
	Arg    subscribeArg    `json:"arg"`
	Data   json.RawMessage `json:"data"`
}

type bookData struct {
	Bids [][]interface{} `json:"bids"`
	Asks [][]interface{} `json:"asks"`
	TS   interface{}     `json:"ts"`
}

func parseLevels(raw [][]interface{}) []events.BookLevel {
	levels := make([]events.BookLevel, 0, len(raw))
	for _, pair := range raw {
		if len(pair) < 2 {
			continue
		}
		price, ok1 := toFloat(pair[0])
		size, ok2 := toFloat(pair[1])
		if !ok1 || !ok2 {
			continue
		}
		levels = append(levels, events.BookLevel{Price: price, Size: size})
	}
	return levels
}

// The venue encodes numerics inconsistently (strings in most channels, raw
// numbers in a few); accept both.

func toFloat(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toInt64(v interface{}) (int64, bool) {
	switch x := v.(type) {
	case float64:
		return int64(x), true
	case string:
		n, err := strconv.ParseInt(x, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}
