package broker

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	// Clients must show activity inside this window; otherwise the session
	// is closed.
	pongWait   = 30 * time.Second
	pingPeriod = 25 * time.Second

	writeWait      = 10 * time.Second
	sendBufferSize = 64
)

// ClientSession is one dashboard websocket attached to a symbol channel.
// Delivery is non-blocking: a session that cannot keep up is reaped.
type ClientSession struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

// NewClientSession wraps an upgraded connection.
func NewClientSession(conn *websocket.Conn) *ClientSession {
	return &ClientSession{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}
}

// ID returns the session identifier, used in logs only.
func (s *ClientSession) ID() string { return s.id }

// enqueue hands a message to the session without blocking. Returns false
// when the session buffer is full or the session is closed; the broker
// reaps it in that case.
func (s *ClientSession) enqueue(msg []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- msg:
		return true
	default:
		return false
	}
}

// Run drives the read and write pumps and blocks until the session ends.
// The caller detaches the session from the broker afterwards.
func (s *ClientSession) Run() {
	go s.writePump()
	s.readPump()
}

// Close terminates the session. Idempotent.
func (s *ClientSession) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// readPump consumes inbound frames solely to service pings/pongs and detect
// disconnects; clients have nothing substantive to say.
func (s *ClientSession) readPump() {
	defer s.Close()

	s.conn.SetReadLimit(4096)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Str("session", s.id).Err(err).Msg("client session read error")
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}

func (s *ClientSession) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.Close()
	}()

	for {
		select {
		case <-s.done:
			return
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
