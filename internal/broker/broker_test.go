package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulseintel/internal/telemetry"
)

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	b := NewBroker(25*time.Millisecond, 50*time.Millisecond, telemetry.New())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go b.Run(ctx)
	return b
}

// dialClient spins up a websocket endpoint whose server side attaches to the
// broker, and returns the client-side connection.
func dialClient(t *testing.T, b *Broker, symbol string) *websocket.Conn {
	t.Helper()
	upg := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upg.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		sess := NewClientSession(conn)
		b.Connect(sess, symbol)
		sess.Run()
		b.Disconnect(sess, symbol)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func readFrame(t *testing.T, conn *websocket.Conn, timeout time.Duration) ([]byte, bool) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil, false
	}
	return msg, true
}

func TestConnectSendsHelloFrame(t *testing.T) {
	b := newTestBroker(t)
	client := dialClient(t, b, "BTCUSDT")

	msg, ok := readFrame(t, client, time.Second)
	require.True(t, ok, "expected hello frame")

	var hello helloFrame
	require.NoError(t, json.Unmarshal(msg, &hello))
	assert.Equal(t, "connection", hello.Type)
	assert.Equal(t, "connected", hello.Status)
	assert.Equal(t, "BTCUSDT", hello.Symbol)
	assert.NotZero(t, hello.ServerTimeMS)
}

func TestDebounceCoalescesToLatest(t *testing.T) {
	b := newTestBroker(t)
	client := dialClient(t, b, "ETHUSDT")
	_, ok := readFrame(t, client, time.Second) // hello
	require.True(t, ok)

	b.Broadcast("ETHUSDT", []byte("A"))
	b.Broadcast("ETHUSDT", []byte("B"))
	b.Broadcast("ETHUSDT", []byte("C"))

	msg, ok := readFrame(t, client, time.Second)
	require.True(t, ok, "expected one coalesced frame")
	assert.Equal(t, "C", string(msg))

	// Nothing else pending.
	_, more := readFrame(t, client, 150*time.Millisecond)
	assert.False(t, more, "only the latest message should be delivered")

	m := b.Metrics()
	assert.Equal(t, int64(3), m.MessagesQueued)
	assert.Equal(t, int64(1), m.MessagesSent)
}

func TestZeroDebounceDisablesCoalescing(t *testing.T) {
	b := newTestBroker(t)
	client := dialClient(t, b, "SOLUSDT")
	_, ok := readFrame(t, client, time.Second)
	require.True(t, ok)

	b.BroadcastDebounced("SOLUSDT", []byte("1"), 0)
	b.BroadcastDebounced("SOLUSDT", []byte("2"), 0)
	b.BroadcastDebounced("SOLUSDT", []byte("3"), 0)

	var got []string
	for len(got) < 3 {
		msg, ok := readFrame(t, client, time.Second)
		require.True(t, ok, "expected all three frames")
		got = append(got, string(msg))
	}
	assert.Equal(t, []string{"1", "2", "3"}, got)
}

func TestSpacedBroadcastsAreNotCoalesced(t *testing.T) {
	b := NewBroker(25*time.Millisecond, 50*time.Millisecond, telemetry.New())

	b.Broadcast("X", []byte("first"))
	time.Sleep(40 * time.Millisecond)
	b.Broadcast("X", []byte("second"))

	// Outside the debounce window the slot is replaced, not coalesced: the
	// second message stands alone.
	b.mu.Lock()
	slot := b.pending["X"]
	b.mu.Unlock()
	require.NotNil(t, slot)
	require.Len(t, slot.msgs, 1)
	assert.Equal(t, "second", string(slot.msgs[0]))
}

func TestDisconnectRemovesEmptyChannel(t *testing.T) {
	b := newTestBroker(t)
	client := dialClient(t, b, "BTCUSDT")
	_, ok := readFrame(t, client, time.Second)
	require.True(t, ok)

	assert.Equal(t, 1, b.Metrics().ActiveSymbols)
	require.NoError(t, client.Close())

	assert.Eventually(t, func() bool {
		return b.Metrics().ActiveSymbols == 0
	}, 2*time.Second, 20*time.Millisecond, "channel should be deleted once empty")
}

func TestBroadcastWithoutSubscribersIsNotCountedAsSent(t *testing.T) {
	b := newTestBroker(t)
	b.Broadcast("GHOSTUSDT", []byte("x"))

	assert.Equal(t, int64(1), b.Metrics().MessagesQueued)

	// Let at least one flush cycle pass: the slot is dropped, not delivered.
	time.Sleep(150 * time.Millisecond)
	m := b.Metrics()
	assert.Zero(t, m.MessagesSent)
	assert.Equal(t, 0, m.ActiveSymbols)
}

func TestSetIntervals(t *testing.T) {
	b := NewBroker(25*time.Millisecond, 50*time.Millisecond, telemetry.New())
	b.SetIntervals(100*time.Millisecond, 10*time.Millisecond)

	assert.Equal(t, int64(100*time.Millisecond), b.batchInterval.Load())
	assert.Equal(t, int64(10*time.Millisecond), b.debounce.Load())
}

func TestConnectionsTotalAccumulates(t *testing.T) {
	b := newTestBroker(t)
	c1 := dialClient(t, b, "A")
	c2 := dialClient(t, b, "B")
	_, _ = readFrame(t, c1, time.Second)
	_, _ = readFrame(t, c2, time.Second)

	m := b.Metrics()
	assert.Equal(t, int64(2), m.ConnectionsTotal)
	assert.Equal(t, 2, m.TotalConnections)
	assert.Equal(t, 2, m.ActiveSymbols)
}
