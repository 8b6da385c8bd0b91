package api

import (
	"bytes"
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

	"pulseintel/internal/broker"
	"pulseintel/internal/catalog"
	"pulseintel/internal/config"
	"pulseintel/internal/events"
	"pulseintel/internal/health"
	"pulseintel/internal/policy"
	"pulseintel/internal/ratelimit"
	"pulseintel/internal/symbols"
	"pulseintel/internal/telemetry"
	"pulseintel/internal/upstream"
)

type nullSink struct{}

func (nullSink) PublishTrade(context.Context, events.Trade) (bool, error) { return true, nil }
func (nullSink) PutBook(context.Context, events.BookUpdate) error         { return nil }

type okPinger struct{}

func (okPinger) Ping(context.Context) error { return nil }

// venueFixture serves just enough of the venue REST surface for the control
// plane paths under test.
func venueFixture(t *testing.T) *httptest.Server {
	t.Helper()
	write := func(w http.ResponseWriter, data string) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"code":"00000","msg":"success","data":` + data + `}`))
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v2/public/time":
			write(w, `{"serverTime":"1700000000000"}`)
		case "/api/v2/spot/account/info":
			if r.Header.Get("ACCESS-KEY") == "" {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(`{"code":"40037","msg":"apikey does not exist","data":null}`))
				return
			}
			write(w, `{"userId":"1"}`)
		case "/api/v2/spot/public/symbols":
			write(w, `[
				{"symbol":"BTCUSDT","baseCoin":"BTC","quoteCoin":"USDT","status":"online"},
				{"symbol":"ETHUSDT","baseCoin":"ETH","quoteCoin":"USDT","status":"online"}
			]`)
		case "/api/v2/spot/market/tickers":
			write(w, `[
				{"symbol":"BTCUSDT","usdtVolume":"9000000000"},
				{"symbol":"ETHUSDT","usdtVolume":"5000000000"}
			]`)
		case "/api/v2/mix/market/contracts":
			write(w, `[{"symbol":"BTCUSDT","baseCoin":"BTC","quoteCoin":"USDT","status":"normal"}]`)
		case "/api/v2/mix/market/tickers":
			write(w, `[{"symbol":"BTCUSDT","usdtVolume":"8000000000"}]`)
		default:
			write(w, `null`)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

type testStack struct {
	server *httptest.Server
	policy *policy.Manager
}

func newStack(t *testing.T) *testStack {
	t.Helper()
	venue := venueFixture(t)

	tm := telemetry.New()
	latch := health.NewLatch()
	// Keep any sessions the policy spawns parked; these tests exercise the
	// HTTP surface, not the venue streams.
	latch.Set("test")
	registry := ratelimit.NewRegistry(1000, 1000)
	cat := catalog.NewClient(config.BitgetConfig{RESTBaseURL: venue.URL, MaxRPS: 8, MaxBurst: 10}, registry)
	sm := symbols.NewManager(cat, 1_000_000)
	br := broker.NewBroker(25*time.Millisecond, 50*time.Millisecond, tm)
	up := upstream.NewSupervisor(nullSink{}, br, registry, latch, tm, nil)
	t.Cleanup(up.StopAll)
	pol := policy.NewManager(cat, registry, sm, up, nil, catalog.Credentials{})
	hs := health.NewSupervisor(okPinger{}, cat, nil, registry, latch, tm, 30*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go br.Run(ctx)

	_, err := sm.Initialize(context.Background(), []string{"spot"}, 10)
	require.NoError(t, err)

	srv := NewServer("127.0.0.1:0", pol, hs, sm, cat, br, up, registry, tm)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testStack{server: ts, policy: pol}
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestSetAPIKeysRejectsShortFields(t *testing.T) {
	st := newStack(t)

	resp := postJSON(t, st.server.URL+"/user/set_bitget_api", credentialsRequest{
		APIKey: "short", SecretKey: "also-short-no", Passphrase: "abc",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	assert.Equal(t, policy.TierPublic, st.policy.Tier(), "rejected input must not change the tier")
}

func TestSetAPIKeysActivatesPrivileged(t *testing.T) {
	st := newStack(t)

	resp := postJSON(t, st.server.URL+"/user/set_bitget_api", credentialsRequest{
		APIKey: "bg_live_key_0001", SecretKey: "bg_secret_0001", Passphrase: "hunter2",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, true, body["privileged"])
	assert.Equal(t, policy.TierPrivileged, st.policy.Tier())
}

func TestResetAPIKeysRevertsToPublic(t *testing.T) {
	st := newStack(t)

	resp := postJSON(t, st.server.URL+"/user/set_bitget_api", credentialsRequest{
		APIKey: "bg_live_key_0001", SecretKey: "bg_secret_0001", Passphrase: "hunter2",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	req, err := http.NewRequest(http.MethodDelete, st.server.URL+"/user/reset_bitget_api", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, false, body["privileged"])
	assert.Equal(t, policy.TierPublic, st.policy.Tier())
}

func TestTestConnectionReturnsCounts(t *testing.T) {
	st := newStack(t)

	resp := postJSON(t, st.server.URL+"/user/test_connection", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(2), body["symbols_count"])
	assert.Equal(t, float64(2), body["tickers_count"])
}

func TestLimitsSnapshot(t *testing.T) {
	st := newStack(t)

	resp, err := http.Get(st.server.URL + "/user/limits")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	profile, ok := body["profile"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "public", profile["tier"])
	assert.Equal(t, float64(8), profile["rate_rps"])
}

func TestStatusSnapshot(t *testing.T) {
	st := newStack(t)

	resp, err := http.Get(st.server.URL + "/user/status")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "public", body["tier"])
	assert.Contains(t, body, "health")
	assert.Contains(t, body, "broker")
}

func TestSymbolViews(t *testing.T) {
	st := newStack(t)

	resp, err := http.Get(st.server.URL + "/symbols/all")
	require.NoError(t, err)
	body := decodeBody(t, resp)
	assert.Equal(t, float64(2), body["count"])

	resp, err = http.Get(st.server.URL + "/symbols/top?market=spot&limit=1")
	require.NoError(t, err)
	body = decodeBody(t, resp)
	tops, ok := body["symbols"].([]interface{})
	require.True(t, ok)
	require.Len(t, tops, 1)

	resp, err = http.Get(st.server.URL + "/symbols/BTCUSDT/info")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(st.server.URL + "/symbols/NOPEUSDT/info")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestWebsocketHandshakeDeliversHello(t *testing.T) {
	st := newStack(t)

	url := "ws" + strings.TrimPrefix(st.server.URL, "http") + "/ws/BTCUSDT"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var hello map[string]interface{}
	require.NoError(t, json.Unmarshal(msg, &hello))
	assert.Equal(t, "connection", hello["type"])
	assert.Equal(t, "BTCUSDT", hello["symbol"])
}

func TestBrokerIntervalsUpdate(t *testing.T) {
	st := newStack(t)

	resp := postJSON(t, st.server.URL+"/user/websocket_performance", brokerIntervalsRequest{
		BatchIntervalMS: 100, DebounceMS: 10,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, st.server.URL+"/user/websocket_performance", brokerIntervalsRequest{
		BatchIntervalMS: -1,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestHealthzReflectsSupervisor(t *testing.T) {
	st := newStack(t)

	resp, err := http.Get(st.server.URL + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}
