package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"pulseintel/internal/broker"
	"pulseintel/internal/catalog"
	"pulseintel/internal/events"
	"pulseintel/internal/policy"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The dashboard is served from a different origin in every deployment.
	CheckOrigin: func(*http.Request) bool { return true },
}

type credentialsRequest struct {
	APIKey     string `json:"api_key"`
	SecretKey  string `json:"secret_key"`
	Passphrase string `json:"passphrase"`
}

type profileResponse struct {
	Profile    policy.Profile `json:"profile"`
	Privileged bool           `json:"privileged"`
}

func (s *Server) handleSetAPIKeys(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.APIKey) < 10 || len(req.SecretKey) < 10 || len(req.Passphrase) < 3 {
		writeError(w, http.StatusBadRequest, "credential fields too short")
		return
	}

	profile, err := s.policy.Apply(r.Context(), catalog.Credentials{
		APIKey:     req.APIKey,
		SecretKey:  req.SecretKey,
		Passphrase: req.Passphrase,
	})
	if err != nil {
		log.Warn().Err(err).Msg("credential update rejected")
		writeError(w, http.StatusBadRequest, "credential validation failed")
		return
	}
	writeJSON(w, http.StatusOK, profileResponse{
		Profile:    profile,
		Privileged: profile.Tier == policy.TierPrivileged,
	})
}

func (s *Server) handleResetAPIKeys(w http.ResponseWriter, r *http.Request) {
	profile, err := s.policy.Reset(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "reset failed")
		return
	}
	writeJSON(w, http.StatusOK, profileResponse{Profile: profile, Privileged: false})
}

func (s *Server) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	syms, err := s.catalog.SpotSymbols(ctx)
	if err != nil {
		writeError(w, http.StatusBadGateway, "symbol catalog unreachable")
		return
	}
	tickers, err := s.catalog.SpotTickers(ctx)
	if err != nil {
		writeError(w, http.StatusBadGateway, "ticker catalog unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "ok",
		"symbols_count": len(syms),
		"tickers_count": len(tickers),
		"tier":          s.policy.Tier(),
	})
}

type brokerIntervalsRequest struct {
	BatchIntervalMS int `json:"batch_interval_ms"`
	DebounceMS      int `json:"debounce_ms"`
}

func (s *Server) handleBrokerIntervals(w http.ResponseWriter, r *http.Request) {
	var req brokerIntervalsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.BatchIntervalMS < 0 || req.DebounceMS < 0 || req.BatchIntervalMS > 10_000 || req.DebounceMS > 10_000 {
		writeError(w, http.StatusBadRequest, "intervals out of range")
		return
	}
	s.broker.SetIntervals(
		time.Duration(req.BatchIntervalMS)*time.Millisecond,
		time.Duration(req.DebounceMS)*time.Millisecond,
	)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"batch_interval_ms": req.BatchIntervalMS,
		"debounce_ms":       req.DebounceMS,
	})
}

func (s *Server) handleLimits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"profile":       s.policy.Profile(),
		"rate_limiters": s.registry.Stats(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"health":   s.health.Status(),
		"tier":     s.policy.Tier(),
		"sessions": s.upstream.Stats(),
		"broker":   s.broker.Metrics(),
	})
}

func (s *Server) handleSymbolsAll(w http.ResponseWriter, r *http.Request) {
	metas := s.symbols.All()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":   len(metas),
		"symbols": metas,
	})
}

func (s *Server) handleSymbolsTop(w http.ResponseWriter, r *http.Request) {
	market := r.URL.Query().Get("market")
	if market == "" {
		market = events.MarketSpot
	}
	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"market":  market,
		"symbols": s.symbols.Top(market, limit),
	})
}

func (s *Server) handleSymbolInfo(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	meta, ok := s.symbols.Meta(symbol, r.URL.Query().Get("market"))
	if !ok {
		writeError(w, http.StatusNotFound, "symbol not in working set")
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	sess := broker.NewClientSession(conn)
	s.broker.Connect(sess, symbol)
	sess.Run()
	s.broker.Disconnect(sess, symbol)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	snap := s.health.Status()
	status := http.StatusOK
	if snap.Overall == "critical" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{
		"status": snap.Overall,
		"time":   time.Now().UTC(),
	})
}
