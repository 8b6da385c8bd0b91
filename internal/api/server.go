// Package api is the control plane: a thin HTTP/WS boundary projecting the
// pipeline components. No business logic lives here.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"pulseintel/internal/broker"
	"pulseintel/internal/catalog"
	"pulseintel/internal/health"
	"pulseintel/internal/policy"
	"pulseintel/internal/ratelimit"
	"pulseintel/internal/symbols"
	"pulseintel/internal/telemetry"
	"pulseintel/internal/upstream"
)

// Server hosts the control-plane endpoints.
type Server struct {
	policy    *policy.Manager
	health    *health.Supervisor
	symbols   *symbols.Manager
	catalog   *catalog.Client
	broker    *broker.Broker
	upstream  *upstream.Supervisor
	registry  *ratelimit.Registry
	telemetry *telemetry.Metrics

	httpServer *http.Server
}

// NewServer wires the routes.
func NewServer(addr string, pol *policy.Manager, hs *health.Supervisor,
	sm *symbols.Manager, cat *catalog.Client, br *broker.Broker,
	up *upstream.Supervisor, reg *ratelimit.Registry, tm *telemetry.Metrics) *Server {

	s := &Server{
		policy:    pol,
		health:    hs,
		symbols:   sm,
		catalog:   cat,
		broker:    br,
		upstream:  up,
		registry:  reg,
		telemetry: tm,
	}

	r := mux.NewRouter()
	r.Use(s.requestLogger)

	r.HandleFunc("/user/set_bitget_api", s.handleSetAPIKeys).Methods(http.MethodPost)
	r.HandleFunc("/user/reset_bitget_api", s.handleResetAPIKeys).Methods(http.MethodDelete)
	r.HandleFunc("/user/test_connection", s.handleTestConnection).Methods(http.MethodPost)
	r.HandleFunc("/user/websocket_performance", s.handleBrokerIntervals).Methods(http.MethodPost)
	r.HandleFunc("/user/limits", s.handleLimits).Methods(http.MethodGet)
	r.HandleFunc("/user/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/symbols/all", s.handleSymbolsAll).Methods(http.MethodGet)
	r.HandleFunc("/symbols/top", s.handleSymbolsTop).Methods(http.MethodGet)
	r.HandleFunc("/symbols/{symbol}/info", s.handleSymbolInfo).Methods(http.MethodGet)
	r.HandleFunc("/ws/{symbol}", s.handleWS)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", tm.Handler()).Methods(http.MethodGet)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // websocket routes manage their own deadlines
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.httpServer.Addr).Msg("control plane listening")
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		w.Header().Set("X-Request-ID", reqID)
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug().Str("request_id", reqID).Str("method", r.Method).
			Str("path", r.URL.Path).Dur("elapsed", time.Since(start)).Msg("request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("response encode failed")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
