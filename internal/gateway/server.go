// Package gateway exposes the session fabric to clients: a small HTTP
// surface for session creation and universe queries, and a websocket
// stream per session.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"starlane-server/internal/bus"
	"starlane-server/internal/metrics"
	"starlane-server/internal/wire"
)

const (
	sessionHeader   = "x-session-id"
	shutdownTimeout = 10 * time.Second
	statsInterval   = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: restrict origins once the client host list is settled
		return true
	},
	EnableCompression: true,
}

type Config struct {
	Addr string
}

type Server struct {
	cfg      Config
	bus      bus.Bus
	log      zerolog.Logger
	met      *metrics.Metrics
	manager  *SessionManager
	host     *metrics.HostStats
	gatherer prometheus.Gatherer

	httpServer *http.Server
}

func NewServer(cfg Config, b bus.Bus, met *metrics.Metrics, reg *prometheus.Registry, log zerolog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		bus:      b,
		log:      log.With().Str("component", "gateway").Logger(),
		met:      met,
		manager:  NewSessionManager(b, log, met),
		host:     metrics.NewHostStats(),
		gatherer: reg,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/session", s.handleSession)
	mux.HandleFunc("GET /v1/universe", s.handleUniverse)
	mux.HandleFunc("GET /v1/stream", s.handleStream)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	s.httpServer = &http.Server{
		Addr:        cfg.Addr,
		Handler:     corsMiddleware(mux),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	return s
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+sessionHeader)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Run serves until ctx is cancelled, then drains the open streams and
// shuts the listener down.
func (s *Server) Run(ctx context.Context) error {
	stopStats := s.host.Collect(statsInterval)
	defer stopStats()

	s.announce(ctx, wire.SubjectServiceStart)

	errChan := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.Addr).Msg("gateway listening")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
	}

	s.manager.Shutdown(ctx)
	s.announce(context.WithoutCancel(ctx), wire.SubjectServiceStop)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) announce(ctx context.Context, subject string) {
	payload, err := wire.Marshal(wire.ServiceStart{Type: wire.ServiceTypeGateway, Timestamp: time.Now().UTC()})
	if err != nil {
		return
	}
	if err := s.bus.Publish(ctx, subject, payload); err != nil {
		s.log.Warn().Err(err).Str("subject", subject).Msg("publish lifecycle beacon")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn().Err(err).Msg("write response")
	}
}

// handleSession creates a session for an account and registers a router
// for the stream that should follow.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	var req wire.SessionStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	payload, err := wire.Marshal(req)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	reply, err := s.bus.Request(r.Context(), wire.SubjectSessionStart, payload, bus.DefaultRequestTimeout)
	if err != nil {
		s.log.Warn().Err(err).Msg("session start")
		http.Error(w, "session service unavailable", http.StatusBadGateway)
		return
	}
	var resp wire.SessionStartResponse
	if err := wire.Unmarshal(reply, &resp); err != nil {
		s.log.Warn().Err(err).Msg("malformed session start response")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if resp.OK {
		if resp.SessionTopics == nil {
			s.log.Error().Str("session_id", resp.SessionID).Msg("session response missing topics")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		s.manager.Add(resp.SessionID, resp.SessionTopics, resp.CharacterID)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUniverse(w http.ResponseWriter, r *http.Request) {
	payload, err := wire.Marshal(wire.UniverseRequest{})
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	reply, err := s.bus.Request(r.Context(), wire.SubjectUniverseStatic, payload, bus.DefaultRequestTimeout)
	if err != nil {
		s.log.Warn().Err(err).Msg("universe query")
		http.Error(w, "system service unavailable", http.StatusBadGateway)
		return
	}
	var resp wire.UniverseResponse
	if err := wire.Unmarshal(reply, &resp); err != nil {
		s.log.Warn().Err(err).Msg("malformed universe response")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleStream upgrades the connection and runs the session stream. The
// session must have been created first via the session endpoint.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(sessionHeader)
	if sessionID == "" {
		http.Error(w, "missing "+sessionHeader+" header", http.StatusUnauthorized)
		return
	}
	router := s.manager.Get(sessionID)
	if router == nil {
		http.Error(w, "unknown session", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade")
		return
	}

	defer s.manager.Remove(r.Context(), router)
	router.Stream(r.Context(), conn)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	healthy := s.bus.IsConnected()
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, map[string]any{"healthy": healthy})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	snapshot := s.host.Snapshot()
	snapshot["sessions"] = s.manager.Count()
	snapshot["bus_connected"] = s.bus.IsConnected()
	snapshot["bus_subjects"] = s.bus.Subjects()
	s.writeJSON(w, http.StatusOK, snapshot)
}
