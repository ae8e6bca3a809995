// Package server exposes an engine over HTTP: decisions and feedback as JSON,
// a live decision stream over WebSocket and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/normanking/cortex-reflex/internal/config"
	"github.com/normanking/cortex-reflex/internal/router"
	"github.com/normanking/cortex-reflex/internal/spatial"
	"github.com/normanking/cortex-reflex/pkg/engine"
)

const (
	// WriteWait is the timeout for writing to a WebSocket.
	WriteWait = 10 * time.Second

	// PongWait is the timeout for pong responses.
	PongWait = 60 * time.Second

	// PingPeriod is how often to send ping frames.
	PingPeriod = (PongWait * 9) / 10

	// StreamBuffer is the per-client decision buffer.
	StreamBuffer = 256

	maxBody = 1 << 20
)

// DecideRequest is the body of POST /api/v1/decide.
type DecideRequest struct {
	State []float64 `json:"state"`
}

// ReportRequest is the body of POST /api/v1/report. The decision is looked up
// by the id /decide returned.
type ReportRequest struct {
	DecisionID string `json:"decision_id"`
	Success    bool   `json:"success"`
}

// ReportResponse is the reply to POST /api/v1/report.
type ReportResponse struct {
	Queued bool `json:"queued"`
}

// HealthResponse is the reply to GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Storage string `json:"storage"`
	Error   string `json:"error,omitempty"`
}

// Server serves one engine.
type Server struct {
	eng      *engine.Engine
	cfg      config.ServerConfig
	log      zerolog.Logger
	upgrader websocket.Upgrader
	mux      *http.ServeMux

	mu      sync.Mutex
	closing bool
	quit    chan struct{}
	streams sync.WaitGroup
}

// New creates a server for eng.
func New(eng *engine.Engine, cfg config.ServerConfig, log zerolog.Logger) *Server {
	s := &Server{
		eng: eng,
		cfg: cfg,
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The API binds to loopback by default; streams are read-only.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		mux:  http.NewServeMux(),
		quit: make(chan struct{}),
	}
	s.mux.HandleFunc("POST /api/v1/decide", s.handleDecide)
	s.mux.HandleFunc("POST /api/v1/report", s.handleReport)
	s.mux.HandleFunc("GET /api/v1/stats", s.handleStats)
	s.mux.HandleFunc("GET /api/v1/stats/daily", s.handleDaily)
	s.mux.HandleFunc("GET /api/v1/decisions", s.handleDecisions)
	s.mux.HandleFunc("GET /api/v1/decisions/ws", s.handleStream)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", eng.Metrics())
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.mux }

// Serve accepts connections on l until ctx is done, then shuts down
// gracefully and waits for open streams to end.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	srv := &http.Server{
		Handler:      s.mux,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(l) }()
	s.log.Info().Str("addr", l.Addr().String()).Msg("http server listening")

	select {
	case err := <-errc:
		s.Close()
		return fmt.Errorf("http serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Close()
	err := srv.Shutdown(shutdownCtx)
	if serr := <-errc; serr != nil && !errors.Is(serr, http.ErrServerClosed) && err == nil {
		err = serr
	}
	s.log.Info().Msg("http server stopped")
	return err
}

// ListenAndServe listens on the configured address and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	l, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, l)
}

// Close ends every open decision stream and waits for them.
func (s *Server) Close() {
	s.mu.Lock()
	if !s.closing {
		s.closing = true
		close(s.quit)
	}
	s.mu.Unlock()
	s.streams.Wait()
}

// track registers a stream unless the server is closing.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.streams.Add(1)
	return true
}

// ═══════════════════════════════════════════════════════════════════════════════
// HANDLERS
// ═══════════════════════════════════════════════════════════════════════════════

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	var req DecideRequest
	if !decode(w, r, &req) {
		return
	}
	if len(req.State) > spatial.Dim {
		http.Error(w, fmt.Sprintf("state has %d components, max %d", len(req.State), spatial.Dim), http.StatusBadRequest)
		return
	}
	var state spatial.StateVector
	copy(state[:], req.State)

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.DecideTimeout)
	defer cancel()
	writeJSON(w, http.StatusOK, s.eng.Decide(ctx, state))
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	var req ReportRequest
	if !decode(w, r, &req) {
		return
	}
	if req.DecisionID == "" {
		http.Error(w, "decision_id is required", http.StatusBadRequest)
		return
	}
	switch err := s.eng.Report(req.DecisionID, req.Success); {
	case err == nil:
		writeJSON(w, http.StatusAccepted, ReportResponse{Queued: true})
	case errors.Is(err, engine.ErrUnknownDecision):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, engine.ErrReported), errors.Is(err, engine.ErrNotReportable):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, engine.ErrQueueFull):
		w.Header().Set("Retry-After", "1")
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		s.log.Warn().Err(err).Str("decision", req.DecisionID).Msg("report failed")
		http.Error(w, "report failed", http.StatusInternalServerError)
	}
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.eng.Stats())
}

// handleDecisions returns recent decisions. With persisted=true they come
// from the decision log, newest first; otherwise from memory, oldest first.
func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	limit := s.cfg.HistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	if r.URL.Query().Get("persisted") == "true" {
		recs, err := s.eng.RecentDecisions(r.Context(), limit)
		if errors.Is(err, engine.ErrNoStorage) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		if err != nil {
			s.log.Warn().Err(err).Msg("read decision log")
			http.Error(w, "failed to read decision log", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, recs)
		return
	}
	writeJSON(w, http.StatusOK, s.eng.History(limit))
}

// handleDaily returns the persisted aggregates for ?date=YYYY-MM-DD, today
// (UTC) by default.
func (s *Server) handleDaily(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	if date == "" {
		date = time.Now().UTC().Format(time.DateOnly)
	} else if _, err := time.Parse(time.DateOnly, date); err != nil {
		http.Error(w, "date must be YYYY-MM-DD", http.StatusBadRequest)
		return
	}
	daily, err := s.eng.Daily(r.Context(), date)
	if errors.Is(err, engine.ErrNoStorage) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		s.log.Warn().Err(err).Str("date", date).Msg("read daily stats")
		http.Error(w, "failed to read daily stats", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, daily)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Storage: "disabled"}
	if s.eng.Config().Storage.Enabled {
		resp.Storage = "ok"
	}
	if err := s.eng.Health(r.Context()); err != nil {
		resp.Status, resp.Storage, resp.Error = "degraded", "unavailable", err.Error()
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleStream upgrades to a WebSocket and writes one JSON message per
// decision. ?source=reflex,deliberate filters by source.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sources, err := parseSources(r.URL.Query().Get("source"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !s.track() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.streams.Done()

	// Subscribed before the handshake: the client sees every decision made
	// after its dial returns.
	ch, unsubscribe, err := s.eng.Subscribe(StreamBuffer, sources...)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer unsubscribe()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	// The read side only handles control frames and notices a closed peer.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(PongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(PongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	defer func() {
		_ = conn.Close()
		<-gone
	}()

	ping := time.NewTicker(PingPeriod)
	defer ping.Stop()
	for {
		select {
		case rec, ok := <-ch:
			if !ok {
				s.closeStream(conn, websocket.CloseGoingAway)
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(WriteWait))
			if err := conn.WriteJSON(rec); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			return
		case <-s.quit:
			s.closeStream(conn, websocket.CloseGoingAway)
			return
		}
	}
}

func (s *Server) closeStream(conn *websocket.Conn, code int) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, ""), time.Now().Add(WriteWait))
}

func parseSources(v string) ([]router.Source, error) {
	if v == "" {
		return nil, nil
	}
	var out []router.Source
	for _, name := range strings.Split(v, ",") {
		var src router.Source
		if err := src.UnmarshalText([]byte(strings.TrimSpace(name))); err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, nil
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
