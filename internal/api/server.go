// Package api exposes a node over HTTP: key operations, the ring view, live
// ring updates over WebSocket, health and metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/zde37/simpledht/internal/chord"
	"github.com/zde37/simpledht/internal/telemetry"
	"github.com/zde37/simpledht/pkg"
)

// DHT is the part of a node the API drives.
type DHT interface {
	Insert(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Query(ctx context.Context, key string) ([]pkg.Entry, error)
	Snapshot() chord.RingSnapshot
}

// Config holds the HTTP server configuration.
type Config struct {
	HTTPPort int

	// RequestTimeout bounds every request, including queries still waiting on a peer.
	RequestTimeout time.Duration

	// MaxValueSize limits PUT bodies.
	MaxValueSize int64
}

// Server represents the HTTP API server.
type Server struct {
	dht        DHT
	cfg        Config
	httpServer *http.Server
	listener   net.Listener
	wsHub      *WebSocketHub
	metrics    *telemetry.Metrics
	logger     *pkg.Logger
	handler    http.Handler
}

// queryResponse is the body of GET /api/keys/{key}.
type queryResponse struct {
	Key  string      `json:"key"`
	Rows []pkg.Entry `json:"rows"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewServer creates a new HTTP API server.
func NewServer(cfg *Config, dht DHT, metrics *telemetry.Metrics, logger *pkg.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if dht == nil {
		return nil, fmt.Errorf("dht cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	c := *cfg
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.MaxValueSize <= 0 {
		c.MaxValueSize = 1 << 20
	}

	s := &Server{
		dht:     dht,
		cfg:     c,
		wsHub:   NewWebSocketHub(logger),
		metrics: metrics,
		logger:  logger.WithFields(pkg.Fields{"component": "http_api"}),
	}
	s.handler = s.routes()
	return s, nil
}

// Hub returns the WebSocket hub, which doubles as the node's ring update broadcaster.
func (s *Server) Hub() *WebSocketHub {
	return s.wsHub
}

// Handler returns the fully wired HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /api/keys/{key...}", s.metrics.Instrument("query", http.HandlerFunc(s.handleQuery)))
	mux.Handle("PUT /api/keys/{key...}", s.metrics.Instrument("insert", http.HandlerFunc(s.handleInsert)))
	mux.Handle("DELETE /api/keys/{key...}", s.metrics.Instrument("delete", http.HandlerFunc(s.handleDelete)))
	mux.Handle("GET /api/ring", s.metrics.Instrument("ring", http.HandlerFunc(s.handleRing)))

	// WebSocket endpoint for live updates
	mux.HandleFunc("GET /api/ws", s.wsHub.HandleWebSocket)

	mux.HandleFunc("GET /health", s.healthHandler)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	return corsMiddleware(mux)
}

// Start starts the HTTP server and the WebSocket hub.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(s.cfg.HTTPPort)))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	s.wsHub.Start()

	s.httpServer = &http.Server{
		Handler:     s.handler,
		ReadTimeout: 15 * time.Second,
		// Writes may wait for a remote query up to RequestTimeout.
		WriteTimeout: s.cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().
		Str("address", listener.Addr().String()).
		Msg("Starting HTTP API server")

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping HTTP API server")

	s.wsHub.Stop()

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}

	s.logger.Info().Msg("HTTP API server stopped")
	return nil
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	rows, err := s.dht.Query(ctx, key)
	if err != nil {
		s.writeError(w, key, err)
		return
	}
	if rows == nil {
		rows = []pkg.Entry{}
	}
	writeJSON(w, http.StatusOK, queryResponse{Key: key, Rows: rows})
}

func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxValueSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "value too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "failed to read body"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	if err := s.dht.Insert(ctx, key, string(body)); err != nil {
		s.writeError(w, key, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	if err := s.dht.Delete(ctx, key); err != nil {
		s.writeError(w, key, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.dht.Snapshot())
}

// healthHandler handles health check requests.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"state":  s.dht.Snapshot().State.String(),
	})
}

// writeError maps DHT errors onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, key string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, pkg.ErrInvalidKey), errors.Is(err, pkg.ErrReservedKey):
		status = http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.Is(err, pkg.ErrStorageUnavailable), errors.Is(err, pkg.ErrRemoteNotSet):
		status = http.StatusServiceUnavailable
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("key", key).Int("status", status).Msg("Request failed")
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// corsMiddleware adds CORS headers to responses.
func corsMiddleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		h.ServeHTTP(w, r)
	})
}
