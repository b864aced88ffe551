package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"flow-hq/domains/pkg/config"
	"flow-hq/domains/pkg/events"
	"flow-hq/domains/pkg/proxy"
	"flow-hq/domains/pkg/routes"
	"flow-hq/domains/pkg/telemetry"
	"flow-hq/domains/pkg/telemetry/health"
)

// shutdownTimeout bounds graceful shutdown of the admin listener.
const shutdownTimeout = 5 * time.Second

// ProxyState is the part of the proxy engine the admin server reports.
// *proxy.Engine implements it.
type ProxyState interface {
	Stats() proxy.Stats
	Table() *routes.Table
}

// Server is the loopback admin server of the native daemon.
type Server struct {
	config    *config.AdminConfig
	telemetry *telemetry.Telemetry
	proxy     ProxyState
	events    events.Storage
	logger    *slog.Logger

	httpServer   *http.Server
	listener     net.Listener
	shutdownOnce sync.Once
	mu           sync.RWMutex
	isRunning    bool
}

// NewServer creates an admin server. events may be nil when the event store
// is disabled.
func NewServer(cfg *config.AdminConfig, t *telemetry.Telemetry, p ProxyState, ev events.Storage) *Server {
	return &Server{
		config:    cfg,
		telemetry: t,
		proxy:     p,
		events:    ev,
		logger:    t.Logger().With("component", "admin"),
	}
}

// Start binds the admin address and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}

	ln, err := net.Listen("tcp", s.config.ListenAddress)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to bind admin address %s: %w", s.config.ListenAddress, err)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       time.Minute,
	}
	s.isRunning = true
	s.mu.Unlock()

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting admin server", "address", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("admin server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errChan:
		return err
	}
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error

	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		if !s.isRunning {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("error during admin server shutdown", "error", err)
			shutdownErr = fmt.Errorf("admin server shutdown error: %w", err)
		}

		s.mu.Lock()
		s.isRunning = false
		s.mu.Unlock()

		s.logger.Info("admin server stopped")
	})

	return shutdownErr
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// Handler returns the admin routes wrapped in recovery and logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	metricsPath := s.telemetry.Metrics().Path()
	mux.Handle(metricsPath, s.telemetry.Metrics().Handler())
	health.Register(mux, s.telemetry.Health(), s.telemetry.Version, s.telemetry.Commit, s.telemetry.BuildTime)

	mux.HandleFunc("/routes", s.handleRoutes)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/config", s.handleConfig)

	var handler http.Handler = mux
	handler = loggingMiddleware(s.logger)(handler)
	handler = recoveryMiddleware(s.logger)(handler)
	return handler
}

func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	if !getOnly(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"routes": s.proxy.Table().Routes()})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !getOnly(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, s.proxy.Stats())
}

// handleEvents lists recorded data-plane errors. Query parameters: kind,
// host, since (RFC 3339) and limit.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !getOnly(w, r) {
		return
	}
	if s.events == nil {
		http.Error(w, "event store is disabled", http.StatusNotFound)
		return
	}

	q := &events.Query{
		Kind: r.URL.Query().Get("kind"),
		Host: r.URL.Query().Get("host"),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		q.Limit = n
	}
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "since must be an RFC 3339 timestamp", http.StatusBadRequest)
			return
		}
		q.Since = &t
	}

	list, err := s.events.List(r.Context(), q)
	if err != nil {
		s.logger.Error("failed to list events", "error", err)
		http.Error(w, "failed to list events", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": list})
}

// handleConfig reports the effective daemon configuration as YAML.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if !getOnly(w, r) {
		return
	}
	cfg := config.Current()
	if cfg == nil {
		http.Error(w, "configuration not published", http.StatusNotFound)
		return
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		s.logger.Error("failed to encode config", "error", err)
		http.Error(w, "failed to encode config", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(data)
}

func getOnly(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
