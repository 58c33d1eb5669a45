package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/selivandex/coin-resolver/pkg/logger"
)

// Check is one dependency probe. Non-critical checks are reported but do
// not fail readiness.
type Check struct {
	Name     string
	Probe    func() error
	Critical bool
}

// Server serves probes, /metrics and whatever API handlers are mounted on it
type Server struct {
	server    *http.Server
	mux       *http.ServeMux
	checks    []Check
	ready     bool
	readyMu   sync.RWMutex
	startTime time.Time
}

// HealthStatus represents system health
type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Uptime    string            `json:"uptime"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// ReadinessStatus represents system readiness
type ReadinessStatus struct {
	Ready     bool              `json:"ready"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

// NewServer creates new health check server
func NewServer(addr string, checks ...Check) *Server {
	mux := http.NewServeMux()

	s := &Server{
		server: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		mux:       mux,
		checks:    checks,
		startTime: time.Now(),
	}

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReadiness)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReadiness)
	mux.Handle("GET /metrics", promhttp.Handler())

	return s
}

// Handle mounts an extra handler on the same listener
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// Handler returns the root handler (for tests)
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start starts the server and blocks until it stops
func (s *Server) Start() error {
	logger.Info("http server starting",
		zap.String("addr", s.server.Addr),
	)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	logger.Info("stopping http server...")
	return s.server.Shutdown(ctx)
}

// SetReady marks the service as ready
func (s *Server) SetReady(ready bool) {
	s.readyMu.Lock()
	defer s.readyMu.Unlock()
	s.ready = ready

	if ready {
		logger.Info("service marked as READY")
	} else {
		logger.Warn("service marked as NOT READY")
	}
}

func (s *Server) runChecks() (map[string]string, bool) {
	checks := make(map[string]string, len(s.checks))
	healthy := true
	for _, c := range s.checks {
		if err := c.Probe(); err != nil {
			checks[c.Name] = "unhealthy: " + err.Error()
			if c.Critical {
				healthy = false
			}
			continue
		}
		checks[c.Name] = "healthy"
	}
	return checks, healthy
}

// handleHealth handles liveness probe - /health
// Returns 200 if process is alive (even if dependencies are down)
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
	}

	if r.URL.Query().Get("verbose") == "true" {
		status.Checks, _ = s.runChecks()
	}

	writeJSON(w, http.StatusOK, status)
}

// handleReadiness handles readiness probe - /ready
// Returns 200 only after startup finished and critical dependencies answer
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	s.readyMu.RLock()
	ready := s.ready
	s.readyMu.RUnlock()

	checks, healthy := s.runChecks()
	isReady := ready && healthy

	status := ReadinessStatus{
		Ready:     isReady,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
	}

	code := http.StatusOK
	if !isReady {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write response", zap.Error(err))
	}
}
