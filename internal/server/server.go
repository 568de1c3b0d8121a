package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/straja-ai/sentiment/internal/config"
	"github.com/straja-ai/sentiment/internal/metrics"
	"github.com/straja-ai/sentiment/internal/sentiment"
	"github.com/straja-ai/sentiment/internal/telemetry"
)

const rootMessage = "Cognitive Sentiment Analysis Microservice is running."

// Options carries the optional collaborators of a Server. Zero values are
// replaced with no-op implementations.
type Options struct {
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
	Telemetry *telemetry.Provider
}

// Server wraps the HTTP server components for the sentiment service.
type Server struct {
	mux        *http.ServeMux
	handler    http.Handler
	cfg        *config.Config
	classifier sentiment.Classifier
	backend    string
	model      string
	log        *zap.Logger
	metrics    *metrics.Metrics
	telemetry  *telemetry.Provider
	ready      atomic.Bool

	mu         sync.Mutex
	httpServer *http.Server
	stopped    bool
}

// New builds the server around an already loaded classifier.
func New(cfg *config.Config, classifier sentiment.Classifier, opts Options) *Server {
	if cfg == nil {
		cfg = config.Default()
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	tel := opts.Telemetry
	if tel == nil {
		tel = telemetry.Noop()
	}

	s := &Server{
		mux:        http.NewServeMux(),
		cfg:        cfg,
		classifier: classifier,
		log:        log,
		metrics:    opts.Metrics,
		telemetry:  tel,
	}
	if d, ok := classifier.(sentiment.Describer); ok {
		s.backend = d.Backend()
		s.model = d.ModelName()
		s.metrics.SetModelInfo(s.backend, s.model)
	}
	s.ready.Store(classifier != nil)

	s.mux.HandleFunc("POST /analyze", s.handleAnalyze)
	s.mux.HandleFunc("GET /{$}", s.handleRoot)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /readyz", s.handleReady)
	if cfg.Metrics.MetricsEnabled() && s.metrics != nil {
		if err := config.ValidateMetricsPath(cfg.Metrics.Path); err != nil {
			log.Error("metrics endpoint not mounted", zap.Error(err))
		} else {
			s.mux.Handle("GET "+cfg.Metrics.Path, s.metrics.Handler())
		}
	}

	s.handler = s.withRequestID(s.withAccessLog(s.withRecover(s.mux)))
	return s
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start listens on addr and serves until Shutdown is called. It returns nil
// after a graceful shutdown.
func (s *Server) Start(addr string) error {
	if addr == "" {
		addr = s.cfg.Server.Addr
	}
	sc := s.cfg.Server
	hs := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: sc.ReadHeaderTimeout,
		ReadTimeout:       sc.ReadTimeout,
		WriteTimeout:      sc.WriteTimeout,
		IdleTimeout:       sc.IdleTimeout,
		ErrorLog:          zap.NewStdLog(s.log.Named("http")),
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.httpServer = hs
	s.mu.Unlock()

	s.log.Info("sentiment service listening",
		zap.String("addr", addr),
		zap.String("backend", s.backend),
		zap.String("model", s.model),
	)
	if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve %s: %w", addr, err)
	}
	return nil
}

// Shutdown marks the server not ready and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)

	s.mu.Lock()
	s.stopped = true
	hs := s.httpServer
	s.mu.Unlock()

	if hs == nil {
		return nil
	}
	return hs.Shutdown(ctx)
}

// --- Handlers ---

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": rootMessage})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintln(w, "ok")
}

type readyResponse struct {
	Status  string `json:"status"`
	Backend string `json:"backend,omitempty"`
	Model   string `json:"model,omitempty"`
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, readyResponse{Status: "not_ready"})
		return
	}
	writeJSON(w, http.StatusOK, readyResponse{Status: "ready", Backend: s.backend, Model: s.model})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
