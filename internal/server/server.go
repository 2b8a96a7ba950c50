// Package server hosts the HTTP surface: Twilio webhooks, the stateless
// pipeline endpoint, generated media, health and metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/concierge/internal/auth"
	"github.com/haasonsaas/concierge/internal/call"
	"github.com/haasonsaas/concierge/internal/media/store"
	"github.com/haasonsaas/concierge/internal/observability"
)

// Pipeline runs one stateless recording-to-speech pass.
type Pipeline interface {
	RunPipeline(ctx context.Context, recordingRef, calledAddress string) (call.PipelineResult, error)
}

// CallCounter reports the number of live call sessions.
type CallCounter interface {
	ActiveCalls() int
}

// Routes mounts additional handlers, such as the voice webhooks.
type Routes interface {
	Register(mux *http.ServeMux)
}

// Config configures the HTTP server.
type Config struct {
	Host              string
	Port              int
	ReadHeaderTimeout time.Duration
	Version           string

	// Providers maps capability to provider name to "has credentials".
	Providers map[string]map[string]bool

	Pipeline Pipeline
	Calls    CallCounter
	Webhooks Routes

	// Auth guards /v1/pipeline. The route is not mounted unless Auth has
	// credentials configured.
	Auth *auth.Service

	// Media serves /media/{key} when the disk backend is in use.
	Media *store.DiskStore

	Metrics  *observability.Metrics
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// Server is the concierge HTTP server.
type Server struct {
	cfg     Config
	logger  *slog.Logger
	handler http.Handler
	started time.Time

	mu       sync.Mutex
	http     *http.Server
	listener net.Listener
}

// New builds the route table.
func New(cfg Config) (*Server, error) {
	if cfg.Pipeline == nil {
		return nil, errors.New("server: pipeline is required")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 5 * time.Second
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		logger:  logger.With("component", "server"),
		started: time.Now(),
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /status", s.handleStatus)
	if cfg.Auth.Enabled() {
		mux.Handle("POST /v1/pipeline", cfg.Auth.Require(http.HandlerFunc(s.handlePipeline)))
	} else {
		s.logger.Info("pipeline endpoint disabled: no api credentials configured")
	}
	if cfg.Media != nil {
		mux.HandleFunc("GET /media/{key}", s.handleMedia)
	}
	if cfg.Webhooks != nil {
		cfg.Webhooks.Register(mux)
	}

	s.handler = requestID(s.instrument(mux))
	return s, nil
}

// Handler returns the root handler with middleware applied.
func (s *Server) Handler() http.Handler { return s.handler }

// Start listens and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	s.mu.Lock()
	s.http = server
	s.listener = listener
	s.mu.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()
	s.logger.Info("starting http server", "addr", listener.Addr().String())
	return nil
}

// Addr is the bound listen address, empty before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	server := s.http
	s.http = nil
	s.listener = nil
	s.mu.Unlock()
	if server == nil {
		return nil
	}
	if err := server.Shutdown(ctx); err != nil {
		s.logger.Warn("http server shutdown error", "error", err)
		return err
	}
	return nil
}
