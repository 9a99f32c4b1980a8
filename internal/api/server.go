package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"exam-proctor/internal/config"
	"exam-proctor/internal/monitor"
	"exam-proctor/internal/proctor"
	"exam-proctor/internal/storage"
)

// HealthChecker reports whether a backing store is reachable.
type HealthChecker interface {
	Healthy(ctx context.Context) bool
}

// DropCounter reports how many events an async sink has discarded.
type DropCounter interface {
	Dropped() int64
}

// Dependencies are the collaborators the HTTP surface is built on. Every
// field but Registry may be nil.
type Dependencies struct {
	Registry   *proctor.Registry
	Authorizer proctor.Authorizer
	Hub        *Hub
	Events     storage.EventStore
	Reviews    ReviewStore
	History    SessionHistory
	Database   HealthChecker
	Sink       DropCounter
	Metrics    *monitor.Metrics
}

// Server is the HTTP server for the proctoring API.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	cfg        *config.Config
	deps       Dependencies
	startTime  time.Time
}

// NewServer creates and configures the HTTP server with all routes and
// middleware. ctx bounds background work such as rate limiter eviction.
func NewServer(ctx context.Context, cfg *config.Config, deps Dependencies) *Server {
	lecturer := proctor.NewLecturerView(deps.Registry, deps.Authorizer)
	handlers := NewHandlers(deps.Registry, lecturer, deps.Events, deps.Reviews, deps.History, deps.Metrics)

	s := &Server{
		handlers:  handlers,
		cfg:       cfg,
		deps:      deps,
		startTime: time.Now(),
	}

	keys := append([]string{}, cfg.Security.AllowedKeys...)
	for k := range cfg.Security.Invigilators {
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		log.Warn().Msg("no API keys configured, all requests will be accepted")
	}

	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /v1/sessions", handlers.HandleStartSession)
	apiMux.HandleFunc("GET /v1/sessions/{id}", handlers.HandleGetSession)
	apiMux.HandleFunc("POST /v1/sessions/{id}/end", handlers.HandleEndSession)
	apiMux.HandleFunc("POST /v1/sessions/{id}/input", handlers.HandleInput)
	apiMux.HandleFunc("POST /v1/sessions/{id}/violations", handlers.HandleRecordViolation)
	apiMux.HandleFunc("GET /v1/sessions/{id}/violations", handlers.HandleGetViolations)
	apiMux.HandleFunc("POST /v1/sessions/{id}/terminate", handlers.HandleTerminate)
	apiMux.HandleFunc("GET /v1/sessions/{id}/events", handlers.HandleSessionEvents)
	apiMux.HandleFunc("POST /v1/sessions/{id}/violations/{vid}/review", handlers.HandleReviewViolation)
	apiMux.HandleFunc("GET /v1/sessions/{id}/reviews", handlers.HandleListReviews)
	apiMux.HandleFunc("GET /v1/units/{unitId}/sessions", handlers.HandleListUnitSessions)
	apiMux.HandleFunc("GET /v1/units/{unitId}/feed", handlers.HandleUnitFeed)
	apiMux.HandleFunc("GET /v1/units/{unitId}/history", handlers.HandleUnitHistory)
	if deps.Hub != nil {
		apiMux.HandleFunc("GET /v1/exam/stream", deps.Hub.HandleExamStream)
	}

	authedAPI := AuthMiddleware(cfg.Security.APIKeyHeader, keys)(apiMux)

	// Health and metrics bypass auth.
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	if cfg.Metrics.Enabled && deps.Metrics != nil {
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, promhttp.HandlerFor(deps.Metrics.Registry, promhttp.HandlerOpts{}))
	}
	mux.Handle("/", authedAPI)

	// Outermost first.
	var handler http.Handler = mux
	handler = MetricsMiddleware(deps.Metrics)(handler)
	handler = RateLimitMiddleware(ctx, cfg.Security.RateLimitRPS, cfg.Security.RateLimitBurst)(handler)
	handler = MaxBodyMiddleware(cfg.Server.MaxRequestBody)(handler)
	handler = SecurityHeadersMiddleware(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for requests. Uses TLS if configured.
func (s *Server) Start() error {
	if s.cfg.TLS.Enabled {
		log.Info().
			Str("addr", s.httpServer.Addr).
			Str("cert", s.cfg.TLS.CertFile).
			Msg("starting HTTPS server with TLS")

		s.httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
		return s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}

	log.Warn().Msg("TLS not enabled, running plain HTTP (not recommended for production)")
	log.Info().
		Str("addr", s.httpServer.Addr).
		Msg("starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := s.deps.Database == nil || s.deps.Database.Healthy(r.Context())

	resp := HealthResponse{
		Status:         "ok",
		Database:       dbOK,
		ActiveSessions: s.deps.Registry.ActiveCount(),
		Uptime:         time.Since(s.startTime).Round(time.Second).String(),
	}
	if s.deps.Hub != nil {
		resp.StreamClients = s.deps.Hub.Clients()
	}
	if s.deps.Sink != nil {
		resp.EventsDropped = s.deps.Sink.Dropped()
	}
	if !dbOK {
		resp.Status = "degraded"
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
