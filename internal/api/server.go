package api

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"shellchat/internal/config"
	"shellchat/internal/monitor"
)

// HealthChecker reports liveness of a backing component.
type HealthChecker func(ctx context.Context) bool

// Server is the main HTTP server for the chat backend.
type Server struct {
	httpServer *http.Server
	cfg        *config.Config
	startTime  time.Time

	dbHealthy       HealthChecker
	providerHealthy HealthChecker
	activeSandboxes func() int
}

// NewServer creates and configures the HTTP server with all routes and middleware.
func NewServer(cfg *config.Config, handlers *Handlers, metrics *monitor.Metrics,
	dbHealthy, providerHealthy HealthChecker, activeSandboxes func() int) *Server {

	s := &Server{
		cfg:             cfg,
		startTime:       time.Now(),
		dbHealthy:       dbHealthy,
		providerHealthy: providerHealthy,
		activeSandboxes: activeSandboxes,
	}

	if len(cfg.Security.AllowedKeys) == 0 {
		log.Warn().Msg("no API keys configured, all requests will be accepted")
	}

	// Chat and execution API, wrapped with auth
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /chat", handlers.HandleChat)
	apiMux.HandleFunc("POST /execute", handlers.HandleExecute)
	apiMux.HandleFunc("POST /execute/stream", handlers.HandleExecuteStream)
	apiMux.HandleFunc("GET /usage", handlers.HandleUsage)
	apiMux.HandleFunc("GET /executions", handlers.HandleExecutions)
	apiMux.HandleFunc("GET /search", handlers.HandleSearch)
	apiMux.HandleFunc("DELETE /sandboxes", handlers.HandleCleanup)

	authedAPI := AuthMiddleware(cfg.Security.APIKeyHeader, cfg.Security.AllowedKeys)(apiMux)

	// Top-level mux: health/metrics bypass auth, everything else goes through auth
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	}
	mux.Handle("/", authedAPI)

	// Apply middleware chain (outermost first)
	var handler http.Handler = mux
	handler = MetricsMiddleware(metrics)(handler)
	handler = RateLimitMiddleware(cfg.Security.RateLimitRPS, cfg.Security.RateLimitBurst)(handler)
	handler = MaxBodyMiddleware(cfg.Server.MaxRequestBody)(handler)
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

// Start begins listening for requests.
func (s *Server) Start() error {
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
	dbOK := s.dbHealthy == nil || s.dbHealthy(r.Context())
	providerOK := s.providerHealthy == nil || s.providerHealthy(r.Context())

	resp := HealthResponse{
		Status:          "ok",
		Database:        dbOK,
		SandboxProvider: providerOK,
		Uptime:          time.Since(s.startTime).Round(time.Second).String(),
	}
	if s.activeSandboxes != nil {
		resp.ActiveSandboxes = s.activeSandboxes()
	}

	status := http.StatusOK
	if !dbOK || !providerOK {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
