// Package api provides the HTTP REST API of portprobe: scan submission,
// status lookup, websocket progress streams, health endpoints and Prometheus
// metrics exposition.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger/v2"

	_ "github.com/anstrom/portprobe/docs/swagger" // registers the generated API docs
	"github.com/anstrom/portprobe/internal/api/middleware"
	apihandlers "github.com/anstrom/portprobe/internal/api/handlers"
	"github.com/anstrom/portprobe/internal/auth"
	"github.com/anstrom/portprobe/internal/config"
	"github.com/anstrom/portprobe/internal/errors"
	"github.com/anstrom/portprobe/internal/logging"
	"github.com/anstrom/portprobe/internal/metrics"
	"github.com/anstrom/portprobe/internal/scanning"
)

// Server timeout constants.
const (
	serverShutdownTimeout = 30 * time.Second
	limiterCleanupPeriod  = time.Minute
)

// ScanPool runs API scans. *workers.Pool satisfies it.
type ScanPool interface {
	apihandlers.Submitter
	apihandlers.PoolProbe
}

// Options wires a Server to its dependencies. Config, Engine and Pool are
// required.
type Options struct {
	Config *config.Config
	Engine *scanning.Engine
	Pool   ScanPool
	// Keys validates API keys when authentication is enabled. When nil a
	// KeyStore is built from the configured hashes.
	Keys       middleware.KeyValidator
	Prometheus *metrics.PrometheusMetrics
	Metrics    metrics.MetricsRegistry
	Logger     *logging.Logger
}

// Server represents the API server.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	handler    http.Handler
	config     *config.Config
	logger     *logging.Logger
	limiter    *middleware.RateLimiter

	scans     *apihandlers.ScanHandler
	health    *apihandlers.HealthHandler
	websocket *apihandlers.WebSocketHandler

	mu       sync.Mutex
	listener net.Listener
}

// New creates a new API server instance.
func New(opts Options) (*Server, error) {
	if opts.Config == nil || opts.Engine == nil || opts.Pool == nil {
		return nil, errors.NewConfigError(errors.CodeConfiguration, "API server needs a config, an engine and a worker pool")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default()
	}
	cfg := opts.Config

	keys := opts.Keys
	if cfg.API.AuthEnabled && keys == nil {
		store, err := auth.NewKeyStore(cfg.API.APIKeyHashes)
		if err != nil {
			return nil, errors.WrapConfigError(errors.CodeConfiguration, "invalid api.api_key_hashes", err)
		}
		keys = store
	}

	logger := opts.Logger.WithComponent("api")
	store := apihandlers.NewScanStore(apihandlers.DefaultRetainedScans)

	s := &Server{
		router: mux.NewRouter(),
		config: cfg,
		logger: logger,
		scans: apihandlers.NewScanHandler(apihandlers.ScanHandlerOptions{
			Engine:         opts.Engine,
			Pool:           opts.Pool,
			Store:          store,
			Logger:         logger,
			Metrics:        opts.Metrics,
			MaxRange:       cfg.Scanning.MaxRange,
			MaxRequestSize: cfg.API.MaxRequestSize,
		}),
		health:    apihandlers.NewHealthHandler(opts.Pool, store, logger, opts.Metrics),
		websocket: apihandlers.NewWebSocketHandler(store, logger, opts.Metrics, cfg.API.CORS.AllowedOrigins),
	}
	if cfg.API.RateLimit.Enabled {
		s.limiter = middleware.NewRateLimiter(cfg.API.RateLimit.RequestsPerSecond, cfg.API.RateLimit.Burst)
	}

	s.setupRoutes(opts, keys)
	s.handler = s.wrap(s.router)

	s.httpServer = &http.Server{
		Addr:         cfg.GetAPIAddress(),
		Handler:      s.handler,
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
		IdleTimeout:  cfg.API.IdleTimeout,
	}

	return s, nil
}

// setupRoutes configures all API routes. Middleware that needs the matched
// route runs on the subrouter.
func (s *Server) setupRoutes(opts Options, keys middleware.KeyValidator) {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.Use(middleware.Metrics(opts.Metrics))
	if s.limiter != nil {
		api.Use(middleware.RateLimit(s.limiter, s.logger))
	}
	if s.config.API.AuthEnabled {
		api.Use(middleware.Authentication(keys, s.logger))
	}
	api.Use(middleware.ContentType())

	api.HandleFunc("/liveness", s.health.Liveness).Methods(http.MethodGet)
	api.HandleFunc("/health", s.health.Health).Methods(http.MethodGet)
	api.HandleFunc("/version", s.health.Version).Methods(http.MethodGet)
	api.HandleFunc("/status", s.health.Status).Methods(http.MethodGet)

	api.HandleFunc("/scans", s.scans.ListScans).Methods(http.MethodGet)
	api.HandleFunc("/scans", s.scans.CreateScan).Methods(http.MethodPost)
	api.HandleFunc("/scans/{id}", s.scans.GetScan).Methods(http.MethodGet)
	api.HandleFunc("/scans/{id}", s.scans.CancelScan).Methods(http.MethodDelete)
	api.HandleFunc("/scans/{id}/ws", s.websocket.ScanWebSocket).Methods(http.MethodGet)

	if s.config.Metrics.Enabled && opts.Prometheus != nil {
		s.router.Handle(s.config.Metrics.Path, promhttp.HandlerFor(
			opts.Prometheus.GetRegistry(),
			promhttp.HandlerOpts{EnableOpenMetrics: true},
		)).Methods(http.MethodGet)
	}

	s.router.PathPrefix("/swagger/").Handler(swaggerUI())
	s.router.HandleFunc("/", s.index).Methods(http.MethodGet)
	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, http.StatusNotFound, fmt.Errorf("no route for %s %s", r.Method, r.URL.Path))
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed on %s", r.Method, r.URL.Path))
	})
}

// swaggerUI serves the API documentation. The UI page runs inline scripts, so
// it gets a looser content security policy than the JSON endpoints.
func swaggerUI() http.Handler {
	ui := httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
		httpSwagger.DeepLinking(true),
		httpSwagger.DocExpansion("none"),
	)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Security-Policy",
			"default-src 'self'; script-src 'self' 'unsafe-inline'; style-src 'self' 'unsafe-inline'; img-src 'self' data:")
		ui.ServeHTTP(w, r)
	})
}

// wrap applies the middleware that must see every request, including
// unmatched routes and CORS preflights.
func (s *Server) wrap(h http.Handler) http.Handler {
	if s.config.API.CORS.Enabled {
		h = handlers.CORS(
			handlers.AllowedOrigins(s.config.API.CORS.AllowedOrigins),
			handlers.AllowedHeaders(s.config.API.CORS.AllowedHeaders),
			handlers.AllowedMethods(s.config.API.CORS.AllowedMethods),
			handlers.ExposedHeaders([]string{middleware.RequestIDHeader, "Location"}),
		)(h)
	}
	h = middleware.SecurityHeaders()(h)
	if s.config.Logging.RequestLogging {
		h = middleware.Logging(s.logger)(h)
	}
	h = middleware.Recovery(s.logger)(h)
	h = middleware.RequestID()(h)
	if s.config.API.TrustProxyHeaders {
		h = handlers.ProxyHeaders(h)
	}
	return h
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// GetRouter returns the configured router.
func (s *Server) GetRouter() *mux.Router {
	return s.router
}

// Scans returns the scan handler, mainly for inspection in tests.
func (s *Server) Scans() *apihandlers.ScanHandler {
	return s.scans
}

// Listen binds the configured address. Start calls it when needed.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return errors.WrapScanError(errors.CodeServiceUnavailable,
			fmt.Sprintf("failed to listen on %s", s.httpServer.Addr), err)
	}
	s.listener = ln
	return nil
}

// Addr returns the bound address, or the configured one before Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.httpServer.Addr
}

// Start serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}

	s.logger.Info("Starting API server",
		"address", s.Addr(),
		"auth_enabled", s.config.API.AuthEnabled,
		"read_timeout", s.httpServer.ReadTimeout,
		"write_timeout", s.httpServer.WriteTimeout)

	if s.limiter != nil {
		go s.limiter.Run(ctx, limiterCleanupPeriod)
	}

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(s.listener); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("API server failed: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		return s.Stop()
	case err := <-errChan:
		return err
	}
}

// Stop gracefully stops the API server. Websocket streams are closed first
// because hijacked connections are invisible to http.Server.Shutdown.
func (s *Server) Stop() error {
	s.logger.Info("Stopping API server")

	if err := s.websocket.Close(); err != nil {
		s.logger.Warn("Closing websocket streams failed", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("API server shutdown error", "error", err)
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.Info("API server stopped")
	return nil
}

// index describes the API for requests to /.
func (s *Server) index(w http.ResponseWriter, r *http.Request) {
	endpoints := map[string]string{
		"liveness": "/api/v1/liveness",
		"health":   "/api/v1/health",
		"version":  "/api/v1/version",
		"status":   "/api/v1/status",
		"scans":    "/api/v1/scans",
		"docs":     "/swagger/",
	}
	if s.config.Metrics.Enabled {
		endpoints["metrics"] = s.config.Metrics.Path
	}
	s.writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"service":   "portprobe",
		"version":   "v1",
		"endpoints": endpoints,
		"timestamp": time.Now().UTC(),
	})
}

// ErrorResponse represents a standard API error response.
type ErrorResponse struct {
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

// writeError writes a standardized error response.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, statusCode int, err error) {
	s.logger.Debug("API error",
		"method", r.Method,
		"path", r.URL.Path,
		"status", statusCode,
		"error", err,
		"remote_addr", r.RemoteAddr)

	s.writeJSON(w, r, statusCode, ErrorResponse{
		Error:     err.Error(),
		Timestamp: time.Now().UTC(),
		RequestID: middleware.GetRequestID(r),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, _ *http.Request, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response", "error", err)
	}
}
