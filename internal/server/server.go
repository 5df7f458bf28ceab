// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/marketescrow/internal/config"
	"github.com/mbd888/marketescrow/internal/database"
	"github.com/mbd888/marketescrow/internal/escrow"
	"github.com/mbd888/marketescrow/internal/health"
	"github.com/mbd888/marketescrow/internal/idgen"
	"github.com/mbd888/marketescrow/internal/listing"
	"github.com/mbd888/marketescrow/internal/logging"
	"github.com/mbd888/marketescrow/internal/metrics"
	"github.com/mbd888/marketescrow/internal/ratelimit"
	"github.com/mbd888/marketescrow/internal/retry"
	"github.com/mbd888/marketescrow/internal/security"
	"github.com/mbd888/marketescrow/internal/traces"
	"github.com/mbd888/marketescrow/internal/validation"
)

// Version is reported by /health and attached to traces. Overridden at
// build time with -ldflags "-X .../internal/server.Version=...".
var Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg             *config.Config
	store           escrow.Store
	catalog         escrow.ListingCatalog
	webhookCatalog  *listing.WebhookCatalog // nil unless LISTING_WEBHOOK_URL is set
	escrowService   *escrow.Service
	sweeper         *escrow.Sweeper
	health          *health.Registry
	rateLimiter     *ratelimit.Limiter
	db              *sql.DB // nil if using in-memory
	router          *gin.Engine
	httpSrv         *http.Server
	logger          *slog.Logger
	now             func() time.Time
	drainDelay      time.Duration
	shutdownTracing func(context.Context) error
	cancelRunCtx    context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithStore sets the escrow store, bypassing database configuration (for testing)
func WithStore(store escrow.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// WithCatalog sets the listing catalog (for testing)
func WithCatalog(catalog escrow.ListingCatalog) Option {
	return func(s *Server) {
		s.catalog = catalog
	}
}

// WithClock sets the time source used by the escrow service (for testing)
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers to stop
// sending traffic before closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
	}

	// Apply options first (may set store/catalog/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	// Initialize storage (Postgres if DATABASE_URL set, SQLite if SQLITE_PATH
	// set, otherwise in-memory)
	if s.store == nil {
		db, dialect, err := database.Open(ctx, cfg.DatabaseURL, cfg.SQLitePath)
		switch {
		case errors.Is(err, database.ErrNoDatabase):
			s.store = escrow.NewMemoryStore()
			s.logger.Warn("no database configured, using in-memory storage")
		case err != nil:
			return nil, err
		default:
			s.db = db
			s.store = escrow.NewSQLStore(db, dialect)
			if dialect == escrow.DialectPostgres {
				s.logger.Info("using PostgreSQL storage", "url", database.MaskDSN(cfg.DatabaseURL))
			} else {
				s.logger.Info("using SQLite storage", "path", cfg.SQLitePath)
			}
		}
	}

	// Listing catalog (webhook client if configured, otherwise in-process)
	if s.catalog == nil {
		if cfg.ListingWebhookURL != "" {
			wc, err := listing.NewWebhookCatalog(listing.WebhookConfig{
				URL:    cfg.ListingWebhookURL,
				Secret: cfg.ListingWebhookSecret,
			}, s.logger)
			if err != nil {
				s.closeDB()
				return nil, fmt.Errorf("listing catalog: %w", err)
			}
			s.webhookCatalog = wc
			s.catalog = wc
			s.logger.Info("using webhook listing catalog", "url", cfg.ListingWebhookURL)
		} else {
			s.catalog = listing.NewMemoryCatalog()
			s.logger.Warn("no listing catalog configured, using in-memory catalog")
		}
	}

	// Escrow engine
	policy := retry.DefaultPolicy
	policy.MaxAttempts = cfg.MaxWriteAttempts
	svcOpts := []escrow.Option{
		escrow.WithLogger(s.logger),
		escrow.WithWindows(cfg.PaymentTimeout, cfg.ConfirmationTimeout),
		escrow.WithRetryPolicy(policy),
	}
	if s.now != nil {
		svcOpts = append(svcOpts, escrow.WithClock(s.now))
	}
	s.escrowService = escrow.NewService(s.store, s.catalog, cfg.CustodyAgent, svcOpts...)
	s.sweeper = escrow.NewSweeper(s.escrowService, s.logger).WithInterval(cfg.SweepInterval)
	s.logger.Info("escrow engine configured",
		"custody_agent", cfg.CustodyAgent,
		"payment_timeout", cfg.PaymentTimeout.String(),
		"confirmation_timeout", cfg.ConfirmationTimeout.String(),
		"sweep_interval", cfg.SweepInterval.String(),
	)

	// Subsystem health
	s.health = health.NewRegistry()
	s.health.Register("store", health.Ping("store", s.escrowService.Ping))
	s.health.Register("sweeper", health.Running("sweeper", s.sweeper.Running))
	if s.webhookCatalog != nil {
		s.health.Register("listing_catalog", s.webhookCatalog.Health)
	}

	// Tracing (no-op when OTEL_EXPORTER_OTLP_ENDPOINT is unset)
	shutdownTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		s.closeDB()
		return nil, fmt.Errorf("tracing: %w", err)
	}
	s.shutdownTracing = shutdownTracing

	// Setup router
	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

func (s *Server) closeDB() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting, keyed by party
	if s.cfg.RateLimitRPS > 0 {
		s.rateLimiter = ratelimit.New(ratelimit.Config{RequestsPerSecond: float64(s.cfg.RateLimitRPS)})
		s.router.Use(s.rateLimiter.Middleware())
	}

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = idgen.Request()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger.With("request_id", requestID))
		c.Request = c.Request.WithContext(ctx)

		// Set response header
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		case path == "/health/live" || path == "/health/ready" || path == "/metrics":
			// probes are too chatty for info
			logger.Debug("request completed", "path", path, "status", status)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health and metrics
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	escrowHandler := escrow.NewHandler(s.escrowService, s.cfg.AdminSecret)
	escrowHandler.RegisterRoutes(v1)
	escrowHandler.RegisterProtectedRoutes(v1)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	if err := s.escrowService.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "store": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
			"version", Version,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.startBackground(runCtx)

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// startBackground launches the sweeper, the catalog delivery worker and the
// DB stats collector.
func (s *Server) startBackground(ctx context.Context) {
	go s.sweeper.Start(ctx)

	if s.webhookCatalog != nil {
		s.webhookCatalog.Start(ctx)
	}

	if s.db != nil {
		go metrics.StartDBStatsCollector(ctx, s.db, 15*time.Second)
	}
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	// Stop the sweeper before the store goes away
	s.sweeper.Stop()
	s.logger.Info("escrow sweeper stopped")

	// Deliver queued catalog notifications, then stop the worker
	if s.webhookCatalog != nil {
		s.webhookCatalog.Stop()
		s.logger.Info("listing catalog worker stopped")
	}

	// Cancel the context for all remaining background goroutines
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.shutdownTracing != nil {
		if err := s.shutdownTracing(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.healthy.Store(false)
	s.logger.Info("server stopped")
	return shutdownErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Service returns the escrow service
func (s *Server) Service() *escrow.Service {
	return s.escrowService
}

// Sweeper returns the escrow sweeper
func (s *Server) Sweeper() *escrow.Sweeper {
	return s.sweeper
}
