// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/lancepay/escrowd/internal/config"
	"github.com/lancepay/escrowd/internal/escrow"
	"github.com/lancepay/escrowd/internal/idgen"
	"github.com/lancepay/escrowd/internal/ingest"
	"github.com/lancepay/escrowd/internal/ledger"
	"github.com/lancepay/escrowd/internal/logging"
	"github.com/lancepay/escrowd/internal/metrics"
	"github.com/lancepay/escrowd/internal/milestone"
	"github.com/lancepay/escrowd/internal/provider"
	"github.com/lancepay/escrowd/internal/ratelimit"
	"github.com/lancepay/escrowd/internal/realtime"
	"github.com/lancepay/escrowd/internal/reconcile"
	"github.com/lancepay/escrowd/internal/security"
	"github.com/lancepay/escrowd/internal/settlement"
	"github.com/lancepay/escrowd/internal/traces"
	"github.com/lancepay/escrowd/internal/validation"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	escrows       escrow.Store
	entries       ledger.Store
	audits        ledger.AuditStore
	milestones    milestone.Store
	provider      provider.Client
	settlementSvc *settlement.Service
	milestoneSvc  *milestone.Service
	processor     *ingest.Processor
	hub           *realtime.Hub
	reconciler    *reconcile.Timer
	rateLimiter   *ratelimit.Limiter
	tracesDown    func(context.Context) error
	db            *sql.DB // nil if using in-memory
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run

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

// WithProvider sets a custom payment provider client (for testing)
func WithProvider(client provider.Client) Option {
	return func(s *Server) {
		s.provider = client
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}

	// Apply options first (may set provider/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var applier ingest.Applier
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.escrows = escrow.NewPostgresStore(db)
		s.entries = ledger.NewPostgresStore(db)
		s.audits = ledger.NewPostgresAuditStore(db)
		s.milestones = milestone.NewPostgresStore(db)
		applier = ingest.NewPostgresApplier(db, s.logger)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.escrows = escrow.NewMemoryStore()
		s.entries = ledger.NewMemoryStore()
		s.audits = ledger.NewMemoryAuditStore()
		s.milestones = milestone.NewMemoryStore()
		applier = ingest.NewMemoryApplier(s.escrows, s.entries, s.audits, s.milestones, s.logger)
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Payment provider (Stripe when configured, otherwise mock)
	if s.provider == nil {
		if cfg.ProviderAPIKey != "" {
			stripeClient := provider.NewStripeClient(cfg.ProviderAPIKey).
				WithPayoutAccount(cfg.ProviderPayoutAccount)
			s.provider = provider.WithResilience(stripeClient, s.logger)
			s.logger.Info("payment provider enabled")
		} else {
			s.provider = provider.NewMockClient()
			s.logger.Info("using mock payment provider (intents are not real)")
		}
	}

	// Services
	s.settlementSvc = settlement.NewService(s.escrows, s.provider, s.logger)
	s.milestoneSvc = milestone.NewService(s.milestones, s.settlementSvc, s.logger)

	// Realtime hub for the live event feed
	s.hub = realtime.NewHub(s.logger)

	// Inbound provider event processing
	s.processor = ingest.NewProcessor(applier, cfg.WebhookSecret, s.logger).
		WithNotifier(s.hub)
	if cfg.WebhookSecret == "" {
		s.logger.Warn("WEBHOOK_SECRET not set, all provider events will be rejected")
	}

	// Stuck escrow reconciliation
	s.reconciler = reconcile.NewTimer(s.escrows, cfg.StuckEscrowWindow, cfg.ReconcileInterval, s.logger)

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
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

	// CORS (allow all origins for development - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting; the provider event endpoint is exempt so retried
	// deliveries are never dropped
	s.rateLimiter = ratelimit.New(ratelimit.FromRPS(s.cfg.RateLimitRPS))
	s.router.Use(s.rateLimiter.Middleware("/v1/events/provider", "/metrics", "/health"))

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
		if requestID == "" {
			requestID = "req_" + idgen.Hex(8)
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
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

// adminAuthMiddleware guards operator endpoints with the configured admin
// secret. Returns 503 when no secret is configured.
func (s *Server) adminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminSecret == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error":   "admin_disabled",
				"message": "Admin endpoints are not configured",
			})
			return
		}

		token := c.GetHeader("Authorization")
		token = trimBearer(token)
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminSecret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Invalid admin credentials",
			})
			return
		}

		c.Next()
	}
}

func trimBearer(token string) string {
	const prefix = "Bearer "
	if len(token) > len(prefix) && token[:len(prefix)] == prefix {
		return token[len(prefix):]
	}
	return token
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// V1 API group
	v1 := s.router.Group("/v1")

	// WebSocket live event feed
	v1.GET("/events/live", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	// Inbound provider events
	ingestHandler := ingest.NewHandler(s.processor)
	ingestHandler.RegisterRoutes(v1)

	// Escrow settlement API
	settlementHandler := settlement.NewHandler(s.settlementSvc, s.entries, s.milestoneSvc)
	settlementHandler.RegisterRoutes(v1)

	// Milestone workflow and disputes
	milestoneHandler := milestone.NewHandler(s.milestoneSvc)
	milestoneHandler.RegisterRoutes(v1)

	// Operator endpoints (dispute resolution)
	admin := v1.Group("/admin")
	admin.Use(s.adminAuthMiddleware())
	milestoneHandler.RegisterAdminRoutes(admin)
}

// HealthResponse is the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	checks := make(map[string]string)

	if s.db != nil {
		if err := s.db.PingContext(c.Request.Context()); err != nil {
			checks["database"] = "unhealthy"
		} else {
			checks["database"] = "healthy"
		}
	} else {
		checks["database"] = "in_memory"
	}

	if s.cfg.ProviderAPIKey != "" {
		checks["provider"] = "configured"
	} else {
		checks["provider"] = "mock"
	}

	status := "healthy"
	httpStatus := http.StatusOK
	for _, v := range checks {
		if v == "unhealthy" {
			status = "degraded"
			httpStatus = http.StatusServiceUnavailable
			break
		}
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
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
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the server and blocks until shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// Tracing (no-op when no OTLP endpoint is configured)
	shutdown, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.tracesDown = shutdown
	}

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
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.hub.Run(runCtx)

	// Start stuck escrow reconciliation
	go s.reconciler.Start(runCtx)

	// Sample database pool stats
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, reconciler)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop reconciliation timer
	s.reconciler.Stop()
	s.logger.Info("reconciliation timer stopped")

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Flush traces
	if s.tracesDown != nil {
		if err := s.tracesDown(ctx); err != nil {
			s.logger.Error("traces shutdown error", "error", err)
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

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
