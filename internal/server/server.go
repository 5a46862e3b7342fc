// Package server wires the payment core behind one HTTP surface.
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
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

	"github.com/trakka/payguard/internal/config"
	"github.com/trakka/payguard/internal/connector"
	"github.com/trakka/payguard/internal/dispatch"
	"github.com/trakka/payguard/internal/escrow"
	"github.com/trakka/payguard/internal/health"
	"github.com/trakka/payguard/internal/jobs"
	"github.com/trakka/payguard/internal/journal"
	"github.com/trakka/payguard/internal/logging"
	"github.com/trakka/payguard/internal/metrics"
	"github.com/trakka/payguard/internal/orders"
	"github.com/trakka/payguard/internal/ratelimit"
	"github.com/trakka/payguard/internal/security"
	"github.com/trakka/payguard/internal/tenant"
	"github.com/trakka/payguard/internal/traces"
	"github.com/trakka/payguard/internal/validation"
	"github.com/trakka/payguard/internal/wallet"
	"github.com/trakka/payguard/internal/webhook"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg *config.Config

	connectors *connector.Service
	tenants    *tenant.Service
	orders     *orders.Service
	journals   *journal.Service
	wallets    *wallet.Service
	escrows    *escrow.Service
	dispatches *dispatch.Service
	jobQueue   *jobs.Service

	sweep       *escrow.Sweep
	jobTimer    *jobs.Timer
	rateLimiter *ratelimit.Limiter
	health      *health.Registry

	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	tracerStop   func(context.Context) error
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

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

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	for _, opt := range opts {
		opt(s)
	}

	// Connector fleet is validated against the registry before anything
	// else: a typo'd kind must fail startup, not a shipment.
	connectors, err := connector.NewService(cfg.Connectors)
	if err != nil {
		return nil, fmt.Errorf("connector configuration: %w", err)
	}
	s.connectors = connectors
	s.logger.Info("connectors configured", "count", len(cfg.Connectors))

	var (
		tenantStore   tenant.Store
		orderStore    orders.Store
		journalStore  journal.Store
		walletStore   wallet.Store
		escrowStore   escrow.Store
		dispatchStore dispatch.Store
		jobStore      jobs.Store
	)

	// Storage: Postgres if DATABASE_URL is set, otherwise in-memory
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		tenantStore = tenant.NewPostgresStore(db)
		orderStore = orders.NewPostgresStore(db)
		journalStore = journal.NewPostgresStore(db)
		walletStore = wallet.NewPostgresStore(db)
		escrowStore = escrow.NewPostgresStore(db)
		dispatchStore = dispatch.NewPostgresStore(db)
		jobStore = jobs.NewPostgresStore(db)
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")

		tenantStore = tenant.NewMemoryStore()
		orderStore = orders.NewMemoryStore()
		journalStore = journal.NewMemoryStore()
		walletStore = wallet.NewMemoryStore()
		escrowStore = escrow.NewMemoryStore()
		dispatchStore = dispatch.NewMemoryStore()
		jobStore = jobs.NewMemoryStore()
	}

	s.tenants = tenant.NewService(tenantStore)
	s.orders = orders.NewService(orderStore)
	s.journals = journal.NewService(journalStore)
	s.wallets = wallet.NewService(walletStore, s.logger)

	s.escrows = escrow.NewService(escrowStore, s.tenants,
		&orderDirectoryAdapter{s.orders}, s.journals, s.wallets, s.logger)

	s.jobQueue = jobs.NewService(jobStore)
	s.dispatches = dispatch.NewService(dispatchStore, s.escrows, s.jobQueue, s.connectors, s.logger)
	s.escrows.WithDeliveryChecker(s.dispatches)

	// Background workers: settlement sweep + connector job drain
	s.sweep = escrow.NewSweep(s.escrows, escrowStore, s.logger).WithInterval(cfg.SweepInterval)
	runner := jobs.NewRunner(jobStore, s.dispatches, s.logger)
	s.jobTimer = jobs.NewTimer(runner, s.logger).WithInterval(cfg.JobInterval)

	s.setupHealthChecks()

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

// orderDirectoryAdapter narrows the order directory to what escrow needs.
type orderDirectoryAdapter struct {
	orders *orders.Service
}

func (a *orderDirectoryAdapter) Order(ctx context.Context, tenantID, orderID string) (*escrow.OrderInfo, error) {
	o, err := a.orders.Get(ctx, tenantID, orderID)
	if err != nil {
		return nil, err
	}
	return &escrow.OrderInfo{
		ID:       o.ID,
		TenantID: o.TenantID,
		SellerID: o.SellerID,
		Total:    o.Total,
		Currency: o.Currency,
		Invoiced: o.Invoiced,
	}, nil
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

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Actor identity
	s.router.Use(s.actorMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
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

// actorMiddleware populates the actor context keys the handlers read.
// Identity comes from the gateway in front of this service; the core trusts
// the headers and records them on every audit trail entry. Privileged calls
// are additionally gated on ADMIN_TOKEN when one is set.
func (s *Server) actorMiddleware() gin.HandlerFunc {
	adminToken := os.Getenv("ADMIN_TOKEN")
	return func(c *gin.Context) {
		c.Set("tenantID", c.GetHeader("X-Tenant-ID"))
		c.Set("userID", c.GetHeader("X-User-ID"))

		privileged := c.GetHeader("X-Privileged") == "true"
		if privileged && adminToken != "" {
			privileged = c.GetHeader("X-Admin-Token") == adminToken
		}
		c.Set("privileged", privileged)

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

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Inbound 3PL callbacks are authenticated by HMAC signature, not by the
	// actor headers, so they sit outside the v1 group.
	webhookHandler := webhook.NewHandler(s.connectors, s.dispatches, s.logger)
	webhookHandler.RegisterRoutes(s.router.Group("/"))

	// V1 API group
	v1 := s.router.Group("/v1")
	v1.Use(s.requireTenant())

	tenant.NewHandler(s.tenants).RegisterRoutes(v1)
	orders.NewHandler(s.orders).RegisterRoutes(v1)
	wallet.NewHandler(s.wallets).RegisterRoutes(v1)
	escrow.NewHandler(s.escrows).RegisterRoutes(v1)
	dispatch.NewHandler(s.dispatches).RegisterRoutes(v1)
	jobs.NewHandler(s.jobQueue).RegisterRoutes(v1)
}

// requireTenant rejects v1 calls that carry no tenant identity.
func (s *Server) requireTenant() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString("tenantID") == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "missing_tenant",
				"message": "X-Tenant-ID header is required",
			})
			return
		}
		c.Next()
	}
}

// -----------------------------------------------------------------------------
// Health handlers
// -----------------------------------------------------------------------------

// HealthResponse is the /health payload.
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// setupHealthChecks registers subsystem checkers. Worker checks report
// detail only: a sweep that has not started yet must not fail the probe
// during boot.
func (s *Server) setupHealthChecks() {
	s.health = health.NewRegistry()

	s.health.Register("database", func(ctx context.Context) (string, error) {
		if s.db == nil {
			return "in-memory", nil
		}
		return "", s.db.PingContext(ctx)
	})
	s.health.Register("settlement_sweep", func(ctx context.Context) (string, error) {
		return runningDetail(s.sweep.Running()), nil
	})
	s.health.Register("job_timer", func(ctx context.Context) (string, error) {
		return runningDetail(s.jobTimer.Running()), nil
	})
}

func runningDetail(running bool) string {
	if running {
		return "running"
	}
	return "stopped"
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.health.CheckAll(ctx)

	checks := make(map[string]string, len(statuses))
	for _, st := range statuses {
		switch {
		case !st.Healthy:
			checks[st.Name] = "unhealthy"
		case st.Detail != "":
			checks[st.Name] = st.Detail
		default:
			checks[st.Name] = "healthy"
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
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

// Run starts the server and blocks until a shutdown signal, a server error,
// or context cancellation.
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	tracerStop, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.tracerStop = tracerStop
	}

	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
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

	// Start settlement sweep
	go s.sweep.Start(runCtx)

	// Start connector job drain
	go s.jobTimer.Start(runCtx)

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

// Shutdown drains in-flight requests and stops background workers.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (sweep, job timer)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// Stop settlement sweep
	if s.sweep != nil {
		s.sweep.Stop()
		s.logger.Info("settlement sweep stopped")
	}

	// Stop job timer
	if s.jobTimer != nil {
		s.jobTimer.Stop()
		s.logger.Info("job timer stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Flush traces
	if s.tracerStop != nil {
		if err := s.tracerStop(ctx); err != nil {
			s.logger.Error("tracer shutdown error", "error", err)
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

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
