// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/cyprienoudart/Chain-Pilot/internal/approvals"
	"github.com/cyprienoudart/Chain-Pilot/internal/config"
	"github.com/cyprienoudart/Chain-Pilot/internal/history"
	"github.com/cyprienoudart/Chain-Pilot/internal/idgen"
	"github.com/cyprienoudart/Chain-Pilot/internal/logging"
	"github.com/cyprienoudart/Chain-Pilot/internal/metrics"
	"github.com/cyprienoudart/Chain-Pilot/internal/ratelimit"
	"github.com/cyprienoudart/Chain-Pilot/internal/realtime"
	"github.com/cyprienoudart/Chain-Pilot/internal/rules"
	"github.com/cyprienoudart/Chain-Pilot/internal/security"
	"github.com/cyprienoudart/Chain-Pilot/internal/spending"
	"github.com/cyprienoudart/Chain-Pilot/internal/traces"
	"github.com/cyprienoudart/Chain-Pilot/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	ruleStore     rules.Store
	auditStore    rules.RecordStore
	evaluator     *rules.Evaluator
	historyStore  history.Store
	spendStore    spending.Store
	approvalStore approvals.Store
	controller    *spending.Controller
	realtimeHub   *realtime.Hub
	rateLimiter   *ratelimit.Limiter
	db            *sql.DB // nil if using in-memory
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	traceShutdown func(context.Context) error
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

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
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

		ruleStore := rules.NewPostgresStore(db)
		if err := ruleStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate rules store", "error", err)
		}
		s.ruleStore = ruleStore

		auditStore := rules.NewPostgresRecordStore(db)
		if err := auditStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate evaluation records store", "error", err)
		}
		s.auditStore = auditStore

		histStore := history.NewPostgresStore(db)
		if err := histStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate transactions store", "error", err)
		}
		s.historyStore = histStore

		spendStore := spending.NewPostgresStore(db)
		if err := spendStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate spending history store", "error", err)
		}
		s.spendStore = spendStore

		approvalStore := approvals.NewPostgresStore(db)
		if err := approvalStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate approval requests store", "error", err)
		}
		s.approvalStore = approvalStore
	} else {
		s.ruleStore = rules.NewMemoryStore()
		s.auditStore = rules.NewMemoryRecordStore()
		s.historyStore = history.NewMemoryStore()
		s.spendStore = spending.NewMemoryStore()
		s.approvalStore = approvals.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Spending limit controller for the active security level
	level := spending.SecurityLevel(cfg.SecurityLevel)
	profile, ok := spending.ProfileFor(level)
	if !ok {
		return nil, fmt.Errorf("unknown security level %q", cfg.SecurityLevel)
	}
	s.controller = spending.NewController(level, profile, s.spendStore, s.approvalStore)
	s.logger.Info("spending limits enabled", "level", string(level))

	// Realtime hub for WebSocket streaming of decisions and approvals
	s.realtimeHub = realtime.NewHub(logging.WithComponent(s.logger, "realtime"))
	s.logger.Info("realtime streaming enabled")

	// Rule evaluator, fed by the general transaction history
	s.evaluator = rules.NewEvaluator(s.ruleStore, s.historyStore, s.auditStore).
		WithEmitter(&decisionEmitter{s.realtimeHub})

	// Tracing (optional)
	if cfg.OTLPEndpoint != "" {
		shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
		if err != nil {
			s.logger.Warn("failed to initialize tracing", "error", err)
		} else {
			s.traceShutdown = shutdown
		}
	}

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

	// CORS
	origins := []string{"*"}
	if s.cfg.AllowedOrigins != "" {
		origins = strings.Split(s.cfg.AllowedOrigins, ",")
	}
	s.router.Use(security.CORSMiddleware(origins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
		rlCfg.BurstSize = s.cfg.RateLimitRPS
	}
	s.rateLimiter = ratelimit.New(rlCfg)
	s.router.Use(s.rateLimiter.Middleware())

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
			requestID = idgen.WithPrefix("req_")
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

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time decision and approval streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/api/v1")

	// Rules and evaluation
	rulesHandler := rules.NewHandler(s.ruleStore, s.evaluator, s.auditStore)
	rulesHandler.RegisterRoutes(v1)

	// Transaction history (feeds the rule context windows)
	historyHandler := history.NewHandler(s.historyStore)
	historyHandler.RegisterRoutes(v1)

	// Spending limits
	spendingHandler := spending.NewHandler(s.controller, s.spendStore)
	spendingHandler.RegisterRoutes(v1)

	// Approval lifecycle
	approvalsHandler := approvals.NewHandler(s.approvalStore).
		WithEmitter(&approvalEmitter{s.realtimeHub})
	approvalsHandler.RegisterRoutes(v1)

	// Security levels (read-only reference)
	v1.GET("/security/levels", s.securityLevelsHandler)

	// Realtime hub stats
	v1.GET("/realtime/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.realtimeHub.Stats())
	})
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	checks := make(map[string]string)

	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			checks["database"] = "unhealthy"
		} else {
			checks["database"] = "healthy"
		}
	} else {
		checks["storage"] = "in-memory"
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

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":           "ChainPilot",
		"description":    "Transaction policy engine for AI agent wallets",
		"version":        "0.1.0",
		"security_level": s.cfg.SecurityLevel,
	})
}

// securityLevelsHandler lists the available spending profiles
func (s *Server) securityLevelsHandler(c *gin.Context) {
	levels := []gin.H{}
	for _, level := range spending.Levels() {
		profile, _ := spending.ProfileFor(level)
		levels = append(levels, gin.H{
			"level":                   string(level),
			"active":                  string(level) == s.cfg.SecurityLevel,
			"max_tx_per_hour":         profile.MaxTxPerHour,
			"require_approval_always": profile.RequireApprovalAlways,
		})
	}
	c.JSON(http.StatusOK, gin.H{"levels": levels})
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
			"security_level", s.cfg.SecurityLevel,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Export database pool stats
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
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

	// Cancel the context for all background goroutines (hub, collectors)
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

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Flush traces
	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
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

// -----------------------------------------------------------------------------
// Realtime adapters
// -----------------------------------------------------------------------------

// decisionEmitter adapts realtime.Hub to rules.DecisionEmitter
type decisionEmitter struct {
	hub *realtime.Hub
}

func (e *decisionEmitter) BroadcastDecision(tx *rules.Transaction, v *rules.Verdict) {
	if e.hub == nil {
		return
	}
	e.hub.BroadcastDecision(map[string]interface{}{
		"from_address": tx.FromAddress,
		"to_address":   tx.ToAddress,
		"value":        tx.Value,
		"tx_hash":      tx.TxHash,
		"allowed":      v.Allowed,
		"action":       string(v.Action),
		"risk_level":   string(v.RiskLevel),
		"failed_rules": v.FailedRules,
	})
}

// approvalEmitter adapts realtime.Hub to approvals.Emitter
type approvalEmitter struct {
	hub *realtime.Hub
}

func (e *approvalEmitter) BroadcastApproval(r *approvals.Request) {
	if e.hub == nil {
		return
	}
	e.hub.BroadcastApproval(map[string]interface{}{
		"id":           r.ID,
		"status":       r.Status,
		"reason":       r.Reason,
		"from_address": r.Transaction.FromAddress,
		"to_address":   r.Transaction.ToAddress,
		"value":        r.Transaction.Value,
		"decided_by":   r.ApprovedBy,
	})
}
