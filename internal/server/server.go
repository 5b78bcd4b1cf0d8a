// Package server sets up the HTTP server with all routes
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
	"github.com/redis/go-redis/v9"

	"github.com/skillxchange/trustforge/internal/auth"
	"github.com/skillxchange/trustforge/internal/catalog"
	"github.com/skillxchange/trustforge/internal/config"
	"github.com/skillxchange/trustforge/internal/escrow"
	"github.com/skillxchange/trustforge/internal/events"
	"github.com/skillxchange/trustforge/internal/health"
	"github.com/skillxchange/trustforge/internal/identity"
	"github.com/skillxchange/trustforge/internal/ledger"
	"github.com/skillxchange/trustforge/internal/logging"
	"github.com/skillxchange/trustforge/internal/metrics"
	"github.com/skillxchange/trustforge/internal/ratelimit"
	"github.com/skillxchange/trustforge/internal/realtime"
	"github.com/skillxchange/trustforge/internal/reputation"
	"github.com/skillxchange/trustforge/internal/security"
	"github.com/skillxchange/trustforge/internal/traces"
	"github.com/skillxchange/trustforge/internal/validation"
)

// Version is reported by /health and the tracer resource.
var Version = "dev"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg *config.Config

	db    *sql.DB       // nil if using in-memory
	redis *redis.Client // nil if no cache

	authMgr     *auth.Manager
	catalog     *catalog.Service
	identities  identity.Resolver
	rail        ledger.Rail
	stripeHooks ledger.WebhookParser
	transfers   *ledger.Adapter
	transferDB  ledger.Store
	poller      *ledger.Poller

	escrowStore   escrow.Store
	escrowService *escrow.Service
	escrowTimer   *escrow.Timer
	relay         *escrow.Relay

	repStore reputation.Store
	issuer   *reputation.Issuer
	rescorer *reputation.Worker

	bus          *events.MemoryBus
	amqpPub      *events.AMQPPublisher
	amqpConsumer *events.AMQPConsumer

	realtimeHub *realtime.Hub
	health      *health.Registry
	rateLimiter *ratelimit.Limiter

	router          *gin.Engine
	httpSrv         *http.Server
	logger          *slog.Logger
	cancelRunCtx    context.CancelFunc // cancels background goroutines started in Run
	shutdownTracing func(context.Context) error

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

// WithRail replaces the configured ledger rail (for testing)
func WithRail(r ledger.Rail) Option {
	return func(s *Server) {
		s.rail = r
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing, continuing without", "error", err)
		shutdown = func(context.Context) error { return nil }
	}
	s.shutdownTracing = shutdown

	if err := s.initStorage(ctx); err != nil {
		return nil, err
	}
	if err := s.initLedger(); err != nil {
		return nil, err
	}
	s.initIdentities(ctx)
	s.initEvents()
	s.initEscrow()
	s.initHealth()

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
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

// identityLogMiddleware tags the request logger with the caller's
// identity once auth has run.
func identityLogMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := auth.GetIdentity(c); id != "" {
			c.Request = c.Request.WithContext(logging.WithIdentity(c.Request.Context(), id))
		}
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

	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.authMgr, s.cfg.AdminSecret))
	v1.Use(identityLogMiddleware())
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerSecond: float64(s.cfg.RateLimitRPS),
		BurstSize:         2 * s.cfg.RateLimitRPS,
	})
	v1.Use(s.rateLimiter.Middleware())

	v1.GET("/info", s.infoHandler)

	authHandler := auth.NewHandler(s.authMgr)
	catalogHandler := catalog.NewHandler(s.catalog, s.identities)
	escrowHandler := escrow.NewHandler(s.escrowService)
	ledgerHandler := ledger.NewHandler(s.transfers, s.cfg.WebhookSecret, s.stripeHooks)

	// Public: reads and signed rail callbacks
	authHandler.RegisterRoutes(v1)
	catalogHandler.RegisterRoutes(v1)
	reputation.NewHandler(s.repStore).RegisterRoutes(v1)
	identity.NewHandler(s.identities).RegisterRoutes(v1)
	ledgerHandler.RegisterRoutes(v1)

	// Authenticated: act for the key's identity
	protected := v1.Group("")
	protected.Use(auth.RequireAuth())
	authHandler.RegisterProtectedRoutes(protected)
	catalogHandler.RegisterProtectedRoutes(protected)
	escrowHandler.RegisterProtectedRoutes(protected)
	ledgerHandler.RegisterProtectedRoutes(protected)
	protected.GET("/ws", s.realtimeHub.HandleWebSocket)

	// Operator: key issuance and the match proposer ingress
	admin := v1.Group("")
	admin.Use(auth.RequireAdmin())
	authHandler.RegisterAdminRoutes(admin)
	catalogHandler.RegisterProposerRoutes(admin)
	admin.GET("/admin/realtime", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.realtimeHub.Stats())
	})
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for the aggregate health endpoint
type HealthResponse struct {
	Status     string          `json:"status"`
	Version    string          `json:"version"`
	Rail       string          `json:"rail"`
	Subsystems []health.Status `json:"subsystems"`
	Timestamp  string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.health.CheckAll(c.Request.Context())

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, HealthResponse{
		Status:     status,
		Version:    Version,
		Rail:       s.transfers.RailName(),
		Subsystems: statuses,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
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
	s.health.Handler()(c)
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":          "Trustforge",
		"description":   "Escrow for peer-to-peer skill exchange sessions",
		"version":       Version,
		"rail":          s.transfers.RailName(),
		"paymentWindow": s.cfg.PaymentWindow.String(),
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Background goroutines stop when Shutdown cancels runCtx.
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

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"rail", s.transfers.RailName(),
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

// startBackground launches the hub and every loop the session lifecycle
// depends on.
func (s *Server) startBackground(ctx context.Context) {
	go s.realtimeHub.Run(ctx)
	go s.poller.Start(ctx)
	go s.escrowTimer.Start(ctx)
	go s.relay.Start(ctx)
	go s.rescorer.Start(ctx)

	if s.amqpConsumer != nil {
		go s.amqpConsumer.Run(ctx, s.issuer.Handle)
	}
	if s.db != nil {
		go metrics.StartDBStatsCollector(ctx, s.db, 15*time.Second)
	}
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.stopBackground()

	// Flush the last settle events before the broker connection goes.
	if n := s.relay.RunOnce(ctx); n > 0 {
		s.logger.Info("flushed settle outbox", "published", n)
	}
	if s.amqpPub != nil {
		if err := s.amqpPub.Close(); err != nil {
			s.logger.Error("amqp close error", "error", err)
		}
	}
	if closer, ok := s.rail.(interface{ Close() }); ok {
		closer.Close()
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}
	if err := s.shutdownTracing(ctx); err != nil {
		s.logger.Error("tracer shutdown error", "error", err)
	}

	s.logger.Info("server stopped")
	return nil
}

func (s *Server) stopBackground() {
	s.escrowTimer.Stop()
	s.poller.Stop()
	s.relay.Stop()
	s.rescorer.Stop()
	s.rateLimiter.Stop()
	s.logger.Info("background loops stopped")
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
