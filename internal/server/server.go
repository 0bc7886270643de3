// Package server wires the commission engine and serves the operator API.
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
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/affiliate/internal/auth"
	"github.com/mbd888/affiliate/internal/balance"
	"github.com/mbd888/affiliate/internal/commission"
	"github.com/mbd888/affiliate/internal/config"
	"github.com/mbd888/affiliate/internal/database"
	"github.com/mbd888/affiliate/internal/engine"
	"github.com/mbd888/affiliate/internal/events"
	"github.com/mbd888/affiliate/internal/health"
	"github.com/mbd888/affiliate/internal/idgen"
	"github.com/mbd888/affiliate/internal/logging"
	"github.com/mbd888/affiliate/internal/metrics"
	"github.com/mbd888/affiliate/internal/ratelimit"
	"github.com/mbd888/affiliate/internal/referral"
	"github.com/mbd888/affiliate/internal/security"
	"github.com/mbd888/affiliate/internal/settlement"
	"github.com/mbd888/affiliate/internal/snapshot"
	"github.com/mbd888/affiliate/internal/stats"
	"github.com/mbd888/affiliate/internal/traces"
	"github.com/mbd888/affiliate/internal/validation"
)

const (
	backlogInterval = 30 * time.Second
	dbStatsInterval = 15 * time.Second
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and the engine components
type Server struct {
	cfg    *config.Config
	db     *sql.DB               // nil if using in-memory
	redis  redis.UniversalClient // nil without REDIS_URL
	logger *slog.Logger
	deps   engine.Deps
	engine *engine.Engine

	health      *health.Registry
	rateLimiter *ratelimit.Limiter
	router      *gin.Engine
	httpSrv     *http.Server

	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run
	background     sync.WaitGroup     // worker, timer and collectors
	shutdownTraces func(context.Context) error

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

// WithPlanRegistry replaces the plan registry. The in-memory server has no
// other way to receive plans.
func WithPlanRegistry(r snapshot.Registry) Option {
	return func(s *Server) {
		s.deps.Registry = r
	}
}

// WithReferralGraph replaces the upline source.
func WithReferralGraph(g referral.Graph) Option {
	return func(s *Server) {
		s.deps.Graph = g
	}
}

// WithStatsProvider replaces the agent statistics source.
func WithStatsProvider(p stats.Provider) Option {
	return func(s *Server) {
		s.deps.Stats = p
	}
}

// WithEventSink adds a sink for engine events.
func WithEventSink(sink events.Sink) Option {
	return func(s *Server) {
		s.deps.Sinks = append(s.deps.Sinks, sink)
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
	s.healthy.Store(true)

	ctx := context.Background()
	if err := s.openStorage(ctx); err != nil {
		s.closeClients()
		return nil, err
	}

	s.deps.DB, s.deps.Redis = s.db, s.redis
	s.deps.Logger = s.logger
	eng, err := engine.New(ctx, cfg, s.deps)
	if err != nil {
		s.closeClients()
		return nil, err
	}
	s.engine = eng

	s.health = health.NewRegistry(3 * time.Second)
	if s.db != nil {
		s.health.Register("database", health.Database(s.db))
	}
	if s.redis != nil {
		s.health.Register("redis", health.Redis(s.redis))
	}
	s.health.Register("calculation_worker", health.Running(eng.Worker.Running))
	s.health.Register("calculation_queue", health.Queue(eng.Worker.Depth, eng.Worker.Capacity()))
	s.health.Register("hold_release_timer", health.Running(eng.HoldTimer.Running))

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

// openStorage connects Postgres and Redis when configured.
func (s *Server) openStorage(ctx context.Context) error {
	if s.cfg.RedisURL != "" {
		client, err := engine.OpenRedis(ctx, s.cfg.RedisURL)
		if err != nil {
			return err
		}
		s.redis = client
		s.logger.Info("using Redis account lock and event stream", "addr", client.Options().Addr, "stream", engine.EventStream)
	}

	if s.cfg.DatabaseURL == "" {
		s.logger.Info("using in-memory storage (data will not persist)")
		return nil
	}
	db, err := database.Open(ctx, s.cfg.DatabaseURL)
	if err != nil {
		return err
	}
	s.db = db
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	return nil
}

// maskDSN hides the password in a connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return "***"
	}
	if _, ok := u.User.Password(); ok {
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
	s.router.Use(security.CORSMiddleware(s.cfg.CORSAllowedOrigin))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Keep an ID assigned upstream (load balancer, caller)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || !validation.IsValidID(requestID) {
			requestID = idgen.New()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)
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
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latencyMs", latency.Milliseconds(),
		}
		if op := auth.Operator(c); op != "" {
			attrs = append(attrs, "operator", op)
		}

		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "clientIp", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		case path == "/health" || path == "/metrics":
			logger.Debug("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	admin := s.router.Group("/v1/admin")
	admin.Use(security.NoStore())
	admin.Use(auth.RequireAdmin(s.cfg.AdminSecret, s.cfg.IsDevelopment()))
	if s.cfg.RateLimitRPM > 0 {
		s.rateLimiter = ratelimit.New(ratelimit.Config{
			RequestsPerMinute: s.cfg.RateLimitRPM,
			BurstSize:         s.cfg.RateLimitBurst,
			CleanupInterval:   time.Minute,
		})
		admin.Use(s.rateLimiter.Middleware(ratelimit.ByOperatorOrIP(auth.ContextKeyOperator)))
	}

	eng := s.engine
	commission.NewHandler(eng.Commissions).RegisterAdminRoutes(admin)
	balance.NewHandler(eng.Balances).RegisterAdminRoutes(admin)
	settlement.NewHandler(eng.Settlements, eng.Chargebacks, eng.Audit, eng.Quantizer).RegisterAdminRoutes(admin)

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "No such route"})
	})
}

// HealthResponse is the /health body.
type HealthResponse struct {
	Status    string          `json:"status"`
	Storage   string          `json:"storage"`
	Checks    []health.Status `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	storage := "memory"
	if s.db != nil {
		storage = "postgres"
	}
	c.JSON(code, HealthResponse{
		Status:    status,
		Storage:   storage,
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

// startBackground runs the calculation pool, the hold-release sweep and the
// metrics collectors until ctx is cancelled.
func (s *Server) startBackground(ctx context.Context) {
	s.goBackground(func() { s.engine.Worker.Start(ctx) })
	s.goBackground(func() { s.engine.HoldTimer.Start(ctx) })
	s.goBackground(func() {
		metrics.StartBacklogCollector(ctx, s.engine.StatusCounts, backlogInterval, logging.For(s.logger, "metrics"))
	})
	if s.db != nil {
		db := s.db
		s.goBackground(func() { metrics.StartDBStatsCollector(ctx, db, dbStatsInterval) })
	}
}

func (s *Server) goBackground(fn func()) {
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		fn()
	}()
}

// waitBackground blocks until every background loop has returned or ctx ends.
func (s *Server) waitBackground(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		s.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	shutdownTraces, err := traces.Init(ctx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("tracing init failed, continuing without traces", "error", err)
	} else {
		s.shutdownTraces = shutdownTraces
	}

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
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.startBackground(runCtx)
	s.ready.Store(true)
	s.logger.Info("server ready")

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

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	s.engine.Worker.Stop()
	s.engine.HoldTimer.Stop()
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	// Storage closes only after nothing can still be using it.
	if s.waitBackground(ctx) {
		s.logger.Info("calculation worker and hold-release timer stopped")
	} else {
		s.logger.Warn("background loops still running at shutdown deadline")
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.shutdownTraces != nil {
		if err := s.shutdownTraces(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
	}

	s.closeClients()
	s.logger.Info("server stopped")
	return shutdownErr
}

func (s *Server) closeClients() {
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
		s.redis = nil
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
		s.db = nil
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
