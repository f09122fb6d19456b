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

	"github.com/reviewguard/reviewguard/internal/config"
	"github.com/reviewguard/reviewguard/internal/detection"
	"github.com/reviewguard/reviewguard/internal/health"
	"github.com/reviewguard/reviewguard/internal/incident"
	"github.com/reviewguard/reviewguard/internal/ingest"
	"github.com/reviewguard/reviewguard/internal/logging"
	"github.com/reviewguard/reviewguard/internal/metrics"
	"github.com/reviewguard/reviewguard/internal/notify"
	"github.com/reviewguard/reviewguard/internal/ratelimit"
	"github.com/reviewguard/reviewguard/internal/realtime"
	"github.com/reviewguard/reviewguard/internal/review"
	"github.com/reviewguard/reviewguard/internal/security"
	"github.com/reviewguard/reviewguard/internal/traces"
	"github.com/reviewguard/reviewguard/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	events        review.Store
	incidents     incident.Store
	notifications notify.Store
	manager       *incident.Manager
	evaluator     *detection.Evaluator
	replayer      *ingest.Replayer
	injector      *ingest.Injector
	hub           *realtime.Hub
	checks        *health.Registry
	rateLimiter   *ratelimit.Limiter
	openBacklog   func() (ingest.Backlog, error)
	db            *sql.DB // nil if using in-memory
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	stopTracing   func(context.Context) error
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

// WithEventStore sets a custom event store (for testing)
func WithEventStore(store review.Store) Option {
	return func(s *Server) {
		s.events = store
	}
}

// WithBacklog sets a custom backlog source for replay runs (for testing)
func WithBacklog(open func() (ingest.Backlog, error)) Option {
	return func(s *Server) {
		s.openBacklog = open
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
		checks: health.NewRegistry(),
	}

	// Apply options first (may set stores/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" && s.events == nil {
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
		s.events = review.NewPostgresStore(db)
		s.incidents = incident.NewPostgresStore(db)
		s.notifications = notify.NewPostgresStore(db)
		s.checks.Register("database", health.DatabaseChecker(db.PingContext))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else if s.events == nil {
		s.events = review.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}
	if s.incidents == nil {
		s.incidents = incident.NewMemoryStore()
	}
	if s.notifications == nil {
		s.notifications = notify.NewMemoryStore()
	}

	// Realtime hub for WebSocket streaming
	s.hub = realtime.NewHub(s.logger)

	// Notifications fan out to the store, the live feed, and an optional
	// signed webhook endpoint.
	sinks := notify.MultiSink{
		notify.NewStoreSink(s.notifications),
		notify.FuncSink(s.broadcastNotification),
	}
	if cfg.WebhookURL != "" {
		if err := security.ValidateEndpointURL(cfg.WebhookURL); err != nil {
			s.logger.Warn("webhook endpoint rejected, alerting disabled", "url", cfg.WebhookURL, "error", err)
		} else {
			sinks = append(sinks, notify.NewWebhookSink(cfg.WebhookURL, cfg.WebhookSecret, s.logger))
			s.logger.Info("webhook alerting enabled", "url", cfg.WebhookURL)
		}
	}

	// Detection and incident pipeline
	s.evaluator = detection.NewEvaluator(s.events, detection.Thresholds{
		LowRatingMax:     cfg.DetectLowRatingMax,
		TrustBelow:       cfg.DetectTrustBelow,
		Window:           cfg.DetectWindow,
		MinEventCount:    cfg.DetectMinEvents,
		MinUniqueAuthors: cfg.DetectMinUniqueAuthors,
	}, s.logger)
	s.manager = incident.NewManager(s.incidents, s.events, sinks, s.logger)

	// Ingestion: replay from the configured backlog file, attack bursts
	if s.openBacklog == nil {
		path := cfg.BacklogPath
		s.openBacklog = func() (ingest.Backlog, error) {
			if path == "" {
				return nil, errors.New("no backlog configured (set BACKLOG_PATH)")
			}
			return ingest.OpenFileBacklog(path)
		}
	}
	s.replayer = ingest.NewReplayer(s.events, s.openBacklog, s.logger,
		ingest.WithReplayMaxBatch(cfg.MaxBatch),
		ingest.WithReplayDefaults(cfg.ReplayRate, cfg.ReplayBatchSize),
		ingest.WithReplayObserver(func(st ingest.ReplayStatus) {
			s.hub.BroadcastReplay(st)
		}))
	s.injector = ingest.NewInjector(s.events, s.logger,
		ingest.WithMaxBurst(cfg.MaxBurst))

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

// broadcastNotification feeds every notification into the realtime hub.
func (s *Server) broadcastNotification(_ context.Context, n *notify.Notification) error {
	s.hub.Broadcast(&realtime.Event{
		Type:      realtime.EventNotification,
		Severity:  n.Severity,
		TargetID:  n.TargetID,
		Timestamp: n.CreatedAt,
		Data:      n,
	})
	return nil
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
	limitCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		limitCfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
		limitCfg.BurstSize = s.cfg.RateLimitRPS
	}
	s.rateLimiter = ratelimit.New(limitCfg)
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

	// WebSocket for real-time streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})
	s.router.GET("/ws/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.hub.Stats())
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")

	// Record reads and target registration
	review.NewHandler(s.events).RegisterRoutes(v1)

	// Replay and attack simulation
	ingest.NewHandler(s.replayer, s.injector).RegisterRoutes(v1)

	// Detection passes feed the incident manager, and each outcome is
	// streamed to realtime subscribers.
	detection.NewHandler(s.evaluator, &broadcastingSink{
		manager: s.manager,
		hub:     s.hub,
	}).RegisterRoutes(v1)

	// Incident lifecycle
	incident.NewHandler(s.manager).RegisterRoutes(v1)

	// Notifications
	notify.NewHandler(s.notifications).RegisterRoutes(v1)
}

// broadcastingSink forwards detections to the incident manager and streams
// both the detection and the resulting incident state to the hub.
type broadcastingSink struct {
	manager *incident.Manager
	hub     *realtime.Hub
}

func (b *broadcastingSink) Apply(ctx context.Context, d *detection.Detection) (string, bool, error) {
	incidentID, merged, err := b.manager.Apply(ctx, d)
	if err != nil {
		return "", false, err
	}

	b.hub.BroadcastDetection(d)
	if inc, gerr := b.manager.Get(ctx, incidentID); gerr == nil {
		b.hub.BroadcastIncident(inc.TargetID, inc.Severity, inc)
	}
	return incidentID, merged, nil
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    statuses,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
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
		"name":        "Reviewguard",
		"description": "Review-event ingestion, attack simulation, and incident lifecycle engine",
		"version":     "0.1.0",
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// Tracing (no-op when OTLP_ENDPOINT is unset)
	stopTracing, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.stopTracing = stopTracing
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

	// Periodic DB pool stats
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

	// Stop any in-progress replay first; Stop blocks until the in-flight
	// batch is durably flushed, so no events are lost on shutdown.
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := s.replayer.Stop(stopCtx); err != nil && !errors.Is(err, ingest.ErrReplayNotRunning) {
		s.logger.Error("replay stop error", "error", err)
	}
	stopCancel()

	// Cancel the context for background goroutines (hub, stats collector)
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

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	// Flush tracing
	if s.stopTracing != nil {
		if err := s.stopTracing(ctx); err != nil {
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

	s.logger.Info("server stopped")
	return nil
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
