// Package server sets up the HTTP server, storage and background timers.
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

	"github.com/mbd888/sentinel/internal/audit"
	"github.com/mbd888/sentinel/internal/cases"
	"github.com/mbd888/sentinel/internal/circuitbreaker"
	"github.com/mbd888/sentinel/internal/config"
	"github.com/mbd888/sentinel/internal/health"
	"github.com/mbd888/sentinel/internal/logging"
	"github.com/mbd888/sentinel/internal/mail"
	"github.com/mbd888/sentinel/internal/metrics"
	"github.com/mbd888/sentinel/internal/narrative"
	"github.com/mbd888/sentinel/internal/notify"
	"github.com/mbd888/sentinel/internal/ratelimit"
	"github.com/mbd888/sentinel/internal/realtime"
	"github.com/mbd888/sentinel/internal/rules"
	"github.com/mbd888/sentinel/internal/security"
	"github.com/mbd888/sentinel/internal/traces"
	"github.com/mbd888/sentinel/internal/validation"
	"github.com/mbd888/sentinel/migrations"
)

// Version is reported by /health and the tracer resource.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	store       cases.Store
	cases       *cases.Service
	narrator    notify.NarrativeGenerator
	sender      notify.MailSender
	outbox      notify.Outbox
	auditTimer  *audit.Timer
	notifyTimer *notify.Timer
	realtimeHub *realtime.Hub
	limiter     *ratelimit.Limiter
	health      *health.Registry
	db          *sql.DB // nil if using in-memory
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger
	drainDelay  time.Duration

	cancelRunCtx    context.CancelFunc // cancels background goroutines started in Run
	shutdownTracing func(context.Context) error

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

// WithStore sets the case store instead of opening DATABASE_URL.
func WithStore(store cases.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// WithNarrator sets the narrative generator.
func WithNarrator(n notify.NarrativeGenerator) Option {
	return func(s *Server) {
		s.narrator = n
	}
}

// WithMailSender sets the mail sender.
func WithMailSender(m notify.MailSender) Option {
	return func(s *Server) {
		s.sender = m
	}
}

// WithOutbox sets the undeliverable-alert outbox.
func WithOutbox(o notify.Outbox) Option {
	return func(s *Server) {
		s.outbox = o
	}
}

// WithDrainDelay sets how long Shutdown waits before closing listeners.
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
		health:     health.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.setupStorage(); err != nil {
		return nil, err
	}
	if err := s.setupDelivery(); err != nil {
		return nil, err
	}

	s.realtimeHub = realtime.NewHub(logging.Component(s.logger, "realtime"), cfg.MaxWSClients)
	s.cases = cases.NewService(s.store).WithEvents(s.realtimeHub)

	engine := rules.NewEngine(cfg.Rules)
	auditor := audit.NewAuditor(s.cases, engine, logging.Component(s.logger, "audit")).
		WithBatchSize(cfg.AuditBatchSize)
	s.auditTimer = audit.NewTimer(auditor, cfg.AuditInterval, logging.Component(s.logger, "audit"))

	notifier := notify.NewNotifier(s.store, s.narrator, s.sender, s.outbox, notify.Config{
		BatchSize:        cfg.NotifyBatchSize,
		BankName:         cfg.BankName,
		NarrativeTimeout: cfg.NarrativeTimeout,
		MailTimeout:      cfg.MailTimeout,
	}, logging.Component(s.logger, "notify")).WithEvents(s.realtimeHub)
	s.notifyTimer = notify.NewTimer(notifier, cfg.NotifyInterval, logging.Component(s.logger, "notify"))

	if s.db != nil {
		s.health.Register("database", health.DatabaseChecker(s.db, 2*time.Second))
	}
	s.health.Register("audit_timer", health.TimerChecker("audit_timer", s.auditTimer.Running))
	s.health.Register("notify_timer", health.TimerChecker("notify_timer", s.notifyTimer.Running))

	s.limiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.RateLimitRPM,
		BurstSize:         cfg.RateLimitBurst,
	})

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	s.logger.Info("server configured",
		"rules", rules.Version,
		"auditInterval", cfg.AuditInterval,
		"notifyInterval", cfg.NotifyInterval,
	)
	return s, nil
}

func (s *Server) setupStorage() error {
	if s.store != nil {
		return nil
	}
	if s.cfg.DatabaseURL == "" {
		s.store = cases.NewMemoryStore()
		s.logger.Warn("DATABASE_URL not set, using in-memory storage")
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	if s.cfg.AutoMigrate {
		if err := migrations.Up(ctx, db); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	s.db = db
	s.store = cases.NewPostgresStore(db)
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	return nil
}

func (s *Server) setupDelivery() error {
	strict := s.cfg.IsProduction()

	breaker := circuitbreaker.New(5, time.Minute)
	breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		s.logger.Warn("circuit breaker state change", "key", key, "from", from.String(), "to", to.String())
	})

	if s.narrator == nil {
		if s.cfg.NarrativeURL == "" {
			s.narrator = narrative.Static{}
			s.logger.Warn("NARRATIVE_URL not set, using static alert intro")
		} else {
			if err := security.ValidateOutboundURL(s.cfg.NarrativeURL, strict); err != nil {
				return fmt.Errorf("NARRATIVE_URL: %w", err)
			}
			client, err := narrative.New(narrative.Config{
				BaseURL: s.cfg.NarrativeURL,
				APIKey:  s.cfg.NarrativeAPIKey,
				Model:   s.cfg.NarrativeModel,
				Timeout: s.cfg.NarrativeTimeout,
			})
			if err != nil {
				return err
			}
			s.narrator = client.WithBreaker(breaker)
		}
	}

	if s.sender == nil {
		switch {
		case s.cfg.MailWebhookURL != "":
			if err := security.ValidateOutboundURL(s.cfg.MailWebhookURL, strict); err != nil {
				return fmt.Errorf("MAIL_WEBHOOK_URL: %w", err)
			}
			s.sender = mail.Guard(mail.NewWebhookSender(s.cfg.MailWebhookURL, s.cfg.MailWebhookSecret), breaker)
		case s.cfg.SMTPAddr != "":
			s.sender = mail.Guard(mail.NewSMTPSender(s.cfg.SMTPAddr, s.cfg.MailFrom, s.cfg.SMTPUsername, s.cfg.SMTPPassword), breaker)
		default:
			s.logger.Warn("no mail transport configured, alerts go to the outbox", "dir", s.cfg.OutboxDir)
		}
	}

	if s.outbox == nil {
		s.outbox = mail.NewFileOutbox(s.cfg.OutboxDir)
	}
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

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = generateRequestID()
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
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1", s.limiter.Middleware())
	cases.NewHandler(s.cases).RegisterRoutes(v1)
	v1.GET("/stream/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.realtimeHub.Stats())
	})
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Rules     string          `json:"rules"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	ok, checks := s.health.CheckAll(ctx)
	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Rules:     rules.Version,
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

// Start launches tracing, the event hub and both timers. Run calls it;
// tests may call it directly.
func (s *Server) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	shutdown, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		s.logger.Warn("tracing init failed, continuing without", "error", err)
	} else {
		s.shutdownTracing = shutdown
	}

	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	go s.realtimeHub.Run(runCtx)
	if s.limiter.Enabled() {
		go s.limiter.Run(runCtx)
	}
	go s.auditTimer.Start(runCtx)
	go s.notifyTimer.Start(runCtx)
}

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
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

	s.Start(ctx)

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

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Stop returns once the in-flight pass has finished.
	s.auditTimer.Stop()
	s.notifyTimer.Stop()
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	if s.shutdownTracing != nil {
		if err := s.shutdownTracing(ctx); err != nil {
			s.logger.Error("tracer shutdown error", "error", err)
		}
	}

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

// Cases returns the case service.
func (s *Server) Cases() *cases.Service {
	return s.cases
}

func generateRequestID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
