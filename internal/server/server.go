// Package server wires the risktier components together and serves them
// over HTTP.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/risktier/internal/analysis"
	"github.com/mbd888/risktier/internal/circuitbreaker"
	"github.com/mbd888/risktier/internal/clock"
	"github.com/mbd888/risktier/internal/commit"
	"github.com/mbd888/risktier/internal/config"
	"github.com/mbd888/risktier/internal/events"
	"github.com/mbd888/risktier/internal/health"
	"github.com/mbd888/risktier/internal/horizon"
	"github.com/mbd888/risktier/internal/kv"
	"github.com/mbd888/risktier/internal/logging"
	"github.com/mbd888/risktier/internal/metrics"
	"github.com/mbd888/risktier/internal/ratelimit"
	"github.com/mbd888/risktier/internal/realtime"
	"github.com/mbd888/risktier/internal/scoring"
	"github.com/mbd888/risktier/internal/security"
	"github.com/mbd888/risktier/internal/signer"
	"github.com/mbd888/risktier/internal/soroban"
	"github.com/mbd888/risktier/internal/traces"
	"github.com/mbd888/risktier/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// RPC is what the server needs from Soroban RPC.
type RPC interface {
	soroban.RPC
	io.Closer
}

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg      *config.Config
	version  string
	logger   *slog.Logger
	clock    clock.Clock
	store    kv.Store
	db       *sql.DB // nil unless DATABASE_URL is set
	horizon  *horizon.Client
	rpc      RPC
	signer   signer.Signer
	policy   scoring.Policy
	analysis *analysis.Service
	pipeline *commit.Pipeline
	hub      *realtime.Hub
	kafka    *events.KafkaPublisher
	checks   *health.Registry

	rateLimiter   *ratelimit.Limiter
	router        *gin.Engine
	httpSrv       *http.Server
	cancelRunCtx  context.CancelFunc
	traceShutdown func(context.Context) error
	drainDelay    time.Duration
	closeOnce     sync.Once
	closeErr      error

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithVersion sets the build version reported by /health.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// WithStore replaces the configured kv backend (for testing)
func WithStore(store kv.Store) Option {
	return func(s *Server) { s.store = store }
}

// WithRPC replaces the Soroban RPC client (for testing)
func WithRPC(rpc RPC) Option {
	return func(s *Server) { s.rpc = rpc }
}

// WithSigner overrides the signer built from SIGNER_SECRET.
func WithSigner(sg signer.Signer) Option {
	return func(s *Server) { s.signer = sg }
}

// WithClock sets the clock shared by cache, cooldown and polling.
func WithClock(clk clock.Clock) Option {
	return func(s *Server) { s.clock = clk }
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		version:    "dev",
		clock:      clock.Real{},
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		format := "json"
		if cfg.IsDevelopment() {
			format = "text"
		}
		s.logger = logging.New(cfg.LogLevel, format)
	}

	ctx := context.Background()

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.traceShutdown = shutdown

	if err := s.initStore(ctx); err != nil {
		return nil, err
	}

	s.policy = scoring.DefaultPolicy()
	if cfg.RiskPolicyFile != "" {
		if s.policy, err = scoring.LoadPolicyFile(cfg.RiskPolicyFile); err != nil {
			return nil, err
		}
		s.logger.Info("risk policy loaded", "file", cfg.RiskPolicyFile, "version", s.policy.Version)
	}
	scorer, err := scoring.New(s.policy)
	if err != nil {
		return nil, err
	}

	s.horizon = horizon.NewClient(cfg.HorizonURL,
		horizon.WithMaxRecords(cfg.MaxRecords),
		horizon.WithClock(s.clock),
		horizon.WithLogger(s.logger),
	)
	if s.rpc == nil {
		breaker := circuitbreaker.New(5, 30*time.Second)
		breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
			s.logger.Warn("rpc circuit breaker transition", "method", key, "from", from.String(), "to", to.String())
		})
		s.rpc = soroban.NewClient(cfg.RPCURL, nil, breaker)
	}
	if s.signer == nil && cfg.SignerSecret != "" {
		ks, err := signer.NewKeypairSigner(cfg.SignerSecret, cfg.NetworkPassphrase)
		if err != nil {
			return nil, err
		}
		s.signer = ks
		s.logger.Info("server-side signer enabled", "address", ks.Address())
	}

	s.hub = realtime.NewHub(s.logger, s.clock)
	if cfg.KafkaEnabled() {
		if s.kafka, err = events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, s.logger); err != nil {
			return nil, err
		}
		s.logger.Info("kafka events enabled", "topic", cfg.KafkaTopic)
	}

	listeners := []analysis.Option{
		analysis.WithWindowDays(cfg.AnalysisWindowDays),
		analysis.WithClock(s.clock),
		analysis.WithLogger(s.logger),
		analysis.WithListener(s.hub.AnalysisListener()),
	}
	if s.kafka != nil {
		listeners = append(listeners, analysis.WithListener(s.kafka.AnalysisListener()))
	}
	cache := analysis.NewCache(s.store, s.clock, cfg.AnalysisTTL, s.logger)
	s.analysis = analysis.NewService(s.horizon, scorer, cache, listeners...)

	pipelineOpts := []commit.Option{
		commit.WithPolicy(s.policy),
		commit.WithClock(s.clock),
		commit.WithLogger(s.logger),
		commit.WithObserver(s.hub),
		commit.WithPublisher(s.hub),
	}
	if s.kafka != nil {
		pipelineOpts = append(pipelineOpts, commit.WithPublisher(s.kafka))
	}
	s.pipeline, err = commit.NewPipeline(commit.Config{
		ContractID:   cfg.ContractID,
		Method:       cfg.ContractMethod,
		PollAttempts: cfg.CommitPollAttempts,
		PollInterval: cfg.CommitPollInterval,
	}, commit.Deps{
		Accounts:  s.horizon,
		Preparer:  soroban.NewBuilder(s.rpc, cfg.NetworkPassphrase, cfg.CommitBaseFee, cfg.CommitTimeout),
		Submitter: s.rpc,
		Limiter:   ratelimit.NewCooldown(s.store, s.clock, cfg.CommitCooldown, s.logger),
		Fallbacks: commit.NewFallbackStore(s.store, s.clock),
	}, pipelineOpts...)
	if err != nil {
		return nil, err
	}

	s.checks = health.NewRegistry()
	if p, ok := s.store.(kv.Pinger); ok {
		s.checks.Register("store", health.Ping("store", p.Ping))
	}
	s.checks.Register("horizon", health.Ping("horizon", s.horizon.Ping))
	s.checks.Register("soroban_rpc", health.Ping("soroban_rpc", s.rpc.Health))

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// initStore selects Postgres when DATABASE_URL is set and a file store
// under DATA_DIR otherwise.
func (s *Server) initStore(ctx context.Context) error {
	if s.store != nil {
		return nil
	}
	if s.cfg.DatabaseURL == "" {
		fs, err := kv.NewFileStore(s.cfg.DataDir)
		if err != nil {
			return fmt.Errorf("failed to open data dir: %w", err)
		}
		s.store = fs
		s.logger.Info("using file store", "dir", s.cfg.DataDir)
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	pg := kv.NewPostgresStore(db)
	if s.cfg.IsDevelopment() {
		if err := pg.Migrate(ctx); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to migrate kv table: %w", err)
		}
	}
	s.db = db
	s.store = pg
	s.logger.Info("using postgres store", "dsn", maskDSN(s.cfg.DatabaseURL))
	return nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if _, ok := u.User.Password(); !ok {
		return u.String()
	}
	// url.UserPassword would percent-encode the mask, so splice it in after
	// the escaped username instead.
	u.User = url.User(u.User.Username())
	return strings.Replace(u.String(), "@", ":***@", 1)
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context(), s.logger).Error("panic recovered",
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

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         s.cfg.RateLimitBurst,
		CleanupInterval:   time.Minute,
	})
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(traces.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = uuid.NewString()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger.With("request_id", requestID))
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

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}
		logger := logging.L(c.Request.Context(), s.logger)
		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
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

	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")
	v1.GET("/policy", s.policyHandler)
	analysis.NewHandler(s.analysis).RegisterRoutes(v1)
	commit.NewHandler(s.pipeline, s.signer).RegisterRoutes(v1)

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "No such endpoint"})
	})
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks"`
	Stream    map[string]any  `json:"stream"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.checks.CheckAll(c.Request.Context())

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, HealthResponse{
		Status:    status,
		Version:   s.version,
		Checks:    statuses,
		Stream:    s.hub.Stats(),
		Timestamp: s.clock.Now().UTC().Format(time.RFC3339),
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
	healthy, statuses := s.checks.CheckAll(c.Request.Context())
	if !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": statuses})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready", "checks": statuses})
}

// policyHandler exposes the active scoring policy so clients can explain
// scores locally.
func (s *Server) policyHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"policy": s.policy})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// a commit can poll for up to attempts x interval
		WriteTimeout: s.cfg.CommitTimeout + time.Duration(s.cfg.CommitPollAttempts)*s.cfg.CommitPollInterval + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"horizon", s.cfg.HorizonURL,
			"rpc", s.cfg.RPCURL,
			"contract", s.cfg.ContractID,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.hub.Run(runCtx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	s.ready.Store(true)
	s.logger.Info("server ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		cancel()
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
	return s.Close(ctx)
}

// Close releases clients and connections without touching the HTTP
// listener. Only the first call does any work.
func (s *Server) Close(ctx context.Context) error {
	s.closeOnce.Do(func() { s.closeErr = s.close(ctx) })
	return s.closeErr
}

func (s *Server) close(ctx context.Context) error {
	var errs []error
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if s.kafka != nil {
		if err := s.kafka.Close(); err != nil {
			errs = append(errs, fmt.Errorf("kafka close: %w", err))
		}
	}
	if err := s.rpc.Close(); err != nil {
		errs = append(errs, fmt.Errorf("rpc close: %w", err))
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database close: %w", err))
		}
	}
	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trace shutdown: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		s.logger.Error("shutdown incomplete", "error", err)
		return err
	}
	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Hub returns the realtime hub, which must be running for /ws.
func (s *Server) Hub() *realtime.Hub {
	return s.hub
}
