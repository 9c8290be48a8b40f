// Package server wires configuration, storage, the chain gateway, the HTTP
// API, and the background workers into one process.
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

	"github.com/veralabs/disputed/internal/auth"
	"github.com/veralabs/disputed/internal/callbacks"
	"github.com/veralabs/disputed/internal/chain"
	"github.com/veralabs/disputed/internal/config"
	"github.com/veralabs/disputed/internal/dispute"
	"github.com/veralabs/disputed/internal/finalizer"
	"github.com/veralabs/disputed/internal/indexer"
	"github.com/veralabs/disputed/internal/logging"
	"github.com/veralabs/disputed/internal/metrics"
	"github.com/veralabs/disputed/internal/platform"
	"github.com/veralabs/disputed/internal/traces"
)

// Server wraps the HTTP server, stores, and background workers.
type Server struct {
	cfg *config.Config

	db            *sql.DB // nil when using in-memory stores
	gateway       *chain.Gateway
	disputeStore  dispute.Store
	platformStore platform.Store
	checkpoints   indexer.CheckpointStore

	disputeService *dispute.Service
	reaper         *dispute.Reaper
	indexer        *indexer.Indexer
	finalizer      *finalizer.Timer
	callbacks      *callbacks.Dispatcher

	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	closeTraces  func(context.Context) error
	cancelRunCtx context.CancelFunc

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithGateway sets a pre-built chain gateway (useful for testing).
func WithGateway(g *chain.Gateway) Option {
	return func(s *Server) {
		s.gateway = g
	}
}

// New builds a fully wired server from configuration.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("initializing tracing: %w", err)
	}
	s.closeTraces = shutdown

	// Storage: Postgres when DATABASE_URL is set, in-memory otherwise.
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("opening database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("connecting to database: %w", err)
		}

		s.db = db
		s.disputeStore = dispute.NewPostgresStore(db)
		s.platformStore = platform.NewPostgresStore(db)
		s.checkpoints = indexer.NewPostgresCheckpointStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		memStore := dispute.NewMemoryStore()
		s.disputeStore = memStore
		s.platformStore = platform.NewMemoryStore()
		s.checkpoints = indexer.NewMemoryCheckpointStore()
		s.logger.Warn("DATABASE_URL not set, using in-memory storage")
	}

	if s.gateway == nil {
		gw, err := chain.New(chain.Config{
			RPCURL:         cfg.RPCURL,
			SignerKey:      cfg.SignerKey,
			ChainID:        cfg.ChainID,
			VotingContract: cfg.VotingContract,
		}, s.logger)
		if err != nil {
			return nil, fmt.Errorf("connecting chain gateway: %w", err)
		}
		s.gateway = gw
	}

	platforms := &platformSource{store: s.platformStore, cfg: cfg}
	s.disputeService = dispute.NewService(s.disputeStore, platforms, s.gateway, dispute.ServiceConfig{
		ChainID:              cfg.ChainID,
		ContractAddress:      cfg.VotingContract,
		DefaultTokenContract: cfg.TokenContract,
		DefaultMinBalance:    cfg.MinBalance,
	}, s.logger)

	s.reaper = dispute.NewReaper(s.disputeStore, cfg.ReaperInterval, s.logger)
	s.indexer = indexer.New(s.gateway, s.disputeStore, s.checkpoints, indexer.Config{
		StartBlock:      cfg.StartBlock,
		ConfirmationLag: cfg.ConfirmationLag,
		PollInterval:    cfg.IndexerInterval,
		MaxBlockRange:   1000,
	}, s.logger)
	s.finalizer = finalizer.NewTimer(s.gateway, s.disputeStore, cfg.FinalizerInterval, s.logger)

	cbCfg := callbacks.DefaultConfig()
	cbCfg.Interval = cfg.CallbackInterval
	cbCfg.DefaultURL = cfg.PlatformWebhookURL
	cbCfg.Secret = cfg.HMACSecret
	s.callbacks = callbacks.NewDispatcher(s.disputeStore, s.platformStore, cbCfg, s.logger)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// platformSource adapts the platform store to the lifecycle service,
// filling in configured defaults for platforms without overrides.
type platformSource struct {
	store platform.Store
	cfg   *config.Config
}

func (p *platformSource) Lookup(ctx context.Context, id string) (*dispute.PlatformInfo, error) {
	plat, err := p.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, platform.ErrNotFound) {
			return nil, fmt.Errorf("platform %s: %w", id, dispute.ErrNotFound)
		}
		return nil, fmt.Errorf("looking up platform %s: %w", id, err)
	}

	info := &dispute.PlatformInfo{
		ID:            plat.ID,
		TokenContract: plat.TokenContract,
		MinBalance:    plat.MinBalance,
		ChainID:       plat.ChainID,
		WebhookURL:    plat.WebhookURL,
	}
	if info.ChainID == 0 {
		info.ChainID = p.cfg.ChainID
	}
	return info, nil
}

// maskDSN hides the password in a connection string for logging.
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

func (s *Server) setupMiddleware() {
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

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
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

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	disputeHandler := dispute.NewHandler(s.disputeService, s.reaper)
	platformHandler := platform.NewHandler(s.platformStore, s.logger)

	v1 := s.router.Group("/v1")
	disputeHandler.RegisterRoutes(v1)
	platformHandler.RegisterRoutes(v1)

	protected := s.router.Group("/v1")
	protected.Use(auth.Middleware(auth.NewVerifier(s.cfg.HMACSecret)))
	disputeHandler.RegisterProtectedRoutes(protected)
	platformHandler.RegisterProtectedRoutes(protected)
}

func generateRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

func (s *Server) healthHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"chainId": s.cfg.ChainID,
		"workers": s.cfg.RunWorkers,
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
		return
	}
	if s.db != nil {
		if err := s.db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "database unreachable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// Run starts the HTTP server and workers, and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
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
			"chain_id", s.cfg.ChainID,
			"contract", s.cfg.VotingContract,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	if s.cfg.RunWorkers {
		s.indexer.Start(runCtx)
		s.finalizer.Start(runCtx)
		s.callbacks.Start(runCtx)
		go s.reaper.Start(runCtx)
		s.logger.Info("background workers started")
	}

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

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

// Shutdown stops the HTTP server and background workers gracefully.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("http shutdown error", "error", err)
	}

	if s.cfg.RunWorkers {
		s.indexer.Stop()
		s.finalizer.Stop()
		s.callbacks.Stop()
		s.reaper.Stop()
		s.logger.Info("background workers stopped")
	}

	if s.closeTraces != nil {
		if err := s.closeTraces(ctx); err != nil {
			s.logger.Warn("trace exporter shutdown error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Warn("database close error", "error", err)
		}
	}

	s.logger.Info("shutdown complete")
	return nil
}
