// Package server assembles the HTTP server, the dispute manager and its
// collaborators, and owns the process lifecycle.
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
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/meridianswap/arbiter/internal/config"
	"github.com/meridianswap/arbiter/internal/dispute"
	"github.com/meridianswap/arbiter/internal/health"
	"github.com/meridianswap/arbiter/internal/idgen"
	"github.com/meridianswap/arbiter/internal/keyring"
	"github.com/meridianswap/arbiter/internal/logging"
	"github.com/meridianswap/arbiter/internal/mailbox"
	"github.com/meridianswap/arbiter/internal/metrics"
	"github.com/meridianswap/arbiter/internal/pricefeed"
	"github.com/meridianswap/arbiter/internal/ratelimit"
	"github.com/meridianswap/arbiter/internal/realtime"
	"github.com/meridianswap/arbiter/internal/retry"
	"github.com/meridianswap/arbiter/internal/security"
	"github.com/meridianswap/arbiter/internal/trade"
	"github.com/meridianswap/arbiter/internal/validation"
	"github.com/meridianswap/arbiter/internal/wallet"
)

// Server wraps the HTTP server and the dispute subsystem's dependencies.
type Server struct {
	cfg          *config.Config
	logger       *slog.Logger
	keyRing      *keyring.KeyRing
	trades       *trade.Manager
	list         *dispute.DisputeList
	disputes     *dispute.Manager
	cleaner      *dispute.Cleaner
	hub          *realtime.Hub
	wallets      wallet.Service
	sender       mailbox.Sender
	rateLimiter  *ratelimit.Limiter
	checks       *health.Registry
	db           *sql.DB // nil when using in-memory storage
	router       *gin.Engine
	httpSrv      *http.Server
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

	ready atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithWallet sets a custom wallet service (for testing)
func WithWallet(w wallet.Service) Option {
	return func(s *Server) {
		s.wallets = w
	}
}

// WithMailbox sets a custom mailbox transport (for testing)
func WithMailbox(m mailbox.Sender) Option {
	return func(s *Server) {
		s.sender = m
	}
}

// WithKeyRing sets the node key ring, bypassing ARBITRATOR_PRIVKEY
func WithKeyRing(kr *keyring.KeyRing) Option {
	return func(s *Server) {
		s.keyRing = kr
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
		checks: health.NewRegistry(),
	}

	// Apply options first (may set wallet/mailbox/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Node identity
	if s.keyRing == nil {
		if cfg.ArbitratorPrivKey != "" {
			kr, err := keyring.FromHex(cfg.ArbitratorPrivKey)
			if err != nil {
				return nil, fmt.Errorf("load arbitrator key: %w", err)
			}
			s.keyRing = kr
		} else {
			kr, err := keyring.New()
			if err != nil {
				return nil, fmt.Errorf("generate node key: %w", err)
			}
			s.keyRing = kr
			s.logger.Warn("ARBITRATOR_PRIVKEY not set, generated an ephemeral node key")
		}
	}

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var store dispute.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// The database container may still be coming up.
		if err := retry.Do(ctx, 5, 500*time.Millisecond, db.Ping); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		store = dispute.NewPostgresStore(db)
		s.checks.Register("database", health.DBChecker("database", db.PingContext))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		store = dispute.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Multisig wallet daemon
	if s.wallets == nil {
		if cfg.WalletRPCURL != "" {
			s.wallets = wallet.NewRPCService(cfg.WalletRPCURL, cfg.WalletRPCUser, cfg.WalletRPCPass)
			s.logger.Info("using wallet daemon", "url", cfg.WalletRPCURL)
		} else {
			s.wallets = wallet.NewMemoryService()
			s.logger.Warn("WALLET_RPC_URL not set, using in-memory wallet simulator")
		}
	}

	// Trade registry. Trades are registered by the peer protocol; the dispute
	// list is what survives restarts.
	s.trades = trade.NewManager(func() {})

	s.list = dispute.NewDisputeList(store, s.logger)
	if err := s.list.Load(ctx); err != nil {
		return nil, fmt.Errorf("load dispute list: %w", err)
	}

	// Mailbox transport. The in-process transport serves single-node
	// deployments and tests; register ourselves so loopback sends arrive.
	var loopback *mailbox.MemoryTransport
	if s.sender == nil {
		loopback = mailbox.NewMemoryTransport(s.logger)
		s.sender = loopback
	}

	s.hub = realtime.NewHub(s.logger)

	s.disputes = dispute.NewManager(dispute.ManagerConfig{
		KeyRing:         s.keyRing,
		NodeAddress:     cfg.NodeAddress,
		Network:         cfg.Network,
		DonationAddress: cfg.DonationAddress,
		MirrorDelay:     cfg.MirrorDelay,
	}, s.trades, s.list, s.sender, s.wallets, s.logger).WithEvents(s.hub)

	if loopback != nil && cfg.NodeAddress != "" {
		loopback.Register(cfg.NodeAddress, s.keyRing.PubKeyRing(), s.disputes.HandleMailboxMessage)
	}

	// Advisory price feed; prices only annotate chat, never payouts.
	if cfg.PriceFeedURL != "" {
		if err := security.ValidateEndpointURL(cfg.PriceFeedURL); err != nil {
			return nil, fmt.Errorf("invalid PRICE_FEED_URL: %w", err)
		}
		s.disputes = s.disputes.WithPriceFeed(pricefeed.NewHTTPFeed(cfg.PriceFeedURL, 0, 5*time.Minute))
		s.logger.Info("price feed enabled", "url", cfg.PriceFeedURL)
	}

	s.cleaner = dispute.NewCleaner(s.list, cfg.RetentionCutoff, s.logger)

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

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

	// CORS for the operator UI
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

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.Hex(16)
		}

		ctx := logging.WithLogger(c.Request.Context(), s.logger.With("request_id", requestID))
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
	s.router.GET("/health", s.checks.ReadinessHandler())
	s.router.GET("/health/live", health.LivenessHandler())
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Node info
	s.router.GET("/", s.infoHandler)

	// WebSocket for real-time dispute events
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})
	s.router.GET("/ws/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.hub.Stats())
	})

	// V1 API group
	v1 := s.router.Group("/v1")
	// Validate :tradeId URL params on all v1 routes (no-op when param absent)
	v1.Use(validation.TradeIDParamMiddleware())

	dispute.NewHandler(s.disputes).RegisterRoutes(v1)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	s.checks.ReadinessHandler()(c)
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "arbiter",
		"description": "Dispute resolution and disputed-funds payout service",
		"network":     s.cfg.Network,
		"nodeAddress": s.cfg.NodeAddress,
		"version":     "0.1.0",
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them.
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
			"network", s.cfg.Network,
			"node_address", s.cfg.NodeAddress,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.hub.Run(runCtx)

	// Start retention cleaner
	go s.cleaner.Start(runCtx)

	// Export connection pool stats
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

	// Disputes with an undelivered close or open message need operator
	// attention after restart; the mailbox outcome callbacks are lost.
	if s.disputes.HasPendingMessageAtShutdown() {
		s.logger.Warn("dispute messages still pending delivery",
			"message_ids", s.disputes.PendingMessageIDs(),
		)
	}

	// Cancel the context for all background goroutines (hub, cleaner)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	if s.cfg.IsProduction() {
		time.Sleep(5 * time.Second)
	}

	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// Stop retention cleaner
	s.cleaner.Stop()

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
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

// Disputes returns the dispute manager for testing
func (s *Server) Disputes() *dispute.Manager {
	return s.disputes
}
