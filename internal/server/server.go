// Package server wires configuration, storage, token custody, and the
// escrow lifecycle services into the HTTP API.
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

	"github.com/DaveO280/Diem-Marketplace/internal/admin"
	"github.com/DaveO280/Diem-Marketplace/internal/auth"
	"github.com/DaveO280/Diem-Marketplace/internal/config"
	"github.com/DaveO280/Diem-Marketplace/internal/escrow"
	"github.com/DaveO280/Diem-Marketplace/internal/events"
	"github.com/DaveO280/Diem-Marketplace/internal/health"
	"github.com/DaveO280/Diem-Marketplace/internal/ledger"
	"github.com/DaveO280/Diem-Marketplace/internal/logging"
	"github.com/DaveO280/Diem-Marketplace/internal/metrics"
	"github.com/DaveO280/Diem-Marketplace/internal/ratelimit"
	"github.com/DaveO280/Diem-Marketplace/internal/realtime"
	"github.com/DaveO280/Diem-Marketplace/internal/registry"
	"github.com/DaveO280/Diem-Marketplace/internal/security"
	"github.com/DaveO280/Diem-Marketplace/internal/token"
	"github.com/DaveO280/Diem-Marketplace/internal/usdc"
	"github.com/DaveO280/Diem-Marketplace/internal/validation"
)

// devCustody is the custody account used by the in-memory token when no
// private key is configured.
const devCustody = "0x00000000000000000000000000000000000d1e00"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg *config.Config

	token       token.Token
	authority   admin.Authority
	quorum      *admin.QuorumAuthority // nil on single-key deployments
	adminSvc    *admin.Service
	ledgerSvc   *ledger.Service
	escrowSvc   *escrow.Service
	escrowTimer *escrow.Timer
	registrySvc *registry.Service
	authMgr     *auth.Manager
	eventLog    *events.Log
	realtimeHub *realtime.Hub
	checks      *health.Registry
	rateLimiter *ratelimit.Limiter

	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
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

// WithToken sets a custom payment token (for testing)
func WithToken(t token.Token) Option {
	return func(s *Server) {
		s.token = t
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set token/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	// Token custody: a real USDC contract when a key is configured,
	// otherwise the in-memory token with a dev faucet.
	if s.token == nil {
		if cfg.PrivateKey == "" {
			s.token = token.NewMemory(devCustody, token.WithFaucet(cfg.FaucetAmount))
			s.logger.Info("using in-memory token custody (dev mode)",
				"faucet", cfg.FaucetAmount,
			)
		} else {
			t, err := token.NewERC20(token.Config{
				RPCURL:     cfg.RPCURL,
				PrivateKey: cfg.PrivateKey,
				ChainID:    cfg.ChainID,
				Contract:   cfg.USDCContract,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to create token custody: %w", err)
			}
			s.token = t
			s.logger.Info("using on-chain USDC custody",
				"custody", t.CustodyAddress(),
				"contract", cfg.USDCContract,
				"chainId", cfg.ChainID,
			)
		}
	}

	// Governance authority: single key or M-of-N quorum.
	if len(cfg.AdminAddresses) == 1 {
		s.authority = admin.NewSingleKeyAuthority(cfg.AdminAddresses[0], cfg.Treasury())
		s.logger.Info("single-key authority", "admin", cfg.AdminAddresses[0])
	} else {
		q := admin.NewQuorumAuthority(cfg.AdminAddresses, cfg.AdminQuorum, cfg.Treasury())
		s.authority = q
		s.quorum = q
		s.logger.Info("quorum authority",
			"members", len(cfg.AdminAddresses),
			"threshold", cfg.AdminQuorum,
		)
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		escrowStore   escrow.Store
		ledgerStore   ledger.Store
		adminStore    admin.Store
		registryStore registry.Store
		eventStore    events.Store
		authStore     auth.Store
	)
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
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		es := escrow.NewPostgresStore(db)
		if err := es.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate escrow store", "error", err)
		}
		escrowStore = es

		ls := ledger.NewPostgresStore(db)
		if err := ls.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate ledger store", "error", err)
		}
		ledgerStore = ls

		as := admin.NewPostgresStore(db)
		if err := as.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate admin store", "error", err)
		}
		adminStore = as

		rs := registry.NewPostgresStore(db)
		if err := rs.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate offer store", "error", err)
		}
		registryStore = rs

		evs := events.NewPostgresStore(db)
		if err := evs.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate event store", "error", err)
		}
		eventStore = evs

		ks := auth.NewPostgresStore(db)
		if err := ks.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate auth store", "error", err)
		}
		authStore = ks
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
		escrowStore = escrow.NewMemoryStore()
		ledgerStore = ledger.NewMemoryStore()
		adminStore = admin.NewMemoryStore()
		registryStore = registry.NewMemoryStore()
		eventStore = events.NewMemoryStore()
		authStore = auth.NewMemoryStore()
	}

	// Audit event log feeds both the query API and the realtime hub.
	s.eventLog = events.NewLog(eventStore, s.logger)
	s.realtimeHub = realtime.NewHub(s.logger)
	s.eventLog.AddSink(s.realtimeHub.Sink())

	// Governance service holds the live fee schedule and pause switch.
	s.adminSvc = admin.NewService(adminStore, s.authority, admin.Config{
		InitialFees: escrow.FeeConfig{
			Version:          1,
			PlatformFeeBps:   cfg.PlatformFeeBps,
			UnusedPenaltyBps: cfg.UnusedPenaltyBps,
		},
		TimelockDelay: cfg.TimelockDelay,
	}).WithRecorder(events.NewAdminRecorder(s.eventLog))
	if err := s.adminSvc.Load(ctx); err != nil {
		return nil, fmt.Errorf("failed to load governance state: %w", err)
	}

	// Provider balances and the platform fee accumulator.
	s.ledgerSvc = ledger.NewService(ledgerStore, s.token, s.authority).
		WithRecorder(events.NewLedgerRecorder(s.eventLog))

	// Escrow lifecycle.
	maxAmount, ok := usdc.Parse(cfg.MaxEscrowAmount)
	if !ok {
		return nil, fmt.Errorf("invalid MAX_ESCROW_AMOUNT %q", cfg.MaxEscrowAmount)
	}
	s.escrowSvc = escrow.NewService(escrowStore, s.token, s.ledgerSvc, s.adminSvc, s.authority).
		WithRecorder(events.NewEscrowRecorder(s.eventLog)).
		WithWindows(escrow.Windows{
			DefaultDuration:    cfg.DefaultEscrowDuration,
			KeyDeliveryGrace:   cfg.KeyDeliveryGrace,
			ReportingGrace:     cfg.ReportingGrace,
			DisputeRaiseWindow: cfg.DisputeRaiseWindow,
			DisputeWindow:      cfg.DisputeWindow,
		}).
		WithMaxAmount(maxAmount)
	s.escrowTimer = escrow.NewTimer(s.escrowSvc, escrowStore, s.logger).
		WithInterval(cfg.SweepInterval)

	// Offer registry.
	s.registrySvc = registry.NewService(registryStore)

	// API keys.
	s.authMgr = auth.NewManager(authStore)
	s.logger.Info("API authentication enabled")

	// Health checks.
	s.checks = health.NewRegistry()
	if s.db != nil {
		s.checks.Register("database", health.Database(s.db))
	}
	s.checks.Register("custody", health.Func("custody", s.token.Ping))
	s.checks.Register("events", health.Func("events", func(ctx context.Context) error {
		_, err := s.eventLog.Recent(ctx, events.Filter{Limit: 1})
		return err
	}))

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

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
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

	// Live activity feed page
	s.router.GET("/feed", feedPageHandler)
	s.router.GET("/docs", s.docsRedirectHandler)

	// WebSocket for real-time streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// V1 API group
	v1 := s.router.Group("/v1")
	// Validate :address URL params on all v1 routes (no-op when param absent)
	v1.Use(validation.AddressParamMiddleware())

	escrowHandler := escrow.NewHandler(s.escrowSvc)
	ledgerHandler := ledger.NewHandler(s.ledgerSvc)
	adminHandler := admin.NewHandler(s.adminSvc)
	if s.quorum != nil {
		adminHandler = adminHandler.WithQuorum(s.quorum)
	}
	registryHandler := registry.NewHandler(s.registrySvc)
	eventsHandler := events.NewHandler(s.eventLog)
	authHandler := auth.NewHandler(s.authMgr)

	// PUBLIC ROUTES (no auth required)
	// These are the discovery/read endpoints
	v1.GET("/platform", s.platformHandler)
	v1.GET("/auth/info", authHandler.Info)
	escrowHandler.RegisterRoutes(v1)
	ledgerHandler.RegisterRoutes(v1)
	adminHandler.RegisterRoutes(v1)
	registryHandler.RegisterRoutes(v1)
	eventsHandler.RegisterRoutes(v1)

	// REGISTRATION (public but returns API key)
	v1.POST("/accounts", s.registerAccountWithAPIKey)

	// PROTECTED ROUTES (require API key)
	protected := v1.Group("")
	protected.Use(auth.Middleware(s.authMgr), auth.RequireAuth(s.authMgr))
	{
		escrowHandler.RegisterProtectedRoutes(protected)
		ledgerHandler.RegisterProtectedRoutes(protected)
		adminHandler.RegisterProtectedRoutes(protected)
		registryHandler.RegisterProtectedRoutes(protected)

		// API key management
		protected.GET("/auth/whoami", authHandler.GetCurrentAccount)
		protected.GET("/auth/keys", authHandler.ListKeys)
		protected.POST("/auth/keys", authHandler.CreateKey)
		protected.POST("/auth/keys/:keyId/regenerate", authHandler.RegenerateKey)
		protected.DELETE("/auth/keys/:keyId", authHandler.RevokeKey)
	}
}

// registerAccountWithAPIKey handles POST /v1/accounts
// Registration is open: any address may join as a consumer or provider.
// The returned API key authenticates the address on protected routes.
func (s *Server) registerAccountWithAPIKey(c *gin.Context) {
	ctx := c.Request.Context()

	var req struct {
		Address string `json:"address" binding:"required"`
		Name    string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	// Validate address format
	if !validation.IsValidEthAddress(req.Address) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "address must be a valid Ethereum address (0x + 40 hex chars)",
		})
		return
	}

	address := validation.SanitizeAddress(req.Address)
	keyName := validation.SanitizeString(req.Name, 200)
	if keyName == "" {
		keyName = "Primary key"
	}

	// One key per address through this endpoint; existing accounts manage
	// keys via /v1/auth/keys.
	existing, err := s.authMgr.ListKeys(ctx, address)
	if err == nil && len(existing) > 0 {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "account_exists",
			"message": "This address is already registered. Use your API key to manage keys at /v1/auth/keys.",
		})
		return
	}

	rawKey, keyInfo, err := s.authMgr.GenerateKey(ctx, address, keyName)
	if err != nil {
		s.logger.Error("failed to generate API key", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to register account",
		})
		return
	}

	s.logger.Info("account registered",
		"address", address,
		"keyId", keyInfo.ID,
	)

	c.JSON(http.StatusCreated, gin.H{
		"account": gin.H{"address": address},
		"apiKey":  rawKey,
		"keyId":   keyInfo.ID,
		"warning": "Store this API key securely. It will not be shown again.",
		"usage":   "Include 'Authorization: Bearer <apiKey>' header in requests.",
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
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	allHealthy, statuses := s.checks.CheckAll(ctx)

	checks := make(map[string]string, len(statuses))
	for _, st := range statuses {
		if st.Healthy {
			checks[st.Name] = "healthy"
		} else {
			checks[st.Name] = "unhealthy"
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !allHealthy {
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

func (s *Server) docsRedirectHandler(c *gin.Context) {
	c.Redirect(http.StatusTemporaryRedirect, "https://github.com/DaveO280/Diem-Marketplace")
}

// platformHandler returns platform info including the custody address and
// the live fee schedule.
func (s *Server) platformHandler(c *gin.Context) {
	fees := s.adminSvc.CurrentFees(c.Request.Context())

	c.JSON(http.StatusOK, gin.H{
		"platform": gin.H{
			"name":             "Diem Marketplace",
			"version":          "0.1.0",
			"custodyAddress":   s.token.CustodyAddress(),
			"chain":            "base-sepolia",
			"chainId":          s.cfg.ChainID,
			"usdcContract":     s.cfg.USDCContract,
			"platformFeeBps":   fees.PlatformFeeBps,
			"unusedPenaltyBps": fees.UnusedPenaltyBps,
			"feeVersion":       fees.Version,
			"paused":           s.adminSvc.IsPaused(c.Request.Context()),
			"maxEscrowAmount":  s.cfg.MaxEscrowAmount,
		},
		"instructions": gin.H{
			"register": "POST /v1/accounts with your address to receive an API key.",
			"fund":     "Approve USDC for custodyAddress, create an escrow, then POST /v1/escrows/{id}/fund.",
			"attest":   "Both parties POST /v1/escrows/{id}/attest with observed usage; matching reports settle after the dispute window.",
			"withdraw": "Providers POST /v1/providers/withdraw with API key auth.",
		},
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
			"custody", s.token.CustodyAddress(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start audit event log writer
	go s.eventLog.Run(runCtx)

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start escrow sweep timer
	go s.escrowTimer.Start(runCtx)

	// Start DB pool stats collector
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

	// Cancel the context for all background goroutines (hub, timer, event log)
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

	// Stop escrow timer
	s.escrowTimer.Stop()
	s.logger.Info("escrow timer stopped")

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Wait for the event log to drain its queue
	select {
	case <-s.eventLog.Done():
	case <-time.After(5 * time.Second):
		s.logger.Warn("event log drain timed out")
	}

	// Close token custody connection
	if err := s.token.Close(); err != nil {
		s.logger.Error("token close error", "error", err)
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
