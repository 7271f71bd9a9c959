// Package server wires the Playora marketplace services into an HTTP API.
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"

	"github.com/playora/playora/internal/auth"
	"github.com/playora/playora/internal/config"
	"github.com/playora/playora/internal/health"
	"github.com/playora/playora/internal/idgen"
	"github.com/playora/playora/internal/logging"
	"github.com/playora/playora/internal/metrics"
	"github.com/playora/playora/internal/order"
	"github.com/playora/playora/internal/ratelimit"
	"github.com/playora/playora/internal/realtime"
	"github.com/playora/playora/internal/review"
	"github.com/playora/playora/internal/security"
	"github.com/playora/playora/internal/validation"
	"github.com/playora/playora/internal/wallet"
	"github.com/playora/playora/internal/webhooks"
)

// Server is the Playora API server. It owns the service graph, the HTTP
// router, and the background workers (auto-release scheduler, realtime hub).
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	db *sql.DB

	ledger    *wallet.Ledger
	orders    *order.Service
	scheduler *order.Scheduler
	reviews   *review.Service
	authMgr   *auth.Manager

	dispatcher *webhooks.Dispatcher
	hub        *realtime.Hub
	checks     *health.Registry

	rateLimiter *ratelimit.Limiter

	router  *gin.Engine
	httpSrv *http.Server

	cancelRunCtx context.CancelFunc

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// New creates a server from config. With a DATABASE_URL the stores are
// Postgres-backed; without one everything runs in memory, which is enough
// for demos and tests.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}
	for _, opt := range opts {
		opt(s)
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	var (
		walletStore  wallet.Store
		orderStore   order.Store
		reviewStore  review.Store
		authStore    auth.Store
		webhookStore webhooks.Store
	)

	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			db.Close()
			return nil, fmt.Errorf("ping database: %w", err)
		}

		s.db = db
		walletStore = wallet.NewPostgresStore(db)
		orderStore = order.NewPostgresStore(db)
		reviewStore = review.NewPostgresStore(db)
		authStore = auth.NewPostgresStore(db)
		webhookStore = webhooks.NewPostgresStore(db)
		s.logger.Info("using postgres stores", "dsn", maskDSN(cfg.DatabaseURL))
	} else {
		walletStore = wallet.NewMemoryStore()
		orderStore = order.NewMemoryStore()
		reviewStore = review.NewMemoryStore()
		authStore = auth.NewMemoryStore()
		webhookStore = webhooks.NewMemoryStore()
		s.logger.Warn("DATABASE_URL not set, using in-memory stores")
	}

	s.ledger = wallet.New(walletStore)
	s.authMgr = auth.NewManager(authStore)

	s.dispatcher = webhooks.NewDispatcher(webhookStore)
	s.hub = realtime.NewHub(s.logger)

	emitter := &eventFanout{
		webhooks: webhooks.NewEmitter(s.dispatcher, s.logger),
		hub:      s.hub,
	}

	s.orders = order.NewService(orderStore, s.ledger, order.Options{
		VCToVPRate:  cfg.VCToVPRate,
		GraceWindow: cfg.GraceWindow,
		Emitter:     emitter,
	})
	s.scheduler = order.NewScheduler(s.orders, cfg.SweepInterval, s.logger)
	s.reviews = review.NewService(reviewStore, s.orders)

	s.checks = health.NewRegistry()
	if s.db != nil {
		db := s.db
		s.checks.Register("database", func(ctx context.Context) health.Status {
			pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			if err := db.PingContext(pingCtx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitRPS / 5,
		CleanupInterval:   time.Minute,
	})

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes(webhookStore)

	s.httpSrv = &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.healthy.Store(true)
	return s, nil
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine { return s.router }

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"panic", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Internal server error",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware([]string{"*"}))
	s.router.Use(validation.RequestSizeMiddleware(1 << 20))
	s.router.Use(s.rateLimiter.Middleware())
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) setupRoutes(webhookStore webhooks.Store) {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/health/live", s.handleLive)
	s.router.GET("/health/ready", s.handleReady)
	s.router.GET("/metrics", metrics.Handler())

	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	orderHandler := order.NewHandler(s.orders)
	walletHandler := wallet.NewHandler(s.ledger)
	reviewHandler := review.NewHandler(s.reviews)
	authHandler := auth.NewHandler(s.authMgr)
	webhookHandler := webhooks.NewHandler(webhookStore, s.dispatcher)

	v1 := s.router.Group("/v1")
	v1.Use(validation.IDParamMiddleware())

	// Public reads.
	orderHandler.RegisterRoutes(v1)
	walletHandler.RegisterRoutes(v1)
	reviewHandler.RegisterRoutes(v1)
	v1.GET("/auth/info", authHandler.Info)

	// Registration is open; the response carries the caller's only copy of
	// the API key.
	v1.POST("/users", s.registerUser)

	// Everything that mutates or reads private state requires a key.
	protected := v1.Group("")
	protected.Use(auth.Middleware(s.authMgr), auth.RequireAuth(s.authMgr))

	orderHandler.RegisterProtectedRoutes(protected)
	reviewHandler.RegisterProtectedRoutes(protected)

	protected.GET("/me", authHandler.GetCurrentUser)
	protected.GET("/me/keys", authHandler.ListKeys)
	protected.POST("/me/keys", authHandler.CreateKey)
	protected.DELETE("/me/keys/:keyId", authHandler.RevokeKey)
	protected.POST("/me/keys/:keyId/regenerate", authHandler.RegenerateKey)

	// Webhook management is scoped to the key owner via the :id param.
	owned := protected.Group("")
	owned.Use(auth.RequireOwnership(s.authMgr, "id"))
	webhookHandler.RegisterRoutes(owned)

	// Operator surface. Guarded by the admin secret; in demo mode (no
	// secret configured) these stay open for local experimentation.
	admin := v1.Group("")
	admin.Use(auth.Middleware(s.authMgr), auth.RequireAdmin())
	walletHandler.RegisterAdminRoutes(admin)
	admin.GET("/admin/stats", s.handleStats)
}

// registerUserRequest is the signup payload. The ID is server-assigned.
type registerUserRequest struct {
	DisplayName string `json:"displayName"`
}

// registerUser handles POST /v1/users. It mints a user ID and the first
// API key for it. The raw key is shown exactly once.
func (s *Server) registerUser(c *gin.Context) {
	var req registerUserRequest
	c.ShouldBindJSON(&req)

	name := strings.TrimSpace(req.DisplayName)
	if name == "" {
		name = "Default key"
	} else {
		name = validation.SanitizeString(name, 100)
	}

	userID := idgen.WithPrefix("usr_")
	rawKey, key, err := s.authMgr.GenerateKey(c.Request.Context(), userID, name)
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to generate api key", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to register user",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"userId":  userID,
		"apiKey":  rawKey,
		"keyId":   key.ID,
		"warning": "Store this API key securely. It will not be shown again.",
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	status := http.StatusOK
	resp := gin.H{
		"status":    "ok",
		"env":       s.cfg.Env,
		"scheduler": s.scheduler.Running(),
	}

	healthy, checks := s.checks.CheckAll(c.Request.Context())
	if len(checks) > 0 {
		resp["checks"] = checks
	}
	if !healthy || !s.healthy.Load() {
		status = http.StatusServiceUnavailable
		resp["status"] = "degraded"
	}
	c.JSON(status, resp)
}

func (s *Server) handleLive(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) handleReady(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"realtime": s.hub.Stats(),
		"scheduler": gin.H{
			"running":  s.scheduler.Running(),
			"interval": s.cfg.SweepInterval.String(),
		},
	})
}

// Run starts the background workers and the HTTP listener and blocks until
// the context is cancelled, a signal arrives, or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	go s.hub.Run(runCtx)
	go s.scheduler.Start(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.httpSrv.Addr, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	// Mark ready once the listener has had a moment to bind.
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		cancel()
		return fmt.Errorf("http server: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("run context cancelled")
	}

	return s.Shutdown()
}

// Shutdown drains in-flight requests and stops the workers.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.healthy.Store(false)

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers a beat to observe not-ready before closing.
	if s.cfg.IsProduction() {
		time.Sleep(5 * time.Second)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var firstErr error
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		firstErr = fmt.Errorf("http shutdown: %w", err)
	}

	s.scheduler.Stop()
	s.rateLimiter.Stop()

	if s.db != nil {
		if err := s.db.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close database: %w", err)
		}
	}

	s.logger.Info("server stopped")
	return firstErr
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}
		c.Header("X-Request-ID", requestID)

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger.With("request_id", requestID))
		c.Request = c.Request.WithContext(ctx)

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
			"latency_ms", latency.Milliseconds(),
			"client_ip", c.ClientIP(),
		}

		switch {
		case status >= 500:
			logger.Error("request", attrs...)
		case status >= 400:
			logger.Warn("request", attrs...)
		default:
			logger.Info("request", attrs...)
		}
	}
}

func generateRequestID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// maskDSN hides credentials when logging a connection string.
func maskDSN(dsn string) string {
	if i := strings.Index(dsn, "@"); i >= 0 {
		if j := strings.Index(dsn, "://"); j >= 0 && j < i {
			return dsn[:j+3] + "***" + dsn[i:]
		}
		return "***" + dsn[i:]
	}
	return dsn
}

// eventFanout forwards committed order events to webhook subscribers and
// connected websocket clients.
type eventFanout struct {
	webhooks *webhooks.Emitter
	hub      *realtime.Hub
}

var _ order.EventEmitter = (*eventFanout)(nil)

func (f *eventFanout) EmitOrderEvent(evt order.Event) {
	f.webhooks.EmitOrderEvent(evt)

	if evt.Order == nil {
		return
	}
	f.hub.BroadcastOrderEvent(string(evt.Type), map[string]interface{}{
		"orderId":  evt.Order.ID,
		"buyerId":  evt.Order.BuyerID,
		"sellerId": evt.Order.SellerID,
		"itemId":   evt.Order.ItemID,
		"itemKind": evt.Order.ItemKind,
		"status":   string(evt.Order.Status),
		"vpAmount": float64(evt.Order.VPAmount),
		"vcAmount": float64(evt.Order.VCAmount),
	})
}
