// Package server wires the cell's engines into an HTTP API: member and
// cell administration, the spot-transaction and commitment lifecycles,
// inter-cell federation (including the peer-facing endpoints a remote
// cell's HTTPTransport calls), the emergency state machine, and a
// read-only window into the hardening harness.
package server

import (
	"compress/gzip"
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
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"

	"github.com/cellcredit/cell/internal/clockutil"
	"github.com/cellcredit/cell/internal/commitment"
	"github.com/cellcredit/cell/internal/config"
	"github.com/cellcredit/cell/internal/emergency"
	"github.com/cellcredit/cell/internal/federation"
	"github.com/cellcredit/cell/internal/governance"
	"github.com/cellcredit/cell/internal/hardening"
	"github.com/cellcredit/cell/internal/health"
	"github.com/cellcredit/cell/internal/identity"
	"github.com/cellcredit/cell/internal/ledger"
	"github.com/cellcredit/cell/internal/logging"
	"github.com/cellcredit/cell/internal/metrics"
	"github.com/cellcredit/cell/internal/ratelimit"
	"github.com/cellcredit/cell/internal/realtime"
	"github.com/cellcredit/cell/internal/security"
	"github.com/cellcredit/cell/internal/traces"
	"github.com/cellcredit/cell/internal/txn"
	"github.com/cellcredit/cell/internal/validation"
	"github.com/cellcredit/cell/internal/webhooks"
)

// Server wraps the HTTP server and the engines it fronts.
type Server struct {
	cfg *config.Config

	ledger     *ledger.Ledger
	txnEngine  *txn.Engine
	commitment *commitment.Engine
	federation *federation.Engine
	emergency  *emergency.Engine
	identity   identity.Provider
	governance governance.Authorizer
	webhooks   *webhooks.Dispatcher
	realtime   *realtime.Hub

	emergencyScheduler *emergency.Scheduler
	healthRegistry     *health.Registry
	localTransport     *federation.LocalTransport // nil when using HTTPTransport

	cellsMu sync.Mutex
	cellIDs []string

	db     *sql.DB // nil if using in-memory stores
	router *gin.Engine
	httpSrv *http.Server
	logger *slog.Logger

	rateLimiter *ratelimit.Limiter

	cancelRunCtx   context.CancelFunc
	tracerShutdown func(context.Context) error

	ready   atomic.Bool
	healthy atomic.Bool
}

// trackCell records cellID so the emergency scheduler's poll loop picks
// it up on its next tick, and registers it with the local federation
// transport (if in use) so inter-cell transfers within this process
// resolve without a network hop.
func (s *Server) trackCell(cellID string) {
	s.cellsMu.Lock()
	defer s.cellsMu.Unlock()
	for _, id := range s.cellIDs {
		if id == cellID {
			return
		}
	}
	s.cellIDs = append(s.cellIDs, cellID)
	if s.localTransport != nil {
		s.localTransport.Register(cellID, s.federation)
	}
}

// knownCellIDs returns a snapshot of every cell created on this server,
// the set the emergency scheduler polls.
func (s *Server) knownCellIDs() []string {
	s.cellsMu.Lock()
	defer s.cellsMu.Unlock()
	out := make([]string, len(s.cellIDs))
	copy(out, s.cellIDs)
	return out
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates a new server instance: it wires Postgres-backed engines
// when cfg.DatabaseURL is set, or pure in-memory ones for local runs and
// demos, exactly as the storage collaborators were designed to be
// swapped.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	tracerShutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
		tracerShutdown = func(context.Context) error { return nil }
	}
	s.tracerShutdown = tracerShutdown

	s.identity = identity.NewMemoryProvider()
	s.governance = governance.NewMemoryAuthorizer("admin")
	clock := clockutil.System

	var (
		ledgerStore    ledger.Store
		eventStore     ledger.EventStore
		txnStore       txn.Store
		commitStore    commitment.Store
		linkRegistry   federation.LinkRegistry
		paramsStore    federation.ParamsStore
		quarantine     federation.QuarantineStore
		transferLog    federation.TransferLog
		emergencyStore emergency.StateStore
	)

	if cfg.DatabaseURL != "" {
		dbDSN := appendDSNParams(cfg.DatabaseURL, cfg.DBConnectTimeout, cfg.DBStatementTimeout)
		db, err := sql.Open("postgres", dbDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(cfg.DBMaxOpenConns)
		db.SetMaxIdleConns(cfg.DBMaxIdleConns)
		db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
		db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		ledgerStore = ledger.NewPostgresStore(db)
		eventStore = ledger.NewPostgresEventStore(db)
		txnStore = txn.NewPostgresStore(db)
		commitStore = commitment.NewPostgresStore(db)
		linkRegistry = federation.NewPostgresLinkRegistry(db)
		paramsStore = federation.NewPostgresParamsStore(db)
		quarantine = federation.NewPostgresQuarantineStore(db)
		transferLog = federation.NewPostgresTransferLog(db)
		emergencyStore = emergency.NewPostgresStateStore(db)
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
		ledgerStore = ledger.NewMemoryStore()
		eventStore = ledger.NewMemoryEventStore()
		txnStore = txn.NewMemoryStore()
		commitStore = commitment.NewMemoryStore()
		linkRegistry = federation.NewMemoryLinkRegistry()
		paramsStore = federation.NewMemoryParamsStore()
		quarantine = federation.NewMemoryQuarantineStore()
		transferLog = federation.NewMemoryTransferLog()
		emergencyStore = emergency.NewMemoryStateStore()
	}

	s.ledger = ledger.New(ledgerStore, eventStore, clock)
	s.txnEngine = txn.New(txnStore, s.ledger, s.identity, clock)
	s.commitment = commitment.New(commitStore, s.ledger, s.governance, clock)

	s.webhooks = webhooks.NewDispatcher(webhooks.NewMemoryStore())
	s.realtime = realtime.NewHub(s.logger)
	s.webhooks.SetBroadcaster(s.realtime.Broadcast)

	s.federation = federation.New(s.ledger, linkRegistry, paramsStore, quarantine, transferLog, nil, s.webhooks, clock)
	if len(cfg.FederationPeers) > 0 {
		httpTransport, err := federation.NewHTTPTransport(cfg.FederationPeers)
		if err != nil {
			return nil, fmt.Errorf("failed to configure federation transport: %w", err)
		}
		s.federation.SetTransport(httpTransport)
		s.logger.Info("using HTTP federation transport", "peers", len(cfg.FederationPeers))
	} else {
		// Single-node deployment: every federated cell is hosted by this
		// same Engine, so peer calls resolve to itself. Cells register
		// themselves as they're created, see trackCell.
		s.localTransport = federation.NewLocalTransport(map[string]*federation.Engine{})
		s.federation.SetTransport(s.localTransport)
	}

	thresholds := emergency.ThresholdsFromConfig(cfg)
	s.emergency = emergency.New(
		s.ledger, s.federation, emergency.NoSignals{}, s.governance, s.webhooks,
		emergencyStore, clock, thresholds, cfg.MinMemberLimit, cfg.EmergencyLimitAdjustmentRate,
	)
	s.emergencyScheduler = emergency.NewScheduler(s.emergency, 30*time.Second, s.logger)

	s.healthRegistry = health.NewRegistry()
	if s.db != nil {
		db := s.db
		s.healthRegistry.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

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

func appendDSNParams(dsn string, connectTimeout, statementTimeout int) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		return fmt.Sprintf("%s%sconnect_timeout=%d&statement_timeout=%d", dsn, sep, connectTimeout, statementTimeout)
	}
	return fmt.Sprintf("%s connect_timeout=%d statement_timeout=%d", dsn, connectTimeout, statementTimeout)
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
	s.router.Use(security.CORSMiddleware([]string{"*"}))
	s.router.Use(gzipMiddleware())
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         10,
		CleanupInterval:   time.Minute,
	})
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
	s.router.Use(s.timeoutMiddleware())
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
			logger.Error("request completed", "method", c.Request.Method, "path", path, "status", status, "latency_ms", latency.Milliseconds())
		case status >= 400:
			logger.Warn("request completed", "method", c.Request.Method, "path", path, "status", status, "latency_ms", latency.Milliseconds())
		default:
			logger.Info("request completed", "method", c.Request.Method, "path", path, "status", status, "latency_ms", latency.Milliseconds())
		}
	}
}

func (s *Server) timeoutMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.RequestTimeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

type gzipWriter struct {
	gin.ResponseWriter
	writer *gzip.Writer
}

func (w *gzipWriter) Write(data []byte) (int, error) {
	return w.writer.Write(data)
}

func (w *gzipWriter) WriteString(s string) (int, error) {
	return w.writer.Write([]byte(s))
}

func gzipMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !strings.Contains(c.GetHeader("Accept-Encoding"), "gzip") {
			c.Next()
			return
		}
		if strings.EqualFold(c.GetHeader("Upgrade"), "websocket") {
			// A wrapped ResponseWriter can't be hijacked for the
			// websocket handshake.
			c.Next()
			return
		}
		gz, err := gzip.NewWriterLevel(c.Writer, gzip.DefaultCompression)
		if err != nil {
			c.Next()
			return
		}
		c.Header("Content-Encoding", "gzip")
		c.Header("Vary", "Accept-Encoding")
		c.Writer = &gzipWriter{ResponseWriter: c.Writer, writer: gz}
		defer func() {
			if err := gz.Close(); err != nil {
				_ = c.Error(err)
			}
			c.Header("Content-Length", "")
		}()
		c.Next()
	}
}

func generateRequestID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

type HealthResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	healthy, statuses := s.healthRegistry.CheckAll(ctx)
	checks := make(map[string]string, len(statuses))
	for _, st := range statuses {
		if st.Healthy {
			checks[st.Name] = "healthy"
		} else {
			checks[st.Name] = "unhealthy: " + st.Detail
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, HealthResponse{Status: status, Checks: checks, Timestamp: time.Now().UTC().Format(time.RFC3339)})
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
		"name":        "cell",
		"description": "Cellular mutual-credit protocol",
		"version":     "0.1.0",
	})
}

func (s *Server) hardeningHealthHandler(c *gin.Context) {
	iterations := 200
	if raw := c.Query("iterations"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			iterations = n
		}
	}
	report, err := hardening.RunHealthCheck(c.Request.Context(), *s.cfg, iterations)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "hardening_error", "message": err.Error()})
		return
	}
	status := http.StatusOK
	if !report.Passed {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       s.cfg.HTTPReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.cfg.HTTPWriteTimeout,
		IdleTimeout:       s.cfg.HTTPIdleTimeout,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	go s.realtime.Run(runCtx)

	s.emergencyScheduler.Start(runCtx, s.knownCellIDs)

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

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	if s.emergencyScheduler != nil {
		s.emergencyScheduler.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.tracerShutdown != nil {
		if err := s.tracerShutdown(ctx); err != nil {
			s.logger.Error("tracer shutdown error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router, for testing.
func (s *Server) Router() *gin.Engine {
	return s.router
}
