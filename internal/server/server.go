// Package server implements the HTTP surface of the credential service: the
// metered tool API, self-service key management for signed-in users, the admin
// developer API, and health and metrics endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/robotpdf/devkeys/internal/audit"
	"github.com/robotpdf/devkeys/internal/config"
	"github.com/robotpdf/devkeys/internal/developer"
	"github.com/robotpdf/devkeys/internal/lifecycle"
	"github.com/robotpdf/devkeys/internal/metering"
	"github.com/robotpdf/devkeys/internal/metrics"
	"github.com/robotpdf/devkeys/internal/middleware"
	"go.uber.org/zap"
)

// Version is the application version, following semantic versioning.
const Version = "0.1.0"

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options are the components a Server routes requests to.
type Options struct {
	Authenticator *developer.Authenticator
	Limiter       *metering.Limiter
	Recorder      *metering.UsageRecorder
	Reporter      *metering.UsageReporter
	Lifecycle     *lifecycle.Service
	// Tools defaults to a registry holding only the echo tool.
	Tools *ToolRegistry
	// Users defaults to the JWT and session resolvers enabled in the config.
	Users     []UserResolver
	Audit     audit.Sink
	Metrics   *metrics.Metrics
	Readiness Pinger
	Logger    *zap.Logger
}

// Server represents the HTTP server.
type Server struct {
	server    *http.Server
	config    *config.Config
	engine    *gin.Engine
	auth      *developer.Authenticator
	limiter   *metering.Limiter
	recorder  *metering.UsageRecorder
	reporter  *metering.UsageReporter
	lifecycle *lifecycle.Service
	tools     *ToolRegistry
	users     resolvers
	audit     audit.Sink
	metrics   *metrics.Metrics
	readiness Pinger
	logger    *zap.Logger
	startTime time.Time
}

// HealthResponse is the response body for the health check endpoint.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
	Uptime    string    `json:"uptime"`
	Tools     []string  `json:"tools"`
}

// New creates a server and registers every route. The server is not started
// until Start is called.
func New(cfg *config.Config, opts Options) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if opts.Authenticator == nil || opts.Limiter == nil || opts.Recorder == nil || opts.Reporter == nil || opts.Lifecycle == nil {
		return nil, errors.New("authenticator, limiter, recorder, reporter and lifecycle are required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Audit == nil {
		opts.Audit = audit.NewNullLogger()
	}
	if opts.Tools == nil {
		opts.Tools = NewToolRegistry()
		if err := opts.Tools.Register("echo", EchoTool()); err != nil {
			return nil, err
		}
	}
	if opts.Users == nil {
		if cfg.UserJWTSecret != "" {
			opts.Users = append(opts.Users, NewJWTUserResolver(cfg.UserJWTSecret, cfg.UserJWTIssuer))
		}
		if cfg.SessionSecret != "" {
			opts.Users = append(opts.Users, SessionUserResolver{})
		}
	}

	if cfg.LogLevel == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.RequestID())
	engine.Use(middleware.Instrumentation(opts.Metrics, opts.Logger))
	engine.Use(limitBody(cfg.MaxRequestSize))

	s := &Server{
		config:    cfg,
		engine:    engine,
		auth:      opts.Authenticator,
		limiter:   opts.Limiter,
		recorder:  opts.Recorder,
		reporter:  opts.Reporter,
		lifecycle: opts.Lifecycle,
		tools:     opts.Tools,
		users:     resolvers(opts.Users),
		audit:     opts.Audit,
		metrics:   opts.Metrics,
		readiness: opts.Readiness,
		logger:    opts.Logger,
		startTime: time.Now(),
		server: &http.Server{
			Addr:         cfg.ListenAddr,
			Handler:      engine,
			ReadTimeout:  cfg.RequestTimeout,
			WriteTimeout: cfg.RequestTimeout,
			IdleTimeout:  cfg.RequestTimeout * 2,
		},
	}
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/ready", s.handleReady)
	s.engine.GET("/live", s.handleLive)
	if s.config.EnableMetrics && s.metrics != nil {
		s.engine.GET(s.config.MetricsPath, gin.WrapH(s.metrics.Handler()))
	}

	throttle := middleware.NewIPThrottle(s.config.IPRateLimit)

	api := s.engine.Group("/v1", throttle.Handler(), s.apiKeyAuth())
	{
		api.Any("/tools/:tool", s.handleTool)
		api.GET("/usage", s.handleAPIUsage)
	}

	self := s.engine.Group("/")
	if s.config.SessionSecret != "" {
		store := cookie.NewStore([]byte(s.config.SessionSecret))
		store.Options(sessions.Options{Path: "/", HttpOnly: true, Secure: s.config.APIEnv == "production", SameSite: http.SameSiteLaxMode})
		self.Use(sessions.Sessions(s.config.SessionName, store))
	}
	self.Use(throttle.Handler(), s.userAuth())
	{
		self.POST("/keys", s.handleKeysCreate)
		self.GET("/keys", s.handleKeysList)
		self.GET("/keys/:id", s.handleKeysShow)
		self.PATCH("/keys/:id", s.handleKeysUpdate)
		self.DELETE("/keys/:id", s.handleKeysDelete)
		self.POST("/keys/:id/regenerate", s.handleKeysRegenerate)
		self.GET("/usage", s.handleSelfUsage)
		self.GET("/logs", s.handleSelfLogs)
	}

	admin := s.engine.Group("/developers", s.managementAuth())
	{
		admin.POST("", s.handleDevelopersCreate)
		admin.GET("", s.handleDevelopersList)
		admin.GET("/:id", s.handleDevelopersShow)
		admin.PUT("/:id", s.handleDevelopersUpdate)
		admin.DELETE("/:id", s.handleDevelopersDelete)
		admin.PUT("/:id/limits", s.handleDevelopersLimits)
		admin.POST("/:id/reset-usage", s.handleDevelopersResetUsage)
		admin.POST("/:id/regenerate", s.handleDevelopersRegenerate)
		admin.GET("/:id/usage", s.handleDevelopersUsage)
		admin.GET("/:id/logs", s.handleDevelopersLogs)
	}

	s.engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, ErrorResponse{Code: developer.CodeNotFound, Message: "route not found"})
	})
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start starts the HTTP server. It blocks until the server is shut down or fails.
func (s *Server) Start() error {
	s.logger.Info("server starting",
		zap.String("listen_addr", s.config.ListenAddr),
		zap.String("version", Version),
		zap.Strings("tools", s.tools.Names()))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server without interrupting active
// connections, then flushes queued usage log entries.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	err := s.server.Shutdown(ctx)
	if s.recorder != nil {
		if stopErr := s.recorder.Stop(ctx); stopErr != nil {
			err = errors.Join(err, fmt.Errorf("failed to flush usage log: %w", stopErr))
		}
	}
	return err
}

// handleHealth reports status, version, uptime and the metered tools.
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Version:   Version,
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Tools:     s.tools.Names(),
	})
}

// handleReady is used for readiness probes. It fails while the store is unreachable.
func (s *Server) handleReady(c *gin.Context) {
	if s.readiness != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.readiness.Ping(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			c.String(http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	c.String(http.StatusOK, "ready")
}

// handleLive is used for liveness probes.
func (s *Server) handleLive(c *gin.Context) {
	c.String(http.StatusOK, "alive")
}

// limitBody caps request bodies at max bytes.
func limitBody(max int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if max > 0 && c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, max)
		}
		c.Next()
	}
}
