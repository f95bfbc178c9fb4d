package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robotpdf/devkeys/internal/audit"
	"github.com/robotpdf/devkeys/internal/config"
	"github.com/robotpdf/devkeys/internal/credential"
	"github.com/robotpdf/devkeys/internal/database"
	"github.com/robotpdf/devkeys/internal/developer"
	"github.com/robotpdf/devkeys/internal/encryption"
	"github.com/robotpdf/devkeys/internal/lifecycle"
	"github.com/robotpdf/devkeys/internal/metering"
	"github.com/robotpdf/devkeys/internal/metrics"
	"github.com/robotpdf/devkeys/internal/server"
	"go.uber.org/zap"
)

// For testing
var newDatabaseFromConfig = database.NewFromConfig

// app holds the components shared by the server and the admin commands.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	db      *database.DB
	store   developer.Store
	hasher  encryption.SecretHasher
	redis   *redis.Client
	audit   *audit.Logger
	metrics *metrics.Metrics

	window    metering.WindowLimiter
	limiter   *metering.Limiter
	reporter  *metering.UsageReporter
	lifecycle *lifecycle.Service
}

// buildApp opens the database and assembles the metering and lifecycle
// components from cfg. The caller must Close the returned app.
func buildApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *app, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &app{cfg: cfg, logger: logger, metrics: metrics.New()}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.db, err = newDatabaseFromConfig(database.ConfigFromEnv(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	a.store = a.db
	if cfg.CredentialCacheTTL > 0 {
		a.store = developer.NewCachedCredentialStore(a.db, developer.CachedCredentialStoreConfig{
			TTL: cfg.CredentialCacheTTL,
			Max: cfg.CredentialCacheMax,
		})
	}

	a.hasher, err = encryption.NewSecretHasher(cfg.SecretHashAlgorithm, cfg.BcryptCost)
	if err != nil {
		return nil, err
	}

	if cfg.AuditEnabled && cfg.AuditLogFile != "" {
		a.audit, err = audit.NewLogger(audit.LoggerConfig{FilePath: cfg.AuditLogFile, CreateDir: cfg.AuditCreateDir})
		if err != nil {
			return nil, err
		}
	} else {
		a.audit = audit.NewNullLogger()
	}

	a.window = a.buildWindow(ctx)

	defaults := developer.LimitDefaults{
		MonthlyLimit:       cfg.DefaultMonthlyLimit,
		RateLimitPerMinute: cfg.DefaultRateLimitPerMinute,
	}
	a.limiter = metering.NewLimiter(a.db, metering.LimiterConfig{
		Timeout:  cfg.MeterTimeout,
		Defaults: defaults,
		Window:   a.window,
		Metrics:  a.metrics,
		Logger:   logger.Named("limiter"),
	})
	a.reporter = metering.NewUsageReporter(a.db, a.db, a.window)

	env, err := credential.ParseEnvironment(cfg.DefaultKeyEnvironment)
	if err != nil {
		return nil, err
	}
	a.lifecycle, err = lifecycle.NewService(a.store, a.db, a.limiter, a.reporter, lifecycle.Config{
		Defaults:          defaults,
		SelfServiceKeyCap: cfg.SelfServiceKeyCap,
		Environment:       env,
		Hasher:            a.hasher,
		Audit:             a.audit,
		Metrics:           a.metrics,
		Logger:            logger.Named("lifecycle"),
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// buildWindow selects the per-minute window backend. An unreachable Redis is
// only logged here; the limiter falls back or fails closed per call.
func (a *app) buildWindow(ctx context.Context) metering.WindowLimiter {
	if !strings.EqualFold(a.cfg.RateLimitBackend, config.RateLimitBackendRedis) {
		return metering.NewMemoryWindowLimiter()
	}
	a.redis = redis.NewClient(&redis.Options{Addr: a.cfg.RedisAddr, DB: a.cfg.RedisDB})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := a.redis.Ping(pingCtx).Err(); err != nil {
		a.logger.Warn("redis not reachable at startup", zap.String("addr", a.cfg.RedisAddr), zap.Error(err))
	}

	wc := metering.DefaultRedisWindowConfig()
	if a.cfg.RateLimitKeyPrefix != "" {
		wc.KeyPrefix = a.cfg.RateLimitKeyPrefix
	}
	if a.cfg.RateLimitKeySecret != "" {
		wc.KeyHashSecret = []byte(a.cfg.RateLimitKeySecret)
	}
	wc.EnableFallback = a.cfg.RateLimitFallback
	return metering.NewRedisWindowLimiter(metering.NewRedisGoAdapter(a.redis), wc, a.logger.Named("ratelimit"))
}

// serverRuntime is the HTTP server together with the background workers it owns.
type serverRuntime struct {
	server   *server.Server
	recorder *metering.UsageRecorder
	rollover *metering.RolloverWorker
}

// newServer builds the HTTP server and starts the usage recorder and the
// monthly rollover sweep.
func (a *app) newServer(ctx context.Context) (*serverRuntime, error) {
	cfg := a.cfg
	auth, err := developer.NewAuthenticator(a.store, developer.AuthenticatorConfig{
		Timeout: cfg.AuthTimeout,
		Hasher:  a.hasher,
		Logger:  a.logger.Named("auth"),
	})
	if err != nil {
		return nil, err
	}

	rc := metering.DefaultRecorderConfig()
	rc.Async = cfg.UsageLogAsync
	if cfg.UsageLogBufferSize > 0 {
		rc.BufferSize = cfg.UsageLogBufferSize
	}
	if cfg.UsageLogFlushInterval > 0 {
		rc.FlushInterval = cfg.UsageLogFlushInterval
	}
	if cfg.UsageLogBatchSize > 0 {
		rc.BatchSize = cfg.UsageLogBatchSize
	}
	recorder := metering.NewUsageRecorder(rc, a.db, a.metrics, a.logger.Named("usage"))

	srv, err := server.New(cfg, server.Options{
		Authenticator: auth,
		Limiter:       a.limiter,
		Recorder:      recorder,
		Reporter:      a.reporter,
		Lifecycle:     a.lifecycle,
		Audit:         a.audit,
		Metrics:       a.metrics,
		Readiness:     a.db,
		Logger:        a.logger,
	})
	if err != nil {
		return nil, err
	}

	recorder.Start()
	rollover := metering.NewRolloverWorker(a.db, cfg.UsageResetInterval, a.metrics, a.logger.Named("rollover"))
	rollover.Start(ctx)
	return &serverRuntime{server: srv, recorder: recorder, rollover: rollover}, nil
}

// Close releases the database, Redis and audit log handles.
func (a *app) Close() error {
	if a == nil {
		return nil
	}
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.audit != nil {
		errs = append(errs, a.audit.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	return errors.Join(errs...)
}
