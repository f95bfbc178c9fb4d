// Package config handles application configuration loading and validation
// from environment variables and an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Rate window backends.
const (
	RateLimitBackendMemory = "memory"
	RateLimitBackendRedis  = "redis"
)

// Config holds all application configuration values.
type Config struct {
	// Server configuration
	ListenAddr     string        // Address to listen on (e.g., ":8080")
	RequestTimeout time.Duration // http.Server read/write timeout
	MaxRequestSize int64         // Maximum size of incoming request bodies in bytes

	// Environment
	APIEnv string // 'production', 'development', 'test'

	// Authentication
	ManagementToken string // Bearer token for the admin routes

	// Logging
	LogLevel  string // debug, info, warn, error
	LogFormat string // json, console
	LogFile   string // empty for stdout

	// Audit logging
	AuditEnabled   bool
	AuditLogFile   string
	AuditCreateDir bool

	// Monitoring
	EnableMetrics bool
	MetricsPath   string

	// Per-IP requests per minute on the public API; 0 disables
	IPRateLimit int

	// Store deadlines on the request path
	AuthTimeout  time.Duration
	MeterTimeout time.Duration

	// Credential read cache; a zero TTL disables it
	CredentialCacheTTL time.Duration
	CredentialCacheMax int

	// Developer defaults
	DefaultMonthlyLimit       int
	DefaultRateLimitPerMinute int
	SelfServiceKeyCap         int
	DefaultKeyEnvironment     string

	// Secret hashing
	SecretHashAlgorithm string
	BcryptCost          int

	// Per-minute rate window
	RateLimitBackend   string
	RedisAddr          string
	RedisDB            int
	RateLimitKeyPrefix string
	RateLimitKeySecret string // HMAC secret for developer ids in Redis keys
	RateLimitFallback  bool   // fall back to memory when Redis is unavailable

	// Usage logger
	UsageLogAsync         bool
	UsageLogBufferSize    int
	UsageLogFlushInterval time.Duration
	UsageLogBatchSize     int
	UsageResetInterval    time.Duration // stale-month sweep; 0 disables

	// End-user session verification
	UserJWTSecret string
	UserJWTIssuer string
	SessionSecret string
	SessionName   string

	// ConfigFile is the YAML overlay that was applied, if any.
	ConfigFile string
}

// New loads the configuration from CONFIG_FILE (if set) and the environment,
// and validates it for running the HTTP server.
//
// Returns a populated Config struct and nil error on success,
// or nil and an error if validation fails.
func New() (*Config, error) {
	config, err := Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		return nil, err
	}
	if config.ManagementToken == "" {
		return nil, fmt.Errorf("MANAGEMENT_TOKEN environment variable is required")
	}
	return config, nil
}

// Load builds a configuration from defaults, then the YAML file at path (if
// non-empty), then environment variables, and validates everything except the
// management token.
func Load(path string) (*Config, error) {
	config := DefaultConfig()
	if path != "" {
		if err := config.applyFile(path); err != nil {
			return nil, err
		}
		config.ConfigFile = path
	}
	config.applyEnv()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) applyEnv() {
	c.ListenAddr = getEnvString("LISTEN_ADDR", c.ListenAddr)
	c.RequestTimeout = getEnvDuration("REQUEST_TIMEOUT", c.RequestTimeout)
	c.MaxRequestSize = getEnvInt64("MAX_REQUEST_SIZE", c.MaxRequestSize)
	c.APIEnv = getEnvString("API_ENV", c.APIEnv)
	c.ManagementToken = getEnvString("MANAGEMENT_TOKEN", c.ManagementToken)

	c.LogLevel = getEnvString("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnvString("LOG_FORMAT", c.LogFormat)
	c.LogFile = getEnvString("LOG_FILE", c.LogFile)

	c.AuditEnabled = getEnvBool("AUDIT_ENABLED", c.AuditEnabled)
	c.AuditLogFile = getEnvString("AUDIT_LOG_FILE", c.AuditLogFile)
	c.AuditCreateDir = getEnvBool("AUDIT_CREATE_DIR", c.AuditCreateDir)

	c.EnableMetrics = getEnvBool("ENABLE_METRICS", c.EnableMetrics)
	c.MetricsPath = getEnvString("METRICS_PATH", c.MetricsPath)
	c.IPRateLimit = getEnvInt("IP_RATE_LIMIT", c.IPRateLimit)

	c.AuthTimeout = getEnvDuration("AUTH_TIMEOUT", c.AuthTimeout)
	c.MeterTimeout = getEnvDuration("METER_TIMEOUT", c.MeterTimeout)
	c.CredentialCacheTTL = getEnvDuration("CREDENTIAL_CACHE_TTL", c.CredentialCacheTTL)
	c.CredentialCacheMax = getEnvInt("CREDENTIAL_CACHE_MAX", c.CredentialCacheMax)

	c.DefaultMonthlyLimit = getEnvInt("DEFAULT_MONTHLY_LIMIT", c.DefaultMonthlyLimit)
	c.DefaultRateLimitPerMinute = getEnvInt("DEFAULT_RATE_LIMIT_PER_MINUTE", c.DefaultRateLimitPerMinute)
	c.SelfServiceKeyCap = getEnvInt("SELF_SERVICE_KEY_CAP", c.SelfServiceKeyCap)
	c.DefaultKeyEnvironment = getEnvString("DEFAULT_KEY_ENVIRONMENT", c.DefaultKeyEnvironment)

	c.SecretHashAlgorithm = getEnvString("SECRET_HASH_ALGORITHM", c.SecretHashAlgorithm)
	c.BcryptCost = getEnvInt("BCRYPT_COST", c.BcryptCost)

	c.RateLimitBackend = getEnvString("RATE_LIMIT_BACKEND", c.RateLimitBackend)
	c.RedisAddr = getEnvString("REDIS_ADDR", c.RedisAddr)
	c.RedisDB = getEnvInt("REDIS_DB", c.RedisDB)
	c.RateLimitKeyPrefix = getEnvString("RATE_LIMIT_KEY_PREFIX", c.RateLimitKeyPrefix)
	c.RateLimitKeySecret = getEnvString("RATE_LIMIT_KEY_SECRET", c.RateLimitKeySecret)
	c.RateLimitFallback = getEnvBool("RATE_LIMIT_FALLBACK", c.RateLimitFallback)

	c.UsageLogAsync = getEnvBool("USAGE_LOG_ASYNC", c.UsageLogAsync)
	c.UsageLogBufferSize = getEnvInt("USAGE_LOG_BUFFER_SIZE", c.UsageLogBufferSize)
	c.UsageLogFlushInterval = getEnvDuration("USAGE_LOG_FLUSH_INTERVAL", c.UsageLogFlushInterval)
	c.UsageLogBatchSize = getEnvInt("USAGE_LOG_BATCH_SIZE", c.UsageLogBatchSize)
	c.UsageResetInterval = getEnvDuration("USAGE_RESET_INTERVAL", c.UsageResetInterval)

	c.UserJWTSecret = getEnvString("USER_JWT_SECRET", c.UserJWTSecret)
	c.UserJWTIssuer = getEnvString("USER_JWT_ISSUER", c.UserJWTIssuer)
	c.SessionSecret = getEnvString("SESSION_SECRET", c.SessionSecret)
	c.SessionName = getEnvString("SESSION_NAME", c.SessionName)
}

// Validate checks value ranges and enumerations.
func (c *Config) Validate() error {
	var errs []error
	if c.DefaultMonthlyLimit < 0 {
		errs = append(errs, errors.New("DEFAULT_MONTHLY_LIMIT must be zero or greater"))
	}
	if c.DefaultRateLimitPerMinute < 1 {
		errs = append(errs, errors.New("DEFAULT_RATE_LIMIT_PER_MINUTE must be at least 1"))
	}
	if c.SelfServiceKeyCap < 1 {
		errs = append(errs, errors.New("SELF_SERVICE_KEY_CAP must be at least 1"))
	}
	switch strings.ToLower(c.DefaultKeyEnvironment) {
	case "live", "test":
	default:
		errs = append(errs, fmt.Errorf("DEFAULT_KEY_ENVIRONMENT must be live or test, got %q", c.DefaultKeyEnvironment))
	}
	switch strings.ToLower(c.SecretHashAlgorithm) {
	case "sha256":
	case "bcrypt":
		if c.BcryptCost < 4 || c.BcryptCost > 31 {
			errs = append(errs, fmt.Errorf("BCRYPT_COST must be between 4 and 31, got %d", c.BcryptCost))
		}
	default:
		errs = append(errs, fmt.Errorf("SECRET_HASH_ALGORITHM must be sha256 or bcrypt, got %q", c.SecretHashAlgorithm))
	}
	switch strings.ToLower(c.RateLimitBackend) {
	case RateLimitBackendMemory:
	case RateLimitBackendRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required when RATE_LIMIT_BACKEND is redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("RATE_LIMIT_BACKEND must be memory or redis, got %q", c.RateLimitBackend))
	}
	if c.AuthTimeout <= 0 || c.MeterTimeout <= 0 {
		errs = append(errs, errors.New("AUTH_TIMEOUT and METER_TIMEOUT must be positive"))
	}
	if c.MaxRequestSize <= 0 {
		errs = append(errs, errors.New("MAX_REQUEST_SIZE must be positive"))
	}
	if c.IPRateLimit < 0 {
		errs = append(errs, errors.New("IP_RATE_LIMIT must be zero or greater"))
	}
	if c.UsageLogAsync && (c.UsageLogBufferSize <= 0 || c.UsageLogBatchSize <= 0 || c.UsageLogFlushInterval <= 0) {
		errs = append(errs, errors.New("USAGE_LOG_BUFFER_SIZE, USAGE_LOG_BATCH_SIZE and USAGE_LOG_FLUSH_INTERVAL must be positive"))
	}
	if c.MetricsPath == "" || !strings.HasPrefix(c.MetricsPath, "/") {
		errs = append(errs, fmt.Errorf("METRICS_PATH must start with /, got %q", c.MetricsPath))
	}
	return errors.Join(errs...)
}

// getEnvString retrieves a string value from an environment variable,
// falling back to the provided default value if the variable is not set.
func getEnvString(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvBool retrieves a boolean value from an environment variable,
// falling back to the provided default value if the variable is not set
// or cannot be parsed as a boolean.
func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		parsedValue, err := strconv.ParseBool(value)
		if err == nil {
			return parsedValue
		}
	}
	return defaultValue
}

// getEnvInt retrieves an integer value from an environment variable,
// falling back to the provided default value if the variable is not set
// or cannot be parsed as an integer.
func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		parsedValue, err := strconv.Atoi(value)
		if err == nil {
			return parsedValue
		}
	}
	return defaultValue
}

// getEnvInt64 retrieves a 64-bit integer value from an environment variable,
// falling back to the provided default value if the variable is not set
// or cannot be parsed as a 64-bit integer.
func getEnvInt64(key string, defaultValue int64) int64 {
	if value, exists := os.LookupEnv(key); exists {
		parsedValue, err := strconv.ParseInt(value, 10, 64)
		if err == nil {
			return parsedValue
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a duration value from an environment variable,
// falling back to the provided default value if the variable is not set
// or cannot be parsed as a duration.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		parsedValue, err := time.ParseDuration(value)
		if err == nil {
			return parsedValue
		}
	}
	return defaultValue
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:     ":8080",
		RequestTimeout: 30 * time.Second,
		MaxRequestSize: 1024 * 1024, // 1MB

		APIEnv: "development",

		LogLevel:  "info",
		LogFormat: "json",

		AuditEnabled:   true,
		AuditLogFile:   "./data/audit.log",
		AuditCreateDir: true,

		EnableMetrics: true,
		MetricsPath:   "/metrics",
		IPRateLimit:   120,

		AuthTimeout:        250 * time.Millisecond,
		MeterTimeout:       250 * time.Millisecond,
		CredentialCacheTTL: 5 * time.Second,
		CredentialCacheMax: 10000,

		DefaultMonthlyLimit:       1000,
		DefaultRateLimitPerMinute: 100,
		SelfServiceKeyCap:         5,
		DefaultKeyEnvironment:     "live",

		SecretHashAlgorithm: "sha256",
		BcryptCost:          10,

		RateLimitBackend:   RateLimitBackendMemory,
		RedisAddr:          "localhost:6379",
		RateLimitKeyPrefix: "devkeys:rate:",
		RateLimitFallback:  true,

		UsageLogAsync:         true,
		UsageLogBufferSize:    1000,
		UsageLogFlushInterval: 2 * time.Second,
		UsageLogBatchSize:     100,
		UsageResetInterval:    time.Hour,

		SessionName: "devkeys_session",
	}
}
