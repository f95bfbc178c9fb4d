package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var configEnvKeys = []string{
	"LISTEN_ADDR", "REQUEST_TIMEOUT", "MAX_REQUEST_SIZE", "API_ENV", "MANAGEMENT_TOKEN",
	"LOG_LEVEL", "LOG_FORMAT", "LOG_FILE", "AUDIT_ENABLED", "AUDIT_LOG_FILE", "AUDIT_CREATE_DIR",
	"ENABLE_METRICS", "METRICS_PATH", "IP_RATE_LIMIT", "AUTH_TIMEOUT", "METER_TIMEOUT",
	"CREDENTIAL_CACHE_TTL", "CREDENTIAL_CACHE_MAX", "DEFAULT_MONTHLY_LIMIT", "DEFAULT_RATE_LIMIT_PER_MINUTE",
	"SELF_SERVICE_KEY_CAP", "DEFAULT_KEY_ENVIRONMENT", "SECRET_HASH_ALGORITHM", "BCRYPT_COST",
	"RATE_LIMIT_BACKEND", "REDIS_ADDR", "REDIS_DB", "RATE_LIMIT_KEY_PREFIX", "RATE_LIMIT_KEY_SECRET",
	"RATE_LIMIT_FALLBACK", "USAGE_LOG_ASYNC", "USAGE_LOG_BUFFER_SIZE", "USAGE_LOG_FLUSH_INTERVAL",
	"USAGE_LOG_BATCH_SIZE", "USAGE_RESET_INTERVAL", "USER_JWT_SECRET", "USER_JWT_ISSUER",
	"SESSION_SECRET", "SESSION_NAME", "CONFIG_FILE",
}

// clearEnv unsets every configuration variable for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range configEnvKeys {
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "devkeys.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestNew_RequiresManagementToken(t *testing.T) {
	clearEnv(t)
	_, err := New()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MANAGEMENT_TOKEN")

	t.Setenv("MANAGEMENT_TOKEN", "secret-token")
	cfg, err := New()
	require.NoError(t, err)
	assert.Equal(t, "secret-token", cfg.ManagementToken)
}

func TestNew_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("MANAGEMENT_TOKEN", "x")

	cfg, err := New()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout)
	assert.Equal(t, int64(1024*1024), cfg.MaxRequestSize)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.True(t, cfg.AuditEnabled)
	assert.Equal(t, "./data/audit.log", cfg.AuditLogFile)
	assert.Equal(t, 120, cfg.IPRateLimit)
	assert.Equal(t, 250*time.Millisecond, cfg.AuthTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.MeterTimeout)
	assert.Equal(t, 5*time.Second, cfg.CredentialCacheTTL)
	assert.Equal(t, 1000, cfg.DefaultMonthlyLimit)
	assert.Equal(t, 100, cfg.DefaultRateLimitPerMinute)
	assert.Equal(t, 5, cfg.SelfServiceKeyCap)
	assert.Equal(t, "live", cfg.DefaultKeyEnvironment)
	assert.Equal(t, "sha256", cfg.SecretHashAlgorithm)
	assert.Equal(t, RateLimitBackendMemory, cfg.RateLimitBackend)
	assert.Equal(t, "devkeys:rate:", cfg.RateLimitKeyPrefix)
	assert.True(t, cfg.RateLimitFallback)
	assert.True(t, cfg.UsageLogAsync)
	assert.Equal(t, 2*time.Second, cfg.UsageLogFlushInterval)
	assert.Equal(t, time.Hour, cfg.UsageResetInterval)
	assert.Equal(t, "devkeys_session", cfg.SessionName)
	assert.Empty(t, cfg.ConfigFile)
}

func TestNew_EnvironmentOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("MANAGEMENT_TOKEN", "x")
	t.Setenv("LISTEN_ADDR", ":9090")
	t.Setenv("DEFAULT_MONTHLY_LIMIT", "50")
	t.Setenv("DEFAULT_RATE_LIMIT_PER_MINUTE", "10")
	t.Setenv("RATE_LIMIT_BACKEND", "redis")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("USAGE_LOG_ASYNC", "false")
	t.Setenv("METER_TIMEOUT", "1s")
	t.Setenv("IP_RATE_LIMIT", "not-a-number")

	cfg, err := New()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, 50, cfg.DefaultMonthlyLimit)
	assert.Equal(t, 10, cfg.DefaultRateLimitPerMinute)
	assert.Equal(t, RateLimitBackendRedis, cfg.RateLimitBackend)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.False(t, cfg.UsageLogAsync)
	assert.Equal(t, time.Second, cfg.MeterTimeout)
	assert.Equal(t, 120, cfg.IPRateLimit, "unparseable values keep the default")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"defaults are valid", func(*Config) {}, ""},
		{"negative monthly", func(c *Config) { c.DefaultMonthlyLimit = -1 }, "DEFAULT_MONTHLY_LIMIT"},
		{"zero rate", func(c *Config) { c.DefaultRateLimitPerMinute = 0 }, "DEFAULT_RATE_LIMIT_PER_MINUTE"},
		{"zero cap", func(c *Config) { c.SelfServiceKeyCap = 0 }, "SELF_SERVICE_KEY_CAP"},
		{"bad environment", func(c *Config) { c.DefaultKeyEnvironment = "staging" }, "DEFAULT_KEY_ENVIRONMENT"},
		{"bad algorithm", func(c *Config) { c.SecretHashAlgorithm = "md5" }, "SECRET_HASH_ALGORITHM"},
		{"bcrypt cost", func(c *Config) { c.SecretHashAlgorithm = "bcrypt"; c.BcryptCost = 2 }, "BCRYPT_COST"},
		{"bad backend", func(c *Config) { c.RateLimitBackend = "memcached" }, "RATE_LIMIT_BACKEND"},
		{"redis without addr", func(c *Config) { c.RateLimitBackend = "redis"; c.RedisAddr = "" }, "REDIS_ADDR"},
		{"zero timeout", func(c *Config) { c.AuthTimeout = 0 }, "AUTH_TIMEOUT"},
		{"zero body size", func(c *Config) { c.MaxRequestSize = 0 }, "MAX_REQUEST_SIZE"},
		{"negative ip limit", func(c *Config) { c.IPRateLimit = -1 }, "IP_RATE_LIMIT"},
		{"async without buffer", func(c *Config) { c.UsageLogBufferSize = 0 }, "USAGE_LOG_BUFFER_SIZE"},
		{"sync ignores buffer", func(c *Config) { c.UsageLogAsync = false; c.UsageLogBufferSize = 0 }, ""},
		{"metrics path", func(c *Config) { c.MetricsPath = "metrics" }, "METRICS_PATH"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_FileOverlay(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, `
server:
  listen_addr: ":7070"
  meter_timeout: 500ms
limits:
  monthly_limit: 250
  self_service_key_cap: 3
  key_environment: test
rate_limiter:
  backend: redis
  redis_addr: cache:6379
  fallback: false
usage_log:
  flush_interval: 5s
  reset_interval: 0s
credential_cache:
  ttl: 1s
`)
	t.Setenv("DEFAULT_MONTHLY_LIMIT", "300")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, cfg.ConfigFile)
	assert.Equal(t, ":7070", cfg.ListenAddr)
	assert.Equal(t, 500*time.Millisecond, cfg.MeterTimeout)
	assert.Equal(t, 300, cfg.DefaultMonthlyLimit, "environment wins over the file")
	assert.Equal(t, 100, cfg.DefaultRateLimitPerMinute, "absent keys keep defaults")
	assert.Equal(t, 3, cfg.SelfServiceKeyCap)
	assert.Equal(t, "test", cfg.DefaultKeyEnvironment)
	assert.Equal(t, RateLimitBackendRedis, cfg.RateLimitBackend)
	assert.Equal(t, "cache:6379", cfg.RedisAddr)
	assert.False(t, cfg.RateLimitFallback)
	assert.Equal(t, 5*time.Second, cfg.UsageLogFlushInterval)
	assert.Equal(t, time.Duration(0), cfg.UsageResetInterval)
	assert.Equal(t, time.Second, cfg.CredentialCacheTTL)
}

func TestLoad_FileErrors(t *testing.T) {
	clearEnv(t)

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	_, err = Load(writeFile(t, "limits:\n  monthly_limit: [1, 2]\n"))
	require.Error(t, err)

	_, err = Load(writeFile(t, "limits:\n  unknown_key: 1\n"))
	require.Error(t, err)

	_, err = Load(writeFile(t, "limits:\n  rate_limit_per_minute: 0\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DEFAULT_RATE_LIMIT_PER_MINUTE")

	cfg, err := Load(writeFile(t, ""))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.ListenAddr)
}

func TestNew_UsesConfigFileVariable(t *testing.T) {
	clearEnv(t)
	t.Setenv("MANAGEMENT_TOKEN", "x")
	t.Setenv("CONFIG_FILE", writeFile(t, "logging:\n  level: debug\n  format: console\n"))

	cfg, err := New()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "console", cfg.LogFormat)
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("CFG_TEST_DURATION", "3m")
	t.Setenv("CFG_TEST_BAD_DURATION", "soon")
	t.Setenv("CFG_TEST_INT64", "9000000000")
	t.Setenv("CFG_TEST_EMPTY", "")

	assert.Equal(t, 3*time.Minute, getEnvDuration("CFG_TEST_DURATION", time.Second))
	assert.Equal(t, time.Second, getEnvDuration("CFG_TEST_BAD_DURATION", time.Second))
	assert.Equal(t, int64(9000000000), getEnvInt64("CFG_TEST_INT64", 1))
	assert.Equal(t, "", getEnvString("CFG_TEST_EMPTY", "default"), "set but empty is honoured")
	assert.False(t, getEnvBool("CFG_TEST_MISSING_BOOL", false))
}
