package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// FileConfig is the YAML overlay. Absent keys leave the current value alone.
// Secrets (management token, HMAC and session keys) are read from the
// environment only.
type FileConfig struct {
	Server struct {
		ListenAddr     *string        `yaml:"listen_addr"`
		RequestTimeout *time.Duration `yaml:"request_timeout"`
		MaxRequestSize *int64         `yaml:"max_request_size"`
		IPRateLimit    *int           `yaml:"ip_rate_limit"`
		AuthTimeout    *time.Duration `yaml:"auth_timeout"`
		MeterTimeout   *time.Duration `yaml:"meter_timeout"`
	} `yaml:"server"`

	Logging struct {
		Level  *string `yaml:"level"`
		Format *string `yaml:"format"`
		File   *string `yaml:"file"`
	} `yaml:"logging"`

	Limits struct {
		MonthlyLimit       *int    `yaml:"monthly_limit"`
		RateLimitPerMinute *int    `yaml:"rate_limit_per_minute"`
		SelfServiceKeyCap  *int    `yaml:"self_service_key_cap"`
		KeyEnvironment     *string `yaml:"key_environment"`
	} `yaml:"limits"`

	RateLimiter struct {
		Backend   *string `yaml:"backend"`
		RedisAddr *string `yaml:"redis_addr"`
		RedisDB   *int    `yaml:"redis_db"`
		KeyPrefix *string `yaml:"key_prefix"`
		Fallback  *bool   `yaml:"fallback"`
	} `yaml:"rate_limiter"`

	UsageLog struct {
		Async         *bool          `yaml:"async"`
		BufferSize    *int           `yaml:"buffer_size"`
		FlushInterval *time.Duration `yaml:"flush_interval"`
		BatchSize     *int           `yaml:"batch_size"`
		ResetInterval *time.Duration `yaml:"reset_interval"`
	} `yaml:"usage_log"`

	CredentialCache struct {
		TTL *time.Duration `yaml:"ttl"`
		Max *int           `yaml:"max"`
	} `yaml:"credential_cache"`
}

// LoadFile parses the YAML overlay at path. Unknown keys are rejected.
func LoadFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var fc FileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return &fc, nil
}

func (c *Config) applyFile(path string) error {
	fc, err := LoadFile(path)
	if err != nil {
		return err
	}
	fc.Apply(c)
	return nil
}

// Apply copies every value present in fc onto c.
func (fc *FileConfig) Apply(c *Config) {
	set(&c.ListenAddr, fc.Server.ListenAddr)
	set(&c.RequestTimeout, fc.Server.RequestTimeout)
	set(&c.MaxRequestSize, fc.Server.MaxRequestSize)
	set(&c.IPRateLimit, fc.Server.IPRateLimit)
	set(&c.AuthTimeout, fc.Server.AuthTimeout)
	set(&c.MeterTimeout, fc.Server.MeterTimeout)

	set(&c.LogLevel, fc.Logging.Level)
	set(&c.LogFormat, fc.Logging.Format)
	set(&c.LogFile, fc.Logging.File)

	set(&c.DefaultMonthlyLimit, fc.Limits.MonthlyLimit)
	set(&c.DefaultRateLimitPerMinute, fc.Limits.RateLimitPerMinute)
	set(&c.SelfServiceKeyCap, fc.Limits.SelfServiceKeyCap)
	set(&c.DefaultKeyEnvironment, fc.Limits.KeyEnvironment)

	set(&c.RateLimitBackend, fc.RateLimiter.Backend)
	set(&c.RedisAddr, fc.RateLimiter.RedisAddr)
	set(&c.RedisDB, fc.RateLimiter.RedisDB)
	set(&c.RateLimitKeyPrefix, fc.RateLimiter.KeyPrefix)
	set(&c.RateLimitFallback, fc.RateLimiter.Fallback)

	set(&c.UsageLogAsync, fc.UsageLog.Async)
	set(&c.UsageLogBufferSize, fc.UsageLog.BufferSize)
	set(&c.UsageLogFlushInterval, fc.UsageLog.FlushInterval)
	set(&c.UsageLogBatchSize, fc.UsageLog.BatchSize)
	set(&c.UsageResetInterval, fc.UsageLog.ResetInterval)

	set(&c.CredentialCacheTTL, fc.CredentialCache.TTL)
	set(&c.CredentialCacheMax, fc.CredentialCache.Max)
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}
