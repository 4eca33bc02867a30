package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ConfigurationError reports an invalid limiter, endpoint or dispatcher setting.
// It is raised at setup time and never retried.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// Invalid builds a ConfigurationError.
func Invalid(field, reason string) error {
	return &ConfigurationError{Field: field, Reason: reason}
}

// IsConfigurationError reports whether err wraps a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// Config is the full runtime configuration of the core.
type Config struct {
	Server      ServerConfig       `mapstructure:"server"`
	Log         LogConfig          `mapstructure:"log"`
	RateLimit   RateLimitConfig    `mapstructure:"rate_limit"`
	Proxy       ProxyConfig        `mapstructure:"proxy"`
	Webhook     WebhookConfig      `mapstructure:"webhook"`
	DeadLetter  DeadLetterConfig   `mapstructure:"dead_letter"`
	Subscribers []SubscriberConfig `mapstructure:"subscribers"`
}

// ServerConfig configures the ops HTTP server.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
	// TrustForwardedFor keys inbound rate limits on X-Forwarded-For. Enable
	// only behind a reverse proxy that overwrites the header.
	TrustForwardedFor bool `mapstructure:"trust_forwarded_for"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// RateLimitConfig configures the sliding window limiter.
type RateLimitConfig struct {
	Window        time.Duration `mapstructure:"window"`
	MaxRequests   int           `mapstructure:"max_requests"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// ProxyConfig configures the egress proxy pool.
type ProxyConfig struct {
	File          string        `mapstructure:"file"`
	MaxFails      int           `mapstructure:"max_fails"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
	ProbeURL      string        `mapstructure:"probe_url"`
	ProbeRate     int           `mapstructure:"probe_rate"`
}

// WebhookConfig configures delivery defaults.
type WebhookConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	Timeout        time.Duration `mapstructure:"timeout"`
	BaseDelay      time.Duration `mapstructure:"base_delay"`
	ViaProxy       bool          `mapstructure:"via_proxy"`
	DirectFallback bool          `mapstructure:"direct_fallback"`
}

// DeadLetterConfig selects where terminally failed jobs are parked.
// An empty RedisAddr keeps them in memory.
type DeadLetterConfig struct {
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	Key           string `mapstructure:"key"`
}

// SubscriberConfig is one webhook target.
type SubscriberConfig struct {
	URL    string   `mapstructure:"url"`
	Secret string   `mapstructure:"secret"`
	Events []string `mapstructure:"events"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Addr: ServerPort},
		Log:    LogConfig{Level: "info", Format: "json"},
		RateLimit: RateLimitConfig{
			Window:        RateLimitWindow,
			MaxRequests:   RateLimitMaxRequests,
			SweepInterval: RateLimitSweepInterval,
		},
		Proxy: ProxyConfig{
			MaxFails:      ProxyMaxFails,
			ProbeInterval: ProxyProbeInterval,
			ProbeTimeout:  ProxyProbeTimeout,
			ProbeURL:      ProxyProbeURL,
			ProbeRate:     ProxyProbeRate,
		},
		Webhook: WebhookConfig{
			MaxAttempts: WebhookMaxAttempts,
			Timeout:     WebhookTimeout,
			BaseDelay:   WebhookBaseDelay,
		},
		DeadLetter: DeadLetterConfig{Key: "boom:webhooks:dead_letter"},
	}
}

// Load reads configuration from path (optional, YAML) and BOOM_* environment
// variables on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	setDefaults(v, cfg)

	v.SetEnvPrefix("BOOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("server.addr", cfg.Server.Addr)
	v.SetDefault("server.trust_forwarded_for", cfg.Server.TrustForwardedFor)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("rate_limit.window", cfg.RateLimit.Window)
	v.SetDefault("rate_limit.max_requests", cfg.RateLimit.MaxRequests)
	v.SetDefault("rate_limit.sweep_interval", cfg.RateLimit.SweepInterval)
	v.SetDefault("proxy.file", cfg.Proxy.File)
	v.SetDefault("proxy.max_fails", cfg.Proxy.MaxFails)
	v.SetDefault("proxy.probe_interval", cfg.Proxy.ProbeInterval)
	v.SetDefault("proxy.probe_timeout", cfg.Proxy.ProbeTimeout)
	v.SetDefault("proxy.probe_url", cfg.Proxy.ProbeURL)
	v.SetDefault("proxy.probe_rate", cfg.Proxy.ProbeRate)
	v.SetDefault("webhook.max_attempts", cfg.Webhook.MaxAttempts)
	v.SetDefault("webhook.timeout", cfg.Webhook.Timeout)
	v.SetDefault("webhook.base_delay", cfg.Webhook.BaseDelay)
	v.SetDefault("webhook.via_proxy", cfg.Webhook.ViaProxy)
	v.SetDefault("webhook.direct_fallback", cfg.Webhook.DirectFallback)
	v.SetDefault("dead_letter.redis_addr", cfg.DeadLetter.RedisAddr)
	v.SetDefault("dead_letter.redis_password", cfg.DeadLetter.RedisPassword)
	v.SetDefault("dead_letter.redis_db", cfg.DeadLetter.RedisDB)
	v.SetDefault("dead_letter.key", cfg.DeadLetter.Key)
}

// Validate checks every setting that would otherwise fail later at runtime.
func (c *Config) Validate() error {
	if c.RateLimit.Window <= 0 {
		return Invalid("rate_limit.window", "must be positive")
	}
	if c.RateLimit.MaxRequests <= 0 {
		return Invalid("rate_limit.max_requests", "must be positive")
	}
	if c.RateLimit.SweepInterval <= 0 {
		return Invalid("rate_limit.sweep_interval", "must be positive")
	}
	if c.Proxy.MaxFails <= 0 {
		return Invalid("proxy.max_fails", "must be positive")
	}
	if c.Proxy.ProbeInterval <= 0 {
		return Invalid("proxy.probe_interval", "must be positive")
	}
	if c.Proxy.ProbeTimeout <= 0 {
		return Invalid("proxy.probe_timeout", "must be positive")
	}
	if c.Proxy.ProbeRate <= 0 {
		return Invalid("proxy.probe_rate", "must be positive")
	}
	if c.Webhook.MaxAttempts <= 0 {
		return Invalid("webhook.max_attempts", "must be positive")
	}
	if c.Webhook.Timeout <= 0 {
		return Invalid("webhook.timeout", "must be positive")
	}
	if c.Webhook.BaseDelay < 0 {
		return Invalid("webhook.base_delay", "must not be negative")
	}
	if c.Webhook.DirectFallback && !c.Webhook.ViaProxy {
		return Invalid("webhook.direct_fallback", "only meaningful with via_proxy")
	}
	for i, s := range c.Subscribers {
		field := fmt.Sprintf("subscribers[%d]", i)
		u, err := url.Parse(s.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return Invalid(field+".url", "must be an absolute http(s) URL")
		}
		if s.Secret == "" {
			return Invalid(field+".secret", "is required")
		}
	}
	return nil
}
