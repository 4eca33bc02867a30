package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_MatchesConstants(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 60*time.Second, cfg.RateLimit.Window)
	assert.Equal(t, 60*time.Second, cfg.RateLimit.SweepInterval)
	assert.Equal(t, 3, cfg.Proxy.MaxFails)
	assert.Equal(t, 5*time.Minute, cfg.Proxy.ProbeInterval)
	assert.Equal(t, 10*time.Second, cfg.Proxy.ProbeTimeout)
	assert.Equal(t, 3, cfg.Webhook.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Webhook.Timeout)
	assert.Equal(t, time.Second, cfg.Webhook.BaseDelay)
	require.NoError(t, cfg.Validate())
}

func TestLoad_NoFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ServerPort, cfg.Server.Addr)
	assert.Equal(t, RateLimitMaxRequests, cfg.RateLimit.MaxRequests)
}

func TestLoad_FromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "boom.yaml")
	content := `
server:
  addr: ":9090"
rate_limit:
  window: 30s
  max_requests: 10
webhook:
  max_attempts: 5
  base_delay: 250ms
  via_proxy: true
subscribers:
  - url: https://merchant.example.com/hooks
    secret: whsec_123
    events: [payment.succeeded, refund.created]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 30*time.Second, cfg.RateLimit.Window)
	assert.Equal(t, 10, cfg.RateLimit.MaxRequests)
	assert.Equal(t, 5, cfg.Webhook.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Webhook.BaseDelay)
	assert.True(t, cfg.Webhook.ViaProxy)
	require.Len(t, cfg.Subscribers, 1)
	assert.Equal(t, []string{"payment.succeeded", "refund.created"}, cfg.Subscribers[0].Events)

	// untouched keys keep their defaults
	assert.Equal(t, ProxyProbeInterval, cfg.Proxy.ProbeInterval)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("BOOM_RATE_LIMIT_MAX_REQUESTS", "7")
	t.Setenv("BOOM_SERVER_ADDR", ":7070")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.RateLimit.MaxRequests)
	assert.Equal(t, ":7070", cfg.Server.Addr)
	assert.False(t, cfg.Server.TrustForwardedFor)

	t.Setenv("BOOM_SERVER_TRUST_FORWARDED_FOR", "true")
	cfg, err = Load("")
	require.NoError(t, err)
	assert.True(t, cfg.Server.TrustForwardedFor)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"zero window", func(c *Config) { c.RateLimit.Window = 0 }, "rate_limit.window"},
		{"zero max requests", func(c *Config) { c.RateLimit.MaxRequests = 0 }, "rate_limit.max_requests"},
		{"zero max fails", func(c *Config) { c.Proxy.MaxFails = 0 }, "proxy.max_fails"},
		{"zero probe timeout", func(c *Config) { c.Proxy.ProbeTimeout = 0 }, "proxy.probe_timeout"},
		{"zero attempts", func(c *Config) { c.Webhook.MaxAttempts = 0 }, "webhook.max_attempts"},
		{"negative delay", func(c *Config) { c.Webhook.BaseDelay = -time.Second }, "webhook.base_delay"},
		{"fallback without proxy", func(c *Config) { c.Webhook.DirectFallback = true }, "webhook.direct_fallback"},
		{"relative subscriber url", func(c *Config) {
			c.Subscribers = []SubscriberConfig{{URL: "/hooks", Secret: "s"}}
		}, "subscribers[0].url"},
		{"missing subscriber secret", func(c *Config) {
			c.Subscribers = []SubscriberConfig{{URL: "https://a.example.com", Secret: ""}}
		}, "subscribers[0].secret"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, IsConfigurationError(err))

			var ce *ConfigurationError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.field, ce.Field)
		})
	}
}
