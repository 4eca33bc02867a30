package config

import "time"

const (
	// RateLimitWindow is the trailing window length for admission control.
	RateLimitWindow = 60 * time.Second

	// RateLimitMaxRequests is the default number of admissions per key per window.
	RateLimitMaxRequests = 60

	// RateLimitSweepInterval is how often empty windows are garbage-collected.
	RateLimitSweepInterval = 60 * time.Second

	// ProxyMaxFails is the number of failures after which an endpoint is deactivated.
	ProxyMaxFails = 3

	// ProxyProbeInterval is the period between health probe cycles.
	ProxyProbeInterval = 5 * time.Minute

	// ProxyProbeTimeout bounds a single endpoint probe.
	ProxyProbeTimeout = 10 * time.Second

	// ProxyProbeURL is the lightweight target requested through each endpoint.
	ProxyProbeURL = "https://httpbin.org/status/204"

	// ProxyProbeRate caps how many probes are launched per second.
	ProxyProbeRate = 20

	// ProxyDefaultTimeout is used for endpoints configured without a timeout.
	ProxyDefaultTimeout = 30 * time.Second

	// WebhookMaxAttempts is the maximum number of delivery attempts per job.
	WebhookMaxAttempts = 3

	// WebhookTimeout bounds a single delivery attempt.
	WebhookTimeout = 30 * time.Second

	// WebhookBaseDelay is the backoff before the second attempt; it doubles after each failure.
	WebhookBaseDelay = time.Second

	// WebhookAPIVersion is stamped on every outgoing payload.
	WebhookAPIVersion = "1.0"

	// ServerPort is the default ops HTTP listen address.
	ServerPort = ":8080"
)
