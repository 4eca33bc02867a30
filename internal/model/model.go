package model

import (
	"net"
	"strconv"
	"time"
)

// Protocol is the egress protocol spoken to a proxy endpoint.
type Protocol string

const (
	ProtocolHTTP   Protocol = "http"
	ProtocolHTTPS  Protocol = "https"
	ProtocolSOCKS5 Protocol = "socks5"
)

// Valid reports whether p is a supported protocol.
func (p Protocol) Valid() bool {
	switch p {
	case ProtocolHTTP, ProtocolHTTPS, ProtocolSOCKS5:
		return true
	default:
		return false
	}
}

// EndpointConfig is one proxy record as supplied by configuration loading.
type EndpointConfig struct {
	ID        string   `json:"id" yaml:"id"`
	Host      string   `json:"host" yaml:"host"`
	Port      int      `json:"port" yaml:"port"`
	Username  string   `json:"username,omitempty" yaml:"username"`
	Password  string   `json:"password,omitempty" yaml:"password"`
	Protocol  Protocol `json:"protocol" yaml:"protocol"`
	TimeoutMs int      `json:"timeout_ms" yaml:"timeout_ms"`
	MaxFails  int      `json:"max_fails,omitempty" yaml:"max_fails"`
}

// ProxyEndpoint is a registered egress endpoint together with its health.
type ProxyEndpoint struct {
	ID             string        `json:"id"`
	Host           string        `json:"host"`
	Port           int           `json:"port"`
	Username       string        `json:"username,omitempty"`
	Password       string        `json:"-"`
	Protocol       Protocol      `json:"protocol"`
	Timeout        time.Duration `json:"timeout"`
	IsActive       bool          `json:"is_active"`
	FailCount      int           `json:"fail_count"`
	MaxFails       int           `json:"max_fails"`
	LastUsed       time.Time     `json:"last_used"`
	LastProbe      time.Time     `json:"last_probe"`
	LastProbeError string        `json:"last_probe_error,omitempty"`
}

// IsCandidate reports whether the endpoint may be returned by selection.
func (e ProxyEndpoint) IsCandidate() bool {
	return e.IsActive && e.FailCount < e.MaxFails
}

// Addr returns host:port.
func (e ProxyEndpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// WebhookPayload is the JSON body delivered to subscribers.
// Field order is part of the signed wire format.
type WebhookPayload struct {
	Event      string `json:"event"`
	Data       any    `json:"data"`
	Timestamp  string `json:"timestamp"`
	APIVersion string `json:"api_version"`
}

// DeliveryState is the state of a webhook delivery job.
type DeliveryState string

const (
	DeliveryPending    DeliveryState = "pending"
	DeliveryAttempting DeliveryState = "attempting"
	DeliverySucceeded  DeliveryState = "succeeded"
	DeliveryFailed     DeliveryState = "failed"
)

// IsTerminal returns true once no further attempts will be made.
func (s DeliveryState) IsTerminal() bool {
	return s == DeliverySucceeded || s == DeliveryFailed
}

// DeliveryAttempt records a single POST to a subscriber.
type DeliveryAttempt struct {
	Number     int           `json:"number"`
	ProxyID    string        `json:"proxy_id,omitempty"`
	StatusCode int           `json:"status_code,omitempty"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
	StartedAt  time.Time     `json:"started_at"`
}

// Succeeded returns true if the subscriber answered with a 2xx status.
func (a DeliveryAttempt) Succeeded() bool {
	return a.Error == "" && a.StatusCode >= 200 && a.StatusCode < 300
}

// DeliveryResult is the terminal outcome of a webhook delivery job.
type DeliveryResult struct {
	JobID     string            `json:"job_id"`
	Event     string            `json:"event"`
	URL       string            `json:"url"`
	State     DeliveryState     `json:"state"`
	Attempts  []DeliveryAttempt `json:"attempts"`
	Signature string            `json:"signature"`
	Retried   bool              `json:"retried"`
	LastError string            `json:"last_error,omitempty"`
}

// AttemptCount returns the number of attempts made.
func (r DeliveryResult) AttemptCount() int {
	return len(r.Attempts)
}

// RiskLevel is the coarse classification of a risk score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskVeryHigh RiskLevel = "very_high"
)

// CustomerHistory summarizes a customer's prior transactions.
type CustomerHistory struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}

// RiskInput carries the transaction attributes scored by the risk scorer.
type RiskInput struct {
	AmountMinorUnits         int64           `json:"amountMinorUnits"`
	VerificationCodeProvided bool            `json:"verificationCodeProvided"`
	CardBrand                string          `json:"cardBrand"`
	CustomerHistory          CustomerHistory `json:"customerHistory"`
}

// RiskAssessment is the scorer output.
type RiskAssessment struct {
	Score int       `json:"score"`
	Level RiskLevel `json:"level"`
}

// EventKind distinguishes lifecycle events that carry a transaction to score.
type EventKind string

const (
	EventTransaction EventKind = "transaction"
	EventRefund      EventKind = "refund"
)

// LifecycleEvent is a transaction or refund lifecycle change raised outside the core.
type LifecycleEvent struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Kind  EventKind      `json:"kind"`
	Data  map[string]any `json:"data"`
	Risk  *RiskInput     `json:"risk,omitempty"`
	Level RiskLevel      `json:"level,omitempty"`
}
