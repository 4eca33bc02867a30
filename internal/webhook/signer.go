package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/marlonbarreto-git/boom-payment-core/internal/config"
	"github.com/marlonbarreto-git/boom-payment-core/internal/model"
)

// Header names set on every delivery.
const (
	SignatureHeader = "X-Webhook-Signature"
	IDHeader        = "X-Webhook-ID"
	EventHeader     = "X-Webhook-Event"
)

// maxVerifyBody bounds how much of an inbound body VerifyRequest reads.
const maxVerifyBody = 1 << 20

var (
	// ErrSignatureMismatch means the secret differs or the body was altered.
	// It is never retried.
	ErrSignatureMismatch = errors.New("webhook signature mismatch")
	// ErrInvalidPayload is returned when event data cannot be encoded as JSON.
	ErrInvalidPayload = errors.New("webhook payload is not serializable")
)

// BuildPayload wraps data in the delivery envelope stamped at now.
func BuildPayload(event string, data any, now time.Time) model.WebhookPayload {
	if data == nil {
		data = map[string]any{}
	}
	return model.WebhookPayload{
		Event:      event,
		Data:       data,
		Timestamp:  now.UTC().Format(time.RFC3339),
		APIVersion: config.WebhookAPIVersion,
	}
}

// Canonical encodes the payload exactly as it is signed and sent: envelope
// fields in declaration order, map keys sorted, no trailing newline.
func Canonical(p model.WebhookPayload) ([]byte, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return b, nil
}

// Sign returns the hex HMAC-SHA256 of body keyed by secret.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the signature of body and compares it with signature in
// constant time. The comparison is on the exact lowercase hex text Sign
// produces, so case or whitespace changes fail.
func Verify(body []byte, signature, secret string) bool {
	return hmac.Equal([]byte(Sign(body, secret)), []byte(signature))
}

// VerifyRequest reads r's body and checks it against the signature header.
// The body is returned so the caller can decode it after verification.
func VerifyRequest(r *http.Request, secret string) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxVerifyBody))
	if err != nil {
		return nil, fmt.Errorf("read webhook body: %w", err)
	}
	if !Verify(body, r.Header.Get(SignatureHeader), secret) {
		return nil, ErrSignatureMismatch
	}
	return body, nil
}
