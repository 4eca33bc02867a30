package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/marlonbarreto-git/boom-payment-core/internal/clock"
	"github.com/marlonbarreto-git/boom-payment-core/internal/deadletter"
	"github.com/marlonbarreto-git/boom-payment-core/internal/model"
	"github.com/marlonbarreto-git/boom-payment-core/internal/orchestrator"
	"github.com/marlonbarreto-git/boom-payment-core/internal/proxypool"
	"github.com/marlonbarreto-git/boom-payment-core/internal/ratelimit"
	"github.com/marlonbarreto-git/boom-payment-core/internal/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	h    *Handler
	mux  *http.ServeMux
	orch *orchestrator.Orchestrator
	pool *proxypool.Pool
	dl   *deadletter.MemorySink
}

func setupTestServer(t *testing.T, subscribers []orchestrator.Subscriber, inboundMax int) *testServer {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	pool := proxypool.NewPool(proxypool.Options{Clock: clk, Logger: logger})
	require.NoError(t, pool.Load([]model.EndpointConfig{
		{ID: "edge-1", Host: "10.0.0.1", Port: 3128, Username: "u", Password: "secret-pw"},
		{ID: "edge-2", Host: "10.0.0.2", Port: 1080, Protocol: model.ProtocolSOCKS5},
	}))

	dl := deadletter.NewMemorySink()
	d, err := webhook.NewDispatcher(webhook.Options{
		Clock:       clk,
		Logger:      logger,
		DeadLetter:  dl,
		MaxAttempts: 2,
	})
	require.NoError(t, err)
	orch := orchestrator.New(d, subscribers)

	var limiter *ratelimit.Limiter
	if inboundMax > 0 {
		limiter, err = ratelimit.NewLimiterWithConfig(inboundMax, time.Minute, clk)
		require.NoError(t, err)
	}

	h := New(orch, pool, limiter, dl)
	h.SetLogger(logger)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return &testServer{h: h, mux: mux, orch: orch, pool: pool, dl: dl}
}

func (s *testServer) do(method, path, body string) *httptest.ResponseRecorder {
	var rdr io.Reader
	if body != "" {
		rdr = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	s := setupTestServer(t, nil, 10)

	w := s.do("GET", "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	body := decode(t, w)
	assert.Equal(t, "ok", body["status"])
	proxies := body["proxies"].(map[string]any)
	assert.Equal(t, float64(2), proxies["total"])
	assert.Equal(t, float64(2), proxies["candidates"])
	assert.Equal(t, float64(0), body["dead_letters"])
}

func TestListProxies_HidesPasswords(t *testing.T) {
	s := setupTestServer(t, nil, 0)

	w := s.do("GET", "/proxies", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "secret-pw")

	var body struct {
		Proxies []model.ProxyEndpoint `json:"proxies"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Proxies, 2)
	assert.Equal(t, "edge-1", body.Proxies[0].ID)
	assert.Equal(t, model.ProtocolSOCKS5, body.Proxies[1].Protocol)
}

func TestSetProxyActive(t *testing.T) {
	s := setupTestServer(t, nil, 0)

	w := s.do("POST", "/proxies/edge-1/active", `{"active":false}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, s.pool.CandidateCount())

	var ep model.ProxyEndpoint
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ep))
	assert.False(t, ep.IsActive)

	w = s.do("POST", "/proxies/edge-1/active", `{"active":true}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, s.pool.CandidateCount())
}

func TestSetProxyActive_Errors(t *testing.T) {
	s := setupTestServer(t, nil, 0)

	tests := []struct {
		name     string
		path     string
		body     string
		expected int
	}{
		{"missing active", "/proxies/edge-1/active", `{}`, http.StatusBadRequest},
		{"bad json", "/proxies/edge-1/active", `{bad`, http.StatusBadRequest},
		{"unknown endpoint", "/proxies/nope/active", `{"active":true}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do("POST", tt.path, tt.body)
			assert.Equal(t, tt.expected, w.Code)
		})
	}
}

func TestRemoveProxy(t *testing.T) {
	s := setupTestServer(t, nil, 0)

	w := s.do("DELETE", "/proxies/edge-2", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Len(t, s.pool.Endpoints(), 1)

	w = s.do("DELETE", "/proxies/edge-2", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestProbeProxies(t *testing.T) {
	s := setupTestServer(t, nil, 0)
	s.pool.SetProbeFunc(func(_ context.Context, ep model.ProxyEndpoint) error {
		if ep.ID == "edge-2" {
			return errors.New("connection refused")
		}
		return nil
	})

	w := s.do("POST", "/proxies/probe", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Results    []proxypool.ProbeResult `json:"results"`
		Candidates int                     `json:"candidates"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Results, 2)
	assert.Equal(t, 2, body.Candidates)

	ep, _ := s.pool.Get("edge-2")
	assert.Equal(t, 1, ep.FailCount)
	assert.Equal(t, "connection refused", ep.LastProbeError)
}

func TestScoreRisk(t *testing.T) {
	s := setupTestServer(t, nil, 0)

	tests := []struct {
		name     string
		body     string
		score    float64
		level    string
		decision string
	}{
		{
			name:     "known brand with history",
			body:     `{"amountMinorUnits":5000,"verificationCodeProvided":true,"cardBrand":"visa","customerHistory":{"total":4,"successful":4}}`,
			score:    0,
			level:    "low",
			decision: "approve",
		},
		{
			name:     "brand detected from card number",
			body:     `{"amountMinorUnits":5000,"verificationCodeProvided":true,"cardNumber":"4111 1111 1111 1111","customerHistory":{"total":4,"successful":4}}`,
			score:    0,
			level:    "low",
			decision: "approve",
		},
		{
			name:     "everything risky",
			body:     `{"amountMinorUnits":100000,"verificationCodeProvided":false,"cardBrand":"unknown"}`,
			score:    90,
			level:    "very_high",
			decision: "hold",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do("POST", "/risk/score", tt.body)
			require.Equal(t, http.StatusOK, w.Code)
			body := decode(t, w)
			assert.Equal(t, tt.score, body["score"])
			assert.Equal(t, tt.level, body["level"])
			assert.Equal(t, tt.decision, body["decision"])
		})
	}
}

func TestScoreRisk_BadRequest(t *testing.T) {
	s := setupTestServer(t, nil, 0)

	assert.Equal(t, http.StatusBadRequest, s.do("POST", "/risk/score", `not json`).Code)
	assert.Equal(t, http.StatusBadRequest, s.do("POST", "/risk/score", `{"amountMinorUnits":-1}`).Code)
}

func TestVerifyWebhook(t *testing.T) {
	s := setupTestServer(t, nil, 0)
	payload := `{"event":"transaction.created","data":{},"timestamp":"2026-04-01T12:00:00Z","api_version":"1.0"}`
	sig := webhook.Sign([]byte(payload), "whsec")

	req, _ := json.Marshal(verifyRequest{Payload: payload, Signature: sig, Secret: "whsec"})
	w := s.do("POST", "/webhooks/verify", string(req))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["valid"])

	req, _ = json.Marshal(verifyRequest{Payload: payload + " ", Signature: sig, Secret: "whsec"})
	w = s.do("POST", "/webhooks/verify", string(req))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["valid"])

	w = s.do("POST", "/webhooks/verify", `{"payload":"x"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubmitEvent_DeliversAndTracks(t *testing.T) {
	sub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := webhook.VerifyRequest(r, "whsec"); err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer sub.Close()

	s := setupTestServer(t, []orchestrator.Subscriber{{URL: sub.URL, Secret: "whsec"}}, 0)

	w := s.do("POST", "/events", `{"id":"evt-42","name":"transaction.created","kind":"transaction","data":{"transaction_id":"tx-1"},"risk":{"amountMinorUnits":20000,"verificationCodeProvided":true,"cardBrand":"mastercard"}}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	var out orchestrator.Outcome
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, "evt-42", out.EventID)
	require.NotNil(t, out.Assessment)
	assert.Equal(t, 25, out.Assessment.Score)
	require.Len(t, out.Deliveries, 1)

	s.orch.Wait()

	w = s.do("GET", "/deliveries/"+out.Deliveries[0], "")
	require.Equal(t, http.StatusOK, w.Code)
	var res model.DeliveryResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, model.DeliverySucceeded, res.State)
	assert.Equal(t, 1, res.AttemptCount())

	w = s.do("GET", "/events/evt-42/deliveries", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["deliveries"], 1)
}

func TestSubmitEvent_FailureIsDeadLettered(t *testing.T) {
	sub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer sub.Close()

	s := setupTestServer(t, []orchestrator.Subscriber{{URL: sub.URL, Secret: "whsec"}}, 0)

	w := s.do("POST", "/events", `{"name":"refund.created","kind":"refund","level":"high"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, true, decode(t, w)["refund_requires_approval"])
	s.orch.Wait()

	w = s.do("GET", "/dead-letters", "")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Entries []deadletter.Entry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Entries, 1)
	assert.Equal(t, model.DeliveryFailed, body.Entries[0].Result.State)
	assert.Equal(t, 2, body.Entries[0].Result.AttemptCount())
}

func TestSubmitEvent_ValidationErrors(t *testing.T) {
	s := setupTestServer(t, nil, 0)

	tests := []struct {
		name string
		body string
	}{
		{"bad json", `{bad`},
		{"missing name", `{"kind":"transaction"}`},
		{"unknown kind", `{"name":"chargeback.opened","kind":"chargeback"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do("POST", "/events", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.NotEmpty(t, decode(t, w)["error"])
		})
	}
}

func (s *testServer) submitFrom(remoteAddr, forwardedFor string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", "/events", bytes.NewBufferString(`{"name":"transaction.created","kind":"transaction"}`))
	req.RemoteAddr = remoteAddr
	if forwardedFor != "" {
		req.Header.Set("X-Forwarded-For", forwardedFor)
	}
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, req)
	return w
}

func TestSubmitEvent_RateLimitedPerClient(t *testing.T) {
	s := setupTestServer(t, nil, 2)

	assert.Equal(t, http.StatusAccepted, s.submitFrom("203.0.113.7:5000", "").Code)
	assert.Equal(t, http.StatusAccepted, s.submitFrom("203.0.113.7:5001", "").Code)

	w := s.submitFrom("203.0.113.7:5002", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusAccepted, s.submitFrom("198.51.100.1:5000", "").Code)
}

func TestSubmitEvent_ForwardedForIgnoredByDefault(t *testing.T) {
	s := setupTestServer(t, nil, 2)

	assert.Equal(t, http.StatusAccepted, s.submitFrom("203.0.113.7:5000", "10.1.1.1").Code)
	assert.Equal(t, http.StatusAccepted, s.submitFrom("203.0.113.7:5000", "10.1.1.2").Code)

	// A fresh header value per request does not buy a fresh budget.
	for _, spoofed := range []string{"10.1.1.3", "10.1.1.4", "10.1.1.5, 10.0.0.1"} {
		w := s.submitFrom("203.0.113.7:5000", spoofed)
		assert.Equal(t, http.StatusTooManyRequests, w.Code, spoofed)
	}
}

func TestSubmitEvent_ForwardedForWhenTrusted(t *testing.T) {
	s := setupTestServer(t, nil, 1)
	s.h.SetTrustForwardedFor(true)

	// Every caller arrives through the same reverse proxy.
	assert.Equal(t, http.StatusAccepted, s.submitFrom("10.0.0.1:443", "203.0.113.7, 10.0.0.1").Code)
	assert.Equal(t, http.StatusTooManyRequests, s.submitFrom("10.0.0.1:443", "203.0.113.7").Code)
	assert.Equal(t, http.StatusAccepted, s.submitFrom("10.0.0.1:443", "198.51.100.1").Code)
}

func TestGetDelivery_NotFound(t *testing.T) {
	s := setupTestServer(t, nil, 0)

	w := s.do("GET", "/deliveries/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListDeadLetters_Limit(t *testing.T) {
	s := setupTestServer(t, nil, 0)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.dl.Push(context.Background(), deadletter.Entry{
			Result: model.DeliveryResult{JobID: id, State: model.DeliveryFailed},
		}))
	}

	w := s.do("GET", "/dead-letters?limit=2", "")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Entries []deadletter.Entry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Entries, 2)
	assert.Equal(t, "c", body.Entries[0].Result.JobID)

	assert.Equal(t, http.StatusBadRequest, s.do("GET", "/dead-letters?limit=zero", "").Code)
}

func TestClientIP(t *testing.T) {
	h := New(nil, nil, nil, nil)
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "192.0.2.10:51234"
	assert.Equal(t, "192.0.2.10", h.clientIP(req))

	req.Header.Set("X-Forwarded-For", " 203.0.113.5 , 10.0.0.1")
	assert.Equal(t, "192.0.2.10", h.clientIP(req))

	h.SetTrustForwardedFor(true)
	assert.Equal(t, "203.0.113.5", h.clientIP(req))

	req.Header.Set("X-Forwarded-For", " , 10.0.0.1")
	assert.Equal(t, "192.0.2.10", h.clientIP(req))

	assert.Equal(t, "not-an-addr", hostOnly("not-an-addr"))
}
