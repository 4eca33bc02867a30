package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/marlonbarreto-git/boom-payment-core/internal/deadletter"
	"github.com/marlonbarreto-git/boom-payment-core/internal/model"
	"github.com/marlonbarreto-git/boom-payment-core/internal/orchestrator"
	"github.com/marlonbarreto-git/boom-payment-core/internal/proxypool"
	"github.com/marlonbarreto-git/boom-payment-core/internal/ratelimit"
	"github.com/marlonbarreto-git/boom-payment-core/internal/risk"
	"github.com/marlonbarreto-git/boom-payment-core/internal/webhook"
)

// Handler holds HTTP handler dependencies.
type Handler struct {
	orch       *orchestrator.Orchestrator
	pool       *proxypool.Pool
	limiter    *ratelimit.Limiter
	deadLetter deadletter.Sink
	logger     *slog.Logger

	// trustForwarded keys clients by X-Forwarded-For instead of the peer
	// address. Only safe behind a proxy that overwrites the header.
	trustForwarded bool
}

// New creates a new Handler. limiter guards inbound event submission per
// client IP and may be nil.
func New(orch *orchestrator.Orchestrator, pool *proxypool.Pool, limiter *ratelimit.Limiter, dl deadletter.Sink) *Handler {
	return &Handler{
		orch:       orch,
		pool:       pool,
		limiter:    limiter,
		deadLetter: dl,
		logger:     slog.Default(),
	}
}

// SetLogger replaces the default logger.
func (h *Handler) SetLogger(l *slog.Logger) {
	if l != nil {
		h.logger = l
	}
}

// SetTrustForwardedFor makes the per-client limiter key on the first
// X-Forwarded-For address. Leave it off unless a trusted reverse proxy
// sets that header.
func (h *Handler) SetTrustForwardedFor(trust bool) {
	h.trustForwarded = trust
}

// RegisterRoutes registers all API routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /proxies", h.ListProxies)
	mux.HandleFunc("POST /proxies/probe", h.ProbeProxies)
	mux.HandleFunc("POST /proxies/{id}/active", h.SetProxyActive)
	mux.HandleFunc("DELETE /proxies/{id}", h.RemoveProxy)
	mux.HandleFunc("POST /risk/score", h.ScoreRisk)
	mux.HandleFunc("POST /webhooks/verify", h.VerifyWebhook)
	mux.HandleFunc("POST /events", h.rateLimited(h.SubmitEvent))
	mux.HandleFunc("GET /events/{id}/deliveries", h.GetEventDeliveries)
	mux.HandleFunc("GET /deliveries/{id}", h.GetDelivery)
	mux.HandleFunc("GET /dead-letters", h.ListDeadLetters)
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status": "ok",
	}
	if h.pool != nil {
		resp["proxies"] = map[string]int{
			"total":      len(h.pool.Endpoints()),
			"candidates": h.pool.CandidateCount(),
		}
	}
	if h.limiter != nil {
		resp["rate_limit_keys"] = len(h.limiter.Keys())
	}
	if h.deadLetter != nil {
		if n, err := h.deadLetter.Len(r.Context()); err == nil {
			resp["dead_letters"] = n
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListProxies handles GET /proxies
func (h *Handler) ListProxies(w http.ResponseWriter, r *http.Request) {
	if h.pool == nil {
		writeError(w, http.StatusNotFound, "proxy pool is not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"proxies": h.pool.Endpoints(),
	})
}

// ProbeProxies handles POST /proxies/probe
func (h *Handler) ProbeProxies(w http.ResponseWriter, r *http.Request) {
	if h.pool == nil {
		writeError(w, http.StatusNotFound, "proxy pool is not configured")
		return
	}
	results := h.pool.RunHealthProbe(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"results":    results,
		"candidates": h.pool.CandidateCount(),
	})
}

type activeRequest struct {
	Active *bool `json:"active"`
}

// SetProxyActive handles POST /proxies/{id}/active
func (h *Handler) SetProxyActive(w http.ResponseWriter, r *http.Request) {
	if h.pool == nil {
		writeError(w, http.StatusNotFound, "proxy pool is not configured")
		return
	}
	var req activeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Active == nil {
		writeError(w, http.StatusBadRequest, "active is required")
		return
	}

	id := r.PathValue("id")
	if err := h.pool.SetActive(id, *req.Active); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	ep, _ := h.pool.Get(id)
	writeJSON(w, http.StatusOK, ep)
}

// RemoveProxy handles DELETE /proxies/{id}
func (h *Handler) RemoveProxy(w http.ResponseWriter, r *http.Request) {
	if h.pool == nil {
		writeError(w, http.StatusNotFound, "proxy pool is not configured")
		return
	}
	if err := h.pool.RemoveEndpoint(r.PathValue("id")); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// scoreRequest accepts either a card brand or a card number to classify.
type scoreRequest struct {
	model.RiskInput
	CardNumber string `json:"cardNumber,omitempty"`
}

// ScoreRisk handles POST /risk/score
func (h *Handler) ScoreRisk(w http.ResponseWriter, r *http.Request) {
	var req scoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.AmountMinorUnits < 0 {
		writeError(w, http.StatusBadRequest, "amountMinorUnits must not be negative")
		return
	}
	if req.CardBrand == "" && req.CardNumber != "" {
		req.CardBrand = risk.DetectBrand(req.CardNumber)
	}

	a := risk.Score(req.RiskInput)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"score":    a.Score,
		"level":    a.Level,
		"decision": risk.Policy(a.Level),
	})
}

type verifyRequest struct {
	Payload   string `json:"payload"`
	Signature string `json:"signature"`
	Secret    string `json:"secret"`
}

// VerifyWebhook handles POST /webhooks/verify
func (h *Handler) VerifyWebhook(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Secret == "" || req.Signature == "" {
		writeError(w, http.StatusBadRequest, "signature and secret are required")
		return
	}

	valid := webhook.Verify([]byte(req.Payload), req.Signature, req.Secret)
	if !valid {
		h.logger.Warn("webhook_signature_rejected", "remote", h.clientIP(r))
	}
	writeJSON(w, http.StatusOK, map[string]bool{"valid": valid})
}

// SubmitEvent handles POST /events
func (h *Handler) SubmitEvent(w http.ResponseWriter, r *http.Request) {
	var ev model.LifecycleEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	out, err := h.orch.HandleEvent(r.Context(), ev)
	if err != nil {
		if errors.Is(err, orchestrator.ErrInvalidEvent) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, out)
}

// GetDelivery handles GET /deliveries/{id}
func (h *Handler) GetDelivery(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	res, ok := h.orch.Delivery(id)
	if !ok {
		writeError(w, http.StatusNotFound, "delivery not found: "+id)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetEventDeliveries handles GET /events/{id}/deliveries
func (h *Handler) GetEventDeliveries(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"event_id":   r.PathValue("id"),
		"deliveries": h.orch.EventDeliveries(r.PathValue("id")),
	})
}

// ListDeadLetters handles GET /dead-letters
func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	if h.deadLetter == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"entries": []deadletter.Entry{}})
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	entries, err := h.deadLetter.List(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

// rateLimited rejects callers over their per-IP budget with 429.
func (h *Handler) rateLimited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.limiter == nil {
			next(w, r)
			return
		}
		err := h.limiter.Acquire(r.Context(), h.clientIP(r), ratelimit.RejectImmediately)
		var rle *ratelimit.RateLimitError
		if errors.As(err, &rle) {
			secs := int(math.Ceil(rle.Wait.Seconds()))
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			h.logger.Warn("inbound_rate_limited", "key", rle.Key, "retry_after", secs)
			writeError(w, http.StatusTooManyRequests, rle.Error())
			return
		}
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		next(w, r)
	}
}

func (h *Handler) clientIP(r *http.Request) string {
	if h.trustForwarded {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	return hostOnly(r.RemoteAddr)
}
