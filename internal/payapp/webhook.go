package payapp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"dduksanglab/internal/httpx"
	"dduksanglab/internal/metrics"

	"golang.org/x/time/rate"
)

const maxBodyBytes = 64 << 10

var (
	// ErrUnknownOrder is returned by processors when var1 matches no payment.
	ErrUnknownOrder = errors.New("payapp: unknown order")
	// ErrAmountMismatch is returned by processors when price differs from the stored amount.
	ErrAmountMismatch = errors.New("payapp: amount mismatch")
)

// Processor consumes verified PayApp events.
type Processor interface {
	HandlePayAppEvent(ctx context.Context, event Event) error
}

// WebhookConfig holds the seller credentials used to authenticate callbacks.
type WebhookConfig struct {
	SecretKey string
	SellerID  string
	LinkValue string
	// RatePerSecond bounds accepted deliveries; zero disables limiting.
	RatePerSecond float64
}

// WebhookHandler verifies PayApp callback signatures and forwards events.
type WebhookHandler struct {
	logger    *slog.Logger
	metrics   *metrics.Metrics
	cfg       WebhookConfig
	limiter   *rate.Limiter
	processor Processor
}

// NewWebhookHandler creates a new webhook handler.
func NewWebhookHandler(logger *slog.Logger, metrics *metrics.Metrics, cfg WebhookConfig, processor Processor) *WebhookHandler {
	h := &WebhookHandler{
		logger:    logger.With("component", "payapp_webhook"),
		metrics:   metrics,
		cfg:       cfg,
		processor: processor,
	}
	if cfg.RatePerSecond > 0 {
		burst := int(cfg.RatePerSecond) * 2
		if burst < 1 {
			burst = 1
		}
		h.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return h
}

// ServeHTTP satisfies http.Handler.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if httpx.MethodNotAllowed(w, r, http.MethodPost) {
		return
	}
	if h.limiter != nil && !h.limiter.Allow() {
		h.observe("rate_limited")
		httpx.WriteError(w, http.StatusTooManyRequests, "too many requests")
		return
	}
	if h.cfg.SecretKey == "" {
		h.logger.Error("payapp secret key is not configured")
		h.metrics.Errors.WithLabelValues("payapp_webhook_config").Inc()
		httpx.WriteError(w, http.StatusInternalServerError, "webhook not configured")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		h.observe("bad_request")
		httpx.WriteError(w, http.StatusBadRequest, "failed to parse form")
		return
	}
	params := r.PostForm
	if len(params) == 0 {
		params = r.Form
	}

	signature := params.Get(SignatureField)
	if signature == "" {
		signature = r.Header.Get("X-PayApp-Signature")
	}
	if !Verify(params, h.cfg.SecretKey, signature) {
		h.observe("unauthorized")
		h.metrics.Errors.WithLabelValues("payapp_webhook_auth").Inc()
		httpx.WriteError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	event, err := ParseEvent(params)
	if err != nil {
		h.observe("bad_request")
		h.logger.Warn("malformed payapp callback", "error", err)
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if !h.sellerMatches(event) {
		h.observe("forbidden")
		h.logger.Warn("payapp callback for foreign seller account", "userid", event.SellerID, "mul_no", event.MulNo)
		httpx.WriteError(w, http.StatusForbidden, "seller mismatch")
		return
	}

	if h.processor != nil {
		if err := h.processor.HandlePayAppEvent(r.Context(), event); err != nil {
			status := statusForError(err)
			h.observe(outcomeForStatus(status))
			if status >= http.StatusInternalServerError {
				h.logger.Error("failed processing payapp callback", "error", err, "order_id", event.OrderID, "pay_state", event.PayState)
				h.metrics.Errors.WithLabelValues("payapp_webhook_process").Inc()
			} else {
				h.logger.Warn("rejected payapp callback", "error", err, "order_id", event.OrderID, "pay_state", event.PayState)
			}
			httpx.WriteError(w, status, err.Error())
			return
		}
	}

	h.observe("ok")
	// PayApp retries any delivery whose body is not exactly SUCCESS.
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("SUCCESS"))
}

func (h *WebhookHandler) sellerMatches(ev Event) bool {
	if h.cfg.SellerID != "" && !strings.EqualFold(ev.SellerID, h.cfg.SellerID) {
		return false
	}
	if h.cfg.LinkValue != "" && !httpx.SecretEqual(ev.LinkValue, h.cfg.LinkValue) {
		return false
	}
	return true
}

func (h *WebhookHandler) observe(outcome string) {
	h.metrics.WebhookEvents.WithLabelValues("payapp", outcome).Inc()
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, ErrInvalidEvent), errors.Is(err, ErrUnknownPayState), errors.Is(err, ErrAmountMismatch):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnknownOrder):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func outcomeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	default:
		return "error"
	}
}
