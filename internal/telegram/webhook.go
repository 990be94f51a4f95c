package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"dduksanglab/internal/automation/loadbalancer"
	"dduksanglab/internal/httpx"
	"dduksanglab/internal/metrics"

	tele "gopkg.in/telebot.v4"
)

// SecretHeader carries the secret_token registered with setWebhook.
const SecretHeader = "X-Telegram-Bot-Api-Secret-Token"

const maxUpdateBytes = 1 << 20

// UpdateForwarder delivers a raw update downstream.
type UpdateForwarder interface {
	Forward(ctx context.Context, updateID int, body []byte) error
}

// WebhookHandler accepts Telegram webhook deliveries and hands them to n8n.
type WebhookHandler struct {
	secret    string
	forwarder UpdateForwarder
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewWebhookHandler creates the handler. An empty secret rejects every request.
func NewWebhookHandler(secret string, forwarder UpdateForwarder, metrics *metrics.Metrics, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		secret:    secret,
		forwarder: forwarder,
		metrics:   metrics,
		logger:    logger.With("component", "telegram_webhook"),
	}
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if httpx.MethodNotAllowed(w, r, http.MethodPost) {
		return
	}
	if h.secret == "" {
		h.logger.Error("telegram webhook secret is not configured")
		h.observe("misconfigured")
		httpx.WriteError(w, http.StatusInternalServerError, "webhook not configured")
		return
	}
	if !httpx.SecretEqual(r.Header.Get(SecretHeader), h.secret) {
		h.observe("unauthorized")
		httpx.WriteError(w, http.StatusUnauthorized, "invalid secret token")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUpdateBytes))
	if err != nil {
		h.observe("bad_request")
		httpx.WriteError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	var update tele.Update
	if err := json.Unmarshal(body, &update); err != nil {
		h.observe("bad_request")
		httpx.WriteError(w, http.StatusBadRequest, "invalid update payload")
		return
	}

	kind, chatID := describe(update)
	if err := h.forwarder.Forward(r.Context(), update.ID, body); err != nil {
		h.observe("error")
		h.metrics.Errors.WithLabelValues("telegram_forward").Inc()
		if errors.Is(err, loadbalancer.ErrNoServiceAvailable) {
			h.logger.Error("no n8n endpoint available", "update_id", update.ID, "error", err)
		} else {
			h.logger.Error("failed forwarding telegram update", "update_id", update.ID, "kind", kind, "error", err)
		}
		httpx.WriteError(w, http.StatusInternalServerError, "failed to forward update")
		return
	}

	h.observe("ok")
	h.logger.Info("telegram update forwarded", "update_id", update.ID, "kind", kind, "chat_id", chatID)
	httpx.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *WebhookHandler) observe(outcome string) {
	if h.metrics != nil {
		h.metrics.WebhookEvents.WithLabelValues("telegram", outcome).Inc()
	}
}

// describe names the update type and the chat it belongs to, for logs.
func describe(u tele.Update) (string, int64) {
	switch {
	case u.Message != nil:
		return "message", chatOf(u.Message)
	case u.EditedMessage != nil:
		return "edited_message", chatOf(u.EditedMessage)
	case u.Callback != nil:
		if u.Callback.Message != nil {
			return "callback", chatOf(u.Callback.Message)
		}
		return "callback", 0
	case u.ChannelPost != nil:
		return "channel_post", chatOf(u.ChannelPost)
	default:
		return "other", 0
	}
}

func chatOf(m *tele.Message) int64 {
	if m.Chat == nil {
		return 0
	}
	return m.Chat.ID
}
