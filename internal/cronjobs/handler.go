package cronjobs

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"time"

	"dduksanglab/internal/httpx"
	"dduksanglab/internal/metrics"
)

const defaultJobTimeout = 2 * time.Minute

type runResponse struct {
	Job        string `json:"job"`
	OK         bool   `json:"ok"`
	Result     Result `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// Handler serves GET|POST /api/cron/{job} for external cron triggers.
type Handler struct {
	secret   string
	registry *Registry
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewHandler returns a Handler gated by the bearer secret.
func NewHandler(secret string, registry *Registry, metrics *metrics.Metrics, logger *slog.Logger) *Handler {
	return &Handler{
		secret:   secret,
		registry: registry,
		metrics:  metrics,
		logger:   logger.With("component", "cron_http"),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if httpx.MethodNotAllowed(w, r, http.MethodGet, http.MethodPost) {
		return
	}
	if h.secret == "" {
		h.logger.Error("cron secret is not configured")
		httpx.WriteError(w, http.StatusInternalServerError, "cron not configured")
		return
	}
	if !httpx.SecretEqual(httpx.BearerToken(r), h.secret) {
		httpx.WriteError(w, http.StatusUnauthorized, "invalid cron token")
		return
	}

	name := r.PathValue("job")
	if name == "" {
		name = path.Base(r.URL.Path)
	}
	job, err := h.registry.Get(name)
	if err != nil {
		httpx.WriteError(w, http.StatusNotFound, err.Error())
		return
	}

	timeout := job.Timeout
	if timeout <= 0 {
		timeout = defaultJobTimeout
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	start := time.Now()
	result, err := job.Run(ctx)
	took := time.Since(start)
	resp := runResponse{Job: job.Name, OK: err == nil, Result: result, DurationMS: took.Milliseconds()}

	if err != nil {
		h.observe(job.Name, "error", took)
		h.logger.Error("cron job failed", "job", job.Name, "error", err, "took", took)
		if errors.Is(err, context.DeadlineExceeded) {
			resp.Error = "job timed out"
		} else {
			resp.Error = err.Error()
		}
		httpx.WriteJSON(w, http.StatusInternalServerError, resp)
		return
	}

	h.observe(job.Name, "ok", took)
	h.logger.Info("cron job finished", "job", job.Name, "took", took)
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) observe(job, status string, took time.Duration) {
	if h.metrics == nil {
		return
	}
	h.metrics.CronRuns.WithLabelValues(job, status).Inc()
	h.metrics.CronLatency.WithLabelValues(job).Observe(took.Seconds())
}
