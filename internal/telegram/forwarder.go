package telegram

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"dduksanglab/internal/automation/loadbalancer"
	"dduksanglab/internal/metrics"
)

// Forwarder relays raw Telegram updates to n8n webhooks.
type Forwarder struct {
	client   *http.Client
	balancer *loadbalancer.Balancer
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewForwarder builds a Forwarder over the endpoints registered in balancer.
func NewForwarder(balancer *loadbalancer.Balancer, timeout time.Duration, metrics *metrics.Metrics, logger *slog.Logger) *Forwarder {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Forwarder{
		client:   &http.Client{Timeout: timeout},
		balancer: balancer,
		metrics:  metrics,
		logger:   logger.With("component", "n8n_forwarder"),
	}
}

// Forward POSTs body to the first available endpoint. Network errors and
// 5xx responses take the endpoint out of rotation and the next one is
// tried; a 4xx response is returned without failover.
func (f *Forwarder) Forward(ctx context.Context, updateID int, body []byte) error {
	return f.balancer.ExecuteWithFailover(ctx, func(ctx context.Context, svc loadbalancer.Service) error {
		status, err := f.post(ctx, svc.URL, updateID, body)
		f.observe(svc.Name, status, err)
		switch {
		case err != nil:
			return fmt.Errorf("n8n %s: %w", svc.Name, err)
		case status >= http.StatusInternalServerError:
			return fmt.Errorf("n8n %s: status %d", svc.Name, status)
		case status >= http.StatusBadRequest:
			return loadbalancer.Permanent(fmt.Errorf("n8n %s rejected update %d: status %d", svc.Name, updateID, status))
		}
		f.logger.Debug("update forwarded", "update_id", updateID, "endpoint", svc.Name, "status", status)
		return nil
	})
}

func (f *Forwarder) post(ctx context.Context, url string, updateID int, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Telegram-Update-Id", strconv.Itoa(updateID))

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, nil
}

func (f *Forwarder) observe(endpoint string, status int, err error) {
	if f.metrics == nil {
		return
	}
	label := "network_error"
	if err == nil {
		label = strconv.Itoa(status)
	}
	f.metrics.N8NForwards.WithLabelValues(endpoint, label).Inc()
}
