package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics stores Prometheus collectors used across the service.
type Metrics struct {
	HTTPRequests       *prometheus.CounterVec
	WebhookEvents      *prometheus.CounterVec
	PaymentTransitions *prometheus.CounterVec
	CronRuns           *prometheus.CounterVec
	CronLatency        *prometheus.HistogramVec
	HealthStatus       *prometheus.GaugeVec
	N8NForwards        *prometheus.CounterVec
	PointsAwarded      *prometheus.CounterVec
	Errors             *prometheus.CounterVec
}

var (
	regOnce         sync.Once
	metricsInstance *Metrics
)

// Registry builds and registers the metrics singleton with optional namespace.
func Registry(namespace string) *Metrics {
	regOnce.Do(func() {
		metricsInstance = &Metrics{
			HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests by route and status code.",
			}, []string{"route", "code"}),
			WebhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_events_total",
				Help:      "Webhook deliveries by source and outcome.",
			}, []string{"source", "outcome"}),
			PaymentTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "payment_transitions_total",
				Help:      "Payment status transitions applied or rejected.",
			}, []string{"from", "to", "result"}),
			CronRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cron_runs_total",
				Help:      "Scheduled job executions by job and status.",
			}, []string{"job", "status"}),
			CronLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cron_run_duration_seconds",
				Help:      "Latency distribution for scheduled jobs.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"job"}),
			HealthStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "health_target_up",
				Help:      "1 when the health target passed its last check, 0 otherwise.",
			}, []string{"target"}),
			N8NForwards: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "n8n_forwards_total",
				Help:      "Telegram updates forwarded to n8n by endpoint and status.",
			}, []string{"endpoint", "status"}),
			PointsAwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "points_awarded_total",
				Help:      "Gamification points awarded by reason.",
			}, []string{"reason"}),
			Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total errors grouped by component.",
			}, []string{"component"}),
		}

		prometheus.MustRegister(
			metricsInstance.HTTPRequests,
			metricsInstance.WebhookEvents,
			metricsInstance.PaymentTransitions,
			metricsInstance.CronRuns,
			metricsInstance.CronLatency,
			metricsInstance.HealthStatus,
			metricsInstance.N8NForwards,
			metricsInstance.PointsAwarded,
			metricsInstance.Errors,
		)
	})
	return metricsInstance
}
