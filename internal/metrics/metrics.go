// Package metrics exposes the platform's Prometheus instrumentation.
// One Metrics value is shared across processes' components; the HTTP
// handler serves it at /metrics.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ultrazend/ultrazend/internal/pkg/logger"
	"github.com/ultrazend/ultrazend/internal/queue"
)

// Metrics holds every collector the platform registers.
type Metrics struct {
	registry *prometheus.Registry

	EmailsSubmitted   *prometheus.CounterVec // outcome: accepted|rejected
	EmailsByState     *prometheus.CounterVec // state transitions
	DeliveryAttempts  *prometheus.CounterVec // classification
	DeliveryDuration  prometheus.Histogram
	QueueDepth        *prometheus.GaugeVec   // queue name
	WebhookDeliveries *prometheus.CounterVec // outcome: delivered|retried|failed
	SMTPSessions      *prometheus.CounterVec // listener: mx|submission
	RateLimitDenials  *prometheus.CounterVec // scope
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		EmailsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ultrazend_emails_submitted_total",
			Help: "Email submissions by outcome",
		}, []string{"outcome"}),
		EmailsByState: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ultrazend_email_state_transitions_total",
			Help: "Email state machine transitions",
		}, []string{"state"}),
		DeliveryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ultrazend_delivery_attempts_total",
			Help: "SMTP delivery attempts by classification",
		}, []string{"classification"}),
		DeliveryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ultrazend_delivery_duration_seconds",
			Help:    "Remote SMTP conversation duration",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ultrazend_queue_depth",
			Help: "Runnable items per queue",
		}, []string{"queue"}),
		WebhookDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ultrazend_webhook_deliveries_total",
			Help: "Webhook delivery outcomes",
		}, []string{"outcome"}),
		SMTPSessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ultrazend_smtp_sessions_total",
			Help: "Inbound SMTP sessions per listener",
		}, []string{"listener"}),
		RateLimitDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ultrazend_rate_limit_denials_total",
			Help: "Rate limit denials by scope",
		}, []string{"scope"}),
	}
	m.registry.MustRegister(
		m.EmailsSubmitted, m.EmailsByState, m.DeliveryAttempts,
		m.DeliveryDuration, m.QueueDepth, m.WebhookDeliveries,
		m.SMTPSessions, m.RateLimitDenials,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// WatchQueueDepth polls queue depths on the given interval until ctx is
// cancelled.
func (m *Metrics) WatchQueueDepth(ctx context.Context, q *queue.Queue, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, name := range []string{queue.QueueDelivery, queue.QueueWebhook} {
				depth, err := q.Depth(ctx, name)
				if err != nil {
					if ctx.Err() == nil {
						logger.Error("queue depth poll failed", "queue", name, "error", err.Error())
					}
					continue
				}
				m.QueueDepth.WithLabelValues(name).Set(float64(depth))
			}
		}
	}
}
