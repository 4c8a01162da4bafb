package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// OutboxMetrics tracks outbound webhook delivery.
type OutboxMetrics struct {
	deliveries *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	backlog    prometheus.Gauge
	depth      *prometheus.GaugeVec
}

// NewOutboxMetrics registers the outbox metrics on the provided registerer.
func NewOutboxMetrics(reg prometheus.Registerer) *OutboxMetrics {
	if reg == nil {
		return &OutboxMetrics{}
	}
	deliveries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_deliveries_total",
		Help: "Outbox delivery attempts by transport and result (sent, retry, failed).",
	}, []string{"transport", "result"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "outbox_delivery_duration_seconds",
		Help:    "Duration of a single outbox delivery attempt.",
		Buckets: prometheus.DefBuckets,
	}, []string{"transport"})
	backlog := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "outbox_batch_size",
		Help: "Rows claimed by the most recent dispatch batch.",
	})
	depth := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "outbox_rows",
		Help: "Outbox rows by delivery status.",
	}, []string{"status"})
	reg.MustRegister(deliveries, duration, backlog, depth)
	return &OutboxMetrics{deliveries: deliveries, duration: duration, backlog: backlog, depth: depth}
}

// ObserveDelivery records one attempt.
func (m *OutboxMetrics) ObserveDelivery(transport, result string, took time.Duration) {
	if m == nil || m.deliveries == nil {
		return
	}
	transport = normalizeLabel(transport)
	m.deliveries.WithLabelValues(transport, normalizeLabel(result)).Inc()
	m.duration.WithLabelValues(transport).Observe(took.Seconds())
}

// SetBacklog records how many rows the last batch claimed.
func (m *OutboxMetrics) SetBacklog(n int) {
	if m == nil || m.backlog == nil {
		return
	}
	m.backlog.Set(float64(n))
}

// SetQueueDepth records the number of outbox rows in status.
func (m *OutboxMetrics) SetQueueDepth(status string, n int64) {
	if m == nil || m.depth == nil {
		return
	}
	m.depth.WithLabelValues(normalizeLabel(status)).Set(float64(n))
}
