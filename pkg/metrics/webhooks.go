package metrics

import "github.com/prometheus/client_golang/prometheus"

// WebhookMetrics counts inbound provider webhooks by outcome.
type WebhookMetrics struct {
	inbound *prometheus.CounterVec
}

func NewWebhookMetrics(reg prometheus.Registerer) *WebhookMetrics {
	if reg == nil {
		return &WebhookMetrics{}
	}
	inbound := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_inbound_total",
		Help: "Inbound webhooks by provider and outcome.",
	}, []string{"provider", "outcome"})
	reg.MustRegister(inbound)
	return &WebhookMetrics{inbound: inbound}
}

// IncInbound counts one inbound webhook.
func (m *WebhookMetrics) IncInbound(provider, outcome string) {
	if m == nil || m.inbound == nil {
		return
	}
	m.inbound.WithLabelValues(normalizeLabel(provider), normalizeLabel(outcome)).Inc()
}
