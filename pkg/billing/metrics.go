package billing

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus collectors.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	ReconcileTotal    *prometheus.CounterVec
	SweepRecords      *prometheus.CounterVec
	SweepDuration     prometheus.Histogram
	WebhookEvents     *prometheus.CounterVec
	ProvisioningTotal *prometheus.CounterVec
	UsageIncrements   *prometheus.CounterVec
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		// ReconcileTotal counts reconciliations by trigger and outcome.
		ReconcileTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reviewradar",
			Subsystem: "billing",
			Name:      "reconcile_total",
			Help:      "Subscription reconciliations by trigger and outcome.",
		}, []string{"trigger", "outcome"}),
		SweepRecords: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reviewradar",
			Subsystem: "billing",
			Name:      "sweep_records_total",
			Help:      "Records visited by the sweep by result.",
		}, []string{"result"}),
		SweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "reviewradar",
			Subsystem: "billing",
			Name:      "sweep_duration_seconds",
			Help:      "Sweep duration in seconds.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		WebhookEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reviewradar",
			Subsystem: "billing",
			Name:      "webhook_events_total",
			Help:      "Processor webhook events by type and result.",
		}, []string{"event_type", "result"}),
		ProvisioningTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reviewradar",
			Subsystem: "billing",
			Name:      "provisioning_total",
			Help:      "Checkout provisioning attempts by outcome.",
		}, []string{"outcome"}),
		UsageIncrements: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reviewradar",
			Subsystem: "billing",
			Name:      "usage_increments_total",
			Help:      "Usage counter increments by action type and result.",
		}, []string{"action_type", "result"}),
	}
}

func (m *Metrics) reconciled(trigger Trigger, outcome string) {
	if m == nil {
		return
	}
	m.ReconcileTotal.WithLabelValues(string(trigger), outcome).Inc()
}

func (m *Metrics) swept(result string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.SweepRecords.WithLabelValues(result).Add(float64(n))
}

func (m *Metrics) sweepTook(seconds float64) {
	if m == nil {
		return
	}
	m.SweepDuration.Observe(seconds)
}

func (m *Metrics) provisioned(outcome string) {
	if m == nil {
		return
	}
	m.ProvisioningTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) incremented(action ActionType, result string) {
	if m == nil {
		return
	}
	m.UsageIncrements.WithLabelValues(string(action), result).Inc()
}

// WebhookEvent records a webhook delivery outcome.
func (m *Metrics) WebhookEvent(eventType, result string) {
	if m == nil {
		return
	}
	m.WebhookEvents.WithLabelValues(eventType, result).Inc()
}
