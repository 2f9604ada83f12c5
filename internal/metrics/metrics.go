// Package metrics exposes Prometheus collectors for payment processing,
// group fulfillment and the expiration sweep. A nil *Metrics is valid and
// records nothing.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "payment_bot"

type Metrics struct {
	notifications  *prometheus.CounterVec
	payments       *prometheus.CounterVec
	grants         *prometheus.CounterVec
	revokes        *prometheus.CounterVec
	reminders      *prometheus.CounterVec
	sweeps         *prometheus.CounterVec
	sweepDuration  prometheus.Histogram
	rateLimitWaits prometheus.Counter
}

// MustNewMetrics registers the collectors with reg. Collectors already
// registered under the same name are reused.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "notifications_total",
			Help:      "Gateway notifications received, by outcome.",
		}, []string{"outcome"}),
		payments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payments",
			Name:      "processed_total",
			Help:      "Payment references processed, by outcome.",
		}, []string{"outcome"}),
		grants: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fulfillment",
			Name:      "grants_total",
			Help:      "Per-group access grants, by outcome.",
		}, []string{"outcome"}),
		revokes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fulfillment",
			Name:      "revokes_total",
			Help:      "Per-group access revocations, by outcome.",
		}, []string{"outcome"}),
		reminders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "reminders_total",
			Help:      "Renewal reminders, by outcome.",
		}, []string{"outcome"}),
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "runs_total",
			Help:      "Sweep runs, by outcome.",
		}, []string{"outcome"}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "run_duration_seconds",
			Help:      "Duration of a full sweep.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		rateLimitWaits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fulfillment",
			Name:      "rate_limit_waits_total",
			Help:      "Times the platform asked the bot to back off.",
		}),
	}

	m.notifications = register(reg, m.notifications)
	m.payments = register(reg, m.payments)
	m.grants = register(reg, m.grants)
	m.revokes = register(reg, m.revokes)
	m.reminders = register(reg, m.reminders)
	m.sweeps = register(reg, m.sweeps)
	m.sweepDuration = register(reg, m.sweepDuration)
	m.rateLimitWaits = register(reg, m.rateLimitWaits)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func (m *Metrics) Notification(outcome string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Payment(outcome string) {
	if m == nil {
		return
	}
	m.payments.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Grant(outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.grants.WithLabelValues(outcome).Add(float64(n))
}

func (m *Metrics) Revoke(outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.revokes.WithLabelValues(outcome).Add(float64(n))
}

func (m *Metrics) Reminder(outcome string) {
	if m == nil {
		return
	}
	m.reminders.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Sweep(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.sweeps.WithLabelValues(outcome).Inc()
	m.sweepDuration.Observe(d.Seconds())
}

func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimitWaits.Inc()
}
