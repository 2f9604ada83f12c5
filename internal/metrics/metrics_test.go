package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := MustNewMetrics(reg)

	m.Payment("activated")
	m.Payment("activated")
	m.Grant("delivered", 3)
	m.Revoke("skipped", 0)
	m.Sweep("ok", time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.payments.WithLabelValues("activated")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.grants.WithLabelValues("delivered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sweeps.WithLabelValues("ok")))
}

func TestMetricsReuseRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := MustNewMetrics(reg)
	b := MustNewMetrics(reg)

	a.Notification("payment")
	b.Notification("payment")
	assert.Equal(t, 2.0, testutil.ToFloat64(b.notifications.WithLabelValues("payment")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Payment("x")
		m.Grant("x", 1)
		m.Sweep("x", time.Second)
		m.RateLimited()
	})
}
