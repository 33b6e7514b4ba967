package metrics

import (
	"dca-grid-bot-go/internal/models"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Reconciled("BTCUSDT", models.Long, models.PurposeDCA, "changed")
	m.OrdersCreated("BTCUSDT", models.Long, models.PurposeDCA, 3)
	m.OrdersCancelled("BTCUSDT", models.Long, models.PurposeDCA, 0)
	m.PrefetchLeaked(2)
	m.SetMode("BTCUSDT", models.Long, models.ModeManual)
	m.SetMode("BTCUSDT", models.Long, models.ModeNormal)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.reconcile.WithLabelValues("BTCUSDT", "LONG", "DCA", "changed")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ordersCreated.WithLabelValues("BTCUSDT", "LONG", "DCA")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.prefetchLeaked))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.mode.WithLabelValues("BTCUSDT", "LONG", "NORMAL")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.mode.WithLabelValues("BTCUSDT", "LONG", "MANUAL")))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Reconciled("X", models.Short, models.PurposeTP, "aborted")
		m.TriggerDispatched("X", models.Short, models.TriggerPulse)
		m.SetMode("X", models.Short, models.ModePanic)
		m.PrefetchDuration(1)
	})
}
