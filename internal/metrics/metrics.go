// Package metrics exposes the grid engine's Prometheus collectors:
//
//	dcabot_reconcile_total{symbol,side,purpose,outcome}  reconcile calls by outcome
//	dcabot_orders_created_total{symbol,side,purpose}     orders submitted
//	dcabot_orders_cancelled_total{symbol,side,purpose}   orders cancelled
//	dcabot_triggers_total{symbol,side,trigger}           triggers routed to a callback
//	dcabot_triggers_dropped_total{symbol,side,reason}    triggers dropped by gating
//	dcabot_mode{symbol,side,mode}                        1 for the active mode
//	dcabot_grid_rungs{symbol,side}                       rungs in the stored grid
//	dcabot_prefetch_leaked_tasks_total                   prefetch tasks still running after timeout
//	dcabot_prefetch_duration_seconds                     prefetch wall time
//
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"dca-grid-bot-go/internal/models"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	reconcile        *prometheus.CounterVec
	ordersCreated    *prometheus.CounterVec
	ordersCancelled  *prometheus.CounterVec
	triggers         *prometheus.CounterVec
	triggersDropped  *prometheus.CounterVec
	mode             *prometheus.GaugeVec
	gridRungs        *prometheus.GaugeVec
	prefetchLeaked   prometheus.Counter
	prefetchDuration prometheus.Histogram
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		reconcile: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dcabot_reconcile_total",
				Help: "Reconcile calls by outcome (unchanged, changed, aborted, error).",
			},
			[]string{"symbol", "side", "purpose", "outcome"},
		),
		ordersCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dcabot_orders_created_total",
				Help: "Orders submitted to the exchange.",
			},
			[]string{"symbol", "side", "purpose"},
		),
		ordersCancelled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dcabot_orders_cancelled_total",
				Help: "Orders cancelled on the exchange.",
			},
			[]string{"symbol", "side", "purpose"},
		),
		triggers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dcabot_triggers_total",
				Help: "Triggers routed to a strategy callback.",
			},
			[]string{"symbol", "side", "trigger"},
		),
		triggersDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dcabot_triggers_dropped_total",
				Help: "Triggers dropped by mode gating, suppression or throttling.",
			},
			[]string{"symbol", "side", "reason"},
		),
		mode: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dcabot_mode",
				Help: "Active mode per symbol and side (1 for the active mode).",
			},
			[]string{"symbol", "side", "mode"},
		),
		gridRungs: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dcabot_grid_rungs",
				Help: "Number of rungs in the stored grid.",
			},
			[]string{"symbol", "side"},
		),
		prefetchLeaked: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dcabot_prefetch_leaked_tasks_total",
				Help: "Candle prefetch tasks still running after the overall timeout.",
			},
		),
		prefetchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dcabot_prefetch_duration_seconds",
				Help:    "Wall time of a candle prefetch round.",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
			},
		),
	}
	if reg != nil {
		reg.MustRegister(m.reconcile, m.ordersCreated, m.ordersCancelled, m.triggers,
			m.triggersDropped, m.mode, m.gridRungs, m.prefetchLeaked, m.prefetchDuration)
	}
	return m
}

func (m *Metrics) Reconciled(symbol string, side models.PositionSide, purpose models.OrderPurpose, outcome string) {
	if m == nil {
		return
	}
	m.reconcile.WithLabelValues(symbol, string(side), string(purpose), outcome).Inc()
}

func (m *Metrics) OrdersCreated(symbol string, side models.PositionSide, purpose models.OrderPurpose, n int) {
	if m == nil || n == 0 {
		return
	}
	m.ordersCreated.WithLabelValues(symbol, string(side), string(purpose)).Add(float64(n))
}

func (m *Metrics) OrdersCancelled(symbol string, side models.PositionSide, purpose models.OrderPurpose, n int) {
	if m == nil || n == 0 {
		return
	}
	m.ordersCancelled.WithLabelValues(symbol, string(side), string(purpose)).Add(float64(n))
}

func (m *Metrics) TriggerDispatched(symbol string, side models.PositionSide, t models.Trigger) {
	if m == nil {
		return
	}
	m.triggers.WithLabelValues(symbol, string(side), string(t)).Inc()
}

func (m *Metrics) TriggersDropped(symbol string, side models.PositionSide, reason string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.triggersDropped.WithLabelValues(symbol, string(side), reason).Add(float64(n))
}

// SetMode flips the mode gauge so exactly one series is 1 per key.
func (m *Metrics) SetMode(symbol string, side models.PositionSide, mode models.Mode) {
	if m == nil {
		return
	}
	for _, md := range models.AllModes {
		v := 0.0
		if md == mode {
			v = 1
		}
		m.mode.WithLabelValues(symbol, string(side), string(md)).Set(v)
	}
}

func (m *Metrics) GridRungs(symbol string, side models.PositionSide, n int) {
	if m == nil {
		return
	}
	m.gridRungs.WithLabelValues(symbol, string(side)).Set(float64(n))
}

func (m *Metrics) PrefetchLeaked(n int) {
	if m == nil || n == 0 {
		return
	}
	m.prefetchLeaked.Add(float64(n))
}

func (m *Metrics) PrefetchDuration(seconds float64) {
	if m == nil {
		return
	}
	m.prefetchDuration.Observe(seconds)
}
