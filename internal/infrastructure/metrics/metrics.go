// Package metrics exposes the bot's Prometheus collectors. A nil *Metrics is
// valid and records nothing, so components can run without a registry.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "tema_bot"

type Metrics struct {
	streamEvents     *prometheus.CounterVec
	streamReconnects prometheus.Counter
	blacklisted      prometheus.Gauge
	signals          *prometheus.CounterVec
	tradesOpened     prometheus.Counter
	tradeFailures    *prometheus.CounterVec
	reconcileErrors  prometheus.Counter
	openPositions    prometheus.Gauge
	cycleDuration    prometheus.Histogram
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		streamEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "stream_events_total",
			Help: "Decoded market stream events by channel.",
		}, []string{"channel"}),
		streamReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "stream_reconnects_total",
			Help: "Market stream connection restarts.",
		}),
		blacklisted: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "stream_blacklisted_symbols",
			Help: "Symbols rejected by the venue during subscription.",
		}),
		signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "signals_total",
			Help: "Evaluated signals by outcome.",
		}, []string{"signal"}),
		tradesOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "trades_opened_total",
			Help: "Trades opened by the lifecycle manager.",
		}),
		tradeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "trade_failures_total",
			Help: "Failed lifecycle steps by stage.",
		}, []string{"stage"}),
		reconcileErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "reconcile_errors_total",
			Help: "Failed position reconciliation ticks.",
		}),
		openPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "open_positions",
			Help: "Venue positions seen by the last reconciliation.",
		}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "evaluation_cycle_seconds",
			Help:    "Duration of one evaluate-all-symbols cycle.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(
		m.streamEvents, m.streamReconnects, m.blacklisted, m.signals,
		m.tradesOpened, m.tradeFailures, m.reconcileErrors, m.openPositions, m.cycleDuration,
	)
	return m
}

func (m *Metrics) StreamEvent(channel string) {
	if m == nil {
		return
	}
	m.streamEvents.WithLabelValues(channel).Inc()
}

func (m *Metrics) StreamReconnect() {
	if m == nil {
		return
	}
	m.streamReconnects.Inc()
}

func (m *Metrics) SetBlacklisted(n int) {
	if m == nil {
		return
	}
	m.blacklisted.Set(float64(n))
}

func (m *Metrics) Signal(signal string) {
	if m == nil {
		return
	}
	m.signals.WithLabelValues(signal).Inc()
}

func (m *Metrics) TradeOpened() {
	if m == nil {
		return
	}
	m.tradesOpened.Inc()
}

func (m *Metrics) TradeFailure(stage string) {
	if m == nil {
		return
	}
	m.tradeFailures.WithLabelValues(stage).Inc()
}

func (m *Metrics) ReconcileError() {
	if m == nil {
		return
	}
	m.reconcileErrors.Inc()
}

func (m *Metrics) SetOpenPositions(n int) {
	if m == nil {
		return
	}
	m.openPositions.Set(float64(n))
}

func (m *Metrics) ObserveCycle(seconds float64) {
	if m == nil {
		return
	}
	m.cycleDuration.Observe(seconds)
}
