// Package telemetry defines the engine's Prometheus instrument set.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every instrument the engine reports. It is constructed once
// at bootstrap against an injected registry and passed explicitly to the
// components that record into it.
type Metrics struct {
	OrdersExecuted *prometheus.CounterVec // symbol, side
	OrdersFailed   *prometheus.CounterVec // symbol, kind
	RiskBlocked    *prometheus.CounterVec // symbol, reason
	ExitsTriggered *prometheus.CounterVec // symbol, reason
	DMSTriggered   prometheus.Counter

	BusPublished     *prometheus.CounterVec // topic
	BusDropOldest    *prometheus.CounterVec // topic
	BusDLQ           *prometheus.CounterVec // topic, cause
	BusHandlerErrors *prometheus.CounterVec // handler

	LoopTicks   *prometheus.CounterVec   // symbol, loop
	LoopSkipped *prometheus.CounterVec   // symbol, loop
	LoopLatency *prometheus.HistogramVec // symbol, loop (ms)
	BrokerCalls *prometheus.CounterVec   // op, outcome
	BrokerMs    *prometheus.HistogramVec // op

	PositionBase     *prometheus.GaugeVec // symbol
	RealizedPnLToday *prometheus.GaugeVec // symbol
	SLAErrorRate     prometheus.Gauge
	SLALatencyMs     prometheus.Gauge
	Paused           *prometheus.GaugeVec // symbol

	IdempotencyDuplicates prometheus.Counter
	ReconcileMismatches   *prometheus.CounterVec // symbol
}

// NewMetrics registers the full instrument set on reg.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		OrdersExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_orders_executed_total",
			Help: "Orders successfully executed at the broker",
		}, []string{"symbol", "side"}),
		OrdersFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_orders_failed_total",
			Help: "Order attempts that failed after retries",
		}, []string{"symbol", "kind"}),
		RiskBlocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_risk_blocked_total",
			Help: "Decisions rejected by the risk pipeline",
		}, []string{"symbol", "reason"}),
		ExitsTriggered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_protective_exits_total",
			Help: "Protective exits triggered",
		}, []string{"symbol", "reason"}),
		DMSTriggered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_dms_triggered_total",
			Help: "Dead-man's-switch activations",
		}),
		BusPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bus_published_total",
			Help: "Events accepted by the bus",
		}, []string{"topic"}),
		BusDropOldest: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bus_drop_oldest_total",
			Help: "Events evicted by the drop-oldest backpressure policy",
		}, []string{"topic"}),
		BusDLQ: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bus_dlq_total",
			Help: "Events routed to the dead-letter queue",
		}, []string{"topic", "cause"}),
		BusHandlerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bus_handler_errors_total",
			Help: "Handler invocations that returned an error",
		}, []string{"handler"}),
		LoopTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_loop_ticks_total",
			Help: "Completed loop iterations",
		}, []string{"symbol", "loop"}),
		LoopSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_loop_skipped_total",
			Help: "Loop iterations skipped by the single-flight guard",
		}, []string{"symbol", "loop"}),
		LoopLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "engine_loop_latency_ms",
			Help:    "Duration of loop work functions",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}, []string{"symbol", "loop"}),
		BrokerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_calls_total",
			Help: "Broker port invocations",
		}, []string{"op", "outcome"}),
		BrokerMs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "broker_call_ms",
			Help:    "Broker call latency",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}, []string{"op"}),
		PositionBase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "engine_position_base",
			Help: "Current base quantity held",
		}, []string{"symbol"}),
		RealizedPnLToday: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "engine_realized_pnl_today",
			Help: "Realized PnL for the current UTC day",
		}, []string{"symbol"}),
		SLAErrorRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_sla_error_rate_5m",
			Help: "Rolling 5-minute error rate",
		}),
		SLALatencyMs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_sla_avg_latency_ms_5m",
			Help: "Rolling 5-minute average latency",
		}),
		Paused: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "engine_paused",
			Help: "Per-symbol pause flag (1=paused)",
		}, []string{"symbol"}),
		IdempotencyDuplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_idempotency_duplicates_total",
			Help: "Executions collapsed onto a committed result",
		}),
		ReconcileMismatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_reconcile_position_mismatch_total",
			Help: "Position divergences beyond epsilon",
		}, []string{"symbol"}),
	}

	reg.MustRegister(
		m.OrdersExecuted, m.OrdersFailed, m.RiskBlocked, m.ExitsTriggered,
		m.DMSTriggered, m.BusPublished, m.BusDropOldest, m.BusDLQ,
		m.BusHandlerErrors, m.LoopTicks, m.LoopSkipped, m.LoopLatency,
		m.BrokerCalls, m.BrokerMs, m.PositionBase, m.RealizedPnLToday,
		m.SLAErrorRate, m.SLALatencyMs, m.Paused, m.IdempotencyDuplicates,
		m.ReconcileMismatches,
	)
	return m
}

// NewTestMetrics returns an instrument set on a throwaway registry.
func NewTestMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
