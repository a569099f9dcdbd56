// Package metrics exposes the engine's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	OrdersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_orders_placed_total",
		Help: "Orders submitted to the broker, by symbol and side.",
	}, []string{"symbol", "side"})

	OrdersRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_orders_rejected_total",
		Help: "Order submissions rejected, by error kind.",
	}, []string{"kind"})

	Fills = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_fills_total",
		Help: "Unique fills processed, by symbol.",
	}, []string{"symbol"})

	RiskVetoes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_risk_vetoes_total",
		Help: "Trade intents vetoed by the risk gate, by reason.",
	}, []string{"reason"})

	RiskViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_risk_violations_total",
		Help: "Loss-limit violations, by limit type.",
	}, []string{"limit"})

	BusDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_bus_subscribers_dropped_total",
		Help: "Event bus subscribers dropped for staleness.",
	})

	BrokerCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "engine_broker_call_seconds",
		Help:    "Broker REST call latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"path"})

	BrokerCallErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_broker_call_errors_total",
		Help: "Broker REST call failures, by path and error kind.",
	}, []string{"path", "kind"})

	StreamReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_stream_reconnects_total",
		Help: "Hub reconnect attempts, by hub.",
	}, []string{"hub"})

	SchedulerQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "engine_scheduler_queue_depth",
		Help: "Tasks waiting in the scheduler, by priority.",
	}, []string{"priority"})

	SchedulerRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engine_scheduler_running_tasks",
		Help: "Tasks currently executing.",
	})

	StrategyCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_strategy_cycles_total",
		Help: "Strategy execution cycles, by strategy and outcome.",
	}, []string{"strategy", "outcome"})

	BarsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_bars_closed_total",
		Help: "Bars closed by the aggregator, by symbol and timeframe.",
	}, []string{"symbol", "timeframe"})
)

// Handler serves the Prometheus exposition endpoint.
func Handler() http.Handler { return promhttp.Handler() }
