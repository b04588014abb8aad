package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every gateway Prometheus series.
type Metrics struct {
	registry *prometheus.Registry

	// Connections tracks live sockets by peer mode (client|node|channel).
	Connections *prometheus.GaugeVec

	// FramesTotal counts processed frames by direction and kind.
	FramesTotal *prometheus.CounterVec

	// RPCTotal counts RPC dispatches by method and outcome.
	RPCTotal *prometheus.CounterVec

	// ToolCallsTotal counts tool dispatches by route and outcome.
	ToolCallsTotal *prometheus.CounterVec

	// ToolCallDuration measures end-to-end tool call latency.
	ToolCallDuration *prometheus.HistogramVec

	// TransfersTotal counts transfers by terminal state.
	TransfersTotal *prometheus.CounterVec

	// TransferBytes counts bytes moved through transfers.
	TransferBytes prometheus.Counter

	// AsyncExecDeliveries counts async-exec completion deliveries.
	AsyncExecDeliveries *prometheus.CounterVec

	// CronRunsTotal counts cron executions by status.
	CronRunsTotal *prometheus.CounterVec

	// HeartbeatsTotal counts heartbeat ticks by outcome
	// (dispatched|skipped|delivered|suppressed).
	HeartbeatsTotal *prometheus.CounterVec

	// PendingOps is the current pending-operation count.
	PendingOps prometheus.Gauge
}

// NewMetrics creates all gateway series on a private registry, so tests
// can build metrics repeatedly without collisions.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,

		Connections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gsv_connections",
				Help: "Current number of connected peers by mode",
			},
			[]string{"mode"},
		),

		FramesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gsv_frames_total",
				Help: "Total frames processed by direction and kind",
			},
			[]string{"direction", "kind"},
		),

		RPCTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gsv_rpc_total",
				Help: "Total RPC dispatches by method and outcome",
			},
			[]string{"method", "outcome"},
		),

		ToolCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gsv_tool_calls_total",
				Help: "Total tool dispatches by route and outcome",
			},
			[]string{"route", "outcome"},
		),

		ToolCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gsv_tool_call_duration_seconds",
				Help:    "End-to-end tool call latency in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"route"},
		),

		TransfersTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gsv_transfers_total",
				Help: "Total transfers by terminal state",
			},
			[]string{"state"},
		),

		TransferBytes: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "gsv_transfer_bytes_total",
				Help: "Total bytes moved through transfers",
			},
		),

		AsyncExecDeliveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gsv_async_exec_deliveries_total",
				Help: "Async-exec completion deliveries by outcome",
			},
			[]string{"outcome"},
		),

		CronRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gsv_cron_runs_total",
				Help: "Cron job executions by status",
			},
			[]string{"status"},
		),

		HeartbeatsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gsv_heartbeats_total",
				Help: "Heartbeat ticks by outcome",
			},
			[]string{"outcome"},
		),

		PendingOps: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "gsv_pending_operations",
				Help: "Current number of pending tool/log operations",
			},
		),
	}
}

// Handler serves the registry for GET /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
