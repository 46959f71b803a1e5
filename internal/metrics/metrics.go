package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// 评估指标
	ReadingsEvaluated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "biomonitor_readings_evaluated_total",
			Help: "Total number of readings evaluated against setpoints",
		},
	)

	BreachesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "biomonitor_breaches_total",
			Help: "Total number of breach events emitted by the evaluator",
		},
		[]string{"severity"},
	)

	ReadingsSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "biomonitor_readings_skipped_total",
			Help: "Total number of readings skipped due to missing or non-numeric values",
		},
	)

	// 报警生命周期指标
	AlertsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "biomonitor_alerts_created_total",
			Help: "Total number of alerts created",
		},
		[]string{"severity"},
	)

	AlertsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "biomonitor_alerts_dropped_total",
			Help: "Total number of breach events dropped after exhausting persistence retries",
		},
	)

	AlertsAcknowledged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "biomonitor_alerts_acknowledged_total",
			Help: "Total number of alert acknowledgment transitions",
		},
	)

	BroadcastFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "biomonitor_broadcast_failures_total",
			Help: "Total number of failed realtime publishes",
		},
	)

	// 规则缓存健康度
	RegistryDegraded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "biomonitor_registry_degraded",
			Help: "1 when the setpoint registry is serving a stale snapshot, 0 otherwise",
		},
	)

	// 数据保留指标
	RetentionDeletedRows = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "biomonitor_retention_deleted_rows_total",
			Help: "Total number of reading rows deleted by retention sweeps",
		},
	)

	RetentionSweepErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "biomonitor_retention_sweep_errors_total",
			Help: "Total number of per-reactor retention purge failures",
		},
	)
)
