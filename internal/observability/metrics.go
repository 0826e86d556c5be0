package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	storeLoadDuration  *prometheus.HistogramVec
	storeWriteDuration *prometheus.HistogramVec
	storeErrorsTotal   *prometheus.CounterVec
	corruptPayloads    *prometheus.CounterVec
	activeSessions     prometheus.Gauge

	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	turnTotal        *prometheus.CounterVec
	turnDuration     *prometheus.HistogramVec
	providerCooldown *prometheus.GaugeVec

	gatewayClients prometheus.Gauge
	gatewayEvents  *prometheus.CounterVec

	maintenanceRuns     *prometheus.CounterVec
	maintenanceDuration prometheus.Histogram
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			storeLoadDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "store_load_duration_seconds",
					Help:    "History load duration in seconds by backend.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"backend"},
			),
			storeWriteDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "store_write_duration_seconds",
					Help:    "Write duration in seconds by backend and operation.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"backend", "op"},
			),
			storeErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "store_errors_total",
					Help: "Total store errors by backend and operation.",
				},
				[]string{"backend", "op"},
			),
			corruptPayloads: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "store_corrupt_payloads_total",
					Help: "Total persisted payloads skipped as undecodable.",
				},
				[]string{"backend"},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "active_sessions",
					Help: "Current known session count.",
				},
			),
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "queue_size",
					Help: "Current queue size by lane.",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "enqueue_total",
					Help: "Total enqueue operations by lane.",
				},
				[]string{"lane"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "dequeue_total",
					Help: "Total dequeue/completion operations by lane and status.",
				},
				[]string{"lane", "status"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "task_duration_seconds",
					Help:    "Task execution duration in seconds by lane.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			turnTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "turn_total",
					Help: "Total conversation turns by provider and status.",
				},
				[]string{"provider", "status"},
			),
			turnDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "turn_duration_seconds",
					Help:    "Conversation turn duration in seconds by provider.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			providerCooldown: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "provider_cooldown_active",
					Help: "Provider cooldown active state (1 active, 0 inactive).",
				},
				[]string{"provider"},
			),
			gatewayClients: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "gateway_clients",
					Help: "Currently connected gateway clients.",
				},
			),
			gatewayEvents: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "gateway_events_total",
					Help: "Total events broadcast to gateway clients by event.",
				},
				[]string{"event"},
			),
			maintenanceRuns: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "maintenance_runs_total",
					Help: "Total store maintenance runs by status.",
				},
				[]string{"status"},
			),
			maintenanceDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "maintenance_duration_seconds",
					Help:    "Store maintenance run duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
		}

		prometheus.MustRegister(
			m.storeLoadDuration,
			m.storeWriteDuration,
			m.storeErrorsTotal,
			m.corruptPayloads,
			m.activeSessions,
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.turnTotal,
			m.turnDuration,
			m.providerCooldown,
			m.gatewayClients,
			m.gatewayEvents,
			m.maintenanceRuns,
			m.maintenanceDuration,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordStoreLoad(backend string, duration time.Duration) {
	m := getMetrics()
	m.storeLoadDuration.WithLabelValues(backend).Observe(duration.Seconds())
}

func RecordStoreWrite(backend, op string, duration time.Duration) {
	m := getMetrics()
	m.storeWriteDuration.WithLabelValues(backend, op).Observe(duration.Seconds())
}

func RecordStoreError(backend, op string) {
	m := getMetrics()
	m.storeErrorsTotal.WithLabelValues(backend, op).Inc()
}

func RecordCorruptPayload(backend string) {
	m := getMetrics()
	m.corruptPayloads.WithLabelValues(backend).Inc()
}

func SetActiveSessions(count int) {
	m := getMetrics()
	m.activeSessions.Set(float64(count))
}

func RecordQueueEnqueue(lane string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(lane).Inc()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func SetQueueSize(lane string, queueSize int) {
	m := getMetrics()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordQueueCompletion(lane string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.dequeueTotal.WithLabelValues(lane, status).Inc()
	m.taskDuration.WithLabelValues(lane).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordTurn(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.turnTotal.WithLabelValues(provider, status).Inc()
	m.turnDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func SetProviderCooldown(provider string, active bool) {
	m := getMetrics()
	value := 0.0
	if active {
		value = 1.0
	}
	m.providerCooldown.WithLabelValues(provider).Set(value)
}

func SetGatewayClients(count int) {
	m := getMetrics()
	m.gatewayClients.Set(float64(count))
}

func RecordGatewayEvent(event string) {
	m := getMetrics()
	m.gatewayEvents.WithLabelValues(event).Inc()
}

func RecordMaintenanceRun(duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.maintenanceRuns.WithLabelValues(status).Inc()
	m.maintenanceDuration.Observe(duration.Seconds())
}
