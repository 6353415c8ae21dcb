package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	queueDepth   *prometheus.GaugeVec
	enqueueTotal prometheus.Counter
	opTotal      *prometheus.CounterVec
	opDuration   prometheus.Histogram
	workerStarts *prometheus.CounterVec

	activeSessions     prometheus.Gauge
	sessionsTotal      *prometheus.CounterVec
	reconnectDuration  prometheus.Histogram
	transcriptDuration *prometheus.HistogramVec

	bundleLoads         *prometheus.CounterVec
	bundleLoadDuration  prometheus.Histogram
	reloadCallbackFails prometheus.Counter

	eventsForwarded *prometheus.CounterVec
	eventsDropped   *prometheus.CounterVec

	approvals *prometheus.CounterVec

	bridgeState      *prometheus.GaugeVec
	bridgeReconnects *prometheus.CounterVec

	gatewayClients  prometheus.Gauge
	gatewayRequests *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueDepth: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "session_queue_depth",
					Help: "Pending operations per session queue.",
				},
				[]string{"session"},
			),
			enqueueTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "session_queue_enqueue_total",
					Help: "Total operations enqueued across all sessions.",
				},
			),
			opTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "session_queue_ops_total",
					Help: "Completed session operations by status.",
				},
				[]string{"status"},
			),
			opDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "session_queue_op_duration_seconds",
					Help:    "Session operation duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			workerStarts: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "session_worker_starts_total",
					Help: "Session worker starts by reason (initial, restart).",
				},
				[]string{"reason"},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "active_sessions",
					Help: "Current live session count.",
				},
			),
			sessionsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "sessions_total",
					Help: "Session lifecycle transitions by kind (created, reconnected, ended).",
				},
				[]string{"kind"},
			),
			reconnectDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "session_reconnect_duration_seconds",
					Help:    "Reconnect (transcript rehydration) duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			transcriptDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "transcript_io_duration_seconds",
					Help:    "Transcript read/write duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"op"},
			),
			bundleLoads: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "bundle_loads_total",
					Help: "Bundle load/prepare operations by trigger and status.",
				},
				[]string{"trigger", "status"},
			),
			bundleLoadDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "bundle_load_duration_seconds",
					Help:    "Bundle load and prepare duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			reloadCallbackFails: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "bundle_reload_callback_failures_total",
					Help: "Surface reload callbacks that failed during a bundle reload.",
				},
			),
			eventsForwarded: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "surface_events_forwarded_total",
					Help: "Runtime events delivered to surface sinks by event.",
				},
				[]string{"event"},
			),
			eventsDropped: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "surface_events_dropped_total",
					Help: "Runtime events dropped because a surface sink was full.",
				},
				[]string{"event"},
			),
			approvals: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "approval_decisions_total",
					Help: "Approval decisions by mode and outcome (resolved, timeout, auto).",
				},
				[]string{"mode", "outcome"},
			),
			bridgeState: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "bridge_state",
					Help: "Transport bridge state (0 disconnected, 1 connecting, 2 connected, 3 stopped).",
				},
				[]string{"bridge"},
			),
			bridgeReconnects: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "bridge_reconnects_total",
					Help: "Transport bridge reconnect attempts.",
				},
				[]string{"bridge"},
			),
			gatewayClients: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "gateway_clients",
					Help: "Connected gateway WebSocket clients.",
				},
			),
			gatewayRequests: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "gateway_requests_total",
					Help: "Gateway requests by method and status.",
				},
				[]string{"method", "status"},
			),
		}

		prometheus.MustRegister(
			m.queueDepth,
			m.enqueueTotal,
			m.opTotal,
			m.opDuration,
			m.workerStarts,
			m.activeSessions,
			m.sessionsTotal,
			m.reconnectDuration,
			m.transcriptDuration,
			m.bundleLoads,
			m.bundleLoadDuration,
			m.reloadCallbackFails,
			m.eventsForwarded,
			m.eventsDropped,
			m.approvals,
			m.bridgeState,
			m.bridgeReconnects,
			m.gatewayClients,
			m.gatewayRequests,
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

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func RecordQueueEnqueue(sessionID string, depth int) {
	m := getMetrics()
	m.enqueueTotal.Inc()
	m.queueDepth.WithLabelValues(sessionID).Set(float64(depth))
}

func RecordQueueCompletion(sessionID string, duration time.Duration, success bool, depth int) {
	m := getMetrics()
	m.opTotal.WithLabelValues(statusLabel(success)).Inc()
	m.opDuration.Observe(duration.Seconds())
	m.queueDepth.WithLabelValues(sessionID).Set(float64(depth))
}

// ForgetQueue drops the per-session depth series once a queue is released.
func ForgetQueue(sessionID string) {
	getMetrics().queueDepth.DeleteLabelValues(sessionID)
}

func RecordWorkerStart(restart bool) {
	reason := "initial"
	if restart {
		reason = "restart"
	}
	getMetrics().workerStarts.WithLabelValues(reason).Inc()
}

func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}

func RecordSessionTransition(kind string) {
	getMetrics().sessionsTotal.WithLabelValues(kind).Inc()
}

func RecordReconnect(duration time.Duration) {
	getMetrics().reconnectDuration.Observe(duration.Seconds())
}

func RecordTranscriptIO(op string, duration time.Duration) {
	getMetrics().transcriptDuration.WithLabelValues(op).Observe(duration.Seconds())
}

func RecordBundleLoad(trigger string, duration time.Duration, success bool) {
	m := getMetrics()
	m.bundleLoads.WithLabelValues(trigger, statusLabel(success)).Inc()
	m.bundleLoadDuration.Observe(duration.Seconds())
}

func RecordReloadCallbackFailure() {
	getMetrics().reloadCallbackFails.Inc()
}

func RecordEventForwarded(event string) {
	getMetrics().eventsForwarded.WithLabelValues(event).Inc()
}

func RecordEventDropped(event string) {
	getMetrics().eventsDropped.WithLabelValues(event).Inc()
}

func RecordApproval(mode, outcome string) {
	getMetrics().approvals.WithLabelValues(mode, outcome).Inc()
}

func SetBridgeState(bridge string, state int) {
	getMetrics().bridgeState.WithLabelValues(bridge).Set(float64(state))
}

func RecordBridgeReconnect(bridge string) {
	getMetrics().bridgeReconnects.WithLabelValues(bridge).Inc()
}

func SetGatewayClients(count int) {
	getMetrics().gatewayClients.Set(float64(count))
}

func RecordGatewayRequest(method string, success bool) {
	getMetrics().gatewayRequests.WithLabelValues(method, statusLabel(success)).Inc()
}
