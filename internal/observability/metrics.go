package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "clawloop"

type moduleMetrics struct {
	providerRequestsTotal   *prometheus.CounterVec
	providerRequestDuration *prometheus.HistogramVec
	providerRetriesTotal    *prometheus.CounterVec

	agentTurnsTotal     *prometheus.CounterVec
	agentTurnDuration   *prometheus.HistogramVec
	agentTurnIterations *prometheus.HistogramVec

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec

	activeSessions      prometheus.Gauge
	sessionLoadDuration *prometheus.HistogramVec
	sessionSaveDuration *prometheus.HistogramVec
	sessionsPruned      prometheus.Counter

	summarizationsTotal *prometheus.CounterVec
	credentialRefreshes *prometheus.CounterVec

	queueWaitDuration prometheus.Histogram
	queueDepth        prometheus.Gauge
	queueDuplicates   prometheus.Counter
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			providerRequestsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "provider_requests_total",
					Help:      "Provider chat requests by provider and status.",
				},
				[]string{"provider", "status"},
			),
			providerRequestDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "provider_request_duration_seconds",
					Help:      "Provider chat request duration in seconds, retries included.",
					Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 80, 120},
				},
				[]string{"provider"},
			),
			providerRetriesTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "provider_retries_total",
					Help:      "Retried provider attempts by provider.",
				},
				[]string{"provider"},
			),
			agentTurnsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "agent_turns_total",
					Help:      "Completed agent turns by agent and outcome.",
				},
				[]string{"agent", "outcome"},
			),
			agentTurnDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "agent_turn_duration_seconds",
					Help:      "Agent turn duration in seconds.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"agent"},
			),
			agentTurnIterations: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "agent_turn_iterations",
					Help:      "Provider calls made per agent turn.",
					Buckets:   []float64{1, 2, 3, 4, 5, 6, 8, 10, 15, 20},
				},
				[]string{"agent"},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "tool_execution_total",
					Help:      "Tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "tool_execution_duration_seconds",
					Help:      "Tool execution duration in seconds by tool.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "active_sessions",
					Help:      "Sessions currently held in memory.",
				},
			),
			sessionLoadDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "session_load_duration_seconds",
					Help:      "Session load duration in seconds by backend.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"backend"},
			),
			sessionSaveDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "session_save_duration_seconds",
					Help:      "Session save duration in seconds by backend.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"backend"},
			),
			sessionsPruned: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "sessions_pruned_total",
					Help:      "Idle sessions removed by the janitor.",
				},
			),
			summarizationsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "summarizations_total",
					Help:      "Session summarizations by status.",
				},
				[]string{"status"},
			),
			credentialRefreshes: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "credential_refreshes_total",
					Help:      "OAuth token refreshes by provider and status.",
				},
				[]string{"provider", "status"},
			),
			queueWaitDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "queue_wait_duration_seconds",
					Help:      "Time a turn waited for its session lane.",
					Buckets:   prometheus.DefBuckets,
				},
			),
			queueDepth: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "queue_depth",
					Help:      "Turns queued or running across all session lanes.",
				},
			),
			queueDuplicates: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "queue_duplicates_total",
					Help:      "Requests dropped because their id was seen recently.",
				},
			),
		}

		prometheus.MustRegister(
			m.providerRequestsTotal,
			m.providerRequestDuration,
			m.providerRetriesTotal,
			m.agentTurnsTotal,
			m.agentTurnDuration,
			m.agentTurnIterations,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.activeSessions,
			m.sessionLoadDuration,
			m.sessionSaveDuration,
			m.sessionsPruned,
			m.summarizationsTotal,
			m.credentialRefreshes,
			m.queueWaitDuration,
			m.queueDepth,
			m.queueDuplicates,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

// MetricsHandler serves the default Prometheus registry.
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

func RecordProviderRequest(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	m.providerRequestsTotal.WithLabelValues(provider, statusLabel(success)).Inc()
	m.providerRequestDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func RecordProviderRetry(provider string) {
	getMetrics().providerRetriesTotal.WithLabelValues(provider).Inc()
}

// RecordAgentTurn records one finished turn. outcome is one of
// "answer", "exhausted", "provider_error" or "invalid_tool_call".
func RecordAgentTurn(agent, outcome string, iterations int, duration time.Duration) {
	m := getMetrics()
	m.agentTurnsTotal.WithLabelValues(agent, outcome).Inc()
	m.agentTurnDuration.WithLabelValues(agent).Observe(duration.Seconds())
	m.agentTurnIterations.WithLabelValues(agent).Observe(float64(iterations))
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	m.toolExecutionTotal.WithLabelValues(tool, statusLabel(success)).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}

func RecordSessionLoad(backend string, duration time.Duration) {
	getMetrics().sessionLoadDuration.WithLabelValues(backend).Observe(duration.Seconds())
}

func RecordSessionSave(backend string, duration time.Duration) {
	getMetrics().sessionSaveDuration.WithLabelValues(backend).Observe(duration.Seconds())
}

func RecordSessionsPruned(count int) {
	getMetrics().sessionsPruned.Add(float64(count))
}

func RecordSummarization(success bool) {
	getMetrics().summarizationsTotal.WithLabelValues(statusLabel(success)).Inc()
}

func RecordCredentialRefresh(provider string, success bool) {
	getMetrics().credentialRefreshes.WithLabelValues(provider, statusLabel(success)).Inc()
}

func RecordQueueWait(duration time.Duration) {
	getMetrics().queueWaitDuration.Observe(duration.Seconds())
}

func SetQueueDepth(depth int) {
	getMetrics().queueDepth.Set(float64(depth))
}

func RecordQueueDuplicate() {
	getMetrics().queueDuplicates.Inc()
}
