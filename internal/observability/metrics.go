package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection metrics
	activeConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "conversation_orchestrator_active_connections",
		Help: "Number of active /ws connections",
	})

	totalConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "conversation_orchestrator_connections_total",
		Help: "Total number of /ws connections accepted",
	})

	connectionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "conversation_orchestrator_connection_duration_seconds",
		Help:    "Duration of /ws connections in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 300, 900, 3600},
	})

	// Speech session metrics
	speechSessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "conversation_orchestrator_speech_sessions_total",
		Help: "Total number of completed speech sessions handed to the pipeline",
	})

	speechSessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "conversation_orchestrator_speech_session_duration_seconds",
		Help:    "Duration of completed speech sessions in seconds",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30},
	})

	// Pipeline stage metrics (stage: "stt" | "llm" | "tts")
	pipelineStageRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conversation_orchestrator_pipeline_stage_requests_total",
		Help: "Total number of pipeline stage invocations",
	}, []string{"stage", "status"})

	pipelineStageLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "conversation_orchestrator_pipeline_stage_latency_seconds",
		Help:    "Pipeline stage processing latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	}, []string{"stage"})

	preemptionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "conversation_orchestrator_preemptions_total",
		Help: "Total number of in-flight pipeline jobs cancelled by a new speech session",
	})

	screenCaptureRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conversation_orchestrator_screen_capture_requests_total",
		Help: "Total number of screen_capture_request round trips, by outcome",
	}, []string{"outcome"}) // outcome: "resolved" | "resolved_llm_failed" | "timed_out_fallback" | "timed_out_unavailable"

	// Memory metrics
	memorySummarisationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conversation_orchestrator_memory_summarisations_total",
		Help: "Total number of conversation memory summarisation runs",
	}, []string{"status"})

	memorySnapshotTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "conversation_orchestrator_memory_snapshot_timeouts_total",
		Help: "Total number of memory snapshots that fell back to pre-summary state",
	})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conversation_orchestrator_errors_total",
		Help: "Total number of errors",
	}, []string{"kind", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "conversation_orchestrator_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conversation_orchestrator_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})

	// Outbound queue metrics
	outboundQueueDropsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conversation_orchestrator_outbound_queue_drops_total",
		Help: "Total number of outbound events dropped under backpressure",
	}, []string{"reason"}) // reason: "non_critical" | "evicted_for_critical" | "queue_full"
)

// ConnectionMetrics tracks metrics scoped to a single /ws connection.
type ConnectionMetrics struct {
	connectionID string
	startTime    time.Time
}

// NewConnectionMetrics creates a metrics tracker for a connection and
// records its start.
func NewConnectionMetrics(connectionID string) *ConnectionMetrics {
	activeConnections.Inc()
	totalConnections.Inc()
	return &ConnectionMetrics{connectionID: connectionID, startTime: time.Now()}
}

// RecordConnectionEnd records the end of a connection.
func (m *ConnectionMetrics) RecordConnectionEnd() {
	activeConnections.Dec()
	connectionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordSpeechSession records one completed speech session of the given duration.
func RecordSpeechSession(durationSeconds float64) {
	speechSessionsTotal.Inc()
	speechSessionDuration.Observe(durationSeconds)
}

// RecordStage records the latency and outcome of one pipeline stage
// ("stt" | "llm" | "tts"). Callers time the stage themselves since each
// stage already carries its own deadline context.
func RecordStage(stage string, elapsed time.Duration, success bool) {
	pipelineStageLatency.WithLabelValues(stage).Observe(elapsed.Seconds())
	status := "success"
	if !success {
		status = "error"
	}
	pipelineStageRequests.WithLabelValues(stage, status).Inc()
}

// RecordPreemption records that a new speech session cancelled an in-flight job.
func RecordPreemption() {
	preemptionsTotal.Inc()
}

// RecordScreenCaptureOutcome records how a screen_capture_request round trip resolved.
func RecordScreenCaptureOutcome(outcome string) {
	screenCaptureRequestsTotal.WithLabelValues(outcome).Inc()
}

// RecordSummarisation records a memory summarisation run's outcome.
func RecordSummarisation(success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	memorySummarisationsTotal.WithLabelValues(status).Inc()
}

// RecordSnapshotTimeout records a memory snapshot falling back to pre-summary state.
func RecordSnapshotTimeout() {
	memorySnapshotTimeoutsTotal.Inc()
}

// RecordError records an error by taxonomy kind and originating component.
func RecordError(kind, component string) {
	errorsTotal.WithLabelValues(kind, component).Inc()
}

// UpdateCircuitBreakerState updates the circuit breaker state gauge for a service.
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments the circuit breaker failure counter for a service.
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}

// RecordOutboundQueueDrop records an outbound event dropped under backpressure.
func RecordOutboundQueueDrop(reason string) {
	outboundQueueDropsTotal.WithLabelValues(reason).Inc()
}
