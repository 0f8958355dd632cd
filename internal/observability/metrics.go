package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service, plus a
// rolling in-process window of stage latencies served as JSON.
type Metrics struct {
	ActiveSessions   prometheus.Gauge
	SessionOutcomes  *prometheus.CounterVec
	StageDuration    *prometheus.HistogramVec
	StageFailures    *prometheus.CounterVec
	FramesReceived   prometheus.Counter
	BytesReceived    prometheus.Counter
	RecordingBytes   prometheus.Histogram
	WSMessages       *prometheus.CounterVec
	Deliveries       *prometheus.CounterVec
	RecoveryAttempts *prometheus.CounterVec
	InFlightJobs     prometheus.Gauge

	stages *stageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Sessions not yet in a terminal state.",
		}),
		SessionOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_outcomes_total",
			Help:      "Terminal session outcomes by state.",
		}, []string{"state"}),
		StageDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Pipeline stage duration in seconds.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"stage"}),
		StageFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_failures_total",
			Help:      "Pipeline stage failures by stage and kind.",
		}, []string{"stage", "kind"}),
		FramesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Binary audio frames received from clients.",
		}),
		BytesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frame_bytes_received_total",
			Help:      "Audio bytes received from clients.",
		}),
		RecordingBytes: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recording_bytes",
			Help:      "Size of finalized raw recordings.",
			Buckets:   prometheus.ExponentialBuckets(16<<10, 4, 8),
		}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		Deliveries: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "result_deliveries_total",
			Help:      "Result deliveries by sink and result.",
		}, []string{"sink", "result"}),
		RecoveryAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "support_artifact_recoveries_total",
			Help:      "Diarization support artifact recovery attempts by result.",
		}, []string{"result"}),
		InFlightJobs: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_inflight_jobs",
			Help:      "Session pipelines currently running or queued.",
		}),
		stages: newStageWindow(256),
	}
}

// ObserveStage records a completed stage in both the histogram and the
// rolling window.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
	m.stages.Observe(stage, float64(d.Microseconds())/1000)
}

func (m *Metrics) ObserveStageFailure(stage, kind string) {
	m.StageFailures.WithLabelValues(stage, kind).Inc()
	m.stages.ObserveOutcome("failed:" + stage)
}

func (m *Metrics) ObserveOutcome(state string) {
	m.SessionOutcomes.WithLabelValues(state).Inc()
	m.stages.ObserveOutcome(state)
}

func (m *Metrics) ObserveDelivery(sink string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Deliveries.WithLabelValues(sink, result).Inc()
}

func (m *Metrics) ObserveRecovery(ok bool) {
	result := "recovered"
	if !ok {
		result = "failed"
	}
	m.RecoveryAttempts.WithLabelValues(result).Inc()
}

// SnapshotStages returns the rolling stage latency summary.
func (m *Metrics) SnapshotStages() StageSnapshot {
	return m.stages.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
