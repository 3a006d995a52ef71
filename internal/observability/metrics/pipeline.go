package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PipelineMetrics holds upload, submission and handoff metrics. It
// implements the storage and analysis Metrics interfaces and Recorder.
type PipelineMetrics struct {
	Uploads            *prometheus.CounterVec
	UploadDuration     *prometheus.HistogramVec
	Submissions        *prometheus.CounterVec
	SubmissionDuration *prometheus.HistogramVec
	Fallbacks          *prometheus.CounterVec
	Operations         *prometheus.CounterVec
	OperationDuration  *prometheus.HistogramVec
	Errors             *prometheus.CounterVec
}

// NewPipelineMetrics creates the pipeline metrics and registers them.
func NewPipelineMetrics(registry prometheus.Registerer) (*PipelineMetrics, error) {
	m := &PipelineMetrics{
		Uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clipguard_uploads_total",
			Help: "Upload attempts by backend and outcome",
		}, []string{"backend", "status"}),
		UploadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clipguard_upload_duration_seconds",
			Help:    "Duration of upload attempts",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"backend"}),
		Submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clipguard_submissions_total",
			Help: "Analysis submissions by result status",
		}, []string{"status"}),
		SubmissionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clipguard_submission_duration_seconds",
			Help:    "Time from submission start to result, fallbacks included",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 90, 120},
		}, []string{"status"}),
		Fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clipguard_fallbacks_total",
			Help: "Fallback results by reason",
		}, []string{"reason"}),
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clipguard_operations_total",
			Help: "Pipeline stage outcomes",
		}, []string{"operation", "status"}),
		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clipguard_operation_duration_seconds",
			Help:    "Pipeline stage durations",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
		}, []string{"operation"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clipguard_errors_total",
			Help: "Pipeline errors by operation and category",
		}, []string{"operation", "category"}),
	}
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register pipeline metrics: %w", err)
	}
	return m, nil
}

// RecordUpload records one upload attempt.
func (m *PipelineMetrics) RecordUpload(backend, status string, d time.Duration) {
	m.Uploads.WithLabelValues(backend, status).Inc()
	m.UploadDuration.WithLabelValues(backend).Observe(d.Seconds())
}

// RecordSubmission records one submission and its duration.
func (m *PipelineMetrics) RecordSubmission(status string, d time.Duration) {
	m.Submissions.WithLabelValues(status).Inc()
	m.SubmissionDuration.WithLabelValues(status).Observe(d.Seconds())
}

// RecordFallback counts a fallback result by reason.
func (m *PipelineMetrics) RecordFallback(reason string) {
	m.Fallbacks.WithLabelValues(reason).Inc()
}

// RecordOperation implements Recorder.
func (m *PipelineMetrics) RecordOperation(operation, status string) {
	m.Operations.WithLabelValues(operation, status).Inc()
}

// RecordDuration implements Recorder.
func (m *PipelineMetrics) RecordDuration(operation string, seconds float64) {
	m.OperationDuration.WithLabelValues(operation).Observe(seconds)
}

// RecordError implements Recorder.
func (m *PipelineMetrics) RecordError(operation, errorType string) {
	m.Errors.WithLabelValues(operation, errorType).Inc()
}

func (m *PipelineMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Uploads, m.UploadDuration,
		m.Submissions, m.SubmissionDuration, m.Fallbacks,
		m.Operations, m.OperationDuration, m.Errors,
	}
}

// Describe implements the prometheus.Collector interface.
func (m *PipelineMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors() {
		c.Describe(ch)
	}
}

// Collect implements the prometheus.Collector interface.
func (m *PipelineMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors() {
		c.Collect(ch)
	}
}
