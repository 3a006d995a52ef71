// Package metrics provides the Prometheus metrics for clipguard's capture
// session and analysis pipeline.
package metrics

// Recorder defines a minimal interface for recording metrics.
// Components depend on it rather than on concrete collectors.
type Recorder interface {
	// RecordOperation records an operation with its status,
	// e.g. ("handoff_mqtt", "success").
	RecordOperation(operation, status string)

	// RecordDuration records the duration of an operation in seconds.
	RecordDuration(operation string, seconds float64)

	// RecordError records an error occurrence with its category.
	RecordError(operation, errorType string)
}

// Operation names recorded through Recorder.
const (
	OpPipeline = "pipeline"
	OpPersist  = "persist"
	OpSubmit   = "submit"
	OpHandoff  = "handoff"
)

// Status values shared by the counters.
const (
	StatusSuccess   = "success"
	StatusFailed    = "failed"
	StatusCompleted = "completed"
	StatusFallback  = "fallback"
	StatusCancelled = "cancelled"
)
