package metrics

import (
	"sync"
	"time"
)

// TestRecorder captures recorded metrics in memory for assertions. It
// implements Recorder and the capture, storage and analysis Metrics
// interfaces.
type TestRecorder struct {
	mu         sync.RWMutex
	operations map[string]map[string]int // operation -> status -> count
	durations  map[string][]float64      // operation -> durations in seconds
	errors     map[string]map[string]int // operation -> category -> count
	busy       bool
	busyPeak   int
	busyDepth  int
}

// NewTestRecorder creates a new test recorder instance.
func NewTestRecorder() *TestRecorder {
	return &TestRecorder{
		operations: make(map[string]map[string]int),
		durations:  make(map[string][]float64),
		errors:     make(map[string]map[string]int),
	}
}

// RecordOperation implements Recorder.
func (r *TestRecorder) RecordOperation(operation, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.incLocked(r.operations, operation, status)
}

// RecordDuration implements Recorder.
func (r *TestRecorder) RecordDuration(operation string, seconds float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.durations[operation] = append(r.durations[operation], seconds)
}

// RecordError implements Recorder.
func (r *TestRecorder) RecordError(operation, errorType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.incLocked(r.errors, operation, errorType)
}

// RecordUpload records an upload as operation "upload_<backend>".
func (r *TestRecorder) RecordUpload(backend, status string, d time.Duration) {
	r.RecordOperation("upload_"+backend, status)
	r.RecordDuration("upload_"+backend, d.Seconds())
}

// RecordSubmission records a submission as operation "submission".
func (r *TestRecorder) RecordSubmission(status string, d time.Duration) {
	r.RecordOperation("submission", status)
	r.RecordDuration("submission", d.Seconds())
}

// RecordFallback records a fallback as operation "fallback".
func (r *TestRecorder) RecordFallback(reason string) {
	r.RecordOperation("fallback", reason)
}

// RecordStaleSignal records a stale signal as operation "stale_signal".
func (r *TestRecorder) RecordStaleSignal(signal string) {
	r.RecordOperation("stale_signal", signal)
}

// RecordRecording records a recording outcome as operation "recording".
func (r *TestRecorder) RecordRecording(status string) {
	r.RecordOperation("recording", status)
}

// SetBusy tracks the busy flag. Setting busy twice without clearing it in
// between raises the peak above one, which tests use to detect overlap.
func (r *TestRecorder) SetBusy(busy bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.busy = busy
	if busy {
		r.busyDepth++
		r.busyPeak = max(r.busyPeak, r.busyDepth)
		return
	}
	r.busyDepth = max(r.busyDepth-1, 0)
}

// IsBusy returns the last busy value.
func (r *TestRecorder) IsBusy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.busy
}

// BusyPeak returns the highest number of overlapping busy periods.
func (r *TestRecorder) BusyPeak() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.busyPeak
}

// GetOperationCount returns the count of a specific operation and status.
func (r *TestRecorder) GetOperationCount(operation, status string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.operations[operation][status]
}

// GetDurations returns a copy of the durations recorded for operation.
func (r *TestRecorder) GetDurations(operation string) []float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if d, ok := r.durations[operation]; ok {
		return append([]float64(nil), d...)
	}
	return nil
}

// GetErrorCount returns the count of a specific operation and category.
func (r *TestRecorder) GetErrorCount(operation, errorType string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.errors[operation][errorType]
}

// Reset clears everything recorded.
func (r *TestRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.operations = make(map[string]map[string]int)
	r.durations = make(map[string][]float64)
	r.errors = make(map[string]map[string]int)
	r.busy, r.busyPeak, r.busyDepth = false, 0, 0
}

func (r *TestRecorder) incLocked(m map[string]map[string]int, key, sub string) {
	if m[key] == nil {
		m[key] = make(map[string]int)
	}
	m[key][sub]++
}
