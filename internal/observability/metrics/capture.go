package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// CaptureMetrics holds the capture session metrics. It implements the
// capture controller's Metrics interface.
type CaptureMetrics struct {
	Recordings   *prometheus.CounterVec
	StaleSignals *prometheus.CounterVec
	SessionBusy  prometheus.Gauge
}

// NewCaptureMetrics creates the capture metrics and registers them.
func NewCaptureMetrics(registry prometheus.Registerer) (*CaptureMetrics, error) {
	m := &CaptureMetrics{
		Recordings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clipguard_recordings_total",
			Help: "Recording attempts by outcome",
		}, []string{"status"}),
		StaleSignals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clipguard_stale_signals_total",
			Help: "Camera signals discarded because their mount generation was torn down",
		}, []string{"signal"}),
		SessionBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "clipguard_session_busy",
			Help: "1 while a recording or pipeline holds the session",
		}),
	}
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register capture metrics: %w", err)
	}
	return m, nil
}

// RecordStaleSignal counts a discarded mount-ready, mount-error or timer signal.
func (m *CaptureMetrics) RecordStaleSignal(signal string) {
	m.StaleSignals.WithLabelValues(signal).Inc()
}

// RecordRecording counts a recording outcome.
func (m *CaptureMetrics) RecordRecording(status string) {
	m.Recordings.WithLabelValues(status).Inc()
}

// SetBusy mirrors the session busy flag.
func (m *CaptureMetrics) SetBusy(busy bool) {
	if busy {
		m.SessionBusy.Set(1)
		return
	}
	m.SessionBusy.Set(0)
}

// Describe implements the prometheus.Collector interface.
func (m *CaptureMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.Recordings.Describe(ch)
	m.StaleSignals.Describe(ch)
	ch <- m.SessionBusy.Desc()
}

// Collect implements the prometheus.Collector interface.
func (m *CaptureMetrics) Collect(ch chan<- prometheus.Metric) {
	m.Recordings.Collect(ch)
	m.StaleSignals.Collect(ch)
	ch <- m.SessionBusy
}
