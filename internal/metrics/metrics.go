package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"uploadcast/internal/upload"
)

// Metrics holds the upload Prometheus collectors. A nil *Metrics is a
// valid no-op recorder.
//
// Metrics tracked:
//   - attempts by endpoint and outcome
//   - attempt latency by endpoint
//   - attempts currently in flight
//   - resolved tasks by final status
type Metrics struct {
	// Labels: endpoint, outcome=[success, http_error, transport_error, canceled]
	Attempts *prometheus.CounterVec

	// Labels: endpoint
	AttemptDuration *prometheus.HistogramVec

	InFlight prometheus.Gauge

	// Labels: status=[success, failed]
	Tasks *prometheus.CounterVec
}

var _ upload.Recorder = (*Metrics)(nil)

// New creates the collectors and registers them with reg.
// A nil reg uses prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		Attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "uploadcast_attempts_total",
				Help: "Upload attempts by endpoint and outcome",
			},
			[]string{"endpoint", "outcome"},
		),
		AttemptDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "uploadcast_attempt_duration_seconds",
				Help:    "Upload attempt duration in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"endpoint"},
		),
		InFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "uploadcast_attempts_in_flight",
				Help: "Upload attempts currently running",
			},
		),
		Tasks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "uploadcast_tasks_total",
				Help: "Resolved upload tasks by final status",
			},
			[]string{"status"},
		),
	}
	for _, c := range []prometheus.Collector{m.Attempts, m.AttemptDuration, m.InFlight, m.Tasks} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) AttemptStarted(string) {
	if m == nil {
		return
	}
	m.InFlight.Inc()
}

func (m *Metrics) AttemptFinished(endpoint, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.InFlight.Dec()
	m.Attempts.WithLabelValues(endpoint, outcome).Inc()
	m.AttemptDuration.WithLabelValues(endpoint).Observe(took.Seconds())
}

func (m *Metrics) TaskResolved(_ string, st upload.Status) {
	if m == nil {
		return
	}
	label := "failed"
	if st == upload.StatusSuccess {
		label = "success"
	}
	m.Tasks.WithLabelValues(label).Inc()
}
