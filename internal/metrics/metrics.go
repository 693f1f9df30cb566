package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder holds the metrics of a single run on its own registry. They are exported
// once at exit to a node_exporter textfile; no HTTP endpoint is served.
type Recorder struct {
	registry *prometheus.Registry

	Attempts       *prometheus.CounterVec
	Sleeps         prometheus.Counter
	BackoffSeconds *prometheus.HistogramVec
	ExitCode       prometheus.Gauge
	Elapsed        prometheus.Gauge
}

// NewRecorder registers the run metrics on a fresh registry.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		Attempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "launchsentry_attempts_total",
				Help: "Launch attempts by classified outcome",
			},
			[]string{"outcome"},
		),
		Sleeps: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "launchsentry_backoff_sleeps_total",
				Help: "Number of backoff sleeps taken between attempts",
			},
		),
		BackoffSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "launchsentry_backoff_seconds",
				Help:    "Sampled backoff duration in seconds",
				Buckets: []float64{60, 120, 180, 210, 240, 300, 360, 600},
			},
			[]string{"band"},
		),
		ExitCode: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "launchsentry_exit_code",
				Help: "Exit code of the last run",
			},
		),
		Elapsed: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "launchsentry_run_duration_seconds",
				Help: "Wall-clock duration of the last run",
			},
		),
	}
}

// ObserveAttempt counts one attempt under its outcome label.
func (r *Recorder) ObserveAttempt(outcome string) {
	if r == nil {
		return
	}
	r.Attempts.WithLabelValues(outcome).Inc()
}

// ObserveSleep records a backoff sleep.
func (r *Recorder) ObserveSleep(band string, d time.Duration) {
	if r == nil {
		return
	}
	r.Sleeps.Inc()
	r.BackoffSeconds.WithLabelValues(band).Observe(d.Seconds())
}

// ObserveResult records the terminal exit code and run duration.
func (r *Recorder) ObserveResult(exitCode int, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.ExitCode.Set(float64(exitCode))
	r.Elapsed.Set(elapsed.Seconds())
}

// WriteTextfile writes the metrics atomically to path in the text exposition format.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, r.registry)
}

// Gatherer exposes the underlying registry.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	return r.registry
}
