package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsRecorder receives counters and timings from the limiter. Implement
// it to plug in your metrics backend of choice.
type MetricsRecorder interface {
	Add(name string, value float64, tags map[string]string)
	Observe(name string, value float64, tags map[string]string)
}

// Metric names emitted by the limiter.
const (
	metricCall    = "ratelimit.call"
	metricLatency = "ratelimit.latency"
)

// NoopRecorder is a placeholder that does nothing.
// It ensures we never have to check 'if recorder != nil' in the hot path.
type NoopRecorder struct{}

func (NoopRecorder) Add(name string, value float64, tags map[string]string)     {}
func (NoopRecorder) Observe(name string, value float64, tags map[string]string) {}

// PrometheusRecorder implements MetricsRecorder using prometheus metrics.
type PrometheusRecorder struct {
	calls   *prometheus.CounterVec
	latency prometheus.Histogram
}

func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	r := &PrometheusRecorder{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_calls_total",
			Help: "Total number of limit checks, partitioned by outcome.",
		}, []string{"success", "reason"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ratelimit_call_duration_seconds",
			Help:    "Latency of limit checks.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(r.calls, r.latency)

	return r
}

func (r *PrometheusRecorder) Add(name string, value float64, tags map[string]string) {
	if name == metricCall {
		r.calls.With(prometheus.Labels{
			"success": tags["success"],
			"reason":  tags["reason"],
		}).Add(value)
	}
}

func (r *PrometheusRecorder) Observe(name string, value float64, tags map[string]string) {
	if name == metricLatency {
		r.latency.Observe(value)
	}
}
