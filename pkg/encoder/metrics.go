package encoder

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are shared by every Process started with them. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	starts   *prometheus.CounterVec
	signals  *prometheus.CounterVec
	lines    *prometheus.CounterVec
	speed    prometheus.Histogram
	lifetime prometheus.Histogram
}

func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		starts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "encoder",
			Name:      "starts_total",
			Help:      "Encoder start attempts by result.",
		}, []string{"result"}),
		signals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "encoder",
			Name:      "signals_total",
			Help:      "Signals sent to encoder process groups during teardown.",
		}, []string{"signal"}),
		lines: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "encoder",
			Name:      "stderr_lines_total",
			Help:      "Encoder diagnostic lines by kind.",
		}, []string{"kind"}),
		speed: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "encoder",
			Name:      "speed_ratio",
			Help:      "Encoder speed reported in statistics lines; below 1 the encoder lags the capture clock.",
			Buckets:   []float64{0.5, 0.8, 0.9, 0.95, 0.99, 1, 1.01, 1.05, 1.2, 2},
		}),
		lifetime: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "encoder",
			Name:      "lifetime_seconds",
			Help:      "Time from encoder start to reap.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}),
	}
}

func (m *Metrics) start(ok bool) {
	if m == nil {
		return
	}
	result := "failure"
	if ok {
		result = "success"
	}
	m.starts.WithLabelValues(result).Inc()
}

func (m *Metrics) signal(name string) {
	if m == nil {
		return
	}
	m.signals.WithLabelValues(name).Inc()
}

func (m *Metrics) line(p *Progress) {
	if m == nil {
		return
	}
	if p == nil {
		m.lines.WithLabelValues("diagnostic").Inc()
		return
	}
	m.lines.WithLabelValues("progress").Inc()
	if p.Speed > 0 {
		m.speed.Observe(p.Speed)
	}
}

func (m *Metrics) exited(seconds float64) {
	if m == nil {
		return
	}
	m.lifetime.Observe(seconds)
}
