package renderer

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "pulsecast"

type metrics struct {
	calls        *prometheus.CounterVec
	callDuration *prometheus.HistogramVec
	pushes       *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)

	return &metrics{
		calls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "renderer",
			Name:      "calls_total",
			Help:      "AVTransport calls by action and result.",
		}, []string{"action", "result"}),
		callDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "renderer",
			Name:      "call_duration_seconds",
			Help:      "AVTransport call latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action"}),
		pushes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "renderer",
			Name:      "pushes_total",
			Help:      "Stream pushes by device and result.",
		}, []string{"device", "result"}),
	}
}

func (m *metrics) observe(action string, err error, d time.Duration) {
	result := "success"
	if err != nil {
		result = "error"
	}
	m.calls.WithLabelValues(action, result).Inc()
	m.callDuration.WithLabelValues(action).Observe(d.Seconds())
}

func (m *metrics) push(device string, ok bool) {
	result := "success"
	if !ok {
		result = "error"
	}
	m.pushes.WithLabelValues(device, result).Inc()
}
