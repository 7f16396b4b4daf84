package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "pulsecast"

type metrics struct {
	sessionsActive   prometheus.Gauge
	sessionsEnded    *prometheus.CounterVec
	bytesSent        prometheus.Counter
	metadataBlocks   prometheus.Counter
	slowWrites       prometheus.Counter
	readSeconds      prometheus.Histogram
	writeSeconds     prometheus.Histogram
	prebufferSeconds prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)

	latency := []float64{.0005, .001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5}

	return &metrics{
		sessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Stream sessions currently relaying.",
		}),
		sessionsEnded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_ended_total",
			Help:      "Stream sessions by the reason they ended.",
		}, []string{"reason"}),
		bytesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sent_bytes_total",
			Help:      "Bytes written to stream clients, metadata included.",
		}),
		metadataBlocks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "metadata_blocks_total",
			Help:      "ICY metadata blocks written to stream clients.",
		}),
		slowWrites: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slow_writes_total",
			Help:      "Client writes that exceeded the slow write threshold.",
		}),
		readSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "encoder_read_duration_seconds",
			Help:      "Time blocked reading encoder output.",
			Buckets:   latency,
		}),
		writeSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "client_write_duration_seconds",
			Help:      "Time blocked writing to a client.",
			Buckets:   latency,
		}),
		prebufferSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "prebuffer_duration_seconds",
			Help:      "Time to fill the prebuffer of a new session.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2, 5, 10},
		}),
	}
}
