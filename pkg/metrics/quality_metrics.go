package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Network quality metrics fed by the per-connection sampling loop
var (
	QualitySamplesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callagent_quality_samples_total",
		Help: "Total number of quality samples by classification",
	}, []string{"classification"})

	QualitySampleErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "callagent_quality_sample_errors_total",
		Help: "Total number of failed stats collections",
	})

	QualityPacketLoss = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "callagent_quality_packet_loss_percent",
		Help:    "Observed inbound video packet loss percentage",
		Buckets: []float64{0.5, 1, 2, 3, 5, 7.5, 10, 20, 50},
	})

	QualityLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "callagent_quality_latency_ms",
		Help:    "Observed candidate pair round trip time in milliseconds",
		Buckets: []float64{25, 50, 100, 150, 200, 300, 500, 1000},
	})

	QualityJitter = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "callagent_quality_jitter_ms",
		Help:    "Observed jitter in milliseconds",
		Buckets: []float64{5, 10, 20, 30, 50, 75, 100, 200},
	})

	QualityMonitorsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "callagent_quality_monitors_active",
		Help: "Current number of running sampling loops",
	})

	AdaptationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callagent_adaptations_total",
		Help: "Total number of encoding adjustments by tier and result",
	}, []string{"tier", "result"})
)
