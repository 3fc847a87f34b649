package batch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsPrefix = "rail_ingest_batch_"

type Metrics struct {
	jobs        *prometheus.CounterVec
	rows        *prometheus.CounterVec
	jobDuration prometheus.Histogram
	running     prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		jobs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: metricsPrefix + "jobs_total",
			Help: "Number of finished batch jobs grouped by final status",
		}, []string{"status"}),
		rows: factory.NewCounterVec(prometheus.CounterOpts{
			Name: metricsPrefix + "rows_total",
			Help: "Number of CSV rows processed grouped by result",
		}, []string{"result"}),
		jobDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    metricsPrefix + "job_duration_seconds",
			Help:    "Wall time of batch jobs",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
		running: factory.NewGauge(prometheus.GaugeOpts{
			Name: metricsPrefix + "jobs_running",
			Help: "Number of batch jobs currently running",
		}),
	}
}

func (m *Metrics) jobStarted() {
	if m == nil {
		return
	}
	m.running.Inc()
}

func (m *Metrics) jobFinished(status Status, seconds float64) {
	if m == nil {
		return
	}
	m.running.Dec()
	m.jobs.With(prometheus.Labels{"status": string(status)}).Inc()
	m.jobDuration.Observe(seconds)
}

func (m *Metrics) recordRows(valid, invalid int) {
	if m == nil {
		return
	}
	m.rows.With(prometheus.Labels{"result": "valid"}).Add(float64(valid))
	m.rows.With(prometheus.Labels{"result": "invalid"}).Add(float64(invalid))
}
