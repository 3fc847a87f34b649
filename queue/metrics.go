package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsPrefix = "rail_ingest_queue_"

type Metrics struct {
	deliveries       *prometheus.CounterVec
	settleErrors     prometheus.Counter
	connectionErrors prometheus.Counter
	reconnects       prometheus.Counter
	inFlight         prometheus.Gauge
	published        prometheus.Counter
}

// NewMetrics registers the consumer collectors with reg. A nil reg leaves
// them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: metricsPrefix + "deliveries_total",
			Help: "Number of deliveries settled grouped by action",
		}, []string{"action"}),
		settleErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: metricsPrefix + "settle_errors_total",
			Help: "Number of failed ack/nack calls",
		}),
		connectionErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: metricsPrefix + "connection_errors_total",
			Help: "Number of failed dial attempts",
		}),
		reconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: metricsPrefix + "reconnects_total",
			Help: "Number of consume sessions restarted after losing the broker",
		}),
		inFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: metricsPrefix + "in_flight",
			Help: "Deliveries currently being processed",
		}),
		published: factory.NewCounter(prometheus.CounterOpts{
			Name: metricsPrefix + "published_total",
			Help: "Number of messages published",
		}),
	}
}

func (m *Metrics) RecordDelivery(a Action) {
	if m == nil {
		return
	}
	m.deliveries.With(prometheus.Labels{"action": a.String()}).Inc()
}

func (m *Metrics) RecordSettleError() {
	if m == nil {
		return
	}
	m.settleErrors.Inc()
}

func (m *Metrics) RecordConnectionError() {
	if m == nil {
		return
	}
	m.connectionErrors.Inc()
}

func (m *Metrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) InFlight(delta float64) {
	if m == nil {
		return
	}
	m.inFlight.Add(delta)
}

func (m *Metrics) RecordPublished() {
	if m == nil {
		return
	}
	m.published.Inc()
}
