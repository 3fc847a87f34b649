package ingest

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const MetricsPrefix = "rail_ingest_"

// otherSource labels updates from producers not listed in NewMetrics.
const otherSource = "other"

type Metrics struct {
	sources       map[string]struct{}
	updates       *prometheus.CounterVec
	cacheErrors   *prometheus.CounterVec
	invalidations prometheus.Counter
	applyDuration prometheus.Histogram
}

// NewMetrics registers the pipeline collectors with reg. A nil reg leaves
// them unregistered. Only the csv source and the listed sources get their
// own label value; the rest count as "other".
func NewMetrics(reg prometheus.Registerer, sources ...string) *Metrics {
	known := map[string]struct{}{"csv": {}}
	for _, s := range sources {
		if s = strings.TrimSpace(s); s != "" {
			known[s] = struct{}{}
		}
	}
	factory := promauto.With(reg)
	return &Metrics{
		sources: known,
		updates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: MetricsPrefix + "updates_total",
			Help: "Number of wagon updates grouped by source and outcome",
		}, []string{"source", "outcome"}),
		cacheErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: MetricsPrefix + "cache_errors_total",
			Help: "Number of failed cache operations grouped by operation",
		}, []string{"operation"}),
		invalidations: factory.NewCounter(prometheus.CounterOpts{
			Name: MetricsPrefix + "stats_invalidations_total",
			Help: "Number of train stats cache entries evicted",
		}),
		applyDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricsPrefix + "apply_duration_seconds",
			Help:    "Time spent applying one update transaction",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) RecordUpdate(source string, outcome Outcome) {
	if m == nil {
		return
	}
	if _, ok := m.sources[source]; !ok {
		source = otherSource
	}
	m.updates.With(prometheus.Labels{"source": source, "outcome": outcome.String()}).Inc()
}

func (m *Metrics) RecordCacheError(operation string) {
	if m == nil {
		return
	}
	m.cacheErrors.With(prometheus.Labels{"operation": operation}).Inc()
}

func (m *Metrics) RecordInvalidation() {
	if m == nil {
		return
	}
	m.invalidations.Inc()
}

func (m *Metrics) ObserveApply(seconds float64) {
	if m == nil {
		return
	}
	m.applyDuration.Observe(seconds)
}
