package lifecycle

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the cache's Prometheus instruments. A nil *Metrics is
// valid and records nothing, so tests and embedded uses can skip
// registration.
type Metrics struct {
	hits         prometheus.Counter
	misses       prometheus.Counter
	loadFailures prometheus.Counter
	evictions    *prometheus.CounterVec
	resident     prometheus.Gauge
}

// NewMetrics registers the cache instruments with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		hits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "cluebox",
			Subsystem: "image_cache",
			Name:      "hits_total",
			Help:      "Image loads served from a resident entry.",
		}),
		misses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "cluebox",
			Subsystem: "image_cache",
			Name:      "misses_total",
			Help:      "Image loads that had to fetch from the blob store.",
		}),
		loadFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "cluebox",
			Subsystem: "image_cache",
			Name:      "load_failures_total",
			Help:      "Blob store fetches that failed (excluding not-found).",
		}),
		evictions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cluebox",
			Subsystem: "image_cache",
			Name:      "evictions_total",
			Help:      "Entries removed from the cache, by reason.",
		}, []string{"reason"}),
		resident: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "cluebox",
			Subsystem: "image_cache",
			Name:      "resident_images",
			Help:      "Currently resident cache entries.",
		}),
	}
}

func (m *Metrics) hit() {
	if m == nil {
		return
	}
	m.hits.Inc()
}

func (m *Metrics) miss() {
	if m == nil {
		return
	}
	m.misses.Inc()
}

func (m *Metrics) loadFailure() {
	if m == nil {
		return
	}
	m.loadFailures.Inc()
}

func (m *Metrics) evicted(reason string) {
	if m == nil {
		return
	}
	m.evictions.WithLabelValues(reason).Inc()
}

func (m *Metrics) setResident(n int) {
	if m == nil {
		return
	}
	m.resident.Set(float64(n))
}
