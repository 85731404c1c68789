package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	eventHit          = "hit"
	eventMiss         = "miss"
	eventLoad         = "load"
	eventLoadError    = "load_error"
	eventEviction     = "eviction"
	eventExpiration   = "expiration"
	eventInvalidation = "invalidation"
)

// metrics mirrors Stats to prometheus. A nil *metrics records nothing.
type metrics struct {
	events  *prometheus.CounterVec
	entries prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer, name string) *metrics {
	if reg == nil {
		return nil
	}
	factory := promauto.With(reg)
	labels := prometheus.Labels{"cache": name}
	return &metrics{
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "tillsync",
			Subsystem:   "cache",
			Name:        "events_total",
			Help:        "Cache hits, misses, loads and removals by event.",
			ConstLabels: labels,
		}, []string{"event"}),
		entries: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "tillsync",
			Subsystem:   "cache",
			Name:        "entries",
			Help:        "Current number of cache entries.",
			ConstLabels: labels,
		}),
	}
}

func (m *metrics) inc(event string) {
	m.add(event, 1)
}

func (m *metrics) add(event string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.events.WithLabelValues(event).Add(float64(n))
}

func (m *metrics) size(n int) {
	if m == nil {
		return
	}
	m.entries.Set(float64(n))
}
