package resolver

import "github.com/prometheus/client_golang/prometheus"

type cacheMetrics struct {
	hits, misses, stale prometheus.Counter
	inserts, evictions  prometheus.Counter
	live                prometheus.Gauge // entries still referenced by anyone
}

func newCacheMetrics() *cacheMetrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "xfer", Subsystem: "dns_cache", Name: name, Help: help,
		})
	}
	return &cacheMetrics{
		hits:      counter("hits_total", "Lookups answered from the cache."),
		misses:    counter("misses_total", "Lookups not found in the cache."),
		stale:     counter("stale_total", "Entries dropped for being older than the TTL."),
		inserts:   counter("inserts_total", "Resolved entries added to the cache."),
		evictions: counter("evictions_total", "Entries removed from the cache for any reason."),
		live: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "xfer", Subsystem: "dns_cache", Name: "live_entries",
			Help: "Entries with a nonzero reference count, cached or held by a caller.",
		}),
	}
}

func (m *cacheMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{m.hits, m.misses, m.stale, m.inserts, m.evictions, m.live}
}
