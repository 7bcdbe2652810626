package statecache

import "github.com/prometheus/client_golang/prometheus"

var (
	cacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "stateserver",
		Subsystem: "state_cache",
		Name:      "hits_total",
		Help:      "Number of room state cache lookups that were served from cache.",
	})
	cacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "stateserver",
		Subsystem: "state_cache",
		Name:      "misses_total",
		Help:      "Number of room state cache lookups that missed and had to be recomputed.",
	})
	cacheEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "stateserver",
		Subsystem: "state_cache",
		Name:      "evictions_total",
		Help:      "Number of room state cache entries explicitly invalidated.",
	})
)

func init() {
	prometheus.MustRegister(cacheHits, cacheMisses, cacheEvictions)
}
