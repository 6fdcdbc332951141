package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "corrtrace"

type collectors struct {
	queryDuration  *prometheus.HistogramVec
	queryErrors    *prometheus.CounterVec
	cacheRequests  *prometheus.CounterVec
	failedShards   prometheus.Counter
	partialResults prometheus.Counter
}

func newCollectors(reg prometheus.Registerer) *collectors {
	factory := promauto.With(reg)

	return &collectors{
		queryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "query_duration_seconds",
				Help:      "Store-reported query execution time",
				Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"kind"},
		),
		queryErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "query_errors_total",
				Help:      "Store queries that failed",
			},
			[]string{"kind"},
		),
		cacheRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "requests_total",
				Help:      "Result cache lookups by outcome",
			},
			[]string{"result"},
		),
		failedShards: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "failed_shards_total",
				Help:      "Shards that failed while answering queries",
			},
		),
		partialResults: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "partial_results_total",
				Help:      "Queries answered with partial results",
			},
		),
	}
}

func (c *collectors) observe(m QueryMetrics) {
	if m.Error != "" {
		c.queryErrors.WithLabelValues(m.Kind).Inc()
		return
	}
	if !m.CacheHit {
		c.queryDuration.WithLabelValues(m.Kind).Observe(float64(m.TookMs) / 1000)
	}
	c.failedShards.Add(float64(m.FailedShards))
	if m.Partial {
		c.partialResults.Inc()
	}
}

func (c *collectors) cache(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	c.cacheRequests.WithLabelValues(result).Inc()
}
