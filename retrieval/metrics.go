package retrieval

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	searchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "memoryx",
		Name:      "search_latency_seconds",
		Help:      "End to end search latency.",
		Buckets:   prometheus.DefBuckets,
	})

	quotaRejections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "memoryx",
		Name:      "search_quota_rejections_total",
		Help:      "Searches rejected by the daily free tier quota.",
	})
)
