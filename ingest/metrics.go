package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ingestOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "memoryx",
		Subsystem: "ingest",
		Name:      "operations_total",
		Help:      "Reconciliation operations committed, by outcome.",
	}, []string{"op"})

	compensations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "memoryx",
		Subsystem: "ingest",
		Name:      "compensations_total",
		Help:      "Saga compensations executed after a partial commit.",
	})

	judgeLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "memoryx",
		Subsystem: "ingest",
		Name:      "judge_latency_seconds",
		Help:      "Latency of one reconciliation judge round.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
	})

	tasksEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "memoryx",
		Subsystem: "ingest",
		Name:      "tasks_enqueued_total",
		Help:      "Ingestion tasks enqueued, by kind.",
	}, []string{"kind"})

	duplicateSegments = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "memoryx",
		Subsystem: "ingest",
		Name:      "duplicate_segments_total",
		Help:      "Conversation flushes rejected by segment idempotency.",
	})
)
