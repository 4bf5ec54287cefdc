package store

import "github.com/prometheus/client_golang/prometheus"

var (
	StoreOpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "fabric",
		Subsystem: "store",
		Name:      "op_duration_seconds",
		Help:      "Time the store actor spends on one operation",
		Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 10),
	}, []string{"op"})
	StoreBatchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "fabric",
		Subsystem: "store",
		Name:      "batch_ops",
		Help:      "Operations committed together",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
	})
	StoreFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fabric",
		Subsystem: "store",
		Name:      "failures_total",
		Help:      "Storage failures, each one rolled a batch back",
	})
)

func Metrics() []prometheus.Collector {
	return []prometheus.Collector{StoreOpDuration, StoreBatchSize, StoreFailures}
}
