package resolver

import "github.com/prometheus/client_golang/prometheus"

var (
	FetchesStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fabric",
		Subsystem: "resolver",
		Name:      "fetches_total",
		Help:      "Block fetches sent to an origin",
	})
	FetchesShared = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fabric",
		Subsystem: "resolver",
		Name:      "fetches_shared_total",
		Help:      "Block requests served by a fetch already in flight",
	})
	CorruptBlocks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fabric",
		Subsystem: "resolver",
		Name:      "corrupt_blocks_total",
		Help:      "Blocks that failed to decode, per origin",
	}, []string{"origin"})
	BlocksParked = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fabric",
		Subsystem: "resolver",
		Name:      "blocks_parked",
		Help:      "Fetched blocks waiting for their causal past",
	})
)

func Metrics() []prometheus.Collector {
	return []prometheus.Collector{FetchesStarted, FetchesShared, CorruptBlocks, BlocksParked}
}
