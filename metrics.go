package fabric

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/drpcorg/fabric/network"
	"github.com/drpcorg/fabric/replication"
	"github.com/drpcorg/fabric/resolver"
	"github.com/drpcorg/fabric/store"
)

var CommitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "fabric",
	Subsystem: "branch",
	Name:      "commits_total",
})

var CommitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
	Namespace: "fabric",
	Subsystem: "branch",
	Name:      "commit_duration_seconds",
	Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 10),
})

var ConflictsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "fabric",
	Subsystem: "branch",
	Name:      "conflicts_total",
	Help:      "Commits aborted, by detection policy",
}, []string{"policy"})

var CASRetries = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "fabric",
	Subsystem: "branch",
	Name:      "cas_retries_total",
})

var RunRetries = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "fabric",
	Subsystem: "branch",
	Name:      "run_retries_total",
})

var PendingMaps = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "fabric",
	Subsystem: "branch",
	Name:      "pending_maps",
	Help:      "Committed maps waiting for the flush",
}, []string{"branch"})

var BlocksFlushed = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "fabric",
	Subsystem: "branch",
	Name:      "blocks_flushed_total",
})

var CoalescedVersions = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "fabric",
	Subsystem: "branch",
	Name:      "coalesced_versions_total",
})

var FlushFailures = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "fabric",
	Subsystem: "branch",
	Name:      "flush_failures_total",
})

var FoldsTotal = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "fabric",
	Subsystem: "branch",
	Name:      "folds_total",
})

var OverloadTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "fabric",
	Subsystem: "branch",
	Name:      "overload_total",
}, []string{"limit"})

var BlocksApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "fabric",
	Subsystem: "branch",
	Name:      "blocks_applied_total",
}, []string{"result"})

// Metrics lists every fabric collector, sub-packages included.
func Metrics() []prometheus.Collector {
	all := []prometheus.Collector{
		CommitsTotal, CommitDuration, ConflictsTotal, CASRetries, RunRetries,
		PendingMaps, BlocksFlushed, CoalescedVersions, FlushFailures,
		FoldsTotal, OverloadTotal, BlocksApplied,
	}
	all = append(all, store.Metrics()...)
	all = append(all, resolver.Metrics()...)
	all = append(all, replication.Metrics()...)
	all = append(all, network.Metrics()...)
	return all
}
