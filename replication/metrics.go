package replication

import "github.com/prometheus/client_golang/prometheus"

var (
	MessagesIn = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fabric",
		Subsystem: "replication",
		Name:      "messages_in_total",
		Help:      "Session messages received, by type",
	}, []string{"type"})
	MessagesOut = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fabric",
		Subsystem: "replication",
		Name:      "messages_out_total",
		Help:      "Session messages sent, by type",
	}, []string{"type"})
	ReplayLogLen = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fabric",
		Subsystem: "replication",
		Name:      "replay_log_entries",
		Help:      "Announcements a peer has not acknowledged yet",
	}, []string{"peer"})
)

func Metrics() []prometheus.Collector {
	return []prometheus.Collector{MessagesIn, MessagesOut, ReplayLogLen}
}
