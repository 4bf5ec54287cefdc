package network

import "github.com/prometheus/client_golang/prometheus"

var (
	Connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fabric",
		Subsystem: "net",
		Name:      "connections",
		Help:      "Live peer connections, both directions",
	})
	BytesRead = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fabric",
		Subsystem: "net",
		Name:      "read_bytes_total",
	})
	BytesWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fabric",
		Subsystem: "net",
		Name:      "written_bytes_total",
	})
)

func Metrics() []prometheus.Collector {
	return []prometheus.Collector{Connections, BytesRead, BytesWritten}
}
