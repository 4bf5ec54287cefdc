package store

import (
	"github.com/cockroachdb/pebble"
	"github.com/prometheus/client_golang/prometheus"
)

type pebbleMetric struct {
	desc  *prometheus.Desc
	kind  prometheus.ValueType
	value func(m *pebble.Metrics) float64
}

// PebbleCollector reports compaction, memtable and WAL figures of a
// pebble database.
type PebbleCollector struct {
	db      *pebble.DB
	metrics []pebbleMetric
}

func NewPebbleCollector(db *pebble.DB) *PebbleCollector {
	pc := &PebbleCollector{db: db}
	add := func(name, help string, kind prometheus.ValueType, value func(m *pebble.Metrics) float64) {
		pc.metrics = append(pc.metrics, pebbleMetric{
			desc:  prometheus.NewDesc("fabric_pebble_"+name, help, nil, nil),
			kind:  kind,
			value: value,
		})
	}
	counter, gauge := prometheus.CounterValue, prometheus.GaugeValue

	add("compaction_count_total", "Compactions performed", counter,
		func(m *pebble.Metrics) float64 { return float64(m.Compact.Count) })
	add("compaction_estimated_debt_bytes", "Bytes to compact to reach a stable state", gauge,
		func(m *pebble.Metrics) float64 { return float64(m.Compact.EstimatedDebt) })
	add("compaction_in_progress_bytes", "Bytes being compacted", gauge,
		func(m *pebble.Metrics) float64 { return float64(m.Compact.InProgressBytes) })
	add("compaction_marked_files", "Files marked for compaction", gauge,
		func(m *pebble.Metrics) float64 { return float64(m.Compact.MarkedFiles) })

	add("memtable_size_bytes", "Memtable size", gauge,
		func(m *pebble.Metrics) float64 { return float64(m.MemTable.Size) })
	add("memtable_count", "Memtables", gauge,
		func(m *pebble.Metrics) float64 { return float64(m.MemTable.Count) })
	add("memtable_zombie_size_bytes", "Zombie memtable size", gauge,
		func(m *pebble.Metrics) float64 { return float64(m.MemTable.ZombieSize) })

	// zero while the WAL is disabled
	add("wal_files", "Live WAL files", gauge,
		func(m *pebble.Metrics) float64 { return float64(m.WAL.Files) })
	add("wal_size_bytes", "Live WAL data", gauge,
		func(m *pebble.Metrics) float64 { return float64(m.WAL.Size) })
	add("wal_bytes_written_total", "Physical bytes written to the WAL", counter,
		func(m *pebble.Metrics) float64 { return float64(m.WAL.BytesWritten) })
	return pc
}

func (pc *PebbleCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range pc.metrics {
		ch <- m.desc
	}
}

func (pc *PebbleCollector) Collect(ch chan<- prometheus.Metric) {
	snap := pc.db.Metrics()
	for _, m := range pc.metrics {
		ch <- prometheus.MustNewConstMetric(m.desc, m.kind, m.value(snap))
	}
}
