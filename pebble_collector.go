package sequencer

import (
	"github.com/cockroachdb/pebble"
	"github.com/prometheus/client_golang/prometheus"
)

type pebbleMetric struct {
	desc  *prometheus.Desc
	kind  prometheus.ValueType
	value func(*pebble.Metrics) float64
}

// PebbleCollector exports the store engine's internal metrics.
type PebbleCollector struct {
	db      *pebble.DB
	metrics []pebbleMetric
}

func NewPebbleCollector(db *pebble.DB) *PebbleCollector {
	gauge := func(name, help string, value func(*pebble.Metrics) float64) pebbleMetric {
		return pebbleMetric{
			desc:  prometheus.NewDesc("sequencer_pebble_"+name, help, nil, nil),
			kind:  prometheus.GaugeValue,
			value: value,
		}
	}
	counter := func(name, help string, value func(*pebble.Metrics) float64) pebbleMetric {
		return pebbleMetric{
			desc:  prometheus.NewDesc("sequencer_pebble_"+name, help, nil, nil),
			kind:  prometheus.CounterValue,
			value: value,
		}
	}
	return &PebbleCollector{
		db: db,
		metrics: []pebbleMetric{
			counter("compaction_count_total", "Total number of compactions performed",
				func(m *pebble.Metrics) float64 { return float64(m.Compact.Count) }),
			gauge("compaction_estimated_debt_bytes", "Bytes to compact to reach a stable state",
				func(m *pebble.Metrics) float64 { return float64(m.Compact.EstimatedDebt) }),
			gauge("compaction_in_progress_bytes", "Bytes being compacted currently",
				func(m *pebble.Metrics) float64 { return float64(m.Compact.InProgressBytes) }),
			gauge("memtable_size_bytes", "Current size of the memtable",
				func(m *pebble.Metrics) float64 { return float64(m.MemTable.Size) }),
			gauge("memtable_count", "Current count of memtables",
				func(m *pebble.Metrics) float64 { return float64(m.MemTable.Count) }),
			gauge("wal_files", "Number of live WAL files",
				func(m *pebble.Metrics) float64 { return float64(m.WAL.Files) }),
			gauge("wal_size_bytes", "Size of live WAL data",
				func(m *pebble.Metrics) float64 { return float64(m.WAL.Size) }),
			counter("wal_bytes_written_total", "Total physical bytes written to the WAL",
				func(m *pebble.Metrics) float64 { return float64(m.WAL.BytesWritten) }),
			counter("flush_count_total", "Total number of memtable flushes",
				func(m *pebble.Metrics) float64 { return float64(m.Flush.Count) }),
			gauge("disk_space_bytes", "Total disk space used by the store",
				func(m *pebble.Metrics) float64 { return float64(m.DiskSpaceUsage()) }),
		},
	}
}

func (pc *PebbleCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range pc.metrics {
		ch <- m.desc
	}
}

func (pc *PebbleCollector) Collect(ch chan<- prometheus.Metric) {
	stats := pc.db.Metrics()
	for _, m := range pc.metrics {
		ch <- prometheus.MustNewConstMetric(m.desc, m.kind, m.value(stats))
	}
}
