package sequencer

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Usman6360/signup-sequencer/prover"
)

var InsertionBatches = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "sequencer",
	Subsystem: "insertion",
	Name:      "batches",
})

var InsertionBatchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
	Namespace: "sequencer",
	Subsystem: "insertion",
	Name:      "batch_size",
	Buckets:   []float64{1, 2, 5, 10, 20, 50, 100, 200, 500, 1000},
})

var InsertionDuplicates = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "sequencer",
	Subsystem: "insertion",
	Name:      "duplicates",
}, []string{"reason"})

var InsertionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
	Namespace: "sequencer",
	Subsystem: "insertion",
	Name:      "duration_seconds",
	Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
})

var TreeLeaves = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "sequencer",
	Subsystem: "tree",
	Name:      "leaves",
})

// RegisterMetrics registers every metric of the sequencer packages on r.
func RegisterMetrics(r prometheus.Registerer) {
	r.MustRegister(
		InsertionBatches,
		InsertionBatchSize,
		InsertionDuplicates,
		InsertionDuration,
		TreeLeaves,
		prover.RegisteredProvers,
	)
}
