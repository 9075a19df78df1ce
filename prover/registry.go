package prover

import (
	"fmt"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var RegisteredProvers = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "sequencer",
	Subsystem: "prover",
	Name:      "registered",
})

// Registry maps a batch-size ceiling to the prover registered for it.
// Ceilings are unique and kept in ascending order; lookup is first-fit,
// the smallest ceiling that can still take the batch wins.
type Registry struct {
	mu      sync.RWMutex
	entries []entry
}

type entry struct {
	size   int
	prover *Prover
}

// BatchSize is the reporting view of one registration.
type BatchSize struct {
	BatchSize int    `json:"batch_size"`
	ProverURL string `json:"prover_url"`
}

// NewRegistry builds a registry from configuration. Every prover is
// constructed independently and a single failure fails the whole build.
func NewRegistry(cfgs []Config) (*Registry, error) {
	r := &Registry{}
	for _, cfg := range cfgs {
		p, err := New(cfg)
		if err != nil {
			return nil, fmt.Errorf("prover for batch size %d: %w", cfg.BatchSize, err)
		}
		r.Add(cfg.BatchSize, p)
	}
	return r, nil
}

// Add registers prover for the exact ceiling batchSize, replacing any
// previous registration.
func (r *Registry) Add(batchSize int, p *Prover) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := sort.Search(len(r.entries), func(i int) bool {
		return r.entries[i].size >= batchSize
	})
	if i < len(r.entries) && r.entries[i].size == batchSize {
		r.entries[i].prover = p
		return
	}
	r.entries = append(r.entries, entry{})
	copy(r.entries[i+1:], r.entries[i:])
	r.entries[i] = entry{size: batchSize, prover: p}
	RegisteredProvers.Set(float64(len(r.entries)))
}

// Remove drops the registration for the exact ceiling batchSize and
// returns it, or nil if there was none.
func (r *Registry) Remove(batchSize int) *Prover {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := sort.Search(len(r.entries), func(i int) bool {
		return r.entries[i].size >= batchSize
	})
	if i == len(r.entries) || r.entries[i].size != batchSize {
		return nil
	}
	p := r.entries[i].prover
	r.entries = append(r.entries[:i], r.entries[i+1:]...)
	RegisteredProvers.Set(float64(len(r.entries)))
	return p
}

// Get returns the prover with the smallest ceiling that is >= batchSize,
// or nil if no registered prover is large enough.
func (r *Registry) Get(batchSize int) *Prover {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if batchSize <= e.size {
			return e.prover
		}
	}
	return nil
}

// MaxBatchSize returns the largest registered ceiling, 0 when empty.
func (r *Registry) MaxBatchSize() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.entries) == 0 {
		return 0
	}
	return r.entries[len(r.entries)-1].size
}

// BatchSizeExists reports whether batchSize is registered as an exact
// ceiling. Unlike Get this does no range matching.
func (r *Registry) BatchSizeExists(batchSize int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i := sort.Search(len(r.entries), func(i int) bool {
		return r.entries[i].size >= batchSize
	})
	return i < len(r.entries) && r.entries[i].size == batchSize
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// BatchSizes returns the current registrations in ascending ceiling
// order, for external reporting.
func (r *Registry) BatchSizes() []BatchSize {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sizes := make([]BatchSize, 0, len(r.entries))
	for _, e := range r.entries {
		sizes = append(sizes, BatchSize{BatchSize: e.size, ProverURL: e.prover.URL()})
	}
	return sizes
}
