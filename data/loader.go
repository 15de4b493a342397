package data

import (
	"fmt"
	"math/rand/v2"
)

// DataLoader yields collated batches over a fixed set of examples.
type DataLoader interface {
	GetBatch(batchIdx int) (*Batch, error)
	BatchCount() int
	Shuffle() error
	Reset() error
	GetDatasetSize() int
}

// LoaderConfig contains configuration for a Loader.
type LoaderConfig struct {
	BatchSize int
	Shuffle   bool   // reshuffle the visiting order on every Shuffle call
	DropLast  bool   // drop a trailing partial batch
	Seed      uint64 // seeds the shuffling stream
}

// Loader is an in-memory DataLoader. Batches are collated on demand.
type Loader struct {
	examples  []*Example
	batchSize int
	shuffle   bool
	dropLast  bool
	rng       *rand.Rand
	indices   []int
}

// NewLoader validates every example and builds a loader over them.
func NewLoader(examples []*Example, config LoaderConfig) (*Loader, error) {
	if config.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	for i, e := range examples {
		if err := e.Validate(); err != nil {
			return nil, fmt.Errorf("example %d: %w", i, err)
		}
	}

	l := &Loader{
		examples:  examples,
		batchSize: config.BatchSize,
		shuffle:   config.Shuffle,
		dropLast:  config.DropLast,
		rng:       rand.New(rand.NewPCG(config.Seed, config.Seed^0x9e3779b97f4a7c15)),
	}
	if err := l.Reset(); err != nil {
		return nil, err
	}
	return l, nil
}

// GetBatch collates the batchIdx-th batch of the current visiting order.
func (l *Loader) GetBatch(batchIdx int) (*Batch, error) {
	if batchIdx < 0 || batchIdx >= l.BatchCount() {
		return nil, fmt.Errorf("batch index %d out of range [0,%d)", batchIdx, l.BatchCount())
	}
	start := batchIdx * l.batchSize
	end := min(start+l.batchSize, len(l.indices))

	idx := l.indices[start:end]
	group := make([]*Example, len(idx))
	for i, j := range idx {
		group[i] = l.examples[j]
	}
	return Collate(group, idx)
}

// BatchCount returns the number of batches per pass.
func (l *Loader) BatchCount() int {
	n := len(l.examples)
	if l.dropLast {
		return n / l.batchSize
	}
	return (n + l.batchSize - 1) / l.batchSize
}

// Shuffle permutes the visiting order when shuffling is enabled.
func (l *Loader) Shuffle() error {
	if !l.shuffle {
		return nil
	}
	l.rng.Shuffle(len(l.indices), func(i, j int) {
		l.indices[i], l.indices[j] = l.indices[j], l.indices[i]
	})
	return nil
}

// Reset restores the dataset order.
func (l *Loader) Reset() error {
	l.indices = make([]int, len(l.examples))
	for i := range l.indices {
		l.indices[i] = i
	}
	return nil
}

// GetDatasetSize returns the number of examples.
func (l *Loader) GetDatasetSize() int {
	return len(l.examples)
}

// Examples returns the examples in dataset order.
func (l *Loader) Examples() []*Example {
	return l.examples
}
