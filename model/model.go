// Package model defines the capability interface the training loop drives,
// a name-keyed registry of implementations, and the candidate-scoring loss
// family.
package model

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tsawler/go-promptel/data"
	"github.com/tsawler/go-promptel/device"
	"github.com/tsawler/go-promptel/tensor"
)

// Loss is the summed loss of one forward pass over a batch.
type Loss interface {
	// Value returns the summed loss.
	Value() float64
	// Backward accumulates scale * dLoss/dParam into every parameter gradient.
	Backward(scale float64) error
}

// Model is a candidate scorer that can be trained and checkpointed.
type Model interface {
	ForwardTrain(ctx context.Context, b *data.Batch) (Loss, error)
	ForwardEval(ctx context.Context, b *data.Batch) ([][]float64, error)
	Parameters() []*tensor.Parameter
	StateDict() tensor.StateDict
	LoadStateDict(sd tensor.StateDict, strict bool) (tensor.LoadReport, error)
	SetTraining(training bool)
	To(d device.Device) error
	Clone() Model
	Name() string
}

// Options configures model construction.
type Options struct {
	VocabSize  int
	EntityRows int
	Dim        int
	Loss       LossType
	Seed       uint64
	InitStd    float64
}

// Factory builds a model from options.
type Factory func(opts Options) (Model, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a model variant available to New. It panics on duplicates.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("model: variant %q registered twice", name))
	}
	registry[name] = f
}

// New builds the named variant.
func New(name string, opts Options) (Model, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown model variant %q (have %v)", name, Variants())
	}
	m, err := f(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s: %w", name, err)
	}
	return m, nil
}

// Variants lists the registered variant names.
func Variants() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
