// Package checkpoint persists full training state as a single verified blob
// and keeps the best one seen so far.
package checkpoint

import (
	"errors"
	"time"

	json "github.com/goccy/go-json"

	"github.com/tsawler/go-promptel/optimizer"
	"github.com/tsawler/go-promptel/tensor"
)

// ErrCorrupt is returned when a checkpoint fails its magic, version, length or
// checksum checks.
var ErrCorrupt = errors.New("corrupt checkpoint")

// Counters are the scalar training totals saved with each checkpoint.
type Counters struct {
	Step         int64   `json:"step_num"`
	MicroBatches int64   `json:"micro_batches"`
	TrLoss       float64 `json:"tr_loss"`
	LoggingLoss  float64 `json:"logging_loss"`
}

// Checkpoint represents a training checkpoint. A written checkpoint is never
// modified; the next improvement replaces it wholesale.
type Checkpoint struct {
	// Metadata
	Version   int       `json:"version"`
	RunID     string    `json:"run_id"`
	Timestamp time.Time `json:"timestamp"`
	ModelName string    `json:"model_name"`
	Epoch     int       `json:"epoch"`
	Perf      float64   `json:"perf"` // best validation hit@1

	// Run configuration, stored as given.
	Config json.RawMessage `json:"config,omitempty"`

	Counters  Counters                 `json:"counters"`
	Optimizer optimizer.State          `json:"optimizer"`
	Scheduler optimizer.SchedulerState `json:"scheduler"`

	// Weights are stored as tensor records after the metadata.
	ModelState tensor.StateDict `json:"-"`
}
