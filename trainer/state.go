package trainer

import (
	"errors"
	"math"

	"github.com/tsawler/go-promptel/checkpoint"
)

// ErrInsufficientData is returned when the training set cannot fill a single
// update step.
var ErrInsufficientData = errors.New("insufficient data for one update step")

// State is the controller's running record of a training run.
type State struct {
	Epoch        int     // current epoch, counted from 1
	Step         int64   // optimizer updates applied
	MicroBatches int64   // micro-batches seen, across epochs
	TrLoss       float64 // sum of scaled micro-batch losses
	LoggingLoss  float64
	BestHit1     float64
}

func newState() State {
	return State{BestHit1: math.Inf(-1)}
}

// AverageLoss is the accumulated loss per update step. ok is false before
// the first update.
func (s State) AverageLoss() (avg float64, ok bool) {
	if s.Step == 0 {
		return 0, false
	}
	return s.TrLoss / float64(s.Step), true
}

func (s State) counters() checkpoint.Counters {
	return checkpoint.Counters{
		Step:         s.Step,
		MicroBatches: s.MicroBatches,
		TrLoss:       s.TrLoss,
		LoggingLoss:  s.LoggingLoss,
	}
}
