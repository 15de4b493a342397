package optimizer

import (
	"fmt"
	"math"
)

// LRScheduler represents a learning rate scheduler interface
type LRScheduler interface {
	Step(step int64) error
	GetLR() float64
	SetOptimizer(opt Optimizer)
	State() SchedulerState
	LoadState(state SchedulerState) error
}

// SchedulerState is a serializable snapshot of a scheduler.
type SchedulerState struct {
	Kind      string  `json:"kind"`
	LastStep  int64   `json:"last_step"`
	CurrentLR float64 `json:"current_lr"`
}

// ConstantScheduler keeps the learning rate fixed.
type ConstantScheduler struct {
	optimizer Optimizer
	lr        float64
	lastStep  int64
}

// NewConstantScheduler creates a scheduler that always returns lr.
func NewConstantScheduler(lr float64) *ConstantScheduler {
	return &ConstantScheduler{lr: lr}
}

// Step records the step and re-applies the fixed rate.
func (s *ConstantScheduler) Step(step int64) error {
	s.lastStep = step
	if s.optimizer != nil {
		s.optimizer.SetLearningRate(s.lr)
	}
	return nil
}

// GetLR returns the current learning rate
func (s *ConstantScheduler) GetLR() float64 {
	return s.lr
}

// SetOptimizer sets the optimizer to update
func (s *ConstantScheduler) SetOptimizer(opt Optimizer) {
	s.optimizer = opt
}

// State snapshots the scheduler.
func (s *ConstantScheduler) State() SchedulerState {
	return SchedulerState{Kind: "constant", LastStep: s.lastStep, CurrentLR: s.lr}
}

// LoadState restores a snapshot and re-applies it to the optimizer.
func (s *ConstantScheduler) LoadState(state SchedulerState) error {
	if state.Kind != "constant" {
		return fmt.Errorf("cannot load %q scheduler state into constant", state.Kind)
	}
	return s.Step(state.LastStep)
}

// PolynomialDecayScheduler implements polynomial decay learning rate scheduling
type PolynomialDecayScheduler struct {
	optimizer  Optimizer
	initialLR  float64
	finalLR    float64
	totalSteps int64
	power      float64
	currentLR  float64
	lastStep   int64
}

// NewPolynomialDecayScheduler creates a new polynomial decay scheduler
func NewPolynomialDecayScheduler(initialLR, finalLR float64, totalSteps int64, power float64) *PolynomialDecayScheduler {
	return &PolynomialDecayScheduler{
		initialLR:  initialLR,
		finalLR:    finalLR,
		totalSteps: totalSteps,
		power:      power,
		currentLR:  initialLR,
	}
}

// Step updates the learning rate based on the current step
func (s *PolynomialDecayScheduler) Step(step int64) error {
	if step < 0 {
		return fmt.Errorf("negative scheduler step %d", step)
	}
	s.lastStep = step

	if s.totalSteps <= 0 || step >= s.totalSteps {
		s.currentLR = s.finalLR
	} else {
		remaining := 1 - float64(step)/float64(s.totalSteps)
		s.currentLR = (s.initialLR-s.finalLR)*math.Pow(remaining, s.power) + s.finalLR
	}

	if s.optimizer != nil {
		s.optimizer.SetLearningRate(s.currentLR)
	}
	return nil
}

// GetLR returns the current learning rate
func (s *PolynomialDecayScheduler) GetLR() float64 {
	return s.currentLR
}

// SetOptimizer sets the optimizer to update
func (s *PolynomialDecayScheduler) SetOptimizer(opt Optimizer) {
	s.optimizer = opt
}

// State snapshots the scheduler.
func (s *PolynomialDecayScheduler) State() SchedulerState {
	return SchedulerState{Kind: "polynomial", LastStep: s.lastStep, CurrentLR: s.currentLR}
}

// LoadState restores a snapshot and re-applies it to the optimizer.
func (s *PolynomialDecayScheduler) LoadState(state SchedulerState) error {
	if state.Kind != "polynomial" {
		return fmt.Errorf("cannot load %q scheduler state into polynomial", state.Kind)
	}
	return s.Step(state.LastStep)
}

// WarmupScheduler implements linear learning rate warmup
type WarmupScheduler struct {
	optimizer     Optimizer
	targetLR      float64
	warmupSteps   int64
	currentLR     float64
	lastStep      int64
	baseScheduler LRScheduler // Optional base scheduler to use after warmup
}

// NewWarmupScheduler creates a new warmup scheduler
func NewWarmupScheduler(targetLR float64, warmupSteps int64) *WarmupScheduler {
	return &WarmupScheduler{
		targetLR:    targetLR,
		warmupSteps: warmupSteps,
		currentLR:   0.0,
	}
}

// SetBaseScheduler sets a base scheduler to use after warmup completes
func (s *WarmupScheduler) SetBaseScheduler(scheduler LRScheduler) {
	s.baseScheduler = scheduler
}

// Step updates the learning rate based on the current step
func (s *WarmupScheduler) Step(step int64) error {
	if step < 0 {
		return fmt.Errorf("negative scheduler step %d", step)
	}
	s.lastStep = step

	switch {
	case step < s.warmupSteps:
		s.currentLR = s.targetLR * float64(step) / float64(s.warmupSteps)
	case s.baseScheduler != nil:
		if err := s.baseScheduler.Step(step - s.warmupSteps); err != nil {
			return err
		}
		s.currentLR = s.baseScheduler.GetLR()
	default:
		s.currentLR = s.targetLR
	}

	if s.optimizer != nil {
		s.optimizer.SetLearningRate(s.currentLR)
	}
	return nil
}

// GetLR returns the current learning rate
func (s *WarmupScheduler) GetLR() float64 {
	return s.currentLR
}

// SetOptimizer sets the optimizer to update
func (s *WarmupScheduler) SetOptimizer(opt Optimizer) {
	s.optimizer = opt
	if s.baseScheduler != nil {
		s.baseScheduler.SetOptimizer(opt)
	}
}

// State snapshots the scheduler. The base scheduler is fully determined by
// the warmup step, so only the outer step is kept.
func (s *WarmupScheduler) State() SchedulerState {
	return SchedulerState{Kind: "warmup", LastStep: s.lastStep, CurrentLR: s.currentLR}
}

// LoadState restores a snapshot and re-applies it to the optimizer.
func (s *WarmupScheduler) LoadState(state SchedulerState) error {
	if state.Kind != "warmup" {
		return fmt.Errorf("cannot load %q scheduler state into warmup", state.Kind)
	}
	return s.Step(state.LastStep)
}

// NewWarmupLinearScheduler ramps linearly from 0 to maxLR over warmupSteps and
// then decays linearly to 0 at totalSteps.
func NewWarmupLinearScheduler(maxLR float64, warmupSteps, totalSteps int64) LRScheduler {
	decaySteps := totalSteps - warmupSteps
	if decaySteps < 0 {
		decaySteps = 0
	}
	linear := NewPolynomialDecayScheduler(maxLR, 0, decaySteps, 1.0)
	warmup := NewWarmupScheduler(maxLR, warmupSteps)
	warmup.SetBaseScheduler(linear)
	return warmup
}
