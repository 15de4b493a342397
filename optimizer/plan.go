package optimizer

import (
	"errors"
	"fmt"
	"math"

	"github.com/tsawler/go-promptel/tensor"
)

// Policy selects how the optimizer and learning-rate schedule are built.
type Policy string

const (
	// PolicyWarmupLinear is AdamW with decoupled decay, linear warmup and
	// linear decay to zero.
	PolicyWarmupLinear Policy = "warmup_linear"
	// PolicyConstant is plain Adam at a flat learning rate.
	PolicyConstant Policy = "constant"
)

// DefaultNoDecay lists the parameter name fragments exempt from weight decay.
var DefaultNoDecay = []string{"bias", "LayerNorm.weight"}

// ErrInvalidPlan is returned for budgets that cannot describe a run.
var ErrInvalidPlan = errors.New("invalid optimization plan")

// PlanConfig describes the training budget and hyperparameters.
type PlanConfig struct {
	NumExamples       int
	BatchSize         int
	AccumulationSteps int
	Epochs            int
	WarmupProportion  float64
	LearningRate      float64
	Epsilon           float64
	WeightDecay       float64
	Beta1             float64
	Beta2             float64
	Policy            Policy
	NoDecay           []string
}

// Plan is a constructed optimizer + schedule pair and the step budget they
// were sized for.
type Plan struct {
	TotalSteps  int64
	WarmupSteps int64
	Optimizer   Optimizer
	Scheduler   LRScheduler
	Groups      []ParamGroup
}

// TrainingSteps returns floor(numExamples / batchSize / accumulation * epochs).
// The division is done in floating point so fractional epochs of batches
// still count toward the budget.
func TrainingSteps(numExamples, batchSize, accumulation, epochs int) int64 {
	if batchSize <= 0 || accumulation <= 0 {
		return 0
	}
	steps := float64(numExamples) / float64(batchSize) / float64(accumulation) * float64(epochs)
	return int64(math.Floor(steps))
}

// WarmupSteps returns floor(totalSteps * proportion).
func WarmupSteps(totalSteps int64, proportion float64) int64 {
	return int64(math.Floor(float64(totalSteps) * proportion))
}

// GroupByDecay splits params into a decayed group and a zero-decay group.
// Parameters whose names contain any noDecay fragment land in the second.
func GroupByDecay(params []*tensor.Parameter, weightDecay float64, noDecay []string) []ParamGroup {
	decayed := ParamGroup{WeightDecay: weightDecay}
	exempt := ParamGroup{WeightDecay: 0}
	for _, p := range params {
		if p.Matches(noDecay) {
			exempt.Params = append(exempt.Params, p)
		} else {
			decayed.Params = append(decayed.Params, p)
		}
	}
	return []ParamGroup{decayed, exempt}
}

func (cfg PlanConfig) validate() error {
	switch {
	case cfg.BatchSize <= 0:
		return fmt.Errorf("%w: batch size must be positive, got %d", ErrInvalidPlan, cfg.BatchSize)
	case cfg.AccumulationSteps <= 0:
		return fmt.Errorf("%w: accumulation steps must be positive, got %d", ErrInvalidPlan, cfg.AccumulationSteps)
	case cfg.Epochs < 0:
		return fmt.Errorf("%w: epochs must not be negative, got %d", ErrInvalidPlan, cfg.Epochs)
	case cfg.NumExamples < 0:
		return fmt.Errorf("%w: example count must not be negative, got %d", ErrInvalidPlan, cfg.NumExamples)
	case cfg.LearningRate < 0:
		return fmt.Errorf("%w: learning rate must not be negative, got %g", ErrInvalidPlan, cfg.LearningRate)
	case cfg.WarmupProportion < 0 || cfg.WarmupProportion > 1:
		return fmt.Errorf("%w: warmup proportion must be in [0,1], got %g", ErrInvalidPlan, cfg.WarmupProportion)
	}
	return nil
}

// Configure builds the optimizer and schedule for params.
//
// A zero step budget is not an error here: the optimizer and schedule are
// still built and callers decide how to treat an empty budget.
func Configure(cfg PlanConfig, params []*tensor.Parameter) (*Plan, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Beta1 == 0 {
		cfg.Beta1 = 0.9
	}
	if cfg.Beta2 == 0 {
		cfg.Beta2 = 0.999
	}
	if cfg.Epsilon == 0 {
		cfg.Epsilon = 1e-6
	}
	if cfg.NoDecay == nil {
		cfg.NoDecay = DefaultNoDecay
	}

	plan := &Plan{
		TotalSteps: TrainingSteps(cfg.NumExamples, cfg.BatchSize, cfg.AccumulationSteps, cfg.Epochs),
	}

	switch cfg.Policy {
	case PolicyWarmupLinear, "":
		plan.WarmupSteps = WarmupSteps(plan.TotalSteps, cfg.WarmupProportion)
		plan.Groups = GroupByDecay(params, cfg.WeightDecay, cfg.NoDecay)
		plan.Optimizer = NewAdamW(AdamWConfig{
			OptimizerConfig: OptimizerConfig{
				LearningRate: cfg.LearningRate,
				WeightDecay:  cfg.WeightDecay,
			},
			Beta1:   cfg.Beta1,
			Beta2:   cfg.Beta2,
			Epsilon: cfg.Epsilon,
		}, plan.Groups...)
		plan.Scheduler = NewWarmupLinearScheduler(cfg.LearningRate, plan.WarmupSteps, plan.TotalSteps)

	case PolicyConstant:
		plan.Groups = []ParamGroup{{Params: params}}
		plan.Optimizer = NewAdam(AdamConfig{
			OptimizerConfig: OptimizerConfig{LearningRate: cfg.LearningRate},
			Beta1:           cfg.Beta1,
			Beta2:           cfg.Beta2,
			Epsilon:         1e-8,
		})
		plan.Scheduler = NewConstantScheduler(cfg.LearningRate)

	default:
		return nil, fmt.Errorf("%w: unsupported policy %q", ErrInvalidPlan, cfg.Policy)
	}

	plan.Scheduler.SetOptimizer(plan.Optimizer)
	if err := plan.Scheduler.Step(0); err != nil {
		return nil, fmt.Errorf("failed to initialize scheduler: %w", err)
	}
	return plan, nil
}
