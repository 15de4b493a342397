package optimizer

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/tsawler/go-promptel/tensor"
)

// Optimizer represents a generic optimizer interface
type Optimizer interface {
	Step(params []*tensor.Parameter) error
	ZeroGrad(params []*tensor.Parameter)
	GetLearningRate() float64
	SetLearningRate(lr float64)
	GetStepCount() int64
	State() State
	LoadState(state State) error
}

// Kind names an optimizer implementation inside a saved State.
type Kind string

const (
	KindAdam  Kind = "adam"
	KindAdamW Kind = "adamw"
)

// State is a serializable snapshot of an optimizer.
type State struct {
	Kind         Kind               `json:"kind"`
	StepCount    int64              `json:"step_count"`
	LearningRate float64            `json:"learning_rate"`
	Beta1        float64            `json:"beta1"`
	Beta2        float64            `json:"beta2"`
	Epsilon      float64            `json:"epsilon"`
	WeightDecay  map[string]float64 `json:"weight_decay,omitempty"`

	// Moment buffers are stored as tensor records, not JSON.
	ExpAvg   map[string]*tensor.Tensor `json:"-"`
	ExpAvgSq map[string]*tensor.Tensor `json:"-"`
}

// OptimizerConfig holds common configuration for all optimizers
type OptimizerConfig struct {
	LearningRate float64
	WeightDecay  float64
}

// AdamConfig holds configuration specific to Adam optimizer
type AdamConfig struct {
	OptimizerConfig
	Beta1   float64
	Beta2   float64
	Epsilon float64
}

// AdamWConfig holds configuration specific to AdamW optimizer
type AdamWConfig struct {
	OptimizerConfig
	Beta1   float64
	Beta2   float64
	Epsilon float64
}

// ParamGroup assigns a weight decay rate to a set of parameters.
type ParamGroup struct {
	Params      []*tensor.Parameter
	WeightDecay float64
}

// moments holds the per-parameter first and second moment buffers shared by
// Adam and AdamW.
type moments struct {
	mBuffers map[string]*tensor.Tensor // First moment buffers
	vBuffers map[string]*tensor.Tensor // Second moment buffers
}

func newMoments() moments {
	return moments{
		mBuffers: make(map[string]*tensor.Tensor),
		vBuffers: make(map[string]*tensor.Tensor),
	}
}

func (mo *moments) buffers(p *tensor.Parameter) (m, v []float64) {
	mt, ok := mo.mBuffers[p.Name]
	if !ok {
		mt = tensor.Zeros(p.Value.Shape...)
		mo.mBuffers[p.Name] = mt
	}
	vt, ok := mo.vBuffers[p.Name]
	if !ok {
		vt = tensor.Zeros(p.Value.Shape...)
		mo.vBuffers[p.Name] = vt
	}
	return mt.Data, vt.Data
}

func (mo *moments) snapshot() (m, v map[string]*tensor.Tensor) {
	m = make(map[string]*tensor.Tensor, len(mo.mBuffers))
	v = make(map[string]*tensor.Tensor, len(mo.vBuffers))
	for name, t := range mo.mBuffers {
		m[name] = t.Clone()
	}
	for name, t := range mo.vBuffers {
		v[name] = t.Clone()
	}
	return m, v
}

func (mo *moments) restore(m, v map[string]*tensor.Tensor) {
	*mo = newMoments()
	for name, t := range m {
		mo.mBuffers[name] = t.Clone()
	}
	for name, t := range v {
		mo.vBuffers[name] = t.Clone()
	}
}

// adamUpdate applies one bias-corrected Adam update to param in place.
// grad is consumed read-only.
func adamUpdate(param, grad, m, v []float64, lr, beta1, beta2, eps float64, step int64) {
	floats.Scale(beta1, m)
	floats.AddScaled(m, 1-beta1, grad)
	for i, g := range grad {
		v[i] = beta2*v[i] + (1-beta2)*g*g
	}

	bc1 := 1 - math.Pow(beta1, float64(step))
	bc2 := 1 - math.Pow(beta2, float64(step))
	stepSize := lr / bc1
	sqrtBC2 := math.Sqrt(bc2)
	for i := range param {
		denom := math.Sqrt(v[i])/sqrtBC2 + eps
		param[i] -= stepSize * m[i] / denom
	}
}

// AdamOptimizer implements the Adam optimization algorithm with coupled (L2)
// weight decay.
type AdamOptimizer struct {
	config AdamConfig
	moments
	stepCount int64
}

// NewAdam creates a new Adam optimizer
func NewAdam(config AdamConfig) *AdamOptimizer {
	return &AdamOptimizer{
		config:  config,
		moments: newMoments(),
	}
}

// Step performs one optimization step
func (opt *AdamOptimizer) Step(params []*tensor.Parameter) error {
	opt.stepCount++

	for _, p := range params {
		if !p.RequiresGrad || p.Grad == nil {
			continue
		}
		if p.Grad.Len() != p.Value.Len() {
			return fmt.Errorf("gradient size mismatch for %s: %d vs %d", p.Name, p.Grad.Len(), p.Value.Len())
		}

		grad := p.Grad.Data
		if opt.config.WeightDecay != 0 {
			grad = make([]float64, len(p.Grad.Data))
			copy(grad, p.Grad.Data)
			floats.AddScaled(grad, opt.config.WeightDecay, p.Value.Data)
		}

		m, v := opt.buffers(p)
		adamUpdate(p.Value.Data, grad, m, v, opt.config.LearningRate,
			opt.config.Beta1, opt.config.Beta2, opt.config.Epsilon, opt.stepCount)
	}
	return nil
}

// ZeroGrad zeros all gradients
func (opt *AdamOptimizer) ZeroGrad(params []*tensor.Parameter) {
	tensor.ZeroGrads(params)
}

// GetLearningRate returns the current learning rate
func (opt *AdamOptimizer) GetLearningRate() float64 {
	return opt.config.LearningRate
}

// SetLearningRate sets the learning rate
func (opt *AdamOptimizer) SetLearningRate(lr float64) {
	opt.config.LearningRate = lr
}

// GetStepCount returns the current step count
func (opt *AdamOptimizer) GetStepCount() int64 {
	return opt.stepCount
}

// State snapshots the optimizer.
func (opt *AdamOptimizer) State() State {
	m, v := opt.snapshot()
	return State{
		Kind:         KindAdam,
		StepCount:    opt.stepCount,
		LearningRate: opt.config.LearningRate,
		Beta1:        opt.config.Beta1,
		Beta2:        opt.config.Beta2,
		Epsilon:      opt.config.Epsilon,
		ExpAvg:       m,
		ExpAvgSq:     v,
	}
}

// LoadState restores a snapshot taken by State.
func (opt *AdamOptimizer) LoadState(state State) error {
	if state.Kind != KindAdam {
		return fmt.Errorf("cannot load %q optimizer state into adam", state.Kind)
	}
	opt.stepCount = state.StepCount
	opt.config.LearningRate = state.LearningRate
	opt.restore(state.ExpAvg, state.ExpAvgSq)
	return nil
}

// AdamWOptimizer implements the AdamW optimization algorithm (Adam with decoupled weight decay)
type AdamWOptimizer struct {
	config AdamWConfig
	decay  map[string]float64 // per-parameter decay from the param groups
	moments
	stepCount int64
}

// NewAdamW creates a new AdamW optimizer. Parameters not listed in any group
// use config.WeightDecay.
func NewAdamW(config AdamWConfig, groups ...ParamGroup) *AdamWOptimizer {
	decay := make(map[string]float64)
	for _, g := range groups {
		for _, p := range g.Params {
			decay[p.Name] = g.WeightDecay
		}
	}
	return &AdamWOptimizer{
		config:  config,
		decay:   decay,
		moments: newMoments(),
	}
}

// WeightDecayFor returns the decay rate applied to the named parameter.
func (opt *AdamWOptimizer) WeightDecayFor(name string) float64 {
	if wd, ok := opt.decay[name]; ok {
		return wd
	}
	return opt.config.WeightDecay
}

// Step performs one optimization step
func (opt *AdamWOptimizer) Step(params []*tensor.Parameter) error {
	opt.stepCount++
	lr := opt.config.LearningRate

	for _, p := range params {
		if !p.RequiresGrad || p.Grad == nil {
			continue
		}
		if p.Grad.Len() != p.Value.Len() {
			return fmt.Errorf("gradient size mismatch for %s: %d vs %d", p.Name, p.Grad.Len(), p.Value.Len())
		}

		// Decoupled decay shrinks the weights before the adaptive update.
		if wd := opt.WeightDecayFor(p.Name); wd != 0 {
			floats.Scale(1-lr*wd, p.Value.Data)
		}

		m, v := opt.buffers(p)
		adamUpdate(p.Value.Data, p.Grad.Data, m, v, lr,
			opt.config.Beta1, opt.config.Beta2, opt.config.Epsilon, opt.stepCount)
	}
	return nil
}

// ZeroGrad zeros all gradients
func (opt *AdamWOptimizer) ZeroGrad(params []*tensor.Parameter) {
	tensor.ZeroGrads(params)
}

// GetLearningRate returns the current learning rate
func (opt *AdamWOptimizer) GetLearningRate() float64 {
	return opt.config.LearningRate
}

// SetLearningRate sets the learning rate
func (opt *AdamWOptimizer) SetLearningRate(lr float64) {
	opt.config.LearningRate = lr
}

// GetStepCount returns the current step count
func (opt *AdamWOptimizer) GetStepCount() int64 {
	return opt.stepCount
}

// State snapshots the optimizer.
func (opt *AdamWOptimizer) State() State {
	m, v := opt.snapshot()
	decay := make(map[string]float64, len(opt.decay))
	for name, wd := range opt.decay {
		decay[name] = wd
	}
	return State{
		Kind:         KindAdamW,
		StepCount:    opt.stepCount,
		LearningRate: opt.config.LearningRate,
		Beta1:        opt.config.Beta1,
		Beta2:        opt.config.Beta2,
		Epsilon:      opt.config.Epsilon,
		WeightDecay:  decay,
		ExpAvg:       m,
		ExpAvgSq:     v,
	}
}

// LoadState restores a snapshot taken by State.
func (opt *AdamWOptimizer) LoadState(state State) error {
	if state.Kind != KindAdamW {
		return fmt.Errorf("cannot load %q optimizer state into adamw", state.Kind)
	}
	opt.stepCount = state.StepCount
	opt.config.LearningRate = state.LearningRate
	if state.WeightDecay != nil {
		opt.decay = make(map[string]float64, len(state.WeightDecay))
		for name, wd := range state.WeightDecay {
			opt.decay[name] = wd
		}
	}
	opt.restore(state.ExpAvg, state.ExpAvgSq)
	return nil
}

// Utility functions for gradient clipping

// ComputeGradNorm computes the global L2 norm over every gradient.
func ComputeGradNorm(params []*tensor.Parameter) float64 {
	var sumSq float64
	for _, p := range params {
		if p.Grad == nil {
			continue
		}
		sumSq += floats.Dot(p.Grad.Data, p.Grad.Data)
	}
	return math.Sqrt(sumSq)
}

// ClipGradsByNorm rescales gradients so their global norm does not exceed
// maxNorm. It returns the norm measured before clipping.
func ClipGradsByNorm(params []*tensor.Parameter, maxNorm float64) (float64, error) {
	if maxNorm <= 0 {
		return 0, fmt.Errorf("max norm must be positive, got %g", maxNorm)
	}

	total := ComputeGradNorm(params)
	if math.IsNaN(total) || math.IsInf(total, 0) {
		return total, fmt.Errorf("non-finite gradient norm %g", total)
	}

	coef := maxNorm / (total + 1e-6)
	if coef < 1 {
		for _, p := range params {
			if p.Grad != nil {
				floats.Scale(coef, p.Grad.Data)
			}
		}
	}
	return total, nil
}
