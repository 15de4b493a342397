package optimizer_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-promptel/optimizer"
	"github.com/tsawler/go-promptel/tensor"
)

func newParam(t *testing.T, name string, values, grads []float64) *tensor.Parameter {
	t.Helper()
	v, err := tensor.NewTensor([]int{len(values)}, append([]float64(nil), values...))
	require.NoError(t, err)
	p := tensor.NewParameter(name, v)
	copy(p.Grad.Data, grads)
	return p
}

// TestAdamFirstStep checks that the first bias-corrected update moves each
// weight by roughly lr against the gradient sign.
func TestAdamFirstStep(t *testing.T) {
	p := newParam(t, "w", []float64{0.1, 0.2}, []float64{0.5, -2})
	opt := optimizer.NewAdam(optimizer.AdamConfig{
		OptimizerConfig: optimizer.OptimizerConfig{LearningRate: 0.01},
		Beta1:           0.9,
		Beta2:           0.999,
		Epsilon:         1e-8,
	})

	require.NoError(t, opt.Step([]*tensor.Parameter{p}))
	assert.InDelta(t, 0.09, p.Value.Data[0], 1e-6)
	assert.InDelta(t, 0.21, p.Value.Data[1], 1e-6)
	assert.Equal(t, int64(1), opt.GetStepCount())
}

func TestAdamWDecayGroups(t *testing.T) {
	w := newParam(t, "encoder.dense.weight", []float64{1, 1}, []float64{0, 0})
	b := newParam(t, "encoder.dense.bias", []float64{1, 1}, []float64{0, 0})
	ln := newParam(t, "encoder.LayerNorm.weight", []float64{1, 1}, []float64{0, 0})
	params := []*tensor.Parameter{w, b, ln}

	groups := optimizer.GroupByDecay(params, 0.1, optimizer.DefaultNoDecay)
	require.Len(t, groups, 2)
	assert.Len(t, groups[0].Params, 1)
	assert.Len(t, groups[1].Params, 2)

	opt := optimizer.NewAdamW(optimizer.AdamWConfig{
		OptimizerConfig: optimizer.OptimizerConfig{LearningRate: 0.5, WeightDecay: 0.1},
		Beta1:           0.9,
		Beta2:           0.999,
		Epsilon:         1e-6,
	}, groups...)

	require.NoError(t, opt.Step(params))
	assert.InDelta(t, 0.95, w.Value.Data[0], 1e-12)
	assert.Equal(t, []float64{1, 1}, b.Value.Data)
	assert.Equal(t, []float64{1, 1}, ln.Value.Data)
	assert.Equal(t, 0.0, opt.WeightDecayFor("encoder.dense.bias"))
}

func TestOptimizerStateRoundTrip(t *testing.T) {
	p := newParam(t, "w", []float64{0.3, -0.4}, []float64{0.1, 0.2})
	opt := optimizer.NewAdamW(optimizer.AdamWConfig{
		OptimizerConfig: optimizer.OptimizerConfig{LearningRate: 0.01, WeightDecay: 0.01},
		Beta1:           0.9,
		Beta2:           0.999,
		Epsilon:         1e-6,
	})
	for range 3 {
		require.NoError(t, opt.Step([]*tensor.Parameter{p}))
	}

	state := opt.State()
	restored := optimizer.NewAdamW(optimizer.AdamWConfig{
		OptimizerConfig: optimizer.OptimizerConfig{WeightDecay: 0.01},
		Beta1:           0.9,
		Beta2:           0.999,
		Epsilon:         1e-6,
	})
	require.NoError(t, restored.LoadState(state))
	assert.Equal(t, opt.GetStepCount(), restored.GetStepCount())
	assert.Equal(t, opt.GetLearningRate(), restored.GetLearningRate())

	// Both copies must now produce the same trajectory.
	q := newParam(t, "w", p.Value.Data, p.Grad.Data)
	require.NoError(t, opt.Step([]*tensor.Parameter{p}))
	require.NoError(t, restored.Step([]*tensor.Parameter{q}))
	assert.InDeltaSlice(t, p.Value.Data, q.Value.Data, 1e-15)

	require.Error(t, optimizer.NewAdam(optimizer.AdamConfig{}).LoadState(state))
}

func TestClipGradsByNorm(t *testing.T) {
	a := newParam(t, "a", []float64{0, 0}, []float64{3, 0})
	b := newParam(t, "b", []float64{0}, []float64{4})
	params := []*tensor.Parameter{a, b}

	assert.InDelta(t, 5.0, optimizer.ComputeGradNorm(params), 1e-12)

	norm, err := optimizer.ClipGradsByNorm(params, 1)
	require.NoError(t, err)
	assert.InDelta(t, 5.0, norm, 1e-12)
	assert.InDelta(t, 1.0, optimizer.ComputeGradNorm(params), 1e-6)

	// Already inside the bound: untouched.
	before := append([]float64(nil), a.Grad.Data...)
	_, err = optimizer.ClipGradsByNorm(params, 10)
	require.NoError(t, err)
	assert.Equal(t, before, a.Grad.Data)

	_, err = optimizer.ClipGradsByNorm(params, 0)
	require.Error(t, err)

	a.Grad.Data[0] = math.NaN()
	_, err = optimizer.ClipGradsByNorm(params, 1)
	require.Error(t, err)
}
