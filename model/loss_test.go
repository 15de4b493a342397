package model_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-promptel/model"
)

func numericGrad(t *testing.T, lt model.LossType, scores, labels []float64) []float64 {
	t.Helper()
	const h = 1e-6
	grad := make([]float64, len(scores))
	for i := range scores {
		orig := scores[i]
		scores[i] = orig + h
		up, _, err := model.ScoreLoss(lt, scores, labels)
		require.NoError(t, err)
		scores[i] = orig - h
		down, _, err := model.ScoreLoss(lt, scores, labels)
		require.NoError(t, err)
		scores[i] = orig
		grad[i] = (up - down) / (2 * h)
	}
	return grad
}

func TestScoreLossGradients(t *testing.T) {
	scores := []float64{0.3, -1.2, 2.1, 0.05, -0.4, 1.7}
	labels := []float64{0, 1, 0, 1, 0, 0}

	for _, lt := range model.LossTypes {
		t.Run(lt.String(), func(t *testing.T) {
			loss, grad, err := model.ScoreLoss(lt, scores, labels)
			require.NoError(t, err)
			assert.Greater(t, loss, 0.0)
			assert.InDeltaSlice(t, numericGrad(t, lt, scores, labels), grad, 1e-5)
		})
	}
}

func TestScoreLossValues(t *testing.T) {
	// Two equal scores with one positive: softmax mass 1/2.
	loss, _, err := model.ScoreLoss(model.LogSum, []float64{1, 1}, []float64{1, 0})
	require.NoError(t, err)
	assert.InDelta(t, math.Ln2, loss, 1e-12)

	loss, _, err = model.ScoreLoss(model.SumLog, []float64{1, 1}, []float64{1, 1})
	require.NoError(t, err)
	assert.InDelta(t, 2*math.Ln2, loss, 1e-12)

	loss, _, err = model.ScoreLoss(model.SumLogNCE, []float64{1, 1, 1}, []float64{1, 1, 0})
	require.NoError(t, err)
	assert.InDelta(t, 2*math.Ln2, loss, 1e-12)

	loss, grad, err := model.ScoreLoss(model.MaxMin, []float64{3, 0}, []float64{1, 0})
	require.NoError(t, err)
	assert.Equal(t, 0.0, loss)
	assert.Equal(t, []float64{0, 0}, grad)

	loss, _, err = model.ScoreLoss(model.BCE, []float64{0}, []float64{1})
	require.NoError(t, err)
	assert.InDelta(t, math.Ln2, loss, 1e-12)
}

func TestScoreLossEdgeCases(t *testing.T) {
	// No positives: the likelihood losses have nothing to explain.
	for _, lt := range []model.LossType{model.LogSum, model.SumLog, model.SumLogNCE, model.MaxMin} {
		loss, grad, err := model.ScoreLoss(lt, []float64{0.2, 0.4}, []float64{0, 0})
		require.NoError(t, err, lt)
		assert.Equal(t, 0.0, loss, lt)
		assert.Equal(t, []float64{0, 0}, grad, lt)
	}

	loss, grad, err := model.ScoreLoss(model.SumLog, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 0.0, loss)
	assert.Empty(t, grad)

	_, _, err = model.ScoreLoss(model.SumLog, []float64{1}, []float64{1, 0})
	require.Error(t, err)

	_, _, err = model.ScoreLoss("hinge", []float64{1}, []float64{1})
	require.Error(t, err)

	// Large logits stay finite.
	loss, _, err = model.ScoreLoss(model.BCE, []float64{800, -800}, []float64{0, 1})
	require.NoError(t, err)
	assert.InDelta(t, 1600.0, loss, 1e-9)
}

func TestLikelihoodLossesStayFiniteOnFarApartScores(t *testing.T) {
	// Positive 800 below the negative: the loss is the gap, the gradient
	// pushes the positive up and the negative down.
	for _, lt := range []model.LossType{model.LogSum, model.SumLog, model.SumLogNCE} {
		loss, grad, err := model.ScoreLoss(lt, []float64{800, 0}, []float64{0, 1})
		require.NoError(t, err, lt)
		assert.InDelta(t, 800.0, loss, 1e-9, lt)
		assert.InDeltaSlice(t, []float64{1, -1}, grad, 1e-12, lt)
	}

	// Only positives: nothing to contrast against.
	loss, grad, err := model.ScoreLoss(model.SumLogNCE, []float64{0, -800}, []float64{1, 1})
	require.NoError(t, err)
	assert.Equal(t, 0.0, loss)
	assert.Equal(t, []float64{0, 0}, grad)

	loss, grad, err = model.ScoreLoss(model.SumLogNCE, []float64{-900, 100, -1000}, []float64{1, 0, 1})
	require.NoError(t, err)
	assert.InDelta(t, 1000.0+1100.0, loss, 1e-9)
	for _, g := range grad {
		assert.False(t, math.IsNaN(g) || math.IsInf(g, 0))
	}
	assert.InDeltaSlice(t, []float64{-1, 2, -1}, grad, 1e-12)
}

func TestParseLossType(t *testing.T) {
	lt, err := model.ParseLossType("sum_log_nce")
	require.NoError(t, err)
	assert.Equal(t, model.SumLogNCE, lt)

	_, err = model.ParseLossType("mse")
	require.Error(t, err)
}
