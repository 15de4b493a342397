package tensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-promptel/device"
)

func TestNewTensorShapeCheck(t *testing.T) {
	_, err := NewTensor([]int{2, 2}, []float64{1, 2, 3})
	require.Error(t, err)

	x, err := NewTensor([]int{2, 2}, []float64{1, 2, 3, 4})
	require.NoError(t, err)
	assert.Equal(t, 4, x.Len())
	assert.Equal(t, device.Default(), x.Device())
}

func TestDenseViewSharesStorage(t *testing.T) {
	x := Zeros(2, 3)
	m, err := x.Dense()
	require.NoError(t, err)
	m.Set(1, 2, 7)
	assert.Equal(t, 7.0, x.Data[5])
	assert.Equal(t, []float64{0, 0, 7}, x.Row(1))

	back := FromGonum(mat.NewDense(1, 2, []float64{3, 4}))
	assert.Equal(t, []int{1, 2}, back.Shape)
	assert.Equal(t, []float64{3, 4}, back.Data)

	_, err = Zeros(3).Dense()
	require.Error(t, err)
}

func TestCloneIsDeep(t *testing.T) {
	x, _ := NewTensor([]int{2}, []float64{1, 2})
	y := x.Clone()
	y.Data[0] = 9
	assert.Equal(t, 1.0, x.Data[0])
}

func TestLoadStateNonStrict(t *testing.T) {
	a := NewParameter("encoder.weight", Zeros(2, 2))
	b := NewParameter("head.bias", Zeros(3))
	c := NewParameter("head.weight", Zeros(2))

	sd := StateDict{
		"encoder.weight": &Tensor{Shape: []int{2, 2}, Data: []float64{1, 2, 3, 4}},
		"head.weight":    &Tensor{Shape: []int{3}, Data: []float64{1, 1, 1}},
		"pooler.dense":   &Tensor{Shape: []int{1}, Data: []float64{5}},
	}

	report, err := LoadState([]*Parameter{a, b, c}, sd, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"encoder.weight"}, report.Loaded)
	assert.Equal(t, []string{"head.bias"}, report.Missing)
	assert.Equal(t, []string{"pooler.dense"}, report.Unexpected)
	assert.Equal(t, []string{"head.weight"}, report.Mismatched)
	assert.Equal(t, []float64{1, 2, 3, 4}, a.Value.Data)
	assert.Equal(t, []float64{0, 0}, c.Value.Data)
}

func TestLoadStateStrictLeavesWeightsUntouched(t *testing.T) {
	a := NewParameter("w", Zeros(2))
	sd := StateDict{
		"w":     &Tensor{Shape: []int{2}, Data: []float64{1, 1}},
		"extra": &Tensor{Shape: []int{1}, Data: []float64{1}},
	}
	_, err := LoadState([]*Parameter{a}, sd, true)
	require.Error(t, err)
	assert.Equal(t, []float64{0, 0}, a.Value.Data)
}

func TestParameterMatches(t *testing.T) {
	p := NewParameter("encoder.LayerNorm.weight", Zeros(1))
	assert.True(t, p.Matches([]string{"bias", "LayerNorm.weight"}))
	assert.False(t, p.Matches([]string{"bias"}))
	assert.Equal(t, 1, CountTrainable([]*Parameter{p}))
}
