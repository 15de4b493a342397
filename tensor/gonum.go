package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Dense returns a gonum matrix view over a 2-D tensor. The view shares the
// tensor's backing storage, so writes through it update the tensor.
func (t *Tensor) Dense() (*mat.Dense, error) {
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("dense view needs a 2-D tensor, got shape %v", t.Shape)
	}
	return mat.NewDense(t.Shape[0], t.Shape[1], t.Data), nil
}

// Row returns a vector view over row i of a 2-D tensor.
func (t *Tensor) Row(i int) []float64 {
	cols := t.Shape[1]
	return t.Data[i*cols : (i+1)*cols]
}

// Vec returns a gonum vector view over a 1-D tensor.
func (t *Tensor) Vec() (*mat.VecDense, error) {
	if len(t.Shape) != 1 {
		return nil, fmt.Errorf("vector view needs a 1-D tensor, got shape %v", t.Shape)
	}
	return mat.NewVecDense(t.Shape[0], t.Data), nil
}

// FromGonum copies a gonum matrix into a new 2-D tensor.
func FromGonum(m mat.Matrix) *Tensor {
	rows, cols := m.Dims()
	t := Zeros(rows, cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			t.Data[i*cols+j] = m.At(i, j)
		}
	}
	return t
}
