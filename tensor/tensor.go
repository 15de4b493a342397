package tensor

import (
	"fmt"

	"github.com/tsawler/go-promptel/device"
)

// Tensor represents a multi-dimensional array of float64 placed on a device.
type Tensor struct {
	Shape  []int     // Dimensions of the tensor (e.g., [rows, cols] for a matrix)
	Data   []float64 // Row-major element storage
	device device.Device
}

// NewTensor creates a new Tensor on the default device.
func NewTensor(shape []int, data []float64) (*Tensor, error) {
	size := NumElements(shape)
	if len(data) != size {
		return nil, fmt.Errorf("data length (%d) does not match shape dimensions (%d)", len(data), size)
	}
	return &Tensor{
		Shape:  append([]int(nil), shape...),
		Data:   data,
		device: device.Default(),
	}, nil
}

// Zeros allocates a zero-filled tensor with the given shape.
func Zeros(shape ...int) *Tensor {
	return &Tensor{
		Shape:  append([]int(nil), shape...),
		Data:   make([]float64, NumElements(shape)),
		device: device.Default(),
	}
}

// NumElements returns the number of elements a tensor of this shape holds.
func NumElements(shape []int) int {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return size
}

// To places the tensor on d. It does nothing if the tensor already lives there.
func (t *Tensor) To(d device.Device) error {
	if t.device == d {
		return nil
	}
	if err := device.Check(d); err != nil {
		return fmt.Errorf("failed to move tensor to %s: %w", d, err)
	}
	t.device = d
	return nil
}

// Device returns where the tensor currently lives.
func (t *Tensor) Device() device.Device {
	return t.device
}

// Len returns the number of elements.
func (t *Tensor) Len() int {
	return len(t.Data)
}

// Clone returns a deep copy on the same device.
func (t *Tensor) Clone() *Tensor {
	data := make([]float64, len(t.Data))
	copy(data, t.Data)
	return &Tensor{
		Shape:  append([]int(nil), t.Shape...),
		Data:   data,
		device: t.device,
	}
}

// Zero sets every element to 0.
func (t *Tensor) Zero() {
	clear(t.Data)
}

// CopyFrom overwrites the receiver's elements with src's. Shapes must match.
func (t *Tensor) CopyFrom(src *Tensor) error {
	if !SameShape(t, src) {
		return fmt.Errorf("shape mismatch: %v vs %v", t.Shape, src.Shape)
	}
	copy(t.Data, src.Data)
	return nil
}

// SameShape reports whether a and b have identical dimensions.
func SameShape(a, b *Tensor) bool {
	if len(a.Shape) != len(b.Shape) {
		return false
	}
	for i := range a.Shape {
		if a.Shape[i] != b.Shape[i] {
			return false
		}
	}
	return true
}
