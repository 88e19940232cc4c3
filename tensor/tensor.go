package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// Tensor is a dense, row-major tensor of float64 values. It is the parameter
// and activation store for the whole training pipeline: layers read and write
// Data in place, and the gradient buffer lives alongside the values so the
// optimizer can update parameters without any extra bookkeeping.
type Tensor struct {
	Shape []int
	Data  []float64

	grad         []float64
	requiresGrad bool
}

// New creates a tensor with the given shape backed by data. The data slice is
// used directly, not copied.
func New(shape []int, data []float64) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	n := NumElements(shape)
	if len(data) != n {
		return nil, fmt.Errorf("data length %d doesn't match shape %v (expected %d)", len(data), shape, n)
	}
	return &Tensor{Shape: shape, Data: data}, nil
}

// Zeros creates a zero-filled tensor with the given shape.
func Zeros(shape []int) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	return &Tensor{Shape: shape, Data: make([]float64, NumElements(shape))}, nil
}

// NumElements returns the total number of elements implied by shape.
func NumElements(shape []int) int {
	n := 1
	for _, dim := range shape {
		n *= dim
	}
	return n
}

func validateShape(shape []int) error {
	if len(shape) == 0 {
		return fmt.Errorf("shape cannot be empty")
	}
	for _, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("invalid shape dimension: %d", dim)
		}
	}
	return nil
}

// NumElems returns the total number of elements in the tensor.
func (t *Tensor) NumElems() int {
	return len(t.Data)
}

// Clone returns a deep copy of the tensor's shape and values. Gradient state
// is not copied.
func (t *Tensor) Clone() *Tensor {
	shape := make([]int, len(t.Shape))
	copy(shape, t.Shape)
	data := make([]float64, len(t.Data))
	copy(data, t.Data)
	return &Tensor{Shape: shape, Data: data, requiresGrad: t.requiresGrad}
}

// SetData overwrites the tensor's values in place. The length must match.
func (t *Tensor) SetData(data []float64) error {
	if len(data) != len(t.Data) {
		return fmt.Errorf("data length %d doesn't match tensor size %d", len(data), len(t.Data))
	}
	copy(t.Data, data)
	return nil
}

// RequiresGrad reports whether the tensor participates in gradient updates.
func (t *Tensor) RequiresGrad() bool {
	return t.requiresGrad
}

// SetRequiresGrad marks the tensor as trainable.
func (t *Tensor) SetRequiresGrad(requires bool) {
	t.requiresGrad = requires
}

// Grad returns the gradient buffer, allocating it on first use. The buffer
// has the same length as Data.
func (t *Tensor) Grad() []float64 {
	if t.grad == nil {
		t.grad = make([]float64, len(t.Data))
	}
	return t.grad
}

// ZeroGrad resets the gradient buffer to zero. A nil buffer stays nil.
func (t *Tensor) ZeroGrad() {
	if t.grad == nil {
		return
	}
	for i := range t.grad {
		t.grad[i] = 0
	}
}

// AccumulateGrad adds g into the gradient buffer.
func (t *Tensor) AccumulateGrad(g []float64) error {
	if len(g) != len(t.Data) {
		return fmt.Errorf("gradient length %d doesn't match tensor size %d", len(g), len(t.Data))
	}
	floats.Add(t.Grad(), g)
	return nil
}

// SameShape reports whether two tensors have identical shapes.
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

// ZeroGrad resets the gradient buffers of all given tensors.
func ZeroGrad(params []*Tensor) {
	for _, p := range params {
		p.ZeroGrad()
	}
}
