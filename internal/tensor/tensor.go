package tensor

import (
	"fmt"

	ggtensor "gorgonia.org/tensor"
)

// Tensor represents a dense multi-dimensional array backed by gorgonia.
type Tensor struct {
	data *ggtensor.Dense
}

// New creates a zero-filled tensor of the given shape and dtype
func New(shape []int, dtype Dtype) (*Tensor, error) {
	if err := checkDtype(dtype); err != nil {
		return nil, err
	}
	if err := checkShape(shape); err != nil {
		return nil, err
	}
	return &Tensor{data: ggtensor.New(ggtensor.WithShape(shape...), ggtensor.Of(dtype))}, nil
}

// FromFloat32 wraps data as a Float32 tensor. The slice is used as the backing array.
func FromFloat32(shape []int, data []float32) (*Tensor, error) {
	if err := checkVolume(shape, len(data)); err != nil {
		return nil, err
	}
	return &Tensor{data: ggtensor.New(ggtensor.WithShape(shape...), ggtensor.WithBacking(data))}, nil
}

// FromFloat64 wraps data as a Float64 tensor. The slice is used as the backing array.
func FromFloat64(shape []int, data []float64) (*Tensor, error) {
	if err := checkVolume(shape, len(data)); err != nil {
		return nil, err
	}
	return &Tensor{data: ggtensor.New(ggtensor.WithShape(shape...), ggtensor.WithBacking(data))}, nil
}

// Data returns the underlying dense tensor
func (t *Tensor) Data() *ggtensor.Dense {
	return t.data
}

// Shape returns a copy of the tensor shape
func (t *Tensor) Shape() []int {
	return append([]int(nil), t.data.Shape()...)
}

// Dims returns the number of dimensions
func (t *Tensor) Dims() int {
	return t.data.Dims()
}

// Strides returns a copy of the row-major strides
func (t *Tensor) Strides() []int {
	return append([]int(nil), t.data.Strides()...)
}

// Dtype returns the tensor data type
func (t *Tensor) Dtype() Dtype {
	return t.data.Dtype()
}

// Len returns the number of elements
func (t *Tensor) Len() int {
	return t.data.Shape().TotalSize()
}

// Float64s returns a float64 copy of the elements in row-major order.
// Single-element tensors may report their data as a scalar.
func (t *Tensor) Float64s() []float64 {
	out := make([]float64, t.Len())
	switch d := t.data.Data().(type) {
	case []float64:
		copy(out, d)
	case []float32:
		for i, v := range d {
			out[i] = float64(v)
		}
	case float64:
		out[0] = d
	case float32:
		out[0] = float64(d)
	}
	return out
}

// Float32s returns a float32 copy of the elements in row-major order.
func (t *Tensor) Float32s() []float32 {
	out := make([]float32, t.Len())
	switch d := t.data.Data().(type) {
	case []float32:
		copy(out, d)
	case []float64:
		for i, v := range d {
			out[i] = float32(v)
		}
	case float32:
		out[0] = d
	case float64:
		out[0] = float32(d)
	}
	return out
}

// Reshape returns a view with a new shape sharing the receiver's backing
// array. The receiver's own shape is left untouched.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	if err := checkVolume(shape, t.Len()); err != nil {
		return nil, err
	}
	view := t.data.ShallowClone()
	if err := view.Reshape(shape...); err != nil {
		return nil, fmt.Errorf("reshape %v to %v: %w", t.data.Shape(), shape, err)
	}
	return &Tensor{data: view}, nil
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(%v, %v)", t.data.Shape(), t.data.Dtype())
}

func checkDtype(dtype Dtype) error {
	if dtype != Float32 && dtype != Float64 {
		return fmt.Errorf("unsupported dtype %v", dtype)
	}
	return nil
}

func checkShape(shape []int) error {
	if len(shape) == 0 {
		return fmt.Errorf("shape must have at least one dimension")
	}
	for _, d := range shape {
		if d <= 0 {
			return fmt.Errorf("invalid shape %v: dimensions must be positive", shape)
		}
	}
	return nil
}

func checkVolume(shape []int, n int) error {
	if err := checkShape(shape); err != nil {
		return err
	}
	size := 1
	for _, d := range shape {
		size *= d
	}
	if size != n {
		return fmt.Errorf("shape %v needs %d elements, got %d", shape, size, n)
	}
	return nil
}

// Re-export selected gorgonia.org/tensor types and dtypes for convenience
type (
	Dense = ggtensor.Dense
	Dtype = ggtensor.Dtype
)

var (
	Float32 = ggtensor.Float32
	Float64 = ggtensor.Float64
)
