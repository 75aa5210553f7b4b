package layers

import (
	"errors"
	"fmt"
	"slices"

	"github.com/unixsysdev/nano-go-rope/internal/tensor"
)

// ErrShape reports tensors whose shapes cannot be combined.
var ErrShape = errors.New("shape mismatch")

// ReshapeForBroadcast returns a view of freqs shaped to broadcast against x:
// axis 1 and the last axis keep x's sizes, every other axis becomes 1.
// freqs must have shape (x.shape[1], x.shape[-1]).
func ReshapeForBroadcast(freqs, x *tensor.Tensor) (*tensor.Tensor, error) {
	shape, err := broadcastShape(freqs.Shape(), x.Shape())
	if err != nil {
		return nil, err
	}
	view, err := freqs.Reshape(shape...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrShape, err)
	}
	return view, nil
}

func broadcastShape(freqs, x []int) ([]int, error) {
	ndim := len(x)
	if ndim < 2 {
		return nil, fmt.Errorf("%w: target must have at least 2 dims, got %d", ErrShape, ndim)
	}
	if want := []int{x[1], x[ndim-1]}; !slices.Equal(freqs, want) {
		return nil, fmt.Errorf("%w: freqs shape %v, want %v", ErrShape, freqs, want)
	}

	shape := make([]int, ndim)
	for i, d := range x {
		if i == 1 || i == ndim-1 {
			shape[i] = d
		} else {
			shape[i] = 1
		}
	}
	return shape, nil
}

// broadcastOffset maps idx into the flat backing array of a broadcast view.
// Axes of size 1 always read index 0.
func broadcastOffset(shape, strides, idx []int) int {
	var off int
	for i, d := range shape {
		if d != 1 {
			off += idx[i] * strides[i]
		}
	}
	return off
}
