// Package tensor implements the dense float32 tensors that carry latent grids,
// masks, decoded spectrogram grids and waveforms between pipeline stages.
package tensor

import (
	"errors"
	"fmt"
	"math"
	"slices"
)

// Tensor is a dense, row-major float32 tensor.
type Tensor struct {
	shape []int64
	data  []float32
}

// New creates a tensor from data and shape. Both slices are copied.
func New(data []float32, shape []int64) (*Tensor, error) {
	n, err := shapeElemCount(shape)
	if err != nil {
		return nil, err
	}

	if len(data) != n {
		return nil, fmt.Errorf("tensor: %d values cannot fill shape %v (%d elements)", len(data), shape, n)
	}

	return newOwned(slices.Clone(data), slices.Clone(shape)), nil
}

// newOwned wraps data and shape without copying. len(data) must already match
// the shape.
func newOwned(data []float32, shape []int64) *Tensor {
	return &Tensor{shape: shape, data: data}
}

func Zeros(shape []int64) (*Tensor, error) {
	return Full(shape, 0)
}

// Full creates a tensor with every element set to value.
func Full(shape []int64, value float32) (*Tensor, error) {
	n, err := shapeElemCount(shape)
	if err != nil {
		return nil, err
	}

	data := make([]float32, n)
	if value != 0 {
		for i := range data {
			data[i] = value
		}
	}

	return newOwned(data, slices.Clone(shape)), nil
}

func (t *Tensor) Shape() []int64 {
	if t == nil {
		return nil
	}

	return slices.Clone(t.shape)
}

// Dim returns the size of dimension dim, counting from the end when negative.
// Out-of-range dims report 0.
func (t *Tensor) Dim(dim int) int64 {
	if t == nil {
		return 0
	}

	if d, err := normalizeDim(dim, len(t.shape)); err == nil {
		return t.shape[d]
	}

	return 0
}

// Data returns a copy of the elements.
func (t *Tensor) Data() []float32 {
	if t == nil || len(t.data) == 0 {
		return nil
	}

	return slices.Clone(t.data)
}

// RawData exposes the backing slice. Only the tensor's owner may write to it.
func (t *Tensor) RawData() []float32 {
	if t == nil {
		return nil
	}

	return t.data
}

func (t *Tensor) ElemCount() int {
	if t == nil {
		return 0
	}

	return len(t.data)
}

func (t *Tensor) Rank() int {
	if t == nil {
		return 0
	}

	return len(t.shape)
}

func (t *Tensor) Clone() *Tensor {
	if t == nil {
		return nil
	}

	return newOwned(slices.Clone(t.data), slices.Clone(t.shape))
}

// Reshape returns a copy viewed under shape, which must hold the same number
// of elements.
func (t *Tensor) Reshape(shape []int64) (*Tensor, error) {
	if t == nil {
		return nil, errors.New("tensor: reshape on nil tensor")
	}

	n, err := shapeElemCount(shape)
	if err != nil {
		return nil, err
	}

	if n != len(t.data) {
		return nil, fmt.Errorf("tensor: reshape %v to %v changes element count %d -> %d", t.shape, shape, len(t.data), n)
	}

	return newOwned(slices.Clone(t.data), slices.Clone(shape)), nil
}

// SameShape reports whether a and b are non-nil and equally shaped.
func SameShape(a, b *Tensor) bool {
	return a != nil && b != nil && equalShape(a.shape, b.shape)
}

// CheckFinite reports the first NaN or Inf element by flat index.
func (t *Tensor) CheckFinite() error {
	if t == nil {
		return errors.New("tensor: finite check on nil tensor")
	}

	for i, v := range t.data {
		if f := float64(v); math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("tensor: %v at flat index %d of %v", v, i, t.shape)
		}
	}

	return nil
}
