package onnx

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/example/go-musicldm/internal/tensor"
)

type TensorDType string

const (
	DTypeFloat32 TensorDType = "float32"
	DTypeInt64   TensorDType = "int64"
)

// Tensor is a graph input or output. Exactly one of f32 and i64 is in use,
// selected by dtype. Float32 tensors convert to and from tensor.Tensor.
type Tensor struct {
	dtype TensorDType
	shape []int64
	f32   []float32
	i64   []int64
}

// NewTensor copies data into a graph tensor of the given shape. Every dim
// must be positive.
func NewTensor[T ~int64 | ~float32](data []T, shape []int64) (*Tensor, error) {
	n, err := elementCount(shape)
	if err != nil {
		return nil, err
	}

	if len(data) != n {
		return nil, fmt.Errorf("shape %v holds %d elements, got %d", shape, n, len(data))
	}

	t := &Tensor{shape: slices.Clone(shape)}

	if isIntegral[T]() {
		t.dtype, t.i64 = DTypeInt64, make([]int64, n)
		for i, v := range data {
			t.i64[i] = int64(v)
		}

		return t, nil
	}

	t.dtype, t.f32 = DTypeFloat32, make([]float32, n)
	for i, v := range data {
		t.f32[i] = float32(v)
	}

	return t, nil
}

// isIntegral reports whether T is the int64 branch of the constraint: only
// integer division truncates 1/2 to 0.
func isIntegral[T ~int64 | ~float32]() bool {
	one, two := T(1), T(2)
	return one/two == 0
}

// FromDense wraps a dense float32 tensor for a graph input.
func FromDense(d *tensor.Tensor) (*Tensor, error) {
	if d == nil {
		return nil, errors.New("nil dense tensor")
	}

	return NewTensor(d.RawData(), d.Shape())
}

// Dense converts a float32 graph output into a dense tensor.
func (t *Tensor) Dense() (*tensor.Tensor, error) {
	if t == nil {
		return nil, errors.New("nil graph tensor")
	}

	if t.dtype != DTypeFloat32 {
		return nil, fmt.Errorf("expected float32 tensor, got %s", t.dtype)
	}

	return tensor.New(t.f32, t.shape)
}

func (t *Tensor) DType() TensorDType {
	return t.dtype
}

func (t *Tensor) Shape() []int64 {
	return slices.Clone(t.shape)
}

func ExtractFloat32(t *Tensor) ([]float32, error) {
	if t == nil || t.dtype != DTypeFloat32 {
		return nil, fmt.Errorf("expected float32 tensor, got %s", describe(t))
	}

	return slices.Clone(t.f32), nil
}

func ExtractInt64(t *Tensor) ([]int64, error) {
	if t == nil || t.dtype != DTypeInt64 {
		return nil, fmt.Errorf("expected int64 tensor, got %s", describe(t))
	}

	return slices.Clone(t.i64), nil
}

func describe(t *Tensor) string {
	if t == nil {
		return "nil"
	}

	return string(t.dtype)
}

// canonicalDType maps manifest spellings ("float", "tensor(int64)", "long")
// to a TensorDType.
func canonicalDType(raw string) (TensorDType, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.TrimSuffix(strings.TrimPrefix(s, "tensor("), ")")

	switch s {
	case "float", "float32":
		return DTypeFloat32, nil
	case "int64", "long":
		return DTypeInt64, nil
	}

	return "", fmt.Errorf("unsupported tensor dtype %q", raw)
}

func elementCount(shape []int64) (int, error) {
	n := 1
	for i, d := range shape {
		if d < 1 {
			return 0, fmt.Errorf("shape[%d]=%d is not positive", i, d)
		}

		if int64(n) > math.MaxInt/d {
			return 0, fmt.Errorf("shape %v overflows element count", shape)
		}

		n *= int(d)
	}

	return n, nil
}

// NewZeroTensor builds a zero-filled tensor for a manifest node. Symbolic or
// non-positive dimensions are set to 1.
func NewZeroTensor(dtype string, shape []any) (*Tensor, error) {
	dt, err := canonicalDType(dtype)
	if err != nil {
		return nil, err
	}

	dims := make([]int64, len(shape))
	for i, d := range shape {
		dims[i] = 1
		if v, ok := d.(float64); ok && v >= 1 {
			dims[i] = int64(v)
		}
	}

	n, err := elementCount(dims)
	if err != nil {
		return nil, err
	}

	if dt == DTypeInt64 {
		return NewTensor(make([]int64, n), dims)
	}

	return NewTensor(make([]float32, n), dims)
}
