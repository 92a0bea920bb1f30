package tensor

import (
	"errors"
	"fmt"
	"math/rand/v2"
)

// Axpy computes dst += alpha * src element-wise.
// If src and dst lengths differ, the shorter length is used.
func Axpy(dst []float32, alpha float32, src []float32) {
	n := min(len(dst), len(src))
	if n == 0 || alpha == 0 {
		return
	}

	parallelFor(n, Workers(), func(lo, hi int) {
		for i := lo; i < hi; i++ {
			dst[i] += alpha * src[i]
		}
	})
}

// Scale returns alpha * t.
func (t *Tensor) Scale(alpha float32) *Tensor {
	if t == nil {
		return nil
	}

	out := newOwned(make([]float32, len(t.data)), append([]int64(nil), t.shape...))
	parallelFor(len(out.data), Workers(), func(lo, hi int) {
		for i := lo; i < hi; i++ {
			out.data[i] = alpha * t.data[i]
		}
	})

	return out
}

// LinearCombination returns a*x + b*y for same-shaped x and y.
func LinearCombination(a float32, x *Tensor, b float32, y *Tensor) (*Tensor, error) {
	if x == nil || y == nil {
		return nil, errors.New("tensor: linear combination requires non-nil inputs")
	}

	if !equalShape(x.shape, y.shape) {
		return nil, fmt.Errorf("tensor: linear combination shape mismatch %v vs %v", x.shape, y.shape)
	}

	out := newOwned(make([]float32, len(x.data)), append([]int64(nil), x.shape...))
	parallelFor(len(out.data), Workers(), func(lo, hi int) {
		for i := lo; i < hi; i++ {
			out.data[i] = a*x.data[i] + b*y.data[i]
		}
	})

	return out, nil
}

// Randn fills a new tensor with standard normal samples drawn from rng.
// Sampling is sequential so a seeded rng always yields the same tensor.
func Randn(shape []int64, rng *rand.Rand) (*Tensor, error) {
	if rng == nil {
		return nil, errors.New("tensor: randn requires a random source")
	}

	t, err := Zeros(shape)
	if err != nil {
		return nil, err
	}

	for i := range t.data {
		t.data[i] = float32(rng.NormFloat64())
	}

	return t, nil
}
