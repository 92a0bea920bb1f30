package tensor

import (
	"fmt"
	"math"
	"slices"
)

// shapeElemCount multiplies out shape, rejecting negative or overflowing dims.
func shapeElemCount(shape []int64) (int, error) {
	n := int64(1)

	for i, d := range shape {
		switch {
		case d < 0:
			return 0, fmt.Errorf("tensor: dim %d of %v is negative", i, shape)
		case d > 0 && n > math.MaxInt/d:
			return 0, fmt.Errorf("tensor: %v has too many elements", shape)
		}

		n *= d
	}

	return int(n), nil
}

// normalizeDim resolves a negative dim against rank.
func normalizeDim(dim, rank int) (int, error) {
	d := dim
	if d < 0 {
		d += rank
	}

	if d < 0 || d >= rank {
		return 0, fmt.Errorf("dim %d invalid for rank %d", dim, rank)
	}

	return d, nil
}

func equalShape(a, b []int64) bool {
	return slices.Equal(a, b)
}

// outerInner splits shape around dim into the product of leading dims and the
// product of trailing dims.
func outerInner(shape []int64, dim int) (outer, inner int64) {
	outer, inner = 1, 1
	for _, s := range shape[:dim] {
		outer *= s
	}

	for _, s := range shape[dim+1:] {
		inner *= s
	}

	return outer, inner
}
