package codec

import (
	"fmt"

	"github.com/example/go-musicldm/internal/tensor"
)

// SplitSubband folds the frequency axis of [B,1,T,F] into k channels,
// returning [B,k,T,F/k]. Channel i holds frequency bins [i*F/k, (i+1)*F/k).
// k == 1 returns a copy.
func SplitSubband(x *tensor.Tensor, k int) (*tensor.Tensor, error) {
	if x == nil || x.Rank() != 4 {
		return nil, fmt.Errorf("%w: sub-band split expects rank-4 input", ErrShape)
	}

	if k <= 1 {
		return x.Clone(), nil
	}

	b, c, t, f := x.Dim(0), x.Dim(1), x.Dim(2), x.Dim(3)
	if c != 1 {
		return nil, fmt.Errorf("%w: sub-band split expects 1 channel, got %d", ErrShape, c)
	}

	if f%int64(k) != 0 {
		return nil, fmt.Errorf("%w: %d frequency bins not divisible by %d sub-bands", ErrShape, f, k)
	}

	grouped, err := x.Reshape([]int64{b, t, int64(k), f / int64(k)})
	if err != nil {
		return nil, err
	}

	return grouped.Transpose(1, 2)
}

// MergeSubband is the inverse of SplitSubband: [B,k,T,F/k] -> [B,1,T,F].
func MergeSubband(x *tensor.Tensor, k int) (*tensor.Tensor, error) {
	if x == nil || x.Rank() != 4 {
		return nil, fmt.Errorf("%w: sub-band merge expects rank-4 input", ErrShape)
	}

	if k <= 1 {
		return x.Clone(), nil
	}

	if x.Dim(1) != int64(k) {
		return nil, fmt.Errorf("%w: sub-band merge expects %d channels, got %d", ErrShape, k, x.Dim(1))
	}

	timeMajor, err := x.Transpose(1, 2)
	if err != nil {
		return nil, err
	}

	b, t := x.Dim(0), x.Dim(2)

	return timeMajor.Reshape([]int64{b, 1, t, int64(k) * x.Dim(3)})
}
