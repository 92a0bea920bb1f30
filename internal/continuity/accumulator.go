package continuity

import (
	"fmt"

	"github.com/example/go-musicldm/internal/tensor"
)

// Accumulator joins decoded segments [B,1,T,F] along time. The first segment
// is kept whole; every later one drops its leading offset frames, which
// duplicate the tail already accumulated.
type Accumulator struct {
	offset   int64
	buf      *tensor.Tensor
	segments int
}

func NewAccumulator(offset int64) (*Accumulator, error) {
	if offset < 0 {
		return nil, fmt.Errorf("continuity: overlap offset must be >= 0, got %d", offset)
	}

	return &Accumulator{offset: offset}, nil
}

func (a *Accumulator) Append(decoded *tensor.Tensor) error {
	if decoded == nil || decoded.Rank() != 4 {
		return fmt.Errorf("%w: decoded segment must be rank 4", ErrShapeMismatch)
	}

	if a.buf == nil {
		a.buf = decoded.Clone()
		a.segments = 1

		return nil
	}

	prev := a.buf.Shape()
	cur := decoded.Shape()

	if cur[0] != prev[0] || cur[1] != prev[1] || cur[3] != prev[3] {
		return fmt.Errorf("%w: segment %v cannot extend %v", ErrShapeMismatch, cur, prev)
	}

	if cur[2] <= a.offset {
		return fmt.Errorf("%w: segment time %d not longer than overlap %d", ErrShapeMismatch, cur[2], a.offset)
	}

	fresh, err := decoded.Narrow(2, a.offset, cur[2]-a.offset)
	if err != nil {
		return err
	}

	joined, err := tensor.Concat([]*tensor.Tensor{a.buf, fresh}, 2)
	if err != nil {
		return err
	}

	a.buf = joined
	a.segments++

	return nil
}

// Len is the accumulated time length.
func (a *Accumulator) Len() int64 {
	if a.buf == nil {
		return 0
	}

	return a.buf.Dim(2)
}

func (a *Accumulator) Segments() int { return a.segments }

// Tensor returns the accumulated grid. Callers must not modify it.
func (a *Accumulator) Tensor() *tensor.Tensor { return a.buf }

// ExpectedLen is L0 + (S-1)(L-offset) for S segments of decoded length L.
func ExpectedLen(segments int, length, offset int64) int64 {
	if segments < 1 {
		return 0
	}

	return length + int64(segments-1)*(length-offset)
}
