package tensor

import (
	"errors"
	"fmt"
)

// Narrow returns length entries of dim starting at start.
func (t *Tensor) Narrow(dim int, start, length int64) (*Tensor, error) {
	if t == nil {
		return nil, errors.New("tensor: narrow on nil tensor")
	}

	d, err := normalizeDim(dim, len(t.shape))
	if err != nil {
		return nil, fmt.Errorf("tensor: narrow: %w", err)
	}

	if start < 0 || length < 0 || start+length > t.shape[d] {
		return nil, fmt.Errorf("tensor: narrow: [%d, %d) outside dim %d of size %d", start, start+length, d, t.shape[d])
	}

	idx := make([]int64, length)
	for i := range idx {
		idx[i] = start + int64(i)
	}

	return t.pick(d, idx), nil
}

// Gather selects indices along dim, in the given order. Indices may repeat.
func (t *Tensor) Gather(dim int, indices []int64) (*Tensor, error) {
	if t == nil {
		return nil, errors.New("tensor: gather on nil tensor")
	}

	if len(indices) == 0 {
		return nil, errors.New("tensor: gather needs at least one index")
	}

	d, err := normalizeDim(dim, len(t.shape))
	if err != nil {
		return nil, fmt.Errorf("tensor: gather: %w", err)
	}

	for i, idx := range indices {
		if idx < 0 || idx >= t.shape[d] {
			return nil, fmt.Errorf("tensor: gather: index %d is %d, dim %d has size %d", i, idx, d, t.shape[d])
		}
	}

	return t.pick(d, indices), nil
}

// pick copies the inner blocks of dim d named by idx. idx must be in range.
func (t *Tensor) pick(d int, idx []int64) *Tensor {
	shape := append([]int64(nil), t.shape...)
	shape[d] = int64(len(idx))

	outer, inner := outerInner(t.shape, d)
	n := int64(len(idx))
	data := make([]float32, outer*n*inner)

	for o := range outer {
		src := t.data[o*t.shape[d]*inner:]
		dst := data[o*n*inner:]

		for k, i := range idx {
			copy(dst[int64(k)*inner:int64(k+1)*inner], src[i*inner:(i+1)*inner])
		}
	}

	return newOwned(data, shape)
}

// Transpose swaps dim1 and dim2.
func (t *Tensor) Transpose(dim1, dim2 int) (*Tensor, error) {
	if t == nil {
		return nil, errors.New("tensor: transpose on nil tensor")
	}

	a, err := normalizeDim(dim1, len(t.shape))
	if err != nil {
		return nil, fmt.Errorf("tensor: transpose: %w", err)
	}

	b, err := normalizeDim(dim2, len(t.shape))
	if err != nil {
		return nil, fmt.Errorf("tensor: transpose: %w", err)
	}

	if a == b {
		return t.Clone(), nil
	}

	if a > b {
		a, b = b, a
	}

	// View the tensor as [pre, na, mid, nb, post] and emit [pre, nb, mid, na, post].
	pre, _ := outerInner(t.shape, a)
	_, post := outerInner(t.shape, b)
	na, nb := t.shape[a], t.shape[b]
	mid := int64(1)
	for _, s := range t.shape[a+1 : b] {
		mid *= s
	}

	shape := append([]int64(nil), t.shape...)
	shape[a], shape[b] = nb, na

	data := make([]float32, len(t.data))
	pos := int64(0)

	for p := range pre {
		for j := range nb {
			for m := range mid {
				for i := range na {
					src := (((p*na+i)*mid+m)*nb + j) * post
					copy(data[pos:pos+post], t.data[src:src+post])
					pos += post
				}
			}
		}
	}

	return newOwned(data, shape), nil
}

// Concat joins tensors along dim. All other dims must agree.
func Concat(tensors []*Tensor, dim int) (*Tensor, error) {
	if len(tensors) == 0 || tensors[0] == nil {
		return nil, errors.New("tensor: concat needs a non-nil first tensor")
	}

	base := tensors[0].shape

	d, err := normalizeDim(dim, len(base))
	if err != nil {
		return nil, fmt.Errorf("tensor: concat: %w", err)
	}

	shape := append([]int64(nil), base...)
	shape[d] = 0

	for i, t := range tensors {
		if t == nil {
			return nil, fmt.Errorf("tensor: concat: tensor %d is nil", i)
		}

		if !sameExcept(t.shape, base, d) {
			return nil, fmt.Errorf("tensor: concat: tensor %d shape %v incompatible with %v along dim %d", i, t.shape, base, d)
		}

		shape[d] += t.shape[d]
	}

	outer, inner := outerInner(shape, d)
	data := make([]float32, 0, outer*shape[d]*inner)

	for o := range outer {
		for _, t := range tensors {
			span := t.shape[d] * inner
			data = append(data, t.data[o*span:(o+1)*span]...)
		}
	}

	return newOwned(data, shape), nil
}

// Repeat stacks n copies of t along dim 0, so item j of copy r lands at
// r*Dim(0)+j.
func (t *Tensor) Repeat(n int) (*Tensor, error) {
	if t == nil || len(t.shape) == 0 {
		return nil, errors.New("tensor: repeat needs a tensor of rank >= 1")
	}

	if n < 1 {
		return nil, fmt.Errorf("tensor: repeat count %d must be >= 1", n)
	}

	shape := append([]int64(nil), t.shape...)
	shape[0] *= int64(n)

	data := make([]float32, 0, len(t.data)*n)
	for range n {
		data = append(data, t.data...)
	}

	return newOwned(data, shape), nil
}

// Expand repeats size-1 dims of t to reach shape. A lower-rank t is treated
// as if left-padded with ones.
func (t *Tensor) Expand(shape []int64) (*Tensor, error) {
	if t == nil {
		return nil, errors.New("tensor: expand on nil tensor")
	}

	if len(t.shape) > len(shape) {
		return nil, fmt.Errorf("tensor: expand: cannot reduce rank %d to %d", len(t.shape), len(shape))
	}

	src := make([]int64, len(shape)-len(t.shape), len(shape))
	for i := range src {
		src[i] = 1
	}
	src = append(src, t.shape...)

	for i := range shape {
		if src[i] != shape[i] && src[i] != 1 {
			return nil, fmt.Errorf("tensor: expand: %v does not fit %v at dim %d", t.shape, shape, i)
		}
	}

	cur := newOwned(append([]float32(nil), t.data...), src)

	for d := range shape {
		if src[d] == shape[d] {
			continue
		}

		cur = cur.tile(d, shape[d])
	}

	return cur, nil
}

// tile repeats each inner block of size-1 dim d n times.
func (t *Tensor) tile(d int, n int64) *Tensor {
	outer, inner := outerInner(t.shape, d)
	data := make([]float32, 0, outer*n*inner)

	for o := range outer {
		block := t.data[o*inner : (o+1)*inner]
		for range n {
			data = append(data, block...)
		}
	}

	shape := append([]int64(nil), t.shape...)
	shape[d] = n

	return newOwned(data, shape)
}

func sameExcept(a, b []int64, skip int) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if i != skip && a[i] != b[i] {
			return false
		}
	}

	return true
}
