package continuity

import (
	"fmt"

	"github.com/example/go-musicldm/internal/tensor"
)

// OverlapMask returns a [batch,1,t,f] mask that is 1 over the first half of
// the time axis and 0 over the second. The sampler holds masked-in positions
// at the seed, so the first half of a new segment reproduces the previous
// segment's tail and only the second half is generated.
func OverlapMask(batch int, t, f int64) (*tensor.Tensor, error) {
	if batch < 1 || t < 2 || f < 1 || t%2 != 0 {
		return nil, fmt.Errorf("%w: mask dims batch=%d t=%d f=%d", ErrShapeMismatch, batch, t, f)
	}

	mask, err := tensor.Zeros([]int64{int64(batch), 1, t, f})
	if err != nil {
		return nil, err
	}

	data := mask.RawData()
	half := int(t/2) * int(f)
	item := int(t) * int(f)

	for b := range batch {
		row := data[b*item : b*item+half]
		for i := range row {
			row[i] = 1
		}
	}

	return mask, nil
}

// SeedLatent builds the sampler seed from the selected latents of the previous
// segment, prev [B,C,T,F]: the second half of prev's time axis moves to the
// front and the rest is zero. The result is replicated n times along the
// batch axis to [n*B,C,T,F], matching the candidate layout.
func SeedLatent(prev *tensor.Tensor, n int) (*tensor.Tensor, error) {
	if prev == nil || prev.Rank() != 4 {
		return nil, fmt.Errorf("%w: seed source must be [B,C,T,F]", ErrShapeMismatch)
	}

	t := prev.Dim(2)
	if t < 2 || t%2 != 0 {
		return nil, fmt.Errorf("%w: latent time %d must be even", ErrShapeMismatch, t)
	}

	tail, err := prev.Narrow(2, t/2, t/2)
	if err != nil {
		return nil, err
	}

	shape := tail.Shape()

	zeros, err := tensor.Zeros(shape)
	if err != nil {
		return nil, err
	}

	seed, err := tensor.Concat([]*tensor.Tensor{tail, zeros}, 2)
	if err != nil {
		return nil, err
	}

	return seed.Repeat(n)
}

// OverlapOffset is the number of decoded frames that correspond to the held
// first half of a latent with time length latentT.
func OverlapOffset(latentT, decodedT int64) (int64, error) {
	if latentT < 2 || latentT%2 != 0 || decodedT < 1 || decodedT%latentT != 0 {
		return 0, fmt.Errorf("%w: decoded time %d is not a multiple of latent time %d", ErrShapeMismatch, decodedT, latentT)
	}

	return latentT / 2 * (decodedT / latentT), nil
}
