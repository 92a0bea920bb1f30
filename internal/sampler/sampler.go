// Package sampler defines the diffusion sampling contract and a DDIM
// implementation that drives an external noise-prediction network.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"

	"github.com/example/go-musicldm/internal/tensor"
)

// ErrInvalidRequest is wrapped by every Request validation failure.
var ErrInvalidRequest = errors.New("sampler: invalid request")

// Sampler produces latents of shape [BatchSize, C, T, F].
type Sampler interface {
	Sample(ctx context.Context, req Request) (*tensor.Tensor, error)
}

// Denoiser predicts the noise component of x at the given timesteps.
// timesteps has one entry per batch item.
type Denoiser interface {
	PredictNoise(ctx context.Context, x *tensor.Tensor, timesteps []int64, cond *tensor.Tensor) (*tensor.Tensor, error)
}

// Request is one batched sampling call.
type Request struct {
	// Cond is the conditioning embedding, one row per batch item.
	Cond *tensor.Tensor
	// Uncond is the unconditional embedding used for guidance. Nil disables
	// guidance.
	Uncond        *tensor.Tensor
	GuidanceScale float64
	BatchSize     int
	// Shape is the per-item latent shape [C, T, F].
	Shape [3]int64
	// Mask and X0 are both set or both nil. Where Mask is 1 the sample is
	// held at the re-noised X0; where it is 0 the sampler generates freely.
	// Mask is [B,1,T,F] (broadcast over channels) or [B,C,T,F].
	Mask *tensor.Tensor
	X0   *tensor.Tensor
	Rand *rand.Rand
}

// LatentShape returns [BatchSize, C, T, F].
func (r Request) LatentShape() []int64 {
	return []int64{int64(r.BatchSize), r.Shape[0], r.Shape[1], r.Shape[2]}
}

// Guided reports whether classifier-free guidance applies.
func (r Request) Guided() bool {
	return r.Uncond != nil && r.GuidanceScale != 1
}

func (r Request) Validate() error {
	if r.BatchSize < 1 {
		return fmt.Errorf("%w: batch size %d", ErrInvalidRequest, r.BatchSize)
	}

	for i, d := range r.Shape {
		if d < 1 {
			return fmt.Errorf("%w: latent shape %v has non-positive dim %d", ErrInvalidRequest, r.Shape, i)
		}
	}

	if r.Rand == nil {
		return fmt.Errorf("%w: random source is required", ErrInvalidRequest)
	}

	if r.Cond == nil || r.Cond.Dim(0) != int64(r.BatchSize) {
		return fmt.Errorf("%w: conditioning batch must equal %d", ErrInvalidRequest, r.BatchSize)
	}

	if r.Uncond != nil && !tensor.SameShape(r.Cond, r.Uncond) {
		return fmt.Errorf("%w: unconditional shape %v does not match conditioning %v", ErrInvalidRequest, r.Uncond.Shape(), r.Cond.Shape())
	}

	if (r.Mask == nil) != (r.X0 == nil) {
		return fmt.Errorf("%w: mask and x0 must be provided together", ErrInvalidRequest)
	}

	if r.Mask == nil {
		return nil
	}

	full := r.LatentShape()

	x0Shape := r.X0.Shape()
	if !slices.Equal(x0Shape, full) {
		return fmt.Errorf("%w: x0 shape %v, want %v", ErrInvalidRequest, x0Shape, full)
	}

	maskShape := r.Mask.Shape()
	narrow := []int64{full[0], 1, full[2], full[3]}
	if !slices.Equal(maskShape, full) && !slices.Equal(maskShape, narrow) {
		return fmt.Errorf("%w: mask shape %v, want %v or %v", ErrInvalidRequest, maskShape, narrow, full)
	}

	return nil
}
