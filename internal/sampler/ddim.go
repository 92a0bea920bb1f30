package sampler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"

	"github.com/example/go-musicldm/internal/tensor"
)

// DDIMOptions configures a DDIM sampler.
type DDIMOptions struct {
	Steps  int
	Eta    float64
	Logger *slog.Logger
	// Progress is called after every denoising step when set.
	Progress func(step, total int)
}

// DDIM samples with the deterministic-or-stochastic DDIM update, using
// classifier-free guidance and masked seeding when the request asks for it.
type DDIM struct {
	denoiser Denoiser
	schedule *Schedule
	params   DDIMParams
	logger   *slog.Logger
	progress func(step, total int)
}

func NewDDIM(denoiser Denoiser, schedule *Schedule, opts DDIMOptions) (*DDIM, error) {
	if denoiser == nil {
		return nil, errors.New("ddim: denoiser is required")
	}

	if schedule == nil {
		return nil, errors.New("ddim: schedule is required")
	}

	params, err := schedule.DDIM(opts.Steps, opts.Eta)
	if err != nil {
		return nil, fmt.Errorf("ddim: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &DDIM{
		denoiser: denoiser,
		schedule: schedule,
		params:   params,
		logger:   logger,
		progress: opts.Progress,
	}, nil
}

// Steps returns the number of denoising steps per Sample call.
func (d *DDIM) Steps() int { return len(d.params.Timesteps) }

func (d *DDIM) Sample(ctx context.Context, req Request) (*tensor.Tensor, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	shape := req.LatentShape()

	img, err := tensor.Randn(shape, req.Rand)
	if err != nil {
		return nil, err
	}

	var mask []float32
	if req.Mask != nil {
		mask, err = expandMask(req.Mask, shape)
		if err != nil {
			return nil, err
		}
	}

	cond, err := d.conditioning(req)
	if err != nil {
		return nil, err
	}

	total := len(d.params.Timesteps)
	d.logger.Debug("ddim sampling", "steps", total, "batch", req.BatchSize, "guided", req.Guided(), "masked", mask != nil)

	for i := range total {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		index := total - 1 - i
		step := d.params.Timesteps[index]

		if mask != nil {
			if err := d.blendSeed(img, req.X0, mask, step, req); err != nil {
				return nil, err
			}
		}

		eps, err := d.predict(ctx, img, step, cond, req)
		if err != nil {
			return nil, fmt.Errorf("ddim step %d (t=%d): %w", i, step, err)
		}

		if err := d.update(img, eps, index, req); err != nil {
			return nil, err
		}

		if d.progress != nil {
			d.progress(i+1, total)
		}
	}

	return img, nil
}

// blendSeed sets img = q_sample(x0, t)*mask + (1-mask)*img in place.
func (d *DDIM) blendSeed(img, x0 *tensor.Tensor, mask []float32, step int, req Request) error {
	noise, err := tensor.Randn(img.Shape(), req.Rand)
	if err != nil {
		return err
	}

	acp := d.schedule.AlphaCumprod(step)
	sa := float32(math.Sqrt(acp))
	sn := float32(math.Sqrt(1 - acp))

	x := img.RawData()
	seed := x0.RawData()
	z := noise.RawData()

	for i := range x {
		noised := sa*seed[i] + sn*z[i]
		x[i] = noised*mask[i] + (1-mask[i])*x[i]
	}

	return nil
}

// conditioning stacks [uncond; cond] along the batch axis for guided runs so
// both branches go through the denoiser in one call.
func (d *DDIM) conditioning(req Request) (*tensor.Tensor, error) {
	if !req.Guided() {
		return req.Cond, nil
	}

	return tensor.Concat([]*tensor.Tensor{req.Uncond, req.Cond}, 0)
}

func (d *DDIM) predict(ctx context.Context, img *tensor.Tensor, step int, cond *tensor.Tensor, req Request) (*tensor.Tensor, error) {
	b := req.BatchSize

	if !req.Guided() {
		return d.denoiser.PredictNoise(ctx, img, fillSteps(b, step), cond)
	}

	xIn, err := img.Repeat(2)
	if err != nil {
		return nil, err
	}

	out, err := d.denoiser.PredictNoise(ctx, xIn, fillSteps(2*b, step), cond)
	if err != nil {
		return nil, err
	}

	if out.Dim(0) != int64(2*b) {
		return nil, fmt.Errorf("denoiser returned batch %d, want %d", out.Dim(0), 2*b)
	}

	uncond, err := out.Narrow(0, 0, int64(b))
	if err != nil {
		return nil, err
	}

	condEps, err := out.Narrow(0, int64(b), int64(b))
	if err != nil {
		return nil, err
	}

	s := float32(req.GuidanceScale)

	// eps = eps_u + s * (eps_c - eps_u)
	return tensor.LinearCombination(1-s, uncond, s, condEps)
}

// update applies one DDIM step in place.
func (d *DDIM) update(img, eps *tensor.Tensor, index int, req Request) error {
	if !tensor.SameShape(img, eps) {
		return fmt.Errorf("denoiser output shape %v, want %v", eps.Shape(), img.Shape())
	}

	a := d.params.Alphas[index]
	aPrev := d.params.AlphasPrev[index]
	sigma := d.params.Sigmas[index]

	sqrtA := math.Sqrt(a)
	sqrtOneMinusA := math.Sqrt(1 - a)
	sqrtAPrev := math.Sqrt(aPrev)
	dirCoef := math.Sqrt(math.Max(0, 1-aPrev-sigma*sigma))

	x := img.RawData()
	e := eps.RawData()

	var z []float32
	if sigma > 0 {
		noise, err := tensor.Randn(img.Shape(), req.Rand)
		if err != nil {
			return err
		}

		z = noise.RawData()
	}

	for i := range x {
		predX0 := (float64(x[i]) - sqrtOneMinusA*float64(e[i])) / sqrtA
		x[i] = float32(sqrtAPrev*predX0 + dirCoef*float64(e[i]))
	}

	tensor.Axpy(x, float32(sigma), z)

	return nil
}

// expandMask broadcasts a [B,1,T,F] mask over channels to the full latent
// shape and returns its data.
func expandMask(mask *tensor.Tensor, shape []int64) ([]float32, error) {
	if slices.Equal(mask.Shape(), shape) {
		return mask.Data(), nil
	}

	full, err := mask.Expand(shape)
	if err != nil {
		return nil, fmt.Errorf("expand mask: %w", err)
	}

	return full.RawData(), nil
}

func fillSteps(n, step int) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = int64(step)
	}

	return out
}
