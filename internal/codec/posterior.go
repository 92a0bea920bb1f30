package codec

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/example/go-musicldm/internal/tensor"
)

const (
	minLogVar = -30
	maxLogVar = 20
)

// Posterior is a diagonal Gaussian over latents.
type Posterior struct {
	Mean   *tensor.Tensor
	LogVar *tensor.Tensor
	Std    *tensor.Tensor
}

// NewPosterior splits encoder moments [B,2C,t,f] into mean and log-variance
// halves along the channel axis. Log-variance is clamped to [-30, 20].
func NewPosterior(moments *tensor.Tensor) (*Posterior, error) {
	if moments == nil || moments.Rank() != 4 || moments.Dim(1)%2 != 0 {
		var shape []int64
		if moments != nil {
			shape = moments.Shape()
		}

		return nil, fmt.Errorf("%w: moments must be [B,2C,t,f], got %v", ErrShape, shape)
	}

	c := moments.Dim(1) / 2

	mean, err := moments.Narrow(1, 0, c)
	if err != nil {
		return nil, err
	}

	logvar, err := moments.Narrow(1, c, c)
	if err != nil {
		return nil, err
	}

	std := logvar.Clone()
	lv := logvar.RawData()
	sd := std.RawData()

	for i, v := range lv {
		v = min(max(v, minLogVar), maxLogVar)
		lv[i] = v
		sd[i] = float32(math.Exp(0.5 * float64(v)))
	}

	return &Posterior{Mean: mean, LogVar: logvar, Std: std}, nil
}

// Sample draws mean + std * eps with eps ~ N(0, I) from rng.
func (p *Posterior) Sample(rng *rand.Rand) (*tensor.Tensor, error) {
	if rng == nil {
		return nil, errors.New("codec: posterior sample requires a random source")
	}

	eps, err := tensor.Randn(p.Mean.Shape(), rng)
	if err != nil {
		return nil, err
	}

	out := eps.RawData()
	mean := p.Mean.RawData()
	std := p.Std.RawData()

	for i := range out {
		out[i] = mean[i] + std[i]*out[i]
	}

	return eps, nil
}

// Mode returns the posterior mean.
func (p *Posterior) Mode() *tensor.Tensor {
	return p.Mean.Clone()
}
