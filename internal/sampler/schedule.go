package sampler

import (
	"fmt"
	"math"
)

// Schedule is a discrete DDPM noise schedule.
type Schedule struct {
	alphasCumprod []float64
}

// NewLinearSchedule builds the latent-diffusion "linear" schedule:
// betas = linspace(sqrt(start), sqrt(end), n)^2.
func NewLinearSchedule(n int, start, end float64) (*Schedule, error) {
	if n < 2 {
		return nil, fmt.Errorf("schedule: need at least 2 timesteps, got %d", n)
	}

	if start <= 0 || end <= start || end >= 1 {
		return nil, fmt.Errorf("schedule: need 0 < start < end < 1, got %g..%g", start, end)
	}

	lo, hi := math.Sqrt(start), math.Sqrt(end)
	acp := make([]float64, n)
	prod := 1.0

	for i := range n {
		b := lo + (hi-lo)*float64(i)/float64(n-1)
		prod *= 1 - b*b
		acp[i] = prod
	}

	return &Schedule{alphasCumprod: acp}, nil
}

// Len is the number of training timesteps.
func (s *Schedule) Len() int { return len(s.alphasCumprod) }

// AlphaCumprod returns the cumulative signal fraction at timestep t.
func (s *Schedule) AlphaCumprod(t int) float64 { return s.alphasCumprod[t] }

// DDIMParams are the per-step coefficients of a DDIM sub-sequence, ordered by
// ascending timestep.
type DDIMParams struct {
	Timesteps  []int
	Alphas     []float64
	AlphasPrev []float64
	Sigmas     []float64
}

// DDIM derives the uniform DDIM sub-sequence {0, c, 2c, ...} + 1 with
// c = Len/steps and its coefficients for eta.
func (s *Schedule) DDIM(steps int, eta float64) (DDIMParams, error) {
	n := s.Len()
	if steps < 1 || steps >= n {
		return DDIMParams{}, fmt.Errorf("schedule: ddim steps %d must be in [1, %d)", steps, n)
	}

	if eta < 0 {
		return DDIMParams{}, fmt.Errorf("schedule: eta must be >= 0, got %g", eta)
	}

	c := n / steps

	var p DDIMParams
	for t := 0; t < n; t += c {
		step := t + 1
		if step >= n {
			break
		}

		p.Timesteps = append(p.Timesteps, step)
	}

	for i, t := range p.Timesteps {
		a := s.alphasCumprod[t]
		aPrev := s.alphasCumprod[0]
		if i > 0 {
			aPrev = s.alphasCumprod[p.Timesteps[i-1]]
		}

		sigma := eta * math.Sqrt((1-aPrev)/(1-a)*(1-a/aPrev))

		p.Alphas = append(p.Alphas, a)
		p.AlphasPrev = append(p.AlphasPrev, aPrev)
		p.Sigmas = append(p.Sigmas, sigma)
	}

	return p, nil
}
