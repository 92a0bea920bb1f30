package sampler

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/example/go-musicldm/internal/tensor"
)

// zeroDenoiser predicts no noise and records the batch sizes it saw.
type zeroDenoiser struct {
	batches []int64
}

func (z *zeroDenoiser) PredictNoise(_ context.Context, x *tensor.Tensor, steps []int64, _ *tensor.Tensor) (*tensor.Tensor, error) {
	z.batches = append(z.batches, int64(len(steps)))
	return tensor.Zeros(x.Shape())
}

// condDenoiser predicts eps equal to the first conditioning value of each item.
type condDenoiser struct{}

func (condDenoiser) PredictNoise(_ context.Context, x *tensor.Tensor, _ []int64, cond *tensor.Tensor) (*tensor.Tensor, error) {
	out, _ := tensor.Zeros(x.Shape())
	per := out.ElemCount() / int(x.Dim(0))
	rowLen := cond.ElemCount() / int(cond.Dim(0))

	for b := range int(x.Dim(0)) {
		v := cond.RawData()[b*rowLen]
		for i := range per {
			out.RawData()[b*per+i] = v
		}
	}

	return out, nil
}

func newRequest(t *testing.T, batch int, seed uint64) Request {
	t.Helper()

	cond, _ := tensor.Full([]int64{int64(batch), 1, 4}, 1)

	return Request{
		Cond:          cond,
		GuidanceScale: 1,
		BatchSize:     batch,
		Shape:         [3]int64{2, 4, 3},
		Rand:          rand.New(rand.NewPCG(seed, seed)),
	}
}

func TestLinearSchedule(t *testing.T) {
	s, err := NewLinearSchedule(1000, 0.0015, 0.0195)
	if err != nil {
		t.Fatalf("NewLinearSchedule: %v", err)
	}

	if got := s.AlphaCumprod(0); math.Abs(got-(1-0.0015)) > 1e-12 {
		t.Fatalf("acp[0] = %v; want %v", got, 1-0.0015)
	}

	for i := 1; i < s.Len(); i++ {
		if s.AlphaCumprod(i) >= s.AlphaCumprod(i-1) {
			t.Fatalf("acp not decreasing at %d", i)
		}
	}

	if _, err := NewLinearSchedule(1000, 0.02, 0.01); err == nil {
		t.Fatal("expected error for inverted schedule")
	}
}

func TestDDIMParamsUniform(t *testing.T) {
	s, _ := NewLinearSchedule(1000, 0.0015, 0.0195)

	p, err := s.DDIM(200, 1.0)
	if err != nil {
		t.Fatalf("DDIM: %v", err)
	}

	if len(p.Timesteps) != 200 || p.Timesteps[0] != 1 || p.Timesteps[1] != 6 || p.Timesteps[199] != 996 {
		t.Fatalf("timesteps = %v ... %v", p.Timesteps[:2], p.Timesteps[len(p.Timesteps)-1])
	}

	if p.AlphasPrev[0] != s.AlphaCumprod(0) || p.AlphasPrev[5] != s.AlphaCumprod(p.Timesteps[4]) {
		t.Fatal("alphas_prev must shift the sub-sequence by one with acp[0] first")
	}

	for i, sg := range p.Sigmas {
		if sg <= 0 || math.IsNaN(sg) {
			t.Fatalf("sigma[%d] = %v; want > 0 with eta=1", i, sg)
		}
	}

	p0, _ := s.DDIM(200, 0)
	for i, sg := range p0.Sigmas {
		if sg != 0 {
			t.Fatalf("sigma[%d] = %v; want 0 with eta=0", i, sg)
		}
	}

	if _, err := s.DDIM(1000, 0); err == nil {
		t.Fatal("expected error when steps reach the schedule length")
	}
}

func TestDDIMZeroDenoiserDeterministic(t *testing.T) {
	s, _ := NewLinearSchedule(100, 0.0015, 0.0195)
	den := &zeroDenoiser{}

	d, err := NewDDIM(den, s, DDIMOptions{Steps: 10, Eta: 0})
	if err != nil {
		t.Fatalf("NewDDIM: %v", err)
	}

	out, err := d.Sample(context.Background(), newRequest(t, 2, 5))
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}

	if len(den.batches) != d.Steps() || den.batches[0] != 2 {
		t.Fatalf("denoiser calls = %v; want %d calls of batch 2", den.batches, d.Steps())
	}

	again, _ := d.Sample(context.Background(), newRequest(t, 2, 5))
	if len(den.batches) != 2*d.Steps() {
		t.Fatalf("denoiser calls after two runs = %d; want %d", len(den.batches), 2*d.Steps())
	}

	for i := range out.RawData() {
		if out.RawData()[i] != again.RawData()[i] {
			t.Fatal("same seed produced different samples")
		}
	}

	// With eps = 0 and eta = 0 every step rescales by sqrt(a_prev/a), so the
	// chain collapses to x_T * sqrt(acp[0] / acp[last]).
	xT, _ := tensor.Randn([]int64{2, 2, 4, 3}, rand.New(rand.NewPCG(5, 5)))
	last := d.params.Timesteps[len(d.params.Timesteps)-1]
	gain := math.Sqrt(s.AlphaCumprod(0) / s.AlphaCumprod(last))

	for i, v := range out.RawData() {
		want := float64(xT.RawData()[i]) * gain
		if math.Abs(float64(v)-want) > 1e-4*math.Max(1, math.Abs(want)) {
			t.Fatalf("out[%d] = %v; want %v", i, v, want)
		}
	}
}

func TestDDIMMaskHoldsSeed(t *testing.T) {
	// Near-zero betas make q_sample(x0, t) ~= x0 so the held region is exact.
	s, _ := NewLinearSchedule(20, 1e-10, 2e-10)
	d, _ := NewDDIM(&zeroDenoiser{}, s, DDIMOptions{Steps: 5, Eta: 0})

	req := newRequest(t, 1, 9)
	shape := req.LatentShape()

	x0, _ := tensor.Full(shape, 0.7)
	mask, _ := tensor.Zeros([]int64{1, 1, 4, 3})
	for i := range 6 {
		mask.RawData()[i] = 1 // first half of the time axis
	}

	req.X0 = x0
	req.Mask = mask

	out, err := d.Sample(context.Background(), req)
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}

	// [1,2,4,3]: per channel the first 6 values are held.
	for c := range 2 {
		for i := range 12 {
			v := out.RawData()[c*12+i]
			held := math.Abs(float64(v)-0.7) < 1e-3

			if i < 6 && !held {
				t.Fatalf("channel %d pos %d = %v; want seed 0.7", c, i, v)
			}

			if i >= 6 && held {
				t.Fatalf("channel %d pos %d = %v; free region should not equal the seed", c, i, v)
			}
		}
	}
}

func TestDDIMGuidanceCombinesBranches(t *testing.T) {
	s, _ := NewLinearSchedule(20, 0.0015, 0.0195)
	d, _ := NewDDIM(condDenoiser{}, s, DDIMOptions{Steps: 4, Eta: 0})

	req := newRequest(t, 2, 1)
	req.Uncond, _ = tensor.Zeros([]int64{2, 1, 4})
	req.GuidanceScale = 3

	cond, err := d.conditioning(req)
	if err != nil {
		t.Fatalf("conditioning: %v", err)
	}

	if cond.Dim(0) != 4 || cond.RawData()[0] != 0 || cond.RawData()[8] != 1 {
		t.Fatalf("conditioning must stack [uncond; cond], got %v", cond.RawData())
	}

	img, _ := tensor.Zeros(req.LatentShape())

	eps, err := d.predict(context.Background(), img, 1, cond, req)
	if err != nil {
		t.Fatalf("predict: %v", err)
	}

	if eps.Dim(0) != 2 {
		t.Fatalf("eps batch = %d; want 2", eps.Dim(0))
	}

	for _, v := range eps.RawData() {
		if math.Abs(float64(v)-3) > 1e-6 {
			t.Fatalf("eps = %v; want eu + s*(ec-eu) = 3", v)
		}
	}
}

func TestDDIMProgressAndCancel(t *testing.T) {
	s, _ := NewLinearSchedule(50, 0.0015, 0.0195)

	var calls int
	d, _ := NewDDIM(&zeroDenoiser{}, s, DDIMOptions{Steps: 5, Eta: 1, Progress: func(step, total int) {
		calls++
		if total != 5 {
			t.Errorf("total = %d; want 5", total)
		}
	}})

	if _, err := d.Sample(context.Background(), newRequest(t, 1, 2)); err != nil {
		t.Fatalf("Sample: %v", err)
	}

	if calls != 5 {
		t.Fatalf("progress calls = %d; want 5", calls)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := d.Sample(ctx, newRequest(t, 1, 2)); !errors.Is(err, context.Canceled) {
		t.Fatalf("Sample() = %v; want context.Canceled", err)
	}
}

func TestDDIMStochasticSeeded(t *testing.T) {
	s, _ := NewLinearSchedule(50, 0.0015, 0.0195)
	d, _ := NewDDIM(&zeroDenoiser{}, s, DDIMOptions{Steps: 5, Eta: 1})
	det, _ := NewDDIM(&zeroDenoiser{}, s, DDIMOptions{Steps: 5, Eta: 0})

	a, err := d.Sample(context.Background(), newRequest(t, 1, 3))
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}

	b, _ := d.Sample(context.Background(), newRequest(t, 1, 3))
	plain, _ := det.Sample(context.Background(), newRequest(t, 1, 3))

	var differs bool
	for i, v := range a.RawData() {
		if v != b.RawData()[i] {
			t.Fatalf("out[%d] differs across runs with the same seed", i)
		}

		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			t.Fatalf("out[%d] = %v", i, v)
		}

		if v != plain.RawData()[i] {
			differs = true
		}
	}

	if !differs {
		t.Fatal("eta=1 should inject noise the eta=0 chain does not")
	}
}

func TestRequestValidate(t *testing.T) {
	x0, _ := tensor.Zeros([]int64{1, 2, 4, 3})
	mask, _ := tensor.Zeros([]int64{1, 1, 4, 3})
	badMask, _ := tensor.Zeros([]int64{1, 1, 2, 3})

	tests := []struct {
		name   string
		mutate func(*Request)
	}{
		{"zero batch", func(r *Request) { r.BatchSize = 0 }},
		{"batch mismatch", func(r *Request) { r.BatchSize = 2 }},
		{"nil rand", func(r *Request) { r.Rand = nil }},
		{"mask without x0", func(r *Request) { r.Mask = mask }},
		{"bad mask shape", func(r *Request) { r.Mask, r.X0 = badMask, x0 }},
		{"bad shape", func(r *Request) { r.Shape[1] = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := newRequest(t, 1, 1)
			tt.mutate(&req)

			if err := req.Validate(); !errors.Is(err, ErrInvalidRequest) {
				t.Fatalf("Validate() = %v; want ErrInvalidRequest", err)
			}
		})
	}

	ok := newRequest(t, 1, 1)
	ok.Mask, ok.X0 = mask, x0
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid masked request: %v", err)
	}
}
