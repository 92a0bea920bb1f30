// Package synthetic provides deterministic stand-ins for the external graphs
// so the full pipeline can run, and be tested, without model weights or an
// ONNX Runtime library.
package synthetic

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"

	"github.com/example/go-musicldm/internal/onnx"
	"github.com/example/go-musicldm/internal/tensor"
)

type Options struct {
	// LatentChannels is C of the latent grid.
	LatentChannels int
	// Downsample is the time and frequency reduction of the autoencoder.
	Downsample int
	// Subband is the number of channels the decoder emits.
	Subband int
	// Hop is the number of waveform samples per representation frame.
	Hop        int
	SampleRate int
	EmbedDim   int
}

func DefaultOptions() Options {
	return Options{LatentChannels: 8, Downsample: 4, Subband: 1, Hop: 160, SampleRate: 16000, EmbedDim: 512}
}

// NewEngine returns an engine whose every graph is synthetic.
func NewEngine(opts Options) (*onnx.Engine, error) {
	runners, err := Runners(opts)
	if err != nil {
		return nil, err
	}

	return onnx.NewEngineWithRunners(runners), nil
}

// Runners returns one synthetic runner per graph name.
func Runners(opts Options) (map[string]onnx.GraphRunner, error) {
	if opts.LatentChannels < 1 || opts.Downsample < 1 || opts.Subband < 1 || opts.Hop < 1 || opts.SampleRate < 1 || opts.EmbedDim < 1 {
		return nil, fmt.Errorf("synthetic: all options must be positive: %+v", opts)
	}

	s := &graphs{opts: opts}

	return map[string]onnx.GraphRunner{
		onnx.GraphVAEEncoder:  runner{onnx.GraphVAEEncoder, s.encode},
		onnx.GraphVAEDecoder:  runner{onnx.GraphVAEDecoder, s.decode},
		onnx.GraphVocoder:     runner{onnx.GraphVocoder, s.vocode("mel")},
		onnx.GraphWaveDecoder: runner{onnx.GraphWaveDecoder, s.vocode("spec")},
		onnx.GraphUNet:        runner{onnx.GraphUNet, s.unet},
		onnx.GraphCLAPText:    runner{onnx.GraphCLAPText, s.embedText},
		onnx.GraphCLAPAudio:   runner{onnx.GraphCLAPAudio, s.embedAudio},
	}, nil
}

type runFunc func(inputs map[string]*onnx.Tensor) (map[string]*onnx.Tensor, error)

type runner struct {
	name string
	fn   runFunc
}

func (r runner) Run(ctx context.Context, inputs map[string]*onnx.Tensor) (map[string]*onnx.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return r.fn(inputs)
}

func (r runner) Name() string { return r.name }
func (r runner) Close()       {}

type graphs struct {
	opts Options
}

func dense(inputs map[string]*onnx.Tensor, name string, rank int) (*tensor.Tensor, error) {
	in, ok := inputs[name]
	if !ok {
		return nil, fmt.Errorf("missing input %q", name)
	}

	t, err := in.Dense()
	if err != nil {
		return nil, fmt.Errorf("input %q: %w", name, err)
	}

	if t.Rank() != rank {
		return nil, fmt.Errorf("input %q: rank %d, want %d", name, t.Rank(), rank)
	}

	return t, nil
}

func output(name string, data []float32, shape []int64) (map[string]*onnx.Tensor, error) {
	out, err := onnx.NewTensor(data, shape)
	if err != nil {
		return nil, err
	}

	return map[string]*onnx.Tensor{name: out}, nil
}

// encode average-pools the channel mean of x [B,k,T,F] by Downsample and
// emits constant log-variance: moments [B,2C,T/r,F/r].
func (g *graphs) encode(inputs map[string]*onnx.Tensor) (map[string]*onnx.Tensor, error) {
	x, err := dense(inputs, "x", 4)
	if err != nil {
		return nil, err
	}

	b, k, tt, ff := x.Dim(0), x.Dim(1), x.Dim(2), x.Dim(3)
	r := int64(g.opts.Downsample)

	if tt%r != 0 || ff%r != 0 {
		return nil, fmt.Errorf("input x %v not divisible by %d", x.Shape(), r)
	}

	c := int64(g.opts.LatentChannels)
	t, f := tt/r, ff/r
	src := x.RawData()
	out := make([]float32, b*2*c*t*f)
	norm := float32(k * r * r)

	for bi := range b {
		for ti := range t {
			for fi := range f {
				var sum float32

				for ki := range k {
					for dt := range r {
						for df := range r {
							sum += src[((bi*k+ki)*tt+ti*r+dt)*ff+fi*r+df]
						}
					}
				}

				for ci := range c {
					out[((bi*2*c+ci)*t+ti)*f+fi] = sum / norm
					out[((bi*2*c+c+ci)*t+ti)*f+fi] = -4
				}
			}
		}
	}

	return output("moments", out, []int64{b, 2 * c, t, f})
}

// decode upsamples the channel mean of z [B,C,t,f] to x_rec [B,k,t*r,f*r].
func (g *graphs) decode(inputs map[string]*onnx.Tensor) (map[string]*onnx.Tensor, error) {
	z, err := dense(inputs, "z", 4)
	if err != nil {
		return nil, err
	}

	b, c, t, f := z.Dim(0), z.Dim(1), z.Dim(2), z.Dim(3)
	r, k := int64(g.opts.Downsample), int64(g.opts.Subband)
	tt, ff := t*r, f*r
	src := z.RawData()
	out := make([]float32, b*k*tt*ff)

	for bi := range b {
		for ti := range tt {
			for fi := range ff {
				var sum float32
				for ci := range c {
					sum += src[((bi*c+ci)*t+ti/r)*f+fi/r]
				}

				for ki := range k {
					out[((bi*k+ki)*tt+ti)*ff+fi] = sum / float32(c)
				}
			}
		}
	}

	return output("x_rec", out, []int64{b, k, tt, ff})
}

// vocode renders [B,F,T] as a 220 Hz tone whose per-frame amplitude follows
// tanh of the frame's mean bin value.
func (g *graphs) vocode(input string) runFunc {
	return func(inputs map[string]*onnx.Tensor) (map[string]*onnx.Tensor, error) {
		spec, err := dense(inputs, input, 3)
		if err != nil {
			return nil, err
		}

		b, f, t := spec.Dim(0), spec.Dim(1), spec.Dim(2)
		hop := int64(g.opts.Hop)
		src := spec.RawData()
		out := make([]float32, b*t*hop)
		step := 2 * math.Pi * 220 / float64(g.opts.SampleRate)

		for bi := range b {
			for ti := range t {
				var mean float64
				for fi := range f {
					mean += float64(src[(bi*f+fi)*t+ti])
				}

				amp := 0.5 * math.Tanh(mean/float64(f))

				for h := range hop {
					n := ti*hop + h
					out[bi*t*hop+n] = float32(amp * math.Sin(step*float64(n)))
				}
			}
		}

		return output("waveform", out, []int64{b, 1, t * hop})
	}
}

// unet predicts a noise that is a fixed fraction of x shifted by the
// conditioning mean, which keeps DDIM trajectories bounded.
func (g *graphs) unet(inputs map[string]*onnx.Tensor) (map[string]*onnx.Tensor, error) {
	x, err := dense(inputs, "x", 4)
	if err != nil {
		return nil, err
	}

	cond, err := dense(inputs, "context", 3)
	if err != nil {
		return nil, err
	}

	ts, ok := inputs["timesteps"]
	if !ok {
		return nil, fmt.Errorf("missing input %q", "timesteps")
	}

	steps, err := onnx.ExtractInt64(ts)
	if err != nil {
		return nil, err
	}

	b := x.Dim(0)
	if cond.Dim(0) != b || int64(len(steps)) != b {
		return nil, fmt.Errorf("batch mismatch: x %d, context %d, timesteps %d", b, cond.Dim(0), len(steps))
	}

	item := x.ElemCount() / int(b)
	d := int(cond.Dim(1) * cond.Dim(2))
	src, ctxData := x.RawData(), cond.RawData()
	out := make([]float32, len(src))

	for bi := range int(b) {
		var mean float32
		for _, v := range ctxData[bi*d : (bi+1)*d] {
			mean += v
		}

		shift := 0.1 * mean / float32(d)

		for i := bi * item; i < (bi+1)*item; i++ {
			out[i] = 0.5*src[i] + shift
		}
	}

	return output("eps", out, x.Shape())
}

// embedText hashes the attended token ids into a unit vector.
func (g *graphs) embedText(inputs map[string]*onnx.Tensor) (map[string]*onnx.Tensor, error) {
	idsIn, ok := inputs["input_ids"]
	if !ok {
		return nil, fmt.Errorf("missing input %q", "input_ids")
	}

	maskIn, ok := inputs["attention_mask"]
	if !ok {
		return nil, fmt.Errorf("missing input %q", "attention_mask")
	}

	ids, err := onnx.ExtractInt64(idsIn)
	if err != nil {
		return nil, err
	}

	mask, err := onnx.ExtractInt64(maskIn)
	if err != nil {
		return nil, err
	}

	shape := idsIn.Shape()
	if len(shape) != 2 || len(mask) != len(ids) {
		return nil, fmt.Errorf("input_ids %v and attention_mask must be [B,L]", shape)
	}

	b, l, d := int(shape[0]), int(shape[1]), g.opts.EmbedDim
	out := make([]float32, b*d)

	for bi := range b {
		row := out[bi*d : (bi+1)*d]

		for li := range l {
			if mask[bi*l+li] == 0 {
				continue
			}

			id := float64(ids[bi*l+li] + 1)
			for di := range row {
				row[di] += float32(math.Sin(id * float64(di+1) * 0.37))
			}
		}

		normalize(row)
	}

	return output("embedding", out, []int64{int64(b), int64(d)})
}

// embedAudio summarizes a waveform [B,N] by the mean magnitude of EmbedDim
// equal slices.
func (g *graphs) embedAudio(inputs map[string]*onnx.Tensor) (map[string]*onnx.Tensor, error) {
	wave, err := dense(inputs, "waveform", 2)
	if err != nil {
		return nil, err
	}

	b, n, d := int(wave.Dim(0)), int(wave.Dim(1)), g.opts.EmbedDim
	src := wave.RawData()
	out := make([]float32, b*d)

	for bi := range b {
		row := out[bi*d : (bi+1)*d]

		for di := range row {
			lo, hi := di*n/d, (di+1)*n/d

			var sum float64
			for _, v := range src[bi*n+lo : bi*n+hi] {
				sum += math.Abs(float64(v))
			}

			if hi > lo {
				row[di] = float32(sum / float64(hi-lo))
			}
		}

		normalize(row)
	}

	return output("embedding", out, []int64{int64(b), int64(d)})
}

func normalize(row []float32) {
	var norm float64
	for _, v := range row {
		norm += float64(v) * float64(v)
	}

	if norm == 0 {
		return
	}

	inv := float32(1 / math.Sqrt(norm))
	for i := range row {
		row[i] *= inv
	}
}

// Tokenizer maps whitespace-separated words to stable ids by hashing.
type Tokenizer struct{}

// firstWordID keeps hashed ids clear of the special ids.
const firstWordID = 3

func (Tokenizer) Encode(text string) ([]int64, error) {
	words := strings.Fields(strings.ToLower(text))
	ids := make([]int64, len(words))

	for i, w := range words {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		ids[i] = firstWordID + int64(h.Sum32()%50000)
	}

	return ids, nil
}
