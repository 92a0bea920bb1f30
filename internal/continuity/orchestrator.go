// Package continuity generates an arbitrarily long piece from a sequence of
// text prompts by sliding a fixed-size latent window: every segment after the
// first is seeded with the tail of the previous one, several candidates are
// sampled, and the candidate the oracle rates closest to the prompt is kept.
package continuity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/example/go-musicldm/internal/codec"
	"github.com/example/go-musicldm/internal/oracle"
	"github.com/example/go-musicldm/internal/runctx"
	"github.com/example/go-musicldm/internal/sampler"
	"github.com/example/go-musicldm/internal/tensor"
)

// State is the position of a run in its lifecycle.
type State int

const (
	StateInit State = iota
	StateContinuing
	StateDone
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateContinuing:
		return "continuing"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Sink persists the waveforms of a run. Both methods receive [B,1,N], one row
// per stream.
type Sink interface {
	WriteSegment(index int, waveforms *tensor.Tensor) error
	// WriteCombined replaces the accumulated output written so far.
	WriteCombined(waveforms *tensor.Tensor) error
}

// Segment is the outcome of one window. Tensors hold the selected candidate
// of every stream and are not modified after they are handed out.
type Segment struct {
	Index    int
	Text     string
	Prompt   string
	Latent   *tensor.Tensor
	Decoded  *tensor.Tensor
	Waveform *tensor.Tensor
	// Scores holds one similarity per candidate, replica-major.
	Scores   []float32
	Selected []int64
}

type Options struct {
	// Candidates is the number of samples drawn per stream and segment.
	Candidates int
	// BaseBatch is the number of independent streams.
	BaseBatch     int
	GuidanceScale float64
	// LatentShape is [C,T,F] of one latent window.
	LatentShape [3]int64
	Prefix      string
	// OverlapOffset, when > 0, must equal the decoded frame count of half a
	// window. Zero derives it from the first decoded segment.
	OverlapOffset int64
	// Observer is called after every completed segment.
	Observer func(Segment)
}

type Orchestrator struct {
	oracle  oracle.Oracle
	sampler sampler.Sampler
	codec   codec.Codec
	opts    Options
}

// Result is returned by a successful Run.
type Result struct {
	Segments    []Segment
	Accumulated *tensor.Tensor
	Combined    *tensor.Tensor
	State       State
}

func New(o oracle.Oracle, s sampler.Sampler, c codec.Codec, opts Options) (*Orchestrator, error) {
	if o == nil || s == nil || c == nil {
		return nil, errors.New("continuity: oracle, sampler and codec are required")
	}

	if opts.Candidates < 1 {
		return nil, fmt.Errorf("continuity: candidates must be >= 1, got %d", opts.Candidates)
	}

	if opts.BaseBatch < 1 {
		return nil, fmt.Errorf("continuity: base batch must be >= 1, got %d", opts.BaseBatch)
	}

	for i, d := range opts.LatentShape {
		if d < 1 {
			return nil, fmt.Errorf("continuity: latent shape %v has non-positive dim %d", opts.LatentShape, i)
		}
	}

	if opts.LatentShape[1]%2 != 0 {
		return nil, fmt.Errorf("continuity: latent time %d must be even", opts.LatentShape[1])
	}

	if opts.OverlapOffset < 0 {
		return nil, fmt.Errorf("continuity: overlap offset must be >= 0, got %d", opts.OverlapOffset)
	}

	return &Orchestrator{oracle: o, sampler: s, codec: c, opts: opts}, nil
}

// Run generates one segment per text. A failure on segment i aborts the run;
// whatever the sink wrote for earlier segments stays in place.
func (o *Orchestrator) Run(ctx context.Context, rc *runctx.Context, sink Sink, texts []string) (*Result, error) {
	if len(texts) == 0 {
		return nil, ErrEmptySequence
	}

	if rc == nil || rc.Rand == nil {
		return nil, errors.New("continuity: run context with a random source is required")
	}

	if sink == nil {
		return nil, errors.New("continuity: sink is required")
	}

	r := &run{Orchestrator: o, rc: rc, sink: sink, logger: rc.Logger}
	if r.logger == nil {
		r.logger = slog.Default()
	}

	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		seg, err := r.step(ctx, i, text)
		if err != nil {
			return nil, fmt.Errorf("segment %d: %w", i, err)
		}

		r.segments = append(r.segments, seg)

		if o.opts.Observer != nil {
			o.opts.Observer(seg)
		}
	}

	r.state = StateDone

	return &Result{
		Segments:    r.segments,
		Accumulated: r.acc.Tensor(),
		Combined:    r.combined,
		State:       r.state,
	}, nil
}

type run struct {
	*Orchestrator

	rc     *runctx.Context
	sink   Sink
	logger *slog.Logger

	state    State
	prev     *tensor.Tensor
	acc      *Accumulator
	combined *tensor.Tensor
	segments []Segment
}

func (r *run) step(ctx context.Context, index int, text string) (Segment, error) {
	prompt := r.opts.Prefix + text
	total := r.opts.BaseBatch * r.opts.Candidates

	req, err := r.request(ctx, prompt, total)
	if err != nil {
		return Segment{}, err
	}

	latent, err := r.sampler.Sample(ctx, req)
	if err != nil {
		return Segment{}, fmt.Errorf("sample: %w", err)
	}

	if err := r.checkLatent(latent, req.LatentShape()); err != nil {
		return Segment{}, err
	}

	decoded, err := r.codec.DecodeLatent(ctx, latent)
	if err != nil {
		return Segment{}, fmt.Errorf("decode: %w", err)
	}

	waves, err := r.codec.DecodeToWaveform(ctx, decoded)
	if err != nil {
		return Segment{}, fmt.Errorf("waveform: %w", err)
	}

	prompts := make([]string, total)
	for i := range prompts {
		prompts[i] = prompt
	}

	scores, err := r.oracle.Similarity(ctx, waves, prompts)
	if err != nil {
		return Segment{}, fmt.Errorf("similarity: %w", err)
	}

	best, err := SelectBest(scores, r.opts.BaseBatch)
	if err != nil {
		return Segment{}, err
	}

	seg := Segment{Index: index, Text: text, Prompt: prompt, Scores: scores, Selected: best}

	if seg.Latent, err = latent.Gather(0, best); err != nil {
		return Segment{}, err
	}

	if seg.Decoded, err = decoded.Gather(0, best); err != nil {
		return Segment{}, err
	}

	if seg.Waveform, err = waves.Gather(0, best); err != nil {
		return Segment{}, err
	}

	r.logger.Info("segment generated", "segment", index, "best_index", best, "similarity", scores)

	if err := r.sink.WriteSegment(index, seg.Waveform); err != nil {
		return Segment{}, fmt.Errorf("write segment: %w", err)
	}

	if err := r.accumulate(ctx, seg.Decoded, latent.Dim(2)); err != nil {
		return Segment{}, err
	}

	r.prev = seg.Latent
	r.state = StateContinuing

	return seg, nil
}

func (r *run) request(ctx context.Context, prompt string, total int) (sampler.Request, error) {
	emb, err := r.oracle.Embed(ctx, []string{prompt})
	if err != nil {
		return sampler.Request{}, fmt.Errorf("embed: %w", err)
	}

	base, err := emb.Repeat(r.opts.BaseBatch)
	if err != nil {
		return sampler.Request{}, err
	}

	cond, err := base.Repeat(r.opts.Candidates)
	if err != nil {
		return sampler.Request{}, err
	}

	req := sampler.Request{
		Cond:          cond,
		GuidanceScale: r.opts.GuidanceScale,
		BatchSize:     total,
		Shape:         r.opts.LatentShape,
		Rand:          r.rc.Rand,
	}

	if r.opts.GuidanceScale != 1 {
		if req.Uncond, err = r.oracle.Unconditional(ctx, total); err != nil {
			return sampler.Request{}, fmt.Errorf("unconditional: %w", err)
		}
	}

	if r.state != StateContinuing {
		return req, nil
	}

	if req.Mask, err = OverlapMask(total, r.opts.LatentShape[1], r.opts.LatentShape[2]); err != nil {
		return sampler.Request{}, err
	}

	if req.X0, err = SeedLatent(r.prev, r.opts.Candidates); err != nil {
		return sampler.Request{}, err
	}

	return req, nil
}

func (r *run) checkLatent(latent *tensor.Tensor, want []int64) error {
	if latent == nil {
		return fmt.Errorf("%w: sampler returned no latent", ErrShapeMismatch)
	}

	got := latent.Shape()
	if len(got) != len(want) {
		return fmt.Errorf("%w: latent %v, want %v", ErrShapeMismatch, got, want)
	}

	for i := range got {
		if got[i] != want[i] {
			return fmt.Errorf("%w: latent %v, want %v", ErrShapeMismatch, got, want)
		}
	}

	if r.prev != nil && r.prev.Dim(2) != latent.Dim(2) {
		return fmt.Errorf("%w: latent time %d differs from previous segment %d", ErrShapeMismatch, latent.Dim(2), r.prev.Dim(2))
	}

	return nil
}

func (r *run) accumulate(ctx context.Context, decoded *tensor.Tensor, latentT int64) error {
	if err := decoded.CheckFinite(); err != nil {
		return fmt.Errorf("%w: %v", ErrNonFinite, err)
	}

	if r.acc == nil {
		offset, err := OverlapOffset(latentT, decoded.Dim(2))
		if err != nil {
			return err
		}

		if r.opts.OverlapOffset > 0 && r.opts.OverlapOffset != offset {
			return fmt.Errorf("%w: configured overlap offset %d, window split is at frame %d", ErrShapeMismatch, r.opts.OverlapOffset, offset)
		}

		if r.acc, err = NewAccumulator(offset); err != nil {
			return err
		}
	}

	if err := r.acc.Append(decoded); err != nil {
		return err
	}

	combined, err := r.codec.DecodeToWaveform(ctx, r.acc.Tensor())
	if err != nil {
		return fmt.Errorf("combined waveform: %w", err)
	}

	if err := combined.CheckFinite(); err != nil {
		return fmt.Errorf("%w: combined waveform: %v", ErrNonFinite, err)
	}

	if err := r.sink.WriteCombined(combined); err != nil {
		return fmt.Errorf("write combined: %w", err)
	}

	r.combined = combined
	r.logger.Debug("combined output updated", "segments", r.acc.Segments(), "frames", r.acc.Len())

	return nil
}
