package continuity

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/example/go-musicldm/internal/codec"
	"github.com/example/go-musicldm/internal/runctx"
	"github.com/example/go-musicldm/internal/sampler"
	"github.com/example/go-musicldm/internal/tensor"
)

const (
	testPrefix = "experimental music is playing "
	hop        = 4
	embedDim   = 4
)

var testShape = [3]int64{2, 4, 3}

// constantSampler fills candidate k with k+1, so later candidates score higher
// under scoreByLevel.
type constantSampler struct {
	requests []sampler.Request
	// shapeAt overrides the latent shape returned for the given call.
	shapeAt map[int][]int64
}

func (s *constantSampler) Sample(_ context.Context, req sampler.Request) (*tensor.Tensor, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	call := len(s.requests)
	s.requests = append(s.requests, req)

	shape := req.LatentShape()
	if override, ok := s.shapeAt[call]; ok {
		shape = override
	}

	out, err := tensor.Zeros(shape)
	if err != nil {
		return nil, err
	}

	data := out.RawData()
	item := len(data) / int(shape[0])

	for k := range int(shape[0]) {
		for i := range item {
			data[k*item+i] = float32(k + 1)
		}
	}

	return out, nil
}

// fakeCodec doubles the time axis on decode and emits hop samples per frame,
// each equal to the frame's first bin. With nan set the last decoded frame is
// NaN, which leaves the similarity scores intact.
type fakeCodec struct {
	nan bool
}

func (c *fakeCodec) Encode(context.Context, *tensor.Tensor) (*codec.Posterior, error) {
	return nil, errors.New("not used")
}

func (c *fakeCodec) EncodeLatent(context.Context, *tensor.Tensor, *rand.Rand) (*tensor.Tensor, error) {
	return nil, errors.New("not used")
}

func (c *fakeCodec) Decode(ctx context.Context, z *tensor.Tensor) (*tensor.Tensor, error) {
	return c.DecodeLatent(ctx, z)
}

func (c *fakeCodec) DecodeLatent(_ context.Context, z *tensor.Tensor) (*tensor.Tensor, error) {
	b, ch, t, f := z.Dim(0), z.Dim(1), z.Dim(2), z.Dim(3)
	src := z.RawData()

	out := make([]float32, b*2*t*f)
	for bi := range b {
		for ti := range 2 * t {
			for fi := range f {
				v := src[((bi*ch)*t+ti/2)*f+fi]
				if c.nan && ti == 2*t-1 {
					v = float32(math.NaN())
				}

				out[(bi*2*t+ti)*f+fi] = v
			}
		}
	}

	return tensor.New(out, []int64{b, 1, 2 * t, f})
}

func (c *fakeCodec) DecodeToWaveform(_ context.Context, repr *tensor.Tensor) (*tensor.Tensor, error) {
	b, t, f := repr.Dim(0), repr.Dim(2), repr.Dim(3)
	src := repr.RawData()

	out := make([]float32, b*t*hop)
	for bi := range b {
		for ti := range t {
			for h := range int64(hop) {
				out[(bi*t+ti)*hop+h] = src[(bi*t+ti)*f]
			}
		}
	}

	return tensor.New(out, []int64{b, 1, t * hop})
}

func (c *fakeCodec) ImageKey() string { return "fbank" }

type fakeOracle struct {
	embedded  []string
	uncond    []int
	simTexts  [][]string
	allNaN    bool
	failEmbed error
}

func (o *fakeOracle) Embed(_ context.Context, texts []string) (*tensor.Tensor, error) {
	if o.failEmbed != nil {
		return nil, o.failEmbed
	}

	o.embedded = append(o.embedded, texts...)

	return tensor.Full([]int64{int64(len(texts)), 1, embedDim}, 1)
}

func (o *fakeOracle) Unconditional(_ context.Context, batch int) (*tensor.Tensor, error) {
	o.uncond = append(o.uncond, batch)
	return tensor.Zeros([]int64{int64(batch), 1, embedDim})
}

// Similarity scores each waveform by its first sample.
func (o *fakeOracle) Similarity(_ context.Context, waves *tensor.Tensor, texts []string) ([]float32, error) {
	o.simTexts = append(o.simTexts, texts)

	n := waves.Dim(2)
	data := waves.RawData()

	scores := make([]float32, waves.Dim(0))
	for i := range scores {
		scores[i] = data[int64(i)*n]
		if o.allNaN {
			scores[i] = float32(math.NaN())
		}
	}

	return scores, nil
}

type memSink struct {
	segments []int
	waves    []*tensor.Tensor
	combined []*tensor.Tensor
}

func (s *memSink) WriteSegment(index int, w *tensor.Tensor) error {
	s.segments = append(s.segments, index)
	s.waves = append(s.waves, w)

	return nil
}

func (s *memSink) WriteCombined(w *tensor.Tensor) error {
	s.combined = append(s.combined, w)
	return nil
}

func newRunContext(t *testing.T) *runctx.Context {
	t.Helper()

	rc, err := runctx.New(runctx.Options{OutputRoot: t.TempDir(), SampleRate: 16000})
	if err != nil {
		t.Fatal(err)
	}

	return rc
}

func newTestOrchestrator(t *testing.T, o *fakeOracle, s sampler.Sampler, c codec.Codec, opts Options) *Orchestrator {
	t.Helper()

	if opts.Candidates == 0 {
		opts.Candidates = 3
	}

	if opts.BaseBatch == 0 {
		opts.BaseBatch = 1
	}

	if opts.LatentShape == [3]int64{} {
		opts.LatentShape = testShape
	}

	if opts.Prefix == "" {
		opts.Prefix = testPrefix
	}

	orch, err := New(o, s, c, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	return orch
}

func TestRunTwoPrompts(t *testing.T) {
	o := &fakeOracle{}
	s := &constantSampler{}
	sink := &memSink{}

	var observed []int

	orch := newTestOrchestrator(t, o, s, &fakeCodec{}, Options{
		GuidanceScale: 2,
		Observer:      func(seg Segment) { observed = append(observed, seg.Index) },
	})

	res, err := orch.Run(context.Background(), newRunContext(t), sink, []string{"calm piano", "drums enter"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.State != StateDone {
		t.Errorf("State = %v, want done", res.State)
	}

	decodedT := 2 * testShape[1]
	offset := testShape[1] / 2 * 2

	if got, want := res.Accumulated.Dim(2), ExpectedLen(2, decodedT, offset); got != want {
		t.Errorf("accumulated length = %d, want %d", got, want)
	}

	if got, want := res.Combined.Dim(2), res.Accumulated.Dim(2)*hop; got != want {
		t.Errorf("combined samples = %d, want %d", got, want)
	}

	if err := res.Combined.CheckFinite(); err != nil {
		t.Errorf("combined waveform: %v", err)
	}

	if diff := cmp.Diff([]int{0, 1}, sink.segments); diff != "" {
		t.Errorf("segment writes (-want +got):\n%s", diff)
	}

	if len(sink.combined) != 2 {
		t.Errorf("combined rewritten %d times, want 2", len(sink.combined))
	}

	if diff := cmp.Diff([]int{0, 1}, observed); diff != "" {
		t.Errorf("observer calls (-want +got):\n%s", diff)
	}

	wantEmbedded := []string{testPrefix + "calm piano", testPrefix + "drums enter"}
	if diff := cmp.Diff(wantEmbedded, o.embedded); diff != "" {
		t.Errorf("embedded prompts (-want +got):\n%s", diff)
	}

	for i, texts := range o.simTexts {
		want := []string{wantEmbedded[i], wantEmbedded[i], wantEmbedded[i]}
		if diff := cmp.Diff(want, texts); diff != "" {
			t.Errorf("similarity texts %d (-want +got):\n%s", i, diff)
		}
	}

	if diff := cmp.Diff([]int{3, 3}, o.uncond); diff != "" {
		t.Errorf("unconditional batches (-want +got):\n%s", diff)
	}

	first, second := s.requests[0], s.requests[1]
	if first.Mask != nil || first.X0 != nil {
		t.Error("first segment must be sampled without a seed")
	}

	if second.Mask == nil || second.X0 == nil {
		t.Fatal("continuation must carry mask and seed")
	}

	if first.Cond.Dim(0) != 3 || first.Uncond == nil {
		t.Errorf("cond batch = %d, uncond set = %v", first.Cond.Dim(0), first.Uncond != nil)
	}

	for i, seg := range res.Segments {
		if diff := cmp.Diff([]int64{2}, seg.Selected); diff != "" {
			t.Errorf("segment %d selection (-want +got):\n%s", i, diff)
		}
	}
}

func TestRunSeedsFromSelectedLatent(t *testing.T) {
	s := &constantSampler{}

	orch := newTestOrchestrator(t, &fakeOracle{}, s, &fakeCodec{}, Options{GuidanceScale: 1})

	if _, err := orch.Run(context.Background(), newRunContext(t), &memSink{}, []string{"a", "b"}); err != nil {
		t.Fatal(err)
	}

	x0 := s.requests[1].X0
	c, h, w := testShape[0], testShape[1], testShape[2]

	data := x0.Data()
	for k := range int64(3) {
		for i := range c * h * w {
			ti := i / w % h

			var want float32
			if ti < h/2 {
				// Candidate 2 (value 3) won the first segment.
				want = 3
			}

			if got := data[k*c*h*w+i]; got != want {
				t.Fatalf("x0[%d] flat %d (t=%d) = %v, want %v", k, i, ti, got, want)
			}
		}
	}

	if s.requests[1].Uncond != nil {
		t.Error("guidance scale 1 must not request an unconditional embedding")
	}
}

func TestRunBaseBatchStrided(t *testing.T) {
	sink := &memSink{}

	orch := newTestOrchestrator(t, &fakeOracle{}, &constantSampler{}, &fakeCodec{}, Options{BaseBatch: 2, GuidanceScale: 1})

	res, err := orch.Run(context.Background(), newRunContext(t), sink, []string{"one"})
	if err != nil {
		t.Fatal(err)
	}

	seg := res.Segments[0]
	if diff := cmp.Diff([]int64{4, 5}, seg.Selected); diff != "" {
		t.Errorf("selection (-want +got):\n%s", diff)
	}

	if got := seg.Latent.Shape(); got[0] != 2 {
		t.Fatalf("selected latent batch = %d, want 2", got[0])
	}

	lat := seg.Latent.Data()
	item := len(lat) / 2
	if lat[0] != 5 || lat[item] != 6 {
		t.Errorf("selected latents hold %v and %v, want 5 and 6", lat[0], lat[item])
	}

	if sink.waves[0].Dim(0) != 2 {
		t.Errorf("segment waveform streams = %d, want 2", sink.waves[0].Dim(0))
	}
}

func TestRunEmptySequence(t *testing.T) {
	s := &constantSampler{}
	sink := &memSink{}

	orch := newTestOrchestrator(t, &fakeOracle{}, s, &fakeCodec{}, Options{})

	_, err := orch.Run(context.Background(), newRunContext(t), sink, nil)
	if !errors.Is(err, ErrEmptySequence) {
		t.Fatalf("error = %v, want ErrEmptySequence", err)
	}

	if len(s.requests) != 0 || len(sink.segments) != 0 || len(sink.combined) != 0 {
		t.Errorf("work done on empty input: %d samples, %d segment writes, %d combined writes",
			len(s.requests), len(sink.segments), len(sink.combined))
	}
}

func TestRunShapeMismatchKeepsEarlierOutput(t *testing.T) {
	s := &constantSampler{shapeAt: map[int][]int64{1: {3, 2, 6, 3}}}
	sink := &memSink{}

	orch := newTestOrchestrator(t, &fakeOracle{}, s, &fakeCodec{}, Options{GuidanceScale: 1})

	_, err := orch.Run(context.Background(), newRunContext(t), sink, []string{"a", "b", "c"})
	if !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("error = %v, want ErrShapeMismatch", err)
	}

	if len(sink.segments) != 1 || len(sink.combined) != 1 {
		t.Errorf("writes before failure: %d segments, %d combined; want 1 and 1", len(sink.segments), len(sink.combined))
	}
}

func TestRunFailures(t *testing.T) {
	embedErr := errors.New("tower offline")

	tests := []struct {
		name    string
		oracle  *fakeOracle
		codec   *fakeCodec
		opts    Options
		wantErr error
	}{
		{name: "all candidates nan", oracle: &fakeOracle{allNaN: true}, codec: &fakeCodec{}, wantErr: ErrNoValidCandidate},
		{name: "non-finite decode", oracle: &fakeOracle{}, codec: &fakeCodec{nan: true}, wantErr: ErrNonFinite},
		{name: "overlap offset mismatch", oracle: &fakeOracle{}, codec: &fakeCodec{}, opts: Options{OverlapOffset: 3}, wantErr: ErrShapeMismatch},
		{name: "embed error", oracle: &fakeOracle{failEmbed: embedErr}, codec: &fakeCodec{}, wantErr: embedErr},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.opts.GuidanceScale = 1
			orch := newTestOrchestrator(t, tt.oracle, &constantSampler{}, tt.codec, tt.opts)

			_, err := orch.Run(context.Background(), newRunContext(t), &memSink{}, []string{"a"})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestRunMatchingOverlapOffset(t *testing.T) {
	orch := newTestOrchestrator(t, &fakeOracle{}, &constantSampler{}, &fakeCodec{}, Options{GuidanceScale: 1, OverlapOffset: 4})

	if _, err := orch.Run(context.Background(), newRunContext(t), &memSink{}, []string{"a", "b"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestRunCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	orch := newTestOrchestrator(t, &fakeOracle{}, &constantSampler{}, &fakeCodec{}, Options{})

	if _, err := orch.Run(ctx, newRunContext(t), &memSink{}, []string{"a"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
}

func TestNewValidatesOptions(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{name: "no candidates", opts: Options{BaseBatch: 1, LatentShape: testShape}},
		{name: "no base batch", opts: Options{Candidates: 1, LatentShape: testShape}},
		{name: "odd time", opts: Options{Candidates: 1, BaseBatch: 1, LatentShape: [3]int64{1, 3, 1}}},
		{name: "zero dim", opts: Options{Candidates: 1, BaseBatch: 1, LatentShape: [3]int64{0, 4, 1}}},
		{name: "negative offset", opts: Options{Candidates: 1, BaseBatch: 1, LatentShape: testShape, OverlapOffset: -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(&fakeOracle{}, &constantSampler{}, &fakeCodec{}, tt.opts); err == nil {
				t.Fatal("expected error")
			}
		})
	}

	if _, err := New(nil, &constantSampler{}, &fakeCodec{}, Options{Candidates: 1, BaseBatch: 1, LatentShape: testShape}); err == nil {
		t.Error("expected error for nil oracle")
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{StateInit: "init", StateContinuing: "continuing", StateDone: "done", State(9): "state(9)"} {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}
