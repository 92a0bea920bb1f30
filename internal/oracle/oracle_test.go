package oracle

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/example/go-musicldm/internal/tensor"
	"github.com/example/go-musicldm/internal/tokenizer"
)

// charTokenizer maps every rune to its code point.
type charTokenizer struct{}

func (charTokenizer) Encode(text string) ([]int64, error) {
	ids := make([]int64, 0, len(text))
	for _, r := range text {
		ids = append(ids, int64(r))
	}

	return ids, nil
}

// fakeGraphs embeds text as [len(tokens), 1] and audio as [mean, 1]. The
// first textFailures text calls fail.
type fakeGraphs struct {
	textCalls    int
	textFailures int
	audioShape   []int64
}

func (f *fakeGraphs) EmbedText(_ context.Context, ids, attention []int64, batch, length int) (*tensor.Tensor, error) {
	f.textCalls++
	if f.textFailures > 0 {
		f.textFailures--
		return nil, errors.New("text graph failed")
	}

	out := make([]float32, 0, batch*2)

	for i := range batch {
		var n float32
		for j := range length {
			n += float32(attention[i*length+j])
		}

		out = append(out, n, 1)
	}

	return tensor.New(out, []int64{int64(batch), 2})
}

func (f *fakeGraphs) EmbedAudio(_ context.Context, wave *tensor.Tensor) (*tensor.Tensor, error) {
	f.audioShape = wave.Shape()
	b, n := int(wave.Dim(0)), int(wave.Dim(1))
	out := make([]float32, 0, b*3)

	for i := range b {
		var sum float32
		for j := range n {
			sum += wave.RawData()[i*n+j]
		}

		out = append(out, sum/float32(n), 1)
	}

	return tensor.New(out, []int64{int64(b), 1, 2})
}

func newTestOracle(t *testing.T, g *fakeGraphs) *CLAP {
	t.Helper()

	o, err := NewCLAP(g, charTokenizer{}, Options{MaxTokens: 16, Special: tokenizer.DefaultSpecial()})
	if err != nil {
		t.Fatalf("NewCLAP: %v", err)
	}

	return o
}

func TestEmbedShape(t *testing.T) {
	o := newTestOracle(t, &fakeGraphs{})

	emb, err := o.Embed(context.Background(), []string{"ab", "abcd"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}

	if got := emb.Shape(); len(got) != 3 || got[0] != 2 || got[1] != 1 || got[2] != 2 {
		t.Fatalf("shape = %v; want [2 1 2]", got)
	}

	// BOS + 2 + EOS, BOS + 4 + EOS
	if got := emb.RawData(); got[0] != 4 || got[2] != 6 {
		t.Fatalf("embedding = %v", got)
	}

	if _, err := o.Embed(context.Background(), nil); err == nil {
		t.Fatal("expected error for no texts")
	}
}

func TestUnconditionalIsCachedAndBroadcast(t *testing.T) {
	g := &fakeGraphs{}
	o := newTestOracle(t, g)

	u, err := o.Unconditional(context.Background(), 3)
	if err != nil {
		t.Fatalf("Unconditional: %v", err)
	}

	if got := u.Shape(); got[0] != 3 || got[1] != 1 || got[2] != 2 {
		t.Fatalf("shape = %v; want [3 1 2]", got)
	}

	// empty text embeds as BOS+EOS
	for i := range 3 {
		if u.RawData()[i*2] != 2 {
			t.Fatalf("row %d = %v; want empty-text embedding", i, u.RawData()[i*2:i*2+2])
		}
	}

	if _, err := o.Unconditional(context.Background(), 5); err != nil {
		t.Fatalf("Unconditional: %v", err)
	}

	if g.textCalls != 1 {
		t.Fatalf("text graph called %d times; want 1 (cached)", g.textCalls)
	}
}

func TestUnconditionalRetriesAfterFailure(t *testing.T) {
	g := &fakeGraphs{textFailures: 1}
	o := newTestOracle(t, g)

	if _, err := o.Unconditional(context.Background(), 1); err == nil {
		t.Fatal("expected error from failing text graph")
	}

	u, err := o.Unconditional(context.Background(), 2)
	if err != nil {
		t.Fatalf("Unconditional after failure: %v", err)
	}

	if u.RawData()[0] != 2 || g.textCalls != 2 {
		t.Fatalf("row = %v after %d calls; want empty-text embedding after 2", u.RawData()[:2], g.textCalls)
	}
}

func TestSimilarityOrderAndShape(t *testing.T) {
	g := &fakeGraphs{}
	o := newTestOracle(t, g)

	// audio embeddings [mean, 1]; text embeddings [len+2, 1]
	wave, _ := tensor.New([]float32{3, 3, 0, 0, -1, -1}, []int64{3, 1, 2})

	scores, err := o.Similarity(context.Background(), wave, []string{"a", "a", "a"})
	if err != nil {
		t.Fatalf("Similarity: %v", err)
	}

	if got := g.audioShape; got[0] != 3 || got[1] != 2 {
		t.Fatalf("audio graph input = %v; want [3 2]", got)
	}

	want := []float64{
		(3*3 + 1) / (math.Sqrt(10) * math.Sqrt(10)),
		1 / math.Sqrt(10),
		(-3 + 1) / (math.Sqrt(2) * math.Sqrt(10)),
	}
	for i, s := range scores {
		if math.Abs(float64(s)-want[i]) > 1e-6 {
			t.Fatalf("scores = %v; want %v", scores, want)
		}
	}

	if _, err := o.Similarity(context.Background(), wave, []string{"a"}); err == nil || !strings.Contains(err.Error(), "texts") {
		t.Fatalf("expected text count error, got %v", err)
	}
}

func TestCosineRowsEdgeCases(t *testing.T) {
	a, _ := tensor.New([]float32{0, 0, float32(math.NaN()), 1}, []int64{2, 2})
	b, _ := tensor.New([]float32{1, 1, 1, 1}, []int64{2, 2})

	got := CosineRows(a, b)
	if got[0] != 0 {
		t.Errorf("zero-norm row = %v; want 0", got[0])
	}

	if !math.IsNaN(float64(got[1])) {
		t.Errorf("NaN row = %v; want NaN", got[1])
	}
}
