package onnx

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/example/go-musicldm/internal/tensor"
)

func TestNewEngineWithRunners_CopiesInputMap(t *testing.T) {
	called := false
	vocoder := &fakeRunner{
		name: GraphVocoder,
		fn: func(_ context.Context, in map[string]*Tensor) (map[string]*Tensor, error) {
			called = true

			mel, ok := in["mel"]
			if !ok {
				t.Fatal("vocoder input missing mel")
			}

			if got := mel.Shape(); len(got) != 3 {
				t.Fatalf("mel shape = %v", got)
			}

			out, err := NewTensor([]float32{0.1, 0.2, 0.3, 0.4}, []int64{1, 1, 4})
			if err != nil {
				t.Fatalf("NewTensor: %v", err)
			}

			return map[string]*Tensor{"waveform": out}, nil
		},
	}

	orig := map[string]GraphRunner{GraphVocoder: vocoder}
	e := NewEngineWithRunners(orig)

	delete(orig, GraphVocoder)

	mel, _ := tensor.Zeros([]int64{1, 2, 3})

	wave, err := e.Vocode(context.Background(), mel)
	if err != nil {
		t.Fatalf("Vocode returned error after map mutation: %v", err)
	}

	if !called {
		t.Fatal("expected copied runner to be called")
	}

	if got := wave.Shape(); len(got) != 3 || got[2] != 4 {
		t.Fatalf("waveform shape = %v", got)
	}
}

func TestEngineMissingGraphAndOutput(t *testing.T) {
	e := NewEngineWithRunners(map[string]GraphRunner{
		GraphVAEDecoder: &fakeRunner{
			name: GraphVAEDecoder,
			fn: func(context.Context, map[string]*Tensor) (map[string]*Tensor, error) {
				return map[string]*Tensor{}, nil
			},
		},
	})

	z, _ := tensor.Zeros([]int64{1, 1, 2, 2})

	if _, err := e.EncodeMoments(context.Background(), z); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("EncodeMoments() = %v; want graph not found", err)
	}

	if _, err := e.DecodeLatent(context.Background(), z); err == nil || !strings.Contains(err.Error(), "x_rec") {
		t.Fatalf("DecodeLatent() = %v; want missing output", err)
	}
}

func TestEnginePredictNoisePassesTimesteps(t *testing.T) {
	boom := errors.New("boom")
	var gotSteps []int64

	e := NewEngineWithRunners(map[string]GraphRunner{
		GraphUNet: &fakeRunner{
			name: GraphUNet,
			fn: func(_ context.Context, in map[string]*Tensor) (map[string]*Tensor, error) {
				steps, err := ExtractInt64(in["timesteps"])
				if err != nil {
					return nil, err
				}

				gotSteps = steps
				if steps[0] < 0 {
					return nil, boom
				}

				return map[string]*Tensor{"eps": in["x"]}, nil
			},
		},
	})

	x, _ := tensor.Full([]int64{2, 1, 1, 1}, 0.5)
	c, _ := tensor.Zeros([]int64{2, 1, 4})

	eps, err := e.PredictNoise(context.Background(), x, []int64{981, 981}, c)
	if err != nil {
		t.Fatalf("PredictNoise: %v", err)
	}

	if len(gotSteps) != 2 || gotSteps[0] != 981 {
		t.Fatalf("timesteps = %v", gotSteps)
	}

	if got := eps.RawData(); got[0] != 0.5 || got[1] != 0.5 {
		t.Fatalf("eps = %v", got)
	}

	if _, err := e.PredictNoise(context.Background(), x, []int64{-1, -1}, c); !errors.Is(err, boom) {
		t.Fatalf("PredictNoise error = %v; want wrapped boom", err)
	}
}

func TestEngineEmbedTextShapes(t *testing.T) {
	e := NewEngineWithRunners(map[string]GraphRunner{
		GraphCLAPText: &fakeRunner{
			name: GraphCLAPText,
			fn: func(_ context.Context, in map[string]*Tensor) (map[string]*Tensor, error) {
				if got := in["input_ids"].Shape(); got[0] != 2 || got[1] != 3 {
					t.Errorf("input_ids shape = %v", got)
				}

				out, _ := NewTensor(make([]float32, 8), []int64{2, 4})

				return map[string]*Tensor{"embedding": out}, nil
			},
		},
	})

	emb, err := e.EmbedText(context.Background(), []int64{0, 5, 2, 0, 2, 1}, []int64{1, 1, 1, 1, 1, 0}, 2, 3)
	if err != nil {
		t.Fatalf("EmbedText: %v", err)
	}

	if got := emb.Shape(); got[0] != 2 || got[1] != 4 {
		t.Fatalf("embedding shape = %v", got)
	}

	if _, err := e.EmbedText(context.Background(), []int64{1}, []int64{1}, 2, 3); err == nil {
		t.Fatal("expected shape mismatch for short ids")
	}
}

func TestEngineCloseClosesRunners(t *testing.T) {
	a := &fakeRunner{name: "a"}
	b := &fakeRunner{name: "b"}
	e := NewEngineWithRunners(map[string]GraphRunner{"a": a, "b": b})

	if got := e.Graphs(); len(got) != 2 || got[0] != "a" {
		t.Fatalf("Graphs() = %v", got)
	}

	e.Close()
	e.Close()

	if !a.closed || !b.closed {
		t.Fatal("expected all runners closed")
	}

	if len(e.Graphs()) != 0 {
		t.Fatal("expected no graphs after close")
	}
}
