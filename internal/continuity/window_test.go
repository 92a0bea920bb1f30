package continuity

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/example/go-musicldm/internal/tensor"
)

func TestOverlapMask(t *testing.T) {
	const (
		batch = 3
		h     = 6
		w     = 4
	)

	mask, err := OverlapMask(batch, h, w)
	if err != nil {
		t.Fatalf("OverlapMask: %v", err)
	}

	if diff := cmp.Diff([]int64{batch, 1, h, w}, mask.Shape()); diff != "" {
		t.Fatalf("shape mismatch (-want +got):\n%s", diff)
	}

	data := mask.Data()
	for b := range batch {
		item := data[b*h*w : (b+1)*h*w]

		var ones, zeros int
		for i, v := range item {
			firstHalf := i < h/2*w
			switch {
			case firstHalf && v == 1:
				ones++
			case !firstHalf && v == 0:
				zeros++
			default:
				t.Fatalf("item %d flat %d = %v in first half=%v", b, i, v, firstHalf)
			}
		}

		if ones != h/2*w || zeros != h/2*w {
			t.Errorf("item %d: %d ones, %d zeros; want %d each", b, ones, zeros, h/2*w)
		}
	}
}

func TestOverlapMaskRejectsOddTime(t *testing.T) {
	if _, err := OverlapMask(1, 5, 2); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch, got %v", err)
	}
}

func TestSeedLatent(t *testing.T) {
	const (
		base = 2
		n    = 3
		c    = 2
		h    = 4
		w    = 3
	)

	prev, err := tensor.New(seq(base*c*h*w), []int64{base, c, h, w})
	if err != nil {
		t.Fatal(err)
	}

	seed, err := SeedLatent(prev, n)
	if err != nil {
		t.Fatalf("SeedLatent: %v", err)
	}

	if diff := cmp.Diff([]int64{n * base, c, h, w}, seed.Shape()); diff != "" {
		t.Fatalf("shape mismatch (-want +got):\n%s", diff)
	}

	src := prev.Data()
	got := seed.Data()

	for k := range n * base {
		j := k % base
		for ch := range c {
			for ti := range h {
				for f := range w {
					v := got[((k*c+ch)*h+ti)*w+f]

					var want float32
					if ti < h/2 {
						want = src[((j*c+ch)*h+ti+h/2)*w+f]
					}

					if v != want {
						t.Fatalf("seed[%d,%d,%d,%d] = %v, want %v", k, ch, ti, f, v, want)
					}
				}
			}
		}
	}
}

func TestSeedLatentRejectsBadInput(t *testing.T) {
	odd, _ := tensor.Zeros([]int64{1, 1, 3, 2})
	flat, _ := tensor.Zeros([]int64{4})

	for name, in := range map[string]*tensor.Tensor{"odd time": odd, "rank": flat, "nil": nil} {
		if _, err := SeedLatent(in, 2); !errors.Is(err, ErrShapeMismatch) {
			t.Errorf("%s: expected ErrShapeMismatch, got %v", name, err)
		}
	}
}

func TestOverlapOffset(t *testing.T) {
	got, err := OverlapOffset(256, 1024)
	if err != nil {
		t.Fatal(err)
	}

	if got != 512 {
		t.Errorf("OverlapOffset(256, 1024) = %d, want 512", got)
	}

	if _, err := OverlapOffset(256, 1000); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch for non-multiple, got %v", err)
	}
}

func TestSelectBest(t *testing.T) {
	nan := float32(math.NaN())

	tests := []struct {
		name    string
		scores  []float32
		base    int
		want    []int64
		wantErr error
	}{
		{name: "single stream", scores: []float32{0.1, 0.7, 0.3}, base: 1, want: []int64{1}},
		{name: "strided groups", scores: []float32{0.1, 0.9, 0.8, 0.2, 0.3, 0.4}, base: 2, want: []int64{2, 1}},
		{name: "tie keeps first replica", scores: []float32{0.5, 0.5, 0.5}, base: 1, want: []int64{0}},
		{name: "nan skipped", scores: []float32{nan, 0.2, 0.1}, base: 1, want: []int64{1}},
		{name: "nan never wins", scores: []float32{0.1, nan, nan, 0.3}, base: 2, want: []int64{0, 3}},
		{name: "all nan", scores: []float32{0.1, nan, 0.2, nan}, base: 2, wantErr: ErrNoValidCandidate},
		{name: "length not multiple", scores: []float32{0.1, 0.2, 0.3}, base: 2, wantErr: ErrShapeMismatch},
		{name: "empty", scores: nil, base: 1, wantErr: ErrShapeMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SelectBest(tt.scores, tt.base)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("error = %v, want %v", err, tt.wantErr)
				}

				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("selection mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestAccumulatorLength(t *testing.T) {
	const (
		length = 16
		offset = 8
	)

	acc, err := NewAccumulator(offset)
	if err != nil {
		t.Fatal(err)
	}

	for s := 1; s <= 4; s++ {
		seg, err := tensor.Full([]int64{1, 1, length, 2}, float32(s))
		if err != nil {
			t.Fatal(err)
		}

		if err := acc.Append(seg); err != nil {
			t.Fatalf("Append %d: %v", s, err)
		}

		if got, want := acc.Len(), ExpectedLen(s, length, offset); got != want {
			t.Errorf("after %d segments: len %d, want %d", s, got, want)
		}
	}

	data := acc.Tensor().Data()
	// Frames [16,24) come from the second segment's non-overlapping part.
	if data[16*2] != 2 || data[15*2] != 1 {
		t.Errorf("unexpected join: frame15=%v frame16=%v", data[15*2], data[16*2])
	}
}

func TestAccumulatorRejectsMismatch(t *testing.T) {
	acc, _ := NewAccumulator(2)

	first, _ := tensor.Zeros([]int64{1, 1, 4, 3})
	if err := acc.Append(first); err != nil {
		t.Fatal(err)
	}

	wrongFreq, _ := tensor.Zeros([]int64{1, 1, 4, 2})
	if err := acc.Append(wrongFreq); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("freq mismatch: got %v", err)
	}

	short, _ := tensor.Zeros([]int64{1, 1, 2, 3})
	if err := acc.Append(short); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("short segment: got %v", err)
	}

	if acc.Segments() != 1 {
		t.Errorf("Segments() = %d after rejected appends, want 1", acc.Segments())
	}
}

func seq(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i)
	}

	return out
}
