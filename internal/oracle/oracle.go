// Package oracle provides the joint text/audio embedding model used both to
// condition generation and to rank generated candidates.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/floats"

	"github.com/example/go-musicldm/internal/tensor"
	"github.com/example/go-musicldm/internal/tokenizer"
)

// Oracle embeds text and scores audio against text.
type Oracle interface {
	// Embed returns one conditioning row per text, shape [len(texts), 1, D].
	Embed(ctx context.Context, texts []string) (*tensor.Tensor, error)
	// Unconditional returns the null conditioning broadcast to [batch, 1, D].
	Unconditional(ctx context.Context, batch int) (*tensor.Tensor, error)
	// Similarity returns the cosine similarity of waveforms[i] ([B,1,N]) and
	// texts[i], in input order.
	Similarity(ctx context.Context, waveforms *tensor.Tensor, texts []string) ([]float32, error)
}

// Graphs are the two embedding towers.
type Graphs interface {
	EmbedText(ctx context.Context, ids, attention []int64, batch, length int) (*tensor.Tensor, error)
	EmbedAudio(ctx context.Context, waveform *tensor.Tensor) (*tensor.Tensor, error)
}

type Options struct {
	MaxTokens int
	Special   tokenizer.Special
}

// CLAP implements Oracle over external text and audio embedding graphs.
type CLAP struct {
	graphs    Graphs
	tok       tokenizer.Tokenizer
	maxTokens int
	special   tokenizer.Special

	mu     sync.Mutex
	uncond []float32
}

func NewCLAP(graphs Graphs, tok tokenizer.Tokenizer, opts Options) (*CLAP, error) {
	if graphs == nil {
		return nil, errors.New("oracle: embedding graphs are required")
	}

	if tok == nil {
		return nil, errors.New("oracle: tokenizer is required")
	}

	if opts.MaxTokens < 2 {
		return nil, fmt.Errorf("oracle: max tokens must be >= 2, got %d", opts.MaxTokens)
	}

	return &CLAP{graphs: graphs, tok: tok, maxTokens: opts.MaxTokens, special: opts.Special}, nil
}

func (c *CLAP) Embed(ctx context.Context, texts []string) (*tensor.Tensor, error) {
	emb, err := c.embedRows(ctx, texts)
	if err != nil {
		return nil, err
	}

	return emb.Reshape([]int64{emb.Dim(0), 1, emb.Dim(1)})
}

func (c *CLAP) Unconditional(ctx context.Context, batch int) (*tensor.Tensor, error) {
	if batch < 1 {
		return nil, fmt.Errorf("oracle: batch must be >= 1, got %d", batch)
	}

	row, err := c.unconditionalRow(ctx)
	if err != nil {
		return nil, err
	}

	one, err := tensor.New(row, []int64{1, 1, int64(len(row))})
	if err != nil {
		return nil, err
	}

	return one.Repeat(batch)
}

func (c *CLAP) unconditionalRow(ctx context.Context) ([]float32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.uncond != nil {
		return c.uncond, nil
	}

	emb, err := c.embedRows(ctx, []string{""})
	if err != nil {
		return nil, fmt.Errorf("oracle: unconditional embedding: %w", err)
	}

	c.uncond = emb.Data()

	return c.uncond, nil
}

func (c *CLAP) Similarity(ctx context.Context, waveforms *tensor.Tensor, texts []string) ([]float32, error) {
	if waveforms == nil || waveforms.Rank() != 3 || waveforms.Dim(1) != 1 {
		return nil, errors.New("oracle: waveforms must be [B,1,N]")
	}

	b := waveforms.Dim(0)
	if int64(len(texts)) != b {
		return nil, fmt.Errorf("oracle: %d texts for %d waveforms", len(texts), b)
	}

	flat, err := waveforms.Reshape([]int64{b, waveforms.Dim(2)})
	if err != nil {
		return nil, err
	}

	audio, err := c.graphs.EmbedAudio(ctx, flat)
	if err != nil {
		return nil, fmt.Errorf("oracle: audio embedding: %w", err)
	}

	text, err := c.embedRows(ctx, texts)
	if err != nil {
		return nil, err
	}

	audio, err = asRows(audio, b)
	if err != nil {
		return nil, fmt.Errorf("oracle: audio embedding: %w", err)
	}

	if audio.Dim(1) != text.Dim(1) {
		return nil, fmt.Errorf("oracle: audio dim %d does not match text dim %d", audio.Dim(1), text.Dim(1))
	}

	return CosineRows(audio, text), nil
}

func (c *CLAP) embedRows(ctx context.Context, texts []string) (*tensor.Tensor, error) {
	if len(texts) == 0 {
		return nil, errors.New("oracle: no texts to embed")
	}

	batch, err := tokenizer.EncodeBatch(c.tok, texts, c.maxTokens, c.special)
	if err != nil {
		return nil, fmt.Errorf("oracle: tokenize: %w", err)
	}

	emb, err := c.graphs.EmbedText(ctx, batch.IDs, batch.Attention, batch.Size, batch.MaxLen)
	if err != nil {
		return nil, fmt.Errorf("oracle: text embedding: %w", err)
	}

	return asRows(emb, int64(len(texts)))
}

// asRows accepts [n,D] or [n,1,D] embeddings and returns [n,D].
func asRows(emb *tensor.Tensor, n int64) (*tensor.Tensor, error) {
	switch {
	case emb.Rank() == 2 && emb.Dim(0) == n:
		return emb, nil
	case emb.Rank() == 3 && emb.Dim(0) == n && emb.Dim(1) == 1:
		return emb.Reshape([]int64{n, emb.Dim(2)})
	default:
		return nil, fmt.Errorf("embedding shape %v, want [%d,D]", emb.Shape(), n)
	}
}

// CosineRows returns the cosine similarity of matching rows of two [n,D]
// tensors. Rows with zero norm score 0; NaN inputs yield NaN.
func CosineRows(a, b *tensor.Tensor) []float32 {
	n := int(a.Dim(0))
	d := int(a.Dim(1))
	out := make([]float32, n)

	x := make([]float64, d)
	y := make([]float64, d)

	for i := range n {
		for j := range d {
			x[j] = float64(a.RawData()[i*d+j])
			y[j] = float64(b.RawData()[i*d+j])
		}

		nx, ny := floats.Norm(x, 2), floats.Norm(y, 2)
		switch {
		case math.IsNaN(nx) || math.IsNaN(ny):
			out[i] = float32(math.NaN())
		case nx == 0 || ny == 0:
			out[i] = 0
		default:
			out[i] = float32(floats.Dot(x, y) / (nx * ny))
		}
	}

	return out
}
