// Package codec implements the autoencoder contract between representation
// space (mel filterbank or linear spectrogram grids) and latent space.
//
// The encoder, decoder, vocoder and wave decoder networks are external graphs.
// This package owns the tensor plumbing around them: the diagonal Gaussian
// posterior, sub-band decomposition, latent scaling and the final
// representation-to-waveform step.
package codec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"

	"github.com/example/go-musicldm/internal/config"
	"github.com/example/go-musicldm/internal/tensor"
)

// ErrShape is wrapped by every dimension mismatch the codec detects.
var ErrShape = errors.New("codec: shape mismatch")

// Graphs is the set of external networks a codec drives.
type Graphs interface {
	EncodeMoments(ctx context.Context, x *tensor.Tensor) (*tensor.Tensor, error)
	DecodeLatent(ctx context.Context, z *tensor.Tensor) (*tensor.Tensor, error)
	Vocode(ctx context.Context, mel *tensor.Tensor) (*tensor.Tensor, error)
	DecodeWave(ctx context.Context, spec *tensor.Tensor) (*tensor.Tensor, error)
}

// Codec maps representation grids [B,1,T,F] to latents and back, and turns
// representation grids into waveforms [B,1,N].
type Codec interface {
	Encode(ctx context.Context, repr *tensor.Tensor) (*Posterior, error)
	Decode(ctx context.Context, z *tensor.Tensor) (*tensor.Tensor, error)
	DecodeToWaveform(ctx context.Context, repr *tensor.Tensor) (*tensor.Tensor, error)
	// EncodeLatent samples the posterior and applies the scale factor.
	EncodeLatent(ctx context.Context, repr *tensor.Tensor, rng *rand.Rand) (*tensor.Tensor, error)
	// DecodeLatent removes the scale factor and decodes.
	DecodeLatent(ctx context.Context, latent *tensor.Tensor) (*tensor.Tensor, error)
	ImageKey() string
}

type Options struct {
	ImageKey    string
	Subband     int
	ScaleFactor float64
	Logger      *slog.Logger
}

// New selects the codec variant for opts.ImageKey.
func New(opts Options, graphs Graphs) (Codec, error) {
	if graphs == nil {
		return nil, errors.New("codec: graphs are required")
	}

	key, err := config.NormalizeImageKey(opts.ImageKey)
	if err != nil {
		return nil, fmt.Errorf("codec: %w", err)
	}

	if opts.Subband < 1 {
		opts.Subband = 1
	}

	if opts.ScaleFactor == 0 {
		opts.ScaleFactor = 1
	}

	if opts.ScaleFactor < 0 {
		return nil, fmt.Errorf("codec: scale factor must be positive, got %g", opts.ScaleFactor)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	b := base{graphs: graphs, subband: opts.Subband, scale: float32(opts.ScaleFactor)}

	switch key {
	case config.ImageKeySTFT:
		if opts.Subband > 1 {
			logger.Info("using sub-band decomposition", "subband", opts.Subband)
		}

		return &STFTCodec{base: b}, nil
	default:
		if opts.Subband > 1 {
			logger.Warn("sub-band decomposition only applies to stft; ignoring", "subband", opts.Subband)
		}

		b.subband = 1

		return &MelCodec{base: b}, nil
	}
}

type base struct {
	graphs  Graphs
	subband int
	scale   float32
}

func (b *base) Encode(ctx context.Context, repr *tensor.Tensor) (*Posterior, error) {
	x, err := SplitSubband(repr, b.subband)
	if err != nil {
		return nil, err
	}

	moments, err := b.graphs.EncodeMoments(ctx, x)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}

	return NewPosterior(moments)
}

func (b *base) Decode(ctx context.Context, z *tensor.Tensor) (*tensor.Tensor, error) {
	if z.Rank() != 4 {
		return nil, fmt.Errorf("%w: decode expects [B,C,t,f], got %v", ErrShape, z.Shape())
	}

	dec, err := b.graphs.DecodeLatent(ctx, z)
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	return MergeSubband(dec, b.subband)
}

func (b *base) EncodeLatent(ctx context.Context, repr *tensor.Tensor, rng *rand.Rand) (*tensor.Tensor, error) {
	post, err := b.Encode(ctx, repr)
	if err != nil {
		return nil, err
	}

	z, err := post.Sample(rng)
	if err != nil {
		return nil, err
	}

	return z.Scale(b.scale), nil
}

func (b *base) DecodeLatent(ctx context.Context, latent *tensor.Tensor) (*tensor.Tensor, error) {
	if latent == nil {
		return nil, fmt.Errorf("%w: nil latent", ErrShape)
	}

	return b.Decode(ctx, latent.Scale(1/b.scale))
}

// MelCodec decodes mel filterbank grids to audio through a neural vocoder.
type MelCodec struct {
	base
}

func (c *MelCodec) ImageKey() string { return config.ImageKeyFbank }

func (c *MelCodec) DecodeToWaveform(ctx context.Context, repr *tensor.Tensor) (*tensor.Tensor, error) {
	mel, err := toFrequencyMajor(repr)
	if err != nil {
		return nil, err
	}

	wave, err := c.graphs.Vocode(ctx, mel)
	if err != nil {
		return nil, fmt.Errorf("vocoder: %w", err)
	}

	return asWaveform(wave, repr.Dim(0))
}

// STFTCodec decodes linear spectrogram grids with a learned wave decoder and
// supports sub-band decomposition.
type STFTCodec struct {
	base
}

func (c *STFTCodec) ImageKey() string { return config.ImageKeySTFT }

func (c *STFTCodec) DecodeToWaveform(ctx context.Context, repr *tensor.Tensor) (*tensor.Tensor, error) {
	spec, err := toFrequencyMajor(repr)
	if err != nil {
		return nil, err
	}

	wave, err := c.graphs.DecodeWave(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("wave decoder: %w", err)
	}

	return asWaveform(wave, repr.Dim(0))
}

// toFrequencyMajor squeezes the channel axis of [B,1,T,F] and returns [B,F,T].
func toFrequencyMajor(repr *tensor.Tensor) (*tensor.Tensor, error) {
	if repr == nil || repr.Rank() != 4 || repr.Dim(1) != 1 {
		var shape []int64
		if repr != nil {
			shape = repr.Shape()
		}

		return nil, fmt.Errorf("%w: waveform decoding expects [B,1,T,F], got %v", ErrShape, shape)
	}

	squeezed, err := repr.Reshape([]int64{repr.Dim(0), repr.Dim(2), repr.Dim(3)})
	if err != nil {
		return nil, err
	}

	return squeezed.Transpose(1, 2)
}

// asWaveform normalizes graph output to [B,1,N].
func asWaveform(wave *tensor.Tensor, batch int64) (*tensor.Tensor, error) {
	switch {
	case wave.Rank() == 3 && wave.Dim(0) == batch && wave.Dim(1) == 1:
		return wave, nil
	case wave.Rank() == 2 && wave.Dim(0) == batch:
		return wave.Reshape([]int64{batch, 1, wave.Dim(1)})
	default:
		return nil, fmt.Errorf("%w: waveform output %v for batch %d", ErrShape, wave.Shape(), batch)
	}
}
