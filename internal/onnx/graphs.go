package onnx

import (
	"context"
	"fmt"

	"github.com/example/go-musicldm/internal/tensor"
)

// runDense runs a graph whose inputs and named output are all float32.
func (e *Engine) runDense(ctx context.Context, graph string, inputs map[string]*tensor.Tensor, output string) (*tensor.Tensor, error) {
	feeds := make(map[string]*Tensor, len(inputs))
	for name, t := range inputs {
		g, err := FromDense(t)
		if err != nil {
			return nil, fmt.Errorf("%s: input %q: %w", graph, name, err)
		}

		feeds[name] = g
	}

	out, err := e.run(ctx, graph, feeds, output)
	if err != nil {
		return nil, err
	}

	dense, err := out.Dense()
	if err != nil {
		return nil, fmt.Errorf("%s: output %q: %w", graph, output, err)
	}

	return dense, nil
}

// EncodeMoments runs the vae_encoder graph.
//
// Input: x [B, k, T, F/k]
// Output: moments [B, 2C, t, f] (mean and log-variance stacked on channels).
func (e *Engine) EncodeMoments(ctx context.Context, x *tensor.Tensor) (*tensor.Tensor, error) {
	return e.runDense(ctx, GraphVAEEncoder, map[string]*tensor.Tensor{"x": x}, "moments")
}

// DecodeLatent runs the vae_decoder graph.
//
// Input: z [B, C, t, f]
// Output: x_rec [B, k, T, F/k].
func (e *Engine) DecodeLatent(ctx context.Context, z *tensor.Tensor) (*tensor.Tensor, error) {
	return e.runDense(ctx, GraphVAEDecoder, map[string]*tensor.Tensor{"z": z}, "x_rec")
}

// Vocode runs the vocoder graph on a mel spectrogram [B, F, T] and returns
// waveform [B, 1, N].
func (e *Engine) Vocode(ctx context.Context, mel *tensor.Tensor) (*tensor.Tensor, error) {
	return e.runDense(ctx, GraphVocoder, map[string]*tensor.Tensor{"mel": mel}, "waveform")
}

// DecodeWave runs the learned wave decoder on a linear spectrogram [B, F, T]
// and returns waveform [B, 1, N].
func (e *Engine) DecodeWave(ctx context.Context, spec *tensor.Tensor) (*tensor.Tensor, error) {
	return e.runDense(ctx, GraphWaveDecoder, map[string]*tensor.Tensor{"spec": spec}, "waveform")
}

// PredictNoise runs the unet graph.
//
// Inputs: x [B, C, T, F], timesteps [B] int64, context [B, 1, D]
// Output: eps [B, C, T, F].
func (e *Engine) PredictNoise(ctx context.Context, x *tensor.Tensor, timesteps []int64, cond *tensor.Tensor) (*tensor.Tensor, error) {
	xIn, err := FromDense(x)
	if err != nil {
		return nil, fmt.Errorf("unet: input x: %w", err)
	}

	tIn, err := NewTensor(timesteps, []int64{int64(len(timesteps))})
	if err != nil {
		return nil, fmt.Errorf("unet: timesteps: %w", err)
	}

	cIn, err := FromDense(cond)
	if err != nil {
		return nil, fmt.Errorf("unet: context: %w", err)
	}

	out, err := e.run(ctx, GraphUNet, map[string]*Tensor{"x": xIn, "timesteps": tIn, "context": cIn}, "eps")
	if err != nil {
		return nil, err
	}

	return out.Dense()
}

// EmbedText runs the clap_text graph on padded token ids [B, L] and returns
// one embedding row per item, shape [B, D].
func (e *Engine) EmbedText(ctx context.Context, ids, attention []int64, batch, length int) (*tensor.Tensor, error) {
	shape := []int64{int64(batch), int64(length)}

	idsIn, err := NewTensor(ids, shape)
	if err != nil {
		return nil, fmt.Errorf("clap_text: input_ids: %w", err)
	}

	maskIn, err := NewTensor(attention, shape)
	if err != nil {
		return nil, fmt.Errorf("clap_text: attention_mask: %w", err)
	}

	out, err := e.run(ctx, GraphCLAPText, map[string]*Tensor{"input_ids": idsIn, "attention_mask": maskIn}, "embedding")
	if err != nil {
		return nil, err
	}

	return out.Dense()
}

// EmbedAudio runs the clap_audio graph on waveforms [B, N] and returns
// embeddings [B, D]. Resampling to the embedder's rate happens in the graph.
func (e *Engine) EmbedAudio(ctx context.Context, waveform *tensor.Tensor) (*tensor.Tensor, error) {
	return e.runDense(ctx, GraphCLAPAudio, map[string]*tensor.Tensor{"waveform": waveform}, "embedding")
}
