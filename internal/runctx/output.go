package runctx

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/example/go-musicldm/internal/audio"
	"github.com/example/go-musicldm/internal/safetensors"
	"github.com/example/go-musicldm/internal/tensor"
)

const (
	MetaFile     = "meta.txt"
	ManifestFile = "run.yaml"
	LatentsFile  = "latents.safetensors"
	WaveformDir  = "waveform"
	combinedStem = "combined_compo"
)

// Output owns the files of one run directory.
type Output struct {
	Dir   string
	Index int

	sampleRate int
	hooks      []audio.Hook
	logger     *slog.Logger
}

func newOutput(dir string, index, sampleRate int, hooks []audio.Hook, logger *slog.Logger) (*Output, error) {
	if err := os.MkdirAll(filepath.Join(dir, WaveformDir), 0o755); err != nil {
		return nil, fmt.Errorf("runctx: create waveform dir: %w", err)
	}

	return &Output{Dir: dir, Index: index, sampleRate: sampleRate, hooks: hooks, logger: logger}, nil
}

// WriteMeta records the input texts, one per line.
func (o *Output) WriteMeta(texts []string) error {
	var b strings.Builder
	for _, text := range texts {
		b.WriteString(strings.ReplaceAll(text, "\n", " "))
		b.WriteByte('\n')
	}

	if err := os.WriteFile(filepath.Join(o.Dir, MetaFile), []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("runctx: write meta: %w", err)
	}

	return nil
}

// SegmentPath names the waveform of segment index for stream.
func (o *Output) SegmentPath(index, stream int) string {
	return filepath.Join(o.Dir, WaveformDir, streamName(fmt.Sprintf("segment_%04d", index), stream))
}

// CombinedPath names the accumulated waveform of stream.
func (o *Output) CombinedPath(stream int) string {
	return filepath.Join(o.Dir, WaveformDir, streamName(combinedStem, stream))
}

// WriteSegment writes one file per stream of waveforms [B,1,N].
func (o *Output) WriteSegment(index int, waveforms *tensor.Tensor) error {
	return o.writeStreams(waveforms, func(stream int) string { return o.SegmentPath(index, stream) })
}

// WriteCombined rewrites the combined file of every stream of waveforms [B,1,N].
func (o *Output) WriteCombined(waveforms *tensor.Tensor) error {
	return o.writeStreams(waveforms, o.CombinedPath)
}

func (o *Output) writeStreams(waveforms *tensor.Tensor, path func(stream int) string) error {
	if waveforms == nil || waveforms.Rank() != 3 || waveforms.Dim(1) != 1 {
		var shape []int64
		if waveforms != nil {
			shape = waveforms.Shape()
		}

		return fmt.Errorf("runctx: waveforms must be [B,1,N], got %v", shape)
	}

	n := int(waveforms.Dim(2))
	raw := waveforms.RawData()

	for stream := range int(waveforms.Dim(0)) {
		samples := audio.ApplyHooks(raw[stream*n:(stream+1)*n], o.hooks...)

		p := path(stream)
		if err := audio.WriteFile(p, samples, o.sampleRate); err != nil {
			return fmt.Errorf("runctx: %w", err)
		}

		o.logger.Debug("waveform written", "path", p, "samples", len(samples))
	}

	return nil
}

// SaveLatents writes the named latents into a single safetensors file.
func (o *Output) SaveLatents(latents map[string]*tensor.Tensor) error {
	entries := make([]safetensors.Tensor, 0, len(latents))
	for name, t := range latents {
		entries = append(entries, safetensors.Tensor{Name: name, Shape: t.Shape(), Data: t.RawData()})
	}

	if err := safetensors.WriteFile(filepath.Join(o.Dir, LatentsFile), entries); err != nil {
		return fmt.Errorf("runctx: save latents: %w", err)
	}

	return nil
}

func streamName(stem string, stream int) string {
	if stream == 0 {
		return stem + ".wav"
	}

	return fmt.Sprintf("%s_%d.wav", stem, stream)
}
