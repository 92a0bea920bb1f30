package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/example/go-musicldm/internal/codec"
	"github.com/example/go-musicldm/internal/config"
	"github.com/example/go-musicldm/internal/continuity"
	"github.com/example/go-musicldm/internal/model"
	"github.com/example/go-musicldm/internal/onnx"
	"github.com/example/go-musicldm/internal/oracle"
	"github.com/example/go-musicldm/internal/sampler"
	"github.com/example/go-musicldm/internal/synthetic"
	"github.com/example/go-musicldm/internal/tokenizer"
)

// syntheticDownsample is the autoencoder reduction the synthetic graphs
// assume; it matches the released MusicLDM VAE.
const syntheticDownsample = 4

func syntheticOptions(cfg config.Config) synthetic.Options {
	opts := synthetic.DefaultOptions()
	opts.LatentChannels = cfg.Model.LatentChannels
	opts.Downsample = syntheticDownsample
	opts.SampleRate = cfg.Model.SampleRate
	opts.Hop = cfg.Model.SampleRate / 100

	if cfg.Model.ImageKey == config.ImageKeySTFT {
		opts.Subband = cfg.Model.Subband
	}

	return opts
}

// openEngine returns the graph engine for the configured backend, limited to
// graphs when the ONNX backend is used.
func openEngine(cfg config.Config, graphs []string) (*onnx.Engine, error) {
	if cfg.Backend == config.BackendSynthetic {
		return synthetic.NewEngine(syntheticOptions(cfg))
	}

	info, err := onnx.DetectRuntime(cfg.Runtime)
	if err != nil {
		return nil, err
	}

	slog.Debug("onnx runtime", "library", info.LibraryPath, "version", info.Version)

	return onnx.NewEngine(cfg.Paths.ONNXManifest, onnx.RunnerConfig{LibraryPath: info.LibraryPath}, graphs)
}

func openTokenizer(cfg config.Config) (tokenizer.Tokenizer, error) {
	if cfg.Backend == config.BackendSynthetic {
		return synthetic.Tokenizer{}, nil
	}

	return tokenizer.NewSentencePieceTokenizer(cfg.Paths.TokenizerModel, tokenizer.SentencePieceOptions{
		Lowercase: cfg.Oracle.Lowercase,
		IDOffset:  int64(cfg.Oracle.IDOffset),
	})
}

func ensureCheckpoints(ctx context.Context, cfg config.Config, progress io.Writer) error {
	report, err := model.Ensure(ctx, model.EnsureOptions{
		Dir:      cfg.Paths.CheckpointDir,
		Files:    model.PinnedCheckpoints(model.DefaultBaseURL),
		Workers:  cfg.Data.NumWorkers,
		Progress: progress,
		Logger:   slog.Default(),
	})
	if err != nil {
		return err
	}

	slog.Info("checkpoints ready", "dir", cfg.Paths.CheckpointDir, "downloaded", report.Downloaded, "skipped", report.Skipped)

	return nil
}

func newCodec(cfg config.Config, engine *onnx.Engine) (codec.Codec, error) {
	return codec.New(codec.Options{
		ImageKey:    cfg.Model.ImageKey,
		Subband:     cfg.Model.Subband,
		ScaleFactor: cfg.Model.ScaleFactor,
		Logger:      slog.Default(),
	}, engine)
}

func newSampler(cfg config.Config, engine *onnx.Engine) (*sampler.DDIM, error) {
	schedule, err := sampler.NewLinearSchedule(cfg.Sampler.Timesteps, cfg.Sampler.LinearStart, cfg.Sampler.LinearEnd)
	if err != nil {
		return nil, err
	}

	return sampler.NewDDIM(engine, schedule, sampler.DDIMOptions{
		Steps:  cfg.Sampler.Steps,
		Eta:    cfg.Sampler.Eta,
		Logger: slog.Default(),
		Progress: func(step, total int) {
			slog.Debug("ddim step", "step", step, "total", total)
		},
	})
}

func newOracle(cfg config.Config, engine *onnx.Engine, tok tokenizer.Tokenizer) (*oracle.CLAP, error) {
	special := tokenizer.DefaultSpecial()
	special.Pad = int64(cfg.Oracle.PadID)

	clap, err := oracle.NewCLAP(engine, tok, oracle.Options{MaxTokens: cfg.Oracle.MaxTokens, Special: special})
	if err != nil {
		return nil, fmt.Errorf("oracle: %w", err)
	}

	return clap, nil
}

// newOrchestrator wires codec, sampler and oracle over engine. observer is
// called after every segment.
func newOrchestrator(cfg config.Config, engine *onnx.Engine, tok tokenizer.Tokenizer, observer func(continuity.Segment)) (*continuity.Orchestrator, codec.Codec, error) {
	c, err := newCodec(cfg, engine)
	if err != nil {
		return nil, nil, err
	}

	ddim, err := newSampler(cfg, engine)
	if err != nil {
		return nil, nil, err
	}

	clap, err := newOracle(cfg, engine, tok)
	if err != nil {
		return nil, nil, err
	}

	orch, err := continuity.New(clap, ddim, c, continuity.Options{
		Candidates:    cfg.Generation.CandidatesPerSample,
		BaseBatch:     cfg.Model.BatchSize,
		GuidanceScale: cfg.Sampler.GuidanceScale,
		LatentShape:   [3]int64{int64(cfg.Model.LatentChannels), int64(cfg.Model.LatentTime), int64(cfg.Model.LatentFreq)},
		Prefix:        cfg.Generation.PromptPrefix,
		OverlapOffset: int64(cfg.Generation.OverlapOffset),
		Observer:      observer,
	})
	if err != nil {
		return nil, nil, err
	}

	return orch, c, nil
}
