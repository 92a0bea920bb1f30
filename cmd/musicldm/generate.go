package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/example/go-musicldm/internal/audio"
	"github.com/example/go-musicldm/internal/codec"
	"github.com/example/go-musicldm/internal/config"
	"github.com/example/go-musicldm/internal/continuity"
	"github.com/example/go-musicldm/internal/model"
	"github.com/example/go-musicldm/internal/onnx"
	"github.com/example/go-musicldm/internal/runctx"
	"github.com/example/go-musicldm/internal/tensor"
	textpkg "github.com/example/go-musicldm/internal/text"
)

const licenseBanner = `MusicLDM weights are released under CC BY-NC 4.0.
Continuous generation follows "Interpreting Graphic Notation with MusicLDM:
An AI Improvisation of Cornelius Cardew's Treatise" (Karchkhadze, Shao, Dubnov,
IEEE BigData 2024).
`

func newGenerateCmd() *cobra.Command {
	var text string
	var textsPath string
	var seed uint64
	var splitSentences bool
	var skipDownload bool
	var saveLatents bool
	var normalize bool
	var fadeOutMS float64

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a continuous piece, one segment per prompt",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig(cmd)
			if err != nil {
				return err
			}

			texts, err := resolvePrompts(text, textsPath, splitSentences)
			if err != nil {
				return mapGenerateError(err)
			}

			_, _ = fmt.Fprint(cmd.ErrOrStderr(), licenseBanner)

			err = runGenerate(cmd, cfg, texts, generateOptions{
				Seed:         seed,
				SkipDownload: skipDownload,
				SaveLatents:  saveLatents,
				Normalize:    normalize,
				FadeOutMS:    fadeOutMS,
			})

			return mapGenerateError(err)
		},
	}

	cmd.Flags().StringVar(&text, "text", "", "Single prompt")
	cmd.Flags().StringVar(&textsPath, "texts", "", "File with one prompt per line ('#' comments and blank lines skipped)")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "Random seed")
	cmd.Flags().BoolVar(&splitSentences, "split-sentences", false, "Split every prompt into one segment per sentence")
	cmd.Flags().BoolVar(&skipDownload, "skip-download", false, "Do not fetch missing checkpoints")
	cmd.Flags().BoolVar(&saveLatents, "save-latents", false, "Write selected latents to latents.safetensors")
	cmd.Flags().BoolVar(&normalize, "normalize", false, "Peak-normalize written audio")
	cmd.Flags().Float64Var(&fadeOutMS, "fade-out-ms", 0, "Apply a linear fade-out of this many milliseconds to written audio")

	return cmd
}

type generateOptions struct {
	Seed         uint64
	SkipDownload bool
	SaveLatents  bool
	Normalize    bool
	FadeOutMS    float64
}

// resolvePrompts returns the segment texts. It runs before anything is
// written so input errors leave no output behind.
func resolvePrompts(text, textsPath string, split bool) ([]string, error) {
	switch {
	case text != "" && textsPath != "":
		return nil, &config.InputError{Reason: "use either --text or --texts, not both"}
	case text == "" && textsPath == "":
		return nil, &config.InputError{Reason: "one of --text or --texts is required"}
	case textsPath != "":
		prompts, err := textpkg.ReadPromptFile(textsPath)
		if err != nil {
			return nil, err
		}

		return textpkg.Expand(prompts, split), nil
	default:
		prompt, err := textpkg.Normalize(text)
		if err != nil {
			return nil, err
		}

		return textpkg.Expand([]string{prompt}, split), nil
	}
}

func runGenerate(cmd *cobra.Command, cfg config.Config, texts []string, opts generateOptions) error {
	ctx := cmd.Context()

	if cfg.Backend == config.BackendONNX && !opts.SkipDownload {
		if err := ensureCheckpoints(ctx, cfg, cmd.ErrOrStderr()); err != nil {
			return err
		}
	}

	engine, err := openEngine(cfg, onnx.RequiredGraphs(cfg.Model.ImageKey))
	if err != nil {
		return err
	}
	defer engine.Close()

	tok, err := openTokenizer(cfg)
	if err != nil {
		return err
	}

	var records []runctx.SegmentRecord

	orch, c, err := newOrchestrator(cfg, engine, tok, func(seg continuity.Segment) {
		records = append(records, runctx.SegmentRecord{
			Index:      seg.Index,
			Text:       seg.Text,
			Selected:   seg.Selected,
			Similarity: seg.Scores,
		})
	})
	if err != nil {
		return err
	}

	rc, err := runctx.New(runctx.Options{
		Seed:       opts.Seed,
		Device:     cfg.Runtime.Device,
		OutputRoot: cfg.Paths.OutputRoot,
		SampleRate: cfg.Model.SampleRate,
		Logger:     slog.Default(),
		Hooks:      audio.PostProcess(opts.Normalize, cfg.Model.SampleRate, opts.FadeOutMS),
	})
	if err != nil {
		return err
	}

	out, err := rc.Open()
	if err != nil {
		return err
	}

	if err := out.WriteMeta(texts); err != nil {
		return err
	}

	manifest := rc.NewManifest(out)
	manifest.Backend = cfg.Backend
	manifest.ImageKey = c.ImageKey()
	manifest.Sampler = runctx.SamplerRecord{Steps: cfg.Sampler.Steps, Eta: cfg.Sampler.Eta, GuidanceScale: cfg.Sampler.GuidanceScale}
	manifest.Candidates = cfg.Generation.CandidatesPerSample
	manifest.BatchSize = cfg.Model.BatchSize
	manifest.Prefix = cfg.Generation.PromptPrefix
	manifest.Texts = texts

	if err := out.WriteManifest(manifest); err != nil {
		return err
	}

	res, runErr := orch.Run(ctx, rc, out, texts)

	manifest.Segments = records
	if runErr != nil {
		manifest.Status = "failed"
		manifest.Error = runErr.Error()

		if err := out.WriteManifest(manifest); err != nil {
			rc.Logger.Error("write run manifest", "error", err)
		}

		return runErr
	}

	if opts.SaveLatents {
		if err := out.SaveLatents(latentsByName(res)); err != nil {
			return err
		}
	}

	manifest.Status = "done"
	if err := out.WriteManifest(manifest); err != nil {
		return err
	}

	rc.Logger.Info("run complete", "dir", out.Dir, "segments", len(res.Segments))
	writeSummary(cmd.OutOrStdout(), res)
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "output: %s\n", out.Dir)

	return nil
}

func latentsByName(res *continuity.Result) map[string]*tensor.Tensor {
	latents := make(map[string]*tensor.Tensor, len(res.Segments)+1)
	for _, seg := range res.Segments {
		latents[fmt.Sprintf("segment_%04d", seg.Index)] = seg.Latent
	}

	latents["accumulated"] = res.Accumulated

	return latents
}

// writeSummary prints one row per segment and stream with the selected
// candidate and its similarity.
func writeSummary(w io.Writer, res *continuity.Result) {
	var data [][]string

	for _, seg := range res.Segments {
		for stream, k := range seg.Selected {
			data = append(data, []string{
				strconv.Itoa(seg.Index),
				strconv.Itoa(stream),
				strconv.FormatInt(k, 10),
				strconv.FormatFloat(float64(seg.Scores[k]), 'f', 4, 32),
				seg.Text,
			})
		}
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"SEGMENT", "STREAM", "CANDIDATE", "SIMILARITY", "TEXT"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
}

func mapGenerateError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case config.IsInputError(err),
		errors.Is(err, textpkg.ErrNoPrompts),
		errors.Is(err, textpkg.ErrEmptyText),
		errors.Is(err, continuity.ErrEmptySequence):
		return fmt.Errorf("generate: invalid input: %w", err)
	case errors.Is(err, continuity.ErrShapeMismatch), errors.Is(err, codec.ErrShape):
		return fmt.Errorf("generate: shape mismatch; check model.latent_* and generation.overlap_offset against the graph bundle: %w", err)
	case errors.Is(err, continuity.ErrNoValidCandidate), errors.Is(err, continuity.ErrNonFinite):
		return fmt.Errorf("generate: numeric failure; try another --seed or fewer ddim steps: %w", err)
	}

	var dlErr *model.DownloadError
	if errors.As(err, &dlErr) {
		return fmt.Errorf("generate: checkpoint download failed (not retried; rerun or pass --skip-download): %w", err)
	}

	return fmt.Errorf("generate: %w", err)
}
