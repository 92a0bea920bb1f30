package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/example/go-musicldm/internal/bench"
	"github.com/example/go-musicldm/internal/continuity"
	"github.com/example/go-musicldm/internal/onnx"
	"github.com/example/go-musicldm/internal/runctx"
	"github.com/example/go-musicldm/internal/tensor"
)

func newBenchCmd() *cobra.Command {
	var (
		text         string
		segments     int
		seed         uint64
		format       string
		rtfThreshold float64
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Benchmark per-segment generation time and realtime factor",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig(cmd)
			if err != nil {
				return err
			}

			if segments < 1 {
				return fmt.Errorf("--segments must be at least 1")
			}
			if format != "table" && format != "json" {
				return fmt.Errorf("--format must be 'table' or 'json'")
			}

			texts := make([]string, segments)
			for i := range texts {
				texts[i] = text
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

			rec := &bench.Recorder{SampleRate: cfg.Model.SampleRate}

			orch, _, err := newOrchestrator(cfg, engine, tok, func(seg continuity.Segment) {
				rec.Observe(seg.Index, int(seg.Waveform.Dim(2)))
			})
			if err != nil {
				return err
			}

			// No run directory is allocated; output goes to a discarding sink.
			rc, err := runctx.New(runctx.Options{
				Seed:       seed,
				Device:     cfg.Runtime.Device,
				OutputRoot: cfg.Paths.OutputRoot,
				SampleRate: cfg.Model.SampleRate,
				Logger:     slog.Default(),
			})
			if err != nil {
				return err
			}

			rec.Start()

			if _, err := orch.Run(cmd.Context(), rc, discardSink{}, texts); err != nil {
				return mapGenerateError(err)
			}

			results := rec.Results()
			stats := bench.ComputeStats(results)

			switch format {
			case "json":
				bench.FormatJSON(results, stats, cmd.OutOrStdout())
			default:
				bench.FormatTable(results, stats, cmd.OutOrStdout())
			}

			return bench.CheckRTFThreshold(stats.MeanRTF, rtfThreshold)
		},
	}

	cmd.Flags().StringVar(&text, "text", "ambient texture", "Prompt used for every segment")
	cmd.Flags().IntVar(&segments, "segments", 3, "Number of continued segments to generate")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "Random seed")
	cmd.Flags().StringVar(&format, "format", "table", "Output format: table or json")
	cmd.Flags().Float64Var(&rtfThreshold, "rtf-threshold", 0, "Fail if mean RTF exceeds this value (0 disables)")

	return cmd
}

type discardSink struct{}

func (discardSink) WriteSegment(int, *tensor.Tensor) error { return nil }
func (discardSink) WriteCombined(*tensor.Tensor) error     { return nil }
