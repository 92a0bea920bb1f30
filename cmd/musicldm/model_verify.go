package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/go-musicldm/internal/model"
	"github.com/example/go-musicldm/internal/onnx"
)

func newModelVerifyCmd() *cobra.Command {
	var (
		manifestPath  string
		ortAPIVersion uint32
		graphs        []string
	)

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Smoke-test each bundle graph on zero-filled inputs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig(cmd)
			if err != nil {
				return err
			}

			if manifestPath == "" {
				manifestPath = cfg.Paths.ONNXManifest
			}

			info, err := onnx.DetectRuntime(cfg.Runtime)
			if err != nil {
				return fmt.Errorf("model verify: %w", err)
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "onnx runtime %s (%s, from %s)\n", info.LibraryPath, info.Version, info.Source)

			err = model.VerifyGraphs(cmd.Context(), model.VerifyOptions{
				ManifestPath: manifestPath,
				Runner:       onnx.RunnerConfig{LibraryPath: info.LibraryPath, APIVersion: ortAPIVersion},
				Graphs:       graphs,
				Stdout:       cmd.OutOrStdout(),
				Stderr:       cmd.ErrOrStderr(),
			})
			if err != nil {
				return fmt.Errorf("model verify: %w", err)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&manifestPath, "manifest", "", "Path to ONNX manifest.json (default: paths.onnx_manifest)")
	cmd.Flags().Uint32Var(&ortAPIVersion, "ort-api-version", 23, "ONNX Runtime C API version expected by the purego binding")
	cmd.Flags().StringSliceVar(&graphs, "graph", nil, "Limit verification to these graphs (repeatable)")

	return cmd
}
