package main

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/example/go-musicldm/internal/model"
)

func newModelBundleCmd() *cobra.Command {
	var url string
	var sha string
	var outDir string

	cmd := &cobra.Command{
		Use:   "bundle",
		Short: "Fetch and unpack an exported ONNX graph bundle",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig(cmd)
			if err != nil {
				return err
			}

			if outDir == "" {
				outDir = filepath.Dir(cfg.Paths.ONNXManifest)
			}

			err = model.FetchBundle(cmd.Context(), model.BundleOptions{
				URL:      url,
				SHA256:   sha,
				OutDir:   outDir,
				ImageKey: cfg.Model.ImageKey,
				Logger:   slog.Default(),
			})
			if err != nil {
				return fmt.Errorf("model bundle failed: %w", err)
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "bundle unpacked into %s\n", outDir)

			return nil
		},
	}

	cmd.Flags().StringVar(&url, "url", "", "Bundle archive (.zip or .tar.gz): http(s) URL, file:// URL or local path")
	cmd.Flags().StringVar(&sha, "sha256", "", "Expected archive sha256 (optional)")
	cmd.Flags().StringVar(&outDir, "out-dir", "", "Extraction directory (default: directory of paths.onnx_manifest)")
	_ = cmd.MarkFlagRequired("url")

	return cmd
}
