package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/example/go-musicldm/internal/model"
)

func newModelDownloadCmd() *cobra.Command {
	var baseURL string
	var outDir string

	cmd := &cobra.Command{
		Use:   "download",
		Short: "Download the pinned MusicLDM and CLAP checkpoints",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig(cmd)
			if err != nil {
				return err
			}

			if outDir == "" {
				outDir = cfg.Paths.CheckpointDir
			}

			report, err := model.Ensure(cmd.Context(), model.EnsureOptions{
				Dir:      outDir,
				Files:    model.PinnedCheckpoints(baseURL),
				Workers:  cfg.Data.NumWorkers,
				Progress: cmd.ErrOrStderr(),
				Logger:   slog.Default(),
			})
			if err != nil {
				return fmt.Errorf("model download failed: %w", err)
			}

			for _, name := range report.Downloaded {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "downloaded %s\n", name)
			}

			for _, name := range report.Skipped {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "present    %s\n", name)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&baseURL, "base-url", model.DefaultBaseURL, "Base URL the checkpoint file names are resolved against")
	cmd.Flags().StringVar(&outDir, "out-dir", "", "Directory where checkpoints are stored (default: paths.checkpoint_dir)")

	return cmd
}
