package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/go-musicldm/internal/config"
	"github.com/example/go-musicldm/internal/doctor"
	"github.com/example/go-musicldm/internal/model"
	"github.com/example/go-musicldm/internal/onnx"
)

func newDoctorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run local runtime, model and output checks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig(cmd)
			if err != nil {
				return err
			}

			stdout := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(stdout, "backend: %s\n", cfg.Backend)

			dcfg := doctor.Config{
				Runtime:        func() (onnx.RuntimeInfo, error) { return onnx.DetectRuntime(cfg.Runtime) },
				SkipRuntime:    cfg.Backend == config.BackendSynthetic,
				ManifestPath:   cfg.Paths.ONNXManifest,
				ImageKey:       cfg.Model.ImageKey,
				TokenizerModel: cfg.Paths.TokenizerModel,
				OutputRoot:     cfg.Paths.OutputRoot,
			}
			if cfg.Backend == config.BackendONNX {
				dcfg.Checkpoints = func() ([]model.LockStatus, error) {
					return model.VerifyLock(cfg.Paths.CheckpointDir, model.PinnedCheckpoints(model.DefaultBaseURL))
				}
			}

			result := doctor.Run(dcfg, stdout)

			if result.Failed() {
				for _, f := range result.Failures() {
					// #nosec G705 -- Writes plain diagnostic text to stderr for CLI output, not HTML rendering.
					fmt.Fprintf(cmd.ErrOrStderr(), "FAIL: %s\n", f)
				}

				return errors.New("doctor checks failed")
			}

			_, _ = fmt.Fprintln(stdout, "doctor checks passed")

			return nil
		},
	}

	return cmd
}
