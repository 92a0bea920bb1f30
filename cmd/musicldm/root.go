package main

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/example/go-musicldm/internal/config"
	"github.com/example/go-musicldm/internal/tensor"
)

type configKey struct{}

// NewRootCmd builds the musicldm command tree. Each invocation resolves its
// configuration once, before the subcommand runs, and carries it on the
// command context.
func NewRootCmd() *cobra.Command {
	defaults := config.DefaultConfig()

	var cfgFile string

	cmd := &cobra.Command{
		Use:           "musicldm",
		Short:         "Continuous text-to-music generation with latent diffusion",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(config.LoadOptions{Cmd: cmd, ConfigFile: cfgFile, Defaults: defaults})
			if err != nil {
				return err
			}

			if err := cfg.Validate(); err != nil {
				return err
			}

			setupLogger(cmd.ErrOrStderr(), cfg.LogLevel)
			tensor.SetWorkers(cfg.Runtime.Threads)

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			cmd.SetContext(context.WithValue(ctx, configKey{}, cfg))

			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Optional config file (yaml|toml|json)")
	config.RegisterFlags(cmd.PersistentFlags(), defaults)

	cmd.AddCommand(
		newGenerateCmd(),
		newModelCmd(),
		newCodecCmd(),
		newBenchCmd(),
		newDoctorCmd(),
	)

	return cmd
}

// setupLogger installs a JSON slog handler on w as the process default.
// Unknown levels fall back to info.
func setupLogger(w io.Writer, level string) {
	lvl, err := config.ParseLogLevel(level)
	if err != nil {
		lvl = slog.LevelInfo
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})))
}

// requireConfig returns the configuration resolved for cmd.
func requireConfig(cmd *cobra.Command) (config.Config, error) {
	if ctx := cmd.Context(); ctx != nil {
		if cfg, ok := ctx.Value(configKey{}).(config.Config); ok {
			return cfg, nil
		}
	}

	return config.Config{}, errors.New("configuration not loaded")
}
