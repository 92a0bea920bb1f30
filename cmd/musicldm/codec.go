package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/go-musicldm/internal/audio"
	"github.com/example/go-musicldm/internal/config"
	"github.com/example/go-musicldm/internal/onnx"
	"github.com/example/go-musicldm/internal/runctx"
	"github.com/example/go-musicldm/internal/safetensors"
)

func newCodecCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "codec",
		Short: "Move between representation grids, latents and audio",
	}

	cmd.AddCommand(newCodecEncodeCmd())
	cmd.AddCommand(newCodecDecodeCmd())
	return cmd
}

func codecGraphs(imageKey string) []string {
	wave := onnx.GraphVocoder
	if imageKey == config.ImageKeySTFT {
		wave = onnx.GraphWaveDecoder
	}

	return []string{onnx.GraphVAEEncoder, onnx.GraphVAEDecoder, wave}
}

func newCodecEncodeCmd() *cobra.Command {
	var in, name, out string
	var seed uint64

	cmd := &cobra.Command{
		Use:   "encode",
		Short: "Encode a representation grid [B,1,T,F] to a scaled latent",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig(cmd)
			if err != nil {
				return err
			}

			repr, err := safetensors.Load(in, name)
			if err != nil {
				return err
			}

			engine, err := openEngine(cfg, codecGraphs(cfg.Model.ImageKey))
			if err != nil {
				return err
			}
			defer engine.Close()

			c, err := newCodec(cfg, engine)
			if err != nil {
				return err
			}

			z, err := c.EncodeLatent(cmd.Context(), repr, runctx.NewRand(seed))
			if err != nil {
				return fmt.Errorf("codec encode: %w", err)
			}

			if err := safetensors.Save(out, "latent", z); err != nil {
				return err
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "latent %v written to %s\n", z.Shape(), out)

			return nil
		},
	}

	cmd.Flags().StringVar(&in, "in", "", "Safetensors file holding the representation grid")
	cmd.Flags().StringVar(&name, "tensor", "", "Tensor name (default: the file's only tensor)")
	cmd.Flags().StringVar(&out, "out", "latent.safetensors", "Output safetensors path")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "Seed for posterior sampling")
	_ = cmd.MarkFlagRequired("in")

	return cmd
}

func newCodecDecodeCmd() *cobra.Command {
	var in, name, out string
	var fromRepr bool

	cmd := &cobra.Command{
		Use:   "decode",
		Short: "Decode a latent (or a representation grid) to WAV",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig(cmd)
			if err != nil {
				return err
			}

			x, err := safetensors.Load(in, name)
			if err != nil {
				return err
			}

			engine, err := openEngine(cfg, codecGraphs(cfg.Model.ImageKey))
			if err != nil {
				return err
			}
			defer engine.Close()

			c, err := newCodec(cfg, engine)
			if err != nil {
				return err
			}

			ctx := cmd.Context()

			repr := x
			if !fromRepr {
				if repr, err = c.DecodeLatent(ctx, x); err != nil {
					return fmt.Errorf("codec decode: %w", err)
				}
			}

			wave, err := c.DecodeToWaveform(ctx, repr)
			if err != nil {
				return fmt.Errorf("codec decode: %w", err)
			}

			n := int(wave.Dim(2))
			data := wave.Data()

			for b := range int(wave.Dim(0)) {
				path := streamPath(out, b)
				if err := audio.WriteFile(path, data[b*n:(b+1)*n], cfg.Model.SampleRate); err != nil {
					return err
				}

				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&in, "in", "", "Safetensors file holding the latent")
	cmd.Flags().StringVar(&name, "tensor", "", "Tensor name (default: the file's only tensor)")
	cmd.Flags().StringVar(&out, "out", "decoded.wav", "Output WAV path; batch item j>0 gets a _j suffix")
	cmd.Flags().BoolVar(&fromRepr, "repr", false, "Input is a representation grid [B,1,T,F] rather than a latent")
	_ = cmd.MarkFlagRequired("in")

	return cmd
}

func streamPath(path string, stream int) string {
	if stream == 0 {
		return path
	}

	ext := filepath.Ext(path)

	return fmt.Sprintf("%s_%d%s", strings.TrimSuffix(path, ext), stream, ext)
}
