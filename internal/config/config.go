package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Paths      PathsConfig      `mapstructure:"paths"`
	Runtime    RuntimeConfig    `mapstructure:"runtime"`
	Model      ModelConfig      `mapstructure:"model"`
	Sampler    SamplerConfig    `mapstructure:"sampler"`
	Generation GenerationConfig `mapstructure:"generation"`
	Data       DataConfig       `mapstructure:"data"`
	Oracle     OracleConfig     `mapstructure:"oracle"`
	Backend    string           `mapstructure:"backend"`
	LogLevel   string           `mapstructure:"log_level"`
}

type PathsConfig struct {
	CheckpointDir  string `mapstructure:"checkpoint_dir"`
	OutputRoot     string `mapstructure:"output_root"`
	ONNXManifest   string `mapstructure:"onnx_manifest"`
	TokenizerModel string `mapstructure:"tokenizer_model"`
}

type RuntimeConfig struct {
	Threads        int    `mapstructure:"threads"`
	InterOpThreads int    `mapstructure:"inter_op_threads"`
	ORTLibraryPath string `mapstructure:"ort_library_path"`
	ORTVersion     string `mapstructure:"ort_version"`
	Device         string `mapstructure:"device"`
}

// ModelConfig describes the autoencoder and latent geometry.
type ModelConfig struct {
	ImageKey       string  `mapstructure:"image_key"`
	Subband        int     `mapstructure:"subband"`
	SampleRate     int     `mapstructure:"sample_rate"`
	LatentChannels int     `mapstructure:"latent_channels"`
	LatentTime     int     `mapstructure:"latent_time"`
	LatentFreq     int     `mapstructure:"latent_freq"`
	ScaleFactor    float64 `mapstructure:"scale_factor"`
	BatchSize      int     `mapstructure:"batch_size"`
}

type SamplerConfig struct {
	Steps         int     `mapstructure:"steps"`
	Eta           float64 `mapstructure:"eta"`
	GuidanceScale float64 `mapstructure:"guidance_scale"`
	Timesteps     int     `mapstructure:"timesteps"`
	LinearStart   float64 `mapstructure:"linear_start"`
	LinearEnd     float64 `mapstructure:"linear_end"`
}

type GenerationConfig struct {
	CandidatesPerSample int    `mapstructure:"candidates_per_sample"`
	PromptPrefix        string `mapstructure:"prompt_prefix"`

	// OverlapOffset is the decoded-frame trim for segments after the first.
	// Zero derives it from the latent and decoded time dimensions.
	OverlapOffset int `mapstructure:"overlap_offset"`
}

type DataConfig struct {
	NumWorkers int `mapstructure:"num_workers"`
}

type OracleConfig struct {
	MaxTokens int  `mapstructure:"max_tokens"`
	PadID     int  `mapstructure:"pad_id"`
	Lowercase bool `mapstructure:"lowercase"`
	IDOffset  int  `mapstructure:"id_offset"`
}

type LoadOptions struct {
	Cmd        flagBinder
	ConfigFile string
	Defaults   Config
}

type flagBinder interface {
	Flags() *pflag.FlagSet
}

// DefaultPromptPrefix is prepended to every segment text before embedding.
const DefaultPromptPrefix = "experimental music is playing "

func DefaultConfig() Config {
	return Config{
		Paths: PathsConfig{
			CheckpointDir:  "lightning_logs/musicldm_checkpoints",
			OutputRoot:     "lightning_logs/musicldm_inference_logs",
			ONNXManifest:   "models/onnx/manifest.json",
			TokenizerModel: "models/clap_tokenizer.model",
		},
		Runtime: RuntimeConfig{
			Threads:        4,
			InterOpThreads: 1,
			Device:         "cpu",
		},
		Model: ModelConfig{
			ImageKey:       ImageKeyFbank,
			Subband:        1,
			SampleRate:     16000,
			LatentChannels: 8,
			LatentTime:     256,
			LatentFreq:     16,
			ScaleFactor:    1.0,
			BatchSize:      1,
		},
		Sampler: SamplerConfig{
			Steps:         200,
			Eta:           1.0,
			GuidanceScale: 2.0,
			Timesteps:     1000,
			LinearStart:   0.0015,
			LinearEnd:     0.0195,
		},
		Generation: GenerationConfig{
			CandidatesPerSample: 3,
			PromptPrefix:        DefaultPromptPrefix,
		},
		Data: DataConfig{
			NumWorkers: 2,
		},
		Oracle: OracleConfig{
			MaxTokens: 77,
			PadID:     1,
			Lowercase: true,
		},
		Backend:  BackendONNX,
		LogLevel: "info",
	}
}

func RegisterFlags(fs *pflag.FlagSet, defaults Config) {
	fs.String("paths-checkpoint-dir", defaults.Paths.CheckpointDir, "Directory holding downloaded checkpoints")
	fs.String("paths-output-root", defaults.Paths.OutputRoot, "Root directory for numbered run outputs")
	fs.String("paths-onnx-manifest", defaults.Paths.ONNXManifest, "Path to ONNX graph manifest")
	fs.String("paths-tokenizer-model", defaults.Paths.TokenizerModel, "Path to SentencePiece tokenizer model for text embeddings")
	fs.Int("runtime-threads", defaults.Runtime.Threads, "Intra-op thread count (ONNX Runtime and tensor kernels)")
	fs.Int("runtime-inter-op-threads", defaults.Runtime.InterOpThreads, "ONNX Runtime inter-op thread count")
	fs.String("runtime-ort-library-path", defaults.Runtime.ORTLibraryPath, "Path to ONNX Runtime shared library")
	fs.String("ort-lib", defaults.Runtime.ORTLibraryPath, "Path to ONNX Runtime shared library (alias for --runtime-ort-library-path)")
	fs.String("runtime-ort-version", defaults.Runtime.ORTVersion, "Expected ONNX Runtime version")
	fs.String("runtime-device", defaults.Runtime.Device, "Device label recorded with each run")
	fs.String("model-image-key", defaults.Model.ImageKey, "Autoencoder representation (fbank|stft)")
	fs.Int("model-subband", defaults.Model.Subband, "Sub-band count for the stft autoencoder")
	fs.Int("model-sample-rate", defaults.Model.SampleRate, "Output sample rate in Hz")
	fs.Int("model-batch-size", defaults.Model.BatchSize, "Independent continuation streams per run")
	fs.Float64("model-scale-factor", defaults.Model.ScaleFactor, "Latent scale factor")
	fs.Int("ddim-steps", defaults.Sampler.Steps, "DDIM sampling steps")
	fs.Float64("ddim-eta", defaults.Sampler.Eta, "DDIM eta (0 = deterministic)")
	fs.Float64("guidance-scale", defaults.Sampler.GuidanceScale, "Classifier-free guidance scale (1 disables)")
	fs.Int("candidates", defaults.Generation.CandidatesPerSample, "Candidates generated per segment")
	fs.String("prompt-prefix", defaults.Generation.PromptPrefix, "Text prepended to every prompt")
	fs.Int("overlap-offset", defaults.Generation.OverlapOffset, "Decoded frames dropped from continued segments (0 = derive)")
	fs.Int("num-workers", defaults.Data.NumWorkers, "Concurrent checkpoint downloads")
	fs.String("backend", defaults.Backend, "Inference backend (onnx|synthetic)")
	fs.String("log-level", defaults.LogLevel, "Log level (debug|info|warn|error)")
}

func Load(opts LoadOptions) (Config, error) {
	v := viper.New()

	setDefaults(v, opts.Defaults)
	if opts.Cmd != nil {
		if err := bindFlags(v, opts.Cmd.Flags()); err != nil {
			return Config{}, err
		}
	}

	v.SetEnvPrefix("MUSICLDM")
	replacer := strings.NewReplacer("-", "_", ".", "_", "__", "_")
	v.SetEnvKeyReplacer(replacer)
	if err := v.BindEnv("runtime.ort_library_path", "MUSICLDM_ORT_LIB", "ORT_LIBRARY_PATH"); err != nil {
		return Config{}, fmt.Errorf("bind ort env vars: %w", err)
	}
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("musicldm")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("paths.checkpoint_dir", c.Paths.CheckpointDir)
	v.SetDefault("paths.output_root", c.Paths.OutputRoot)
	v.SetDefault("paths.onnx_manifest", c.Paths.ONNXManifest)
	v.SetDefault("paths.tokenizer_model", c.Paths.TokenizerModel)
	v.SetDefault("runtime.threads", c.Runtime.Threads)
	v.SetDefault("runtime.inter_op_threads", c.Runtime.InterOpThreads)
	v.SetDefault("runtime.ort_library_path", c.Runtime.ORTLibraryPath)
	v.SetDefault("runtime.ort_version", c.Runtime.ORTVersion)
	v.SetDefault("runtime.device", c.Runtime.Device)
	v.SetDefault("model.image_key", c.Model.ImageKey)
	v.SetDefault("model.subband", c.Model.Subband)
	v.SetDefault("model.sample_rate", c.Model.SampleRate)
	v.SetDefault("model.latent_channels", c.Model.LatentChannels)
	v.SetDefault("model.latent_time", c.Model.LatentTime)
	v.SetDefault("model.latent_freq", c.Model.LatentFreq)
	v.SetDefault("model.scale_factor", c.Model.ScaleFactor)
	v.SetDefault("model.batch_size", c.Model.BatchSize)
	v.SetDefault("sampler.steps", c.Sampler.Steps)
	v.SetDefault("sampler.eta", c.Sampler.Eta)
	v.SetDefault("sampler.guidance_scale", c.Sampler.GuidanceScale)
	v.SetDefault("sampler.timesteps", c.Sampler.Timesteps)
	v.SetDefault("sampler.linear_start", c.Sampler.LinearStart)
	v.SetDefault("sampler.linear_end", c.Sampler.LinearEnd)
	v.SetDefault("generation.candidates_per_sample", c.Generation.CandidatesPerSample)
	v.SetDefault("generation.prompt_prefix", c.Generation.PromptPrefix)
	v.SetDefault("generation.overlap_offset", c.Generation.OverlapOffset)
	v.SetDefault("data.num_workers", c.Data.NumWorkers)
	v.SetDefault("oracle.max_tokens", c.Oracle.MaxTokens)
	v.SetDefault("oracle.pad_id", c.Oracle.PadID)
	v.SetDefault("oracle.lowercase", c.Oracle.Lowercase)
	v.SetDefault("oracle.id_offset", c.Oracle.IDOffset)
	v.SetDefault("backend", c.Backend)
	v.SetDefault("log_level", c.LogLevel)
}

// flagKeys maps flag names to config keys. Flags are bound per key so that
// config file values still apply when a flag is left unset.
var flagKeys = map[string]string{
	"paths-checkpoint-dir":     "paths.checkpoint_dir",
	"paths-output-root":        "paths.output_root",
	"paths-onnx-manifest":      "paths.onnx_manifest",
	"paths-tokenizer-model":    "paths.tokenizer_model",
	"runtime-threads":          "runtime.threads",
	"runtime-inter-op-threads": "runtime.inter_op_threads",
	"runtime-ort-library-path": "runtime.ort_library_path",
	"runtime-ort-version":      "runtime.ort_version",
	"runtime-device":           "runtime.device",
	"model-image-key":          "model.image_key",
	"model-subband":            "model.subband",
	"model-sample-rate":        "model.sample_rate",
	"model-batch-size":         "model.batch_size",
	"model-scale-factor":       "model.scale_factor",
	"ddim-steps":               "sampler.steps",
	"ddim-eta":                 "sampler.eta",
	"guidance-scale":           "sampler.guidance_scale",
	"candidates":               "generation.candidates_per_sample",
	"prompt-prefix":            "generation.prompt_prefix",
	"overlap-offset":           "generation.overlap_offset",
	"num-workers":              "data.num_workers",
	"backend":                  "backend",
	"log-level":                "log_level",
}

func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}

		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}

	// --ort-lib wins over the long form when both are registered and it was set.
	if f := fs.Lookup("ort-lib"); f != nil && f.Changed {
		if err := v.BindPFlag("runtime.ort_library_path", f); err != nil {
			return fmt.Errorf("bind flag ort-lib: %w", err)
		}
	}

	return nil
}
