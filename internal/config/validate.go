package config

import (
	"errors"
	"fmt"
	"strings"
)

// InputError reports an invalid configuration or command-line value.
// It is always raised before any output is written.
type InputError struct {
	Field  string
	Reason string
}

func (e *InputError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Reason
	}

	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsInputError reports whether err wraps an *InputError.
func IsInputError(err error) bool {
	var ie *InputError
	return errors.As(err, &ie)
}

// Validate checks the values that generation depends on. Values the pipeline
// only passes through are checked for presence and sign.
func (c *Config) Validate() error {
	backend, err := NormalizeBackend(c.Backend)
	if err != nil {
		return &InputError{Field: "backend", Reason: err.Error()}
	}
	c.Backend = backend

	key, err := NormalizeImageKey(c.Model.ImageKey)
	if err != nil {
		return &InputError{Field: "model.image_key", Reason: err.Error()}
	}
	c.Model.ImageKey = key

	positive := []struct {
		field string
		value int
	}{
		{"model.subband", c.Model.Subband},
		{"model.sample_rate", c.Model.SampleRate},
		{"model.latent_channels", c.Model.LatentChannels},
		{"model.latent_time", c.Model.LatentTime},
		{"model.latent_freq", c.Model.LatentFreq},
		{"model.batch_size", c.Model.BatchSize},
		{"sampler.steps", c.Sampler.Steps},
		{"sampler.timesteps", c.Sampler.Timesteps},
		{"generation.candidates_per_sample", c.Generation.CandidatesPerSample},
		{"data.num_workers", c.Data.NumWorkers},
		{"oracle.max_tokens", c.Oracle.MaxTokens},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return &InputError{Field: p.field, Reason: fmt.Sprintf("must be > 0, got %d", p.value)}
		}
	}

	if c.Model.LatentTime%2 != 0 {
		return &InputError{Field: "model.latent_time", Reason: fmt.Sprintf("must be even to split the overlap, got %d", c.Model.LatentTime)}
	}

	if c.Sampler.Steps >= c.Sampler.Timesteps {
		return &InputError{Field: "sampler.steps", Reason: fmt.Sprintf("%d must be below schedule length %d", c.Sampler.Steps, c.Sampler.Timesteps)}
	}

	if c.Sampler.Eta < 0 {
		return &InputError{Field: "sampler.eta", Reason: fmt.Sprintf("must be >= 0, got %g", c.Sampler.Eta)}
	}

	if c.Sampler.LinearStart <= 0 || c.Sampler.LinearEnd <= c.Sampler.LinearStart || c.Sampler.LinearEnd >= 1 {
		return &InputError{
			Field:  "sampler.linear_start/linear_end",
			Reason: fmt.Sprintf("need 0 < start < end < 1, got %g..%g", c.Sampler.LinearStart, c.Sampler.LinearEnd),
		}
	}

	if c.Model.ScaleFactor <= 0 {
		return &InputError{Field: "model.scale_factor", Reason: fmt.Sprintf("must be > 0, got %g", c.Model.ScaleFactor)}
	}

	if c.Generation.OverlapOffset < 0 {
		return &InputError{Field: "generation.overlap_offset", Reason: fmt.Sprintf("must be >= 0, got %d", c.Generation.OverlapOffset)}
	}

	if strings.TrimSpace(c.Paths.OutputRoot) == "" {
		return &InputError{Field: "paths.output_root", Reason: "must not be empty"}
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return &InputError{Field: "log_level", Reason: err.Error()}
	}

	return nil
}
