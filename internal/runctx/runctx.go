// Package runctx carries the per-run state of a generation: the seeded random
// source, device label, run identity, logger and output location. Nothing in
// a run reads process globals; everything flows through a Context.
package runctx

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"

	"github.com/google/uuid"

	"github.com/example/go-musicldm/internal/audio"
)

type Options struct {
	Seed       uint64
	Device     string
	OutputRoot string
	SampleRate int
	Logger     *slog.Logger
	// Hooks post-process every waveform before it is written.
	Hooks []audio.Hook
}

type Context struct {
	RunID      string
	Seed       uint64
	Device     string
	OutputRoot string
	SampleRate int
	Rand       *rand.Rand
	Logger     *slog.Logger

	hooks []audio.Hook
}

// New seeds the random source and assigns a run ID. It does not touch the
// filesystem; Open creates the run directory.
func New(opts Options) (*Context, error) {
	if strings.TrimSpace(opts.OutputRoot) == "" {
		return nil, errors.New("runctx: output root is required")
	}

	if opts.SampleRate < 1 {
		return nil, fmt.Errorf("runctx: sample rate must be > 0, got %d", opts.SampleRate)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	device := opts.Device
	if device == "" {
		device = "cpu"
	}

	id := uuid.NewString()

	return &Context{
		RunID:      id,
		Seed:       opts.Seed,
		Device:     device,
		OutputRoot: opts.OutputRoot,
		SampleRate: opts.SampleRate,
		Rand:       NewRand(opts.Seed),
		Logger:     logger.With("run_id", id),
		hooks:      opts.Hooks,
	}, nil
}

// NewRand returns the deterministic source used for all noise draws of a run.
func NewRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed))
}

// Open allocates the next numbered run directory under OutputRoot.
func (c *Context) Open() (*Output, error) {
	dir, index, err := NextRunDir(c.OutputRoot)
	if err != nil {
		return nil, err
	}

	out, err := newOutput(dir, index, c.SampleRate, c.hooks, c.Logger)
	if err != nil {
		return nil, err
	}

	c.Logger.Info("run directory created", "dir", dir, "index", index)

	return out, nil
}
