package model

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/example/go-musicldm/internal/onnx"
)

type VerifyOptions struct {
	ManifestPath string
	Runner       onnx.RunnerConfig
	// Graphs limits the check to the named graphs; empty means all.
	Graphs []string
	Stdout io.Writer
	Stderr io.Writer
}

// openRunner is replaced in tests.
var openRunner = func(s onnx.Session, cfg onnx.RunnerConfig) (onnx.GraphRunner, error) {
	return onnx.NewRunner(s, cfg)
}

// VerifyGraphs opens every graph of the manifest and runs it once on zero
// inputs, reporting PASS/FAIL per graph.
func VerifyGraphs(ctx context.Context, opts VerifyOptions) error {
	if opts.ManifestPath == "" {
		return errors.New("manifest path is required")
	}

	if opts.Stdout == nil {
		opts.Stdout = io.Discard
	}

	if opts.Stderr == nil {
		opts.Stderr = io.Discard
	}

	sm, err := onnx.NewSessionManager(opts.ManifestPath)
	if err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}

	sessions := sm.Sessions()
	if len(opts.Graphs) > 0 {
		if err := sm.Require(opts.Graphs...); err != nil {
			return err
		}

		sessions = sessions[:0]
		for _, name := range opts.Graphs {
			s, _ := sm.Session(name)
			sessions = append(sessions, s)
		}
	}

	var failures []string

	for _, s := range sessions {
		if err := smoke(ctx, s, opts.Runner); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "FAIL %s: %v\n", s.Name, err)
			failures = append(failures, s.Name)

			continue
		}

		_, _ = fmt.Fprintf(opts.Stdout, "PASS %s\n", s.Name)
	}

	if len(failures) > 0 {
		return fmt.Errorf("verify failed for %d graph(s): %s", len(failures), strings.Join(failures, ", "))
	}

	return nil
}

func smoke(ctx context.Context, s onnx.Session, cfg onnx.RunnerConfig) error {
	inputs := make(map[string]*onnx.Tensor, len(s.Inputs))

	for _, in := range s.Inputs {
		t, err := onnx.NewZeroTensor(in.DType, in.Shape)
		if err != nil {
			return fmt.Errorf("input %q: %w", in.Name, err)
		}

		inputs[in.Name] = t
	}

	r, err := openRunner(s, cfg)
	if err != nil {
		return err
	}
	defer r.Close()

	if _, err := r.Run(ctx, inputs); err != nil {
		return fmt.Errorf("run: %w", err)
	}

	return nil
}
