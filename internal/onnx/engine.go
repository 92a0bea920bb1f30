package onnx

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
)

// GraphRunner is the minimal runner contract required by Engine methods.
// Tests and the synthetic backend provide their own implementations.
type GraphRunner interface {
	Run(ctx context.Context, inputs map[string]*Tensor) (map[string]*Tensor, error)
	Name() string
	Close()
}

// Engine owns one runner per external graph.
type Engine struct {
	runners map[string]GraphRunner
}

// NewEngine loads the manifest and opens a runner for each named graph, all
// sharing one ORT runtime.
func NewEngine(manifestPath string, cfg RunnerConfig, graphs []string) (*Engine, error) {
	sm, err := NewSessionManager(manifestPath)
	if err != nil {
		return nil, err
	}

	if err := sm.Require(graphs...); err != nil {
		return nil, err
	}

	rt, err := OpenRuntime(cfg)
	if err != nil {
		return nil, err
	}
	// Runners keep their own references; drop the opening one.
	defer rt.Close()

	e := &Engine{runners: make(map[string]GraphRunner, len(graphs))}
	for _, name := range graphs {
		meta, _ := sm.Session(name)

		r, err := rt.NewRunner(meta)
		if err != nil {
			e.Close()
			return nil, err
		}

		e.runners[name] = r
	}

	return e, nil
}

// NewEngineWithRunners builds an Engine from externally provided graph runners.
func NewEngineWithRunners(runners map[string]GraphRunner) *Engine {
	internal := make(map[string]GraphRunner, len(runners))
	maps.Copy(internal, runners)

	return &Engine{runners: internal}
}

// Graphs returns the loaded graph names, sorted.
func (e *Engine) Graphs() []string {
	return slices.Sorted(maps.Keys(e.runners))
}

// Close releases every runner. Safe to call multiple times.
func (e *Engine) Close() {
	for name, r := range e.runners {
		r.Close()
		delete(e.runners, name)
	}
}

func (e *Engine) run(ctx context.Context, graph string, inputs map[string]*Tensor, output string) (*Tensor, error) {
	runner, ok := e.runners[graph]
	if !ok {
		return nil, fmt.Errorf("%s graph not found in manifest", graph)
	}

	outputs, err := runner.Run(ctx, inputs)
	if err != nil {
		return nil, fmt.Errorf("%s: run: %w", graph, err)
	}

	out, ok := outputs[output]
	if !ok {
		return nil, fmt.Errorf("%s: missing %q in output", graph, output)
	}

	if out == nil {
		return nil, errors.New(graph + ": nil output tensor")
	}

	return out, nil
}
