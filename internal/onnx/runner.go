package onnx

import (
	"context"
	"fmt"
	"sort"
	"sync"

	ort "github.com/shota3506/onnxruntime-purego/onnxruntime"
)

const defaultAPIVersion = 23

// RunnerConfig holds ORT library settings for creating runners.
type RunnerConfig struct {
	LibraryPath string
	APIVersion  uint32
}

// Runtime is one loaded ORT shared library plus its logging environment.
// Every graph of an Engine shares a single Runtime; the library is unloaded
// once the last runner referencing it is closed.
type Runtime struct {
	mu   sync.Mutex
	lib  *ort.Runtime
	env  *ort.Env
	refs int
}

// OpenRuntime loads the ORT library described by cfg.
func OpenRuntime(cfg RunnerConfig) (*Runtime, error) {
	if cfg.APIVersion == 0 {
		cfg.APIVersion = defaultAPIVersion
	}

	lib, err := ort.NewRuntime(cfg.LibraryPath, cfg.APIVersion)
	if err != nil {
		return nil, fmt.Errorf("load onnxruntime %q: %w", cfg.LibraryPath, err)
	}

	env, err := lib.NewEnv("musicldm", ort.LoggingLevelWarning)
	if err != nil {
		_ = lib.Close()
		return nil, fmt.Errorf("onnxruntime env: %w", err)
	}

	return &Runtime{lib: lib, env: env, refs: 1}, nil
}

func (rt *Runtime) acquire() {
	rt.mu.Lock()
	rt.refs++
	rt.mu.Unlock()
}

// Close drops one reference. The library is released with the last one.
func (rt *Runtime) Close() {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.refs == 0 {
		return
	}

	rt.refs--
	if rt.refs > 0 {
		return
	}

	rt.env.Close()
	_ = rt.lib.Close()
	rt.env, rt.lib = nil, nil
}

// Runner executes one graph of the manifest inside a shared Runtime.
type Runner struct {
	meta    Session
	rt      *Runtime
	session *ort.Session
}

// NewRunner opens meta's graph on rt. The runner holds a reference on rt
// until Close.
func (rt *Runtime) NewRunner(meta Session) (*Runner, error) {
	rt.mu.Lock()
	lib, env := rt.lib, rt.env
	rt.mu.Unlock()

	if lib == nil {
		return nil, fmt.Errorf("%s: onnxruntime already closed", meta.Name)
	}

	session, err := lib.NewSession(env, meta.Path, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: open %s: %w", meta.Name, meta.Path, err)
	}

	rt.acquire()

	return &Runner{meta: meta, rt: rt, session: session}, nil
}

// NewRunner is a convenience for one-off graph checks: it loads a private
// Runtime that is released together with the runner.
func NewRunner(meta Session, cfg RunnerConfig) (*Runner, error) {
	rt, err := OpenRuntime(cfg)
	if err != nil {
		return nil, err
	}
	defer rt.Close()

	return rt.NewRunner(meta)
}

func (r *Runner) Name() string {
	return r.meta.Name
}

// Run feeds inputs to the graph. Inputs must match the manifest's declared
// input names exactly and, where declared, their element types.
func (r *Runner) Run(ctx context.Context, inputs map[string]*Tensor) (map[string]*Tensor, error) {
	if r.session == nil {
		return nil, fmt.Errorf("%s: runner closed", r.meta.Name)
	}

	if err := checkInputs(r.meta, inputs); err != nil {
		return nil, err
	}

	feeds := make(map[string]*ort.Value, len(inputs))
	defer releaseValues(feeds)

	for name, t := range inputs {
		v, err := toValue(r.rt.lib, t)
		if err != nil {
			return nil, fmt.Errorf("%s: input %q: %w", r.meta.Name, name, err)
		}

		feeds[name] = v
	}

	fetched, err := r.session.Run(ctx, feeds)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", r.meta.Name, err)
	}
	defer releaseValues(fetched)

	out := make(map[string]*Tensor, len(fetched))
	for name, v := range fetched {
		t, err := fromValue(v)
		if err != nil {
			return nil, fmt.Errorf("%s: output %q: %w", r.meta.Name, name, err)
		}

		out[name] = t
	}

	return out, nil
}

// Close releases the session and its Runtime reference. Safe to call twice.
func (r *Runner) Close() {
	if r.session == nil {
		return
	}

	r.session.Close()
	r.session = nil
	r.rt.Close()
}

// checkInputs rejects feeds the graph would fail on with a less readable
// ORT error. Manifests without declared inputs accept anything.
func checkInputs(meta Session, inputs map[string]*Tensor) error {
	if len(meta.Inputs) == 0 {
		return nil
	}

	declared := make(map[string]NodeInfo, len(meta.Inputs))
	for _, in := range meta.Inputs {
		declared[in.Name] = in
	}

	var missing, unknown []string

	for _, in := range meta.Inputs {
		if _, ok := inputs[in.Name]; !ok {
			missing = append(missing, in.Name)
		}
	}

	for name, t := range inputs {
		node, ok := declared[name]
		if !ok {
			unknown = append(unknown, name)
			continue
		}

		if t == nil {
			return fmt.Errorf("%s: input %q is nil", meta.Name, name)
		}

		if node.DType == "" {
			continue
		}

		want, err := canonicalDType(node.DType)
		if err != nil {
			return fmt.Errorf("%s: input %q: %w", meta.Name, name, err)
		}

		if t.DType() != want {
			return fmt.Errorf("%s: input %q is %s, graph expects %s", meta.Name, name, t.DType(), want)
		}
	}

	if len(missing) > 0 || len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("%s: inputs mismatch: missing %v, unknown %v", meta.Name, missing, unknown)
	}

	return nil
}

func toValue(lib *ort.Runtime, t *Tensor) (*ort.Value, error) {
	if t == nil {
		return nil, fmt.Errorf("nil tensor")
	}

	if t.dtype == DTypeInt64 {
		return ort.NewTensorValue(lib, t.i64, t.Shape())
	}

	return ort.NewTensorValue(lib, t.f32, t.Shape())
}

func fromValue(v *ort.Value) (*Tensor, error) {
	kind, err := v.GetTensorElementType()
	if err != nil {
		return nil, err
	}

	if kind == ort.ONNXTensorElementDataTypeInt64 {
		data, shape, err := ort.GetTensorData[int64](v)
		if err != nil {
			return nil, err
		}

		return NewTensor(data, shape)
	}

	if kind != ort.ONNXTensorElementDataTypeFloat {
		return nil, fmt.Errorf("element type %d is neither float32 nor int64", kind)
	}

	data, shape, err := ort.GetTensorData[float32](v)
	if err != nil {
		return nil, err
	}

	return NewTensor(data, shape)
}

func releaseValues(vals map[string]*ort.Value) {
	for _, v := range vals {
		if v != nil {
			v.Close()
		}
	}
}
