// Package doctor provides environment preflight checks for musicldm.
package doctor

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/example/go-musicldm/internal/model"
	"github.com/example/go-musicldm/internal/onnx"
)

// PassMark and FailMark are the prefix symbols printed for each check result.
const (
	PassMark = "✓"
	FailMark = "✗"
)

// minORTMinor is the oldest 1.x ONNX Runtime release the purego bindings
// load.
const minORTMinor = 17

// RuntimeFunc locates the ONNX Runtime library.
type RuntimeFunc func() (onnx.RuntimeInfo, error)

// CheckpointFunc reports the state of every pinned checkpoint.
type CheckpointFunc func() ([]model.LockStatus, error)

// Config holds injectable dependencies for each doctor check.
type Config struct {
	Runtime RuntimeFunc
	// SkipRuntime skips the runtime, graph and tokenizer checks (synthetic
	// backend).
	SkipRuntime bool
	// ManifestPath is the ONNX graph manifest; ImageKey selects which graphs
	// it must provide.
	ManifestPath   string
	ImageKey       string
	TokenizerModel string
	Checkpoints    CheckpointFunc
	// OutputRoot must be creatable and writable.
	OutputRoot string
}

// Result collects the outcome of all checks.
type Result struct {
	failures []string
}

// Failed returns true if any check failed.
func (r *Result) Failed() bool { return len(r.failures) > 0 }

// Failures returns the list of failure messages.
func (r *Result) Failures() []string { return append([]string(nil), r.failures...) }

// AddFailure appends an external failure message to the result.
func (r *Result) AddFailure(msg string) { r.failures = append(r.failures, msg) }

func (r *Result) fail(w io.Writer, check string, err error) {
	r.failures = append(r.failures, fmt.Sprintf("%s: %v", check, err))
	fmt.Fprintf(w, "%s %s: %v\n", FailMark, check, err)
}

func pass(w io.Writer, check, detail string) {
	fmt.Fprintf(w, "%s %s: %s\n", PassMark, check, detail)
}

// Run executes all configured checks and writes human-readable output to w.
// Each check line is prefixed with PassMark or FailMark.
func Run(cfg Config, w io.Writer) Result {
	var res Result

	if cfg.SkipRuntime {
		pass(w, "onnx runtime", "skipped (synthetic backend)")
	} else {
		checkRuntime(cfg, w, &res)
		checkManifest(cfg, w, &res)
		checkFile(w, &res, "tokenizer model", cfg.TokenizerModel)
	}

	checkCheckpoints(cfg, w, &res)
	checkOutputRoot(cfg.OutputRoot, w, &res)

	return res
}

func checkRuntime(cfg Config, w io.Writer, res *Result) {
	if cfg.Runtime == nil {
		res.fail(w, "onnx runtime", fmt.Errorf("no detector configured"))
		return
	}

	info, err := cfg.Runtime()
	if err != nil {
		res.fail(w, "onnx runtime", err)
		return
	}

	if info.Version != "" && info.Version != "unknown" {
		if err := checkORTVersion(info.Version); err != nil {
			res.fail(w, "onnx runtime "+info.Version, err)
			return
		}
	}

	pass(w, "onnx runtime", fmt.Sprintf("%s (version %s)", info.LibraryPath, info.Version))
}

func checkManifest(cfg Config, w io.Writer, res *Result) {
	sm, err := onnx.NewSessionManager(cfg.ManifestPath)
	if err != nil {
		res.fail(w, "graph manifest", err)
		return
	}

	required := onnx.RequiredGraphs(cfg.ImageKey)
	if err := sm.Require(required...); err != nil {
		res.fail(w, "graph manifest", err)
		return
	}

	pass(w, "graph manifest", fmt.Sprintf("%s (%s)", cfg.ManifestPath, strings.Join(required, ", ")))
}

func checkFile(w io.Writer, res *Result, check, path string) {
	if path == "" {
		res.fail(w, check, fmt.Errorf("path not configured"))
		return
	}

	if _, err := os.Stat(path); err != nil {
		res.fail(w, check, err)
		return
	}

	pass(w, check, path)
}

func checkCheckpoints(cfg Config, w io.Writer, res *Result) {
	if cfg.Checkpoints == nil {
		return
	}

	statuses, err := cfg.Checkpoints()
	if err != nil {
		res.fail(w, "checkpoints", err)
		return
	}

	for _, st := range statuses {
		check := "checkpoint " + st.Name

		switch {
		case !st.Present:
			res.fail(w, check, fmt.Errorf("missing (run `musicldm model download`)"))
		case st.Locked && !st.Match:
			res.fail(w, check, fmt.Errorf("checksum differs from %s", model.LockFile))
		case !st.Locked:
			pass(w, check, "present, not in lock file")
		default:
			pass(w, check, "present, checksum ok")
		}
	}
}

func checkOutputRoot(root string, w io.Writer, res *Result) {
	if root == "" {
		res.fail(w, "output root", fmt.Errorf("path not configured"))
		return
	}

	if err := os.MkdirAll(root, 0o755); err != nil {
		res.fail(w, "output root", err)
		return
	}

	f, err := os.CreateTemp(root, ".doctor-*")
	if err != nil {
		res.fail(w, "output root", fmt.Errorf("not writable: %w", err))
		return
	}

	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)

	pass(w, "output root", root)
}

// checkORTVersion returns an error if ver is not a 1.x release at or above
// minORTMinor. ver is expected to be a string like "1.20.1".
func checkORTVersion(ver string) error {
	major, minor, err := parseMajorMinor(ver)
	if err != nil {
		return fmt.Errorf("cannot parse %q: %w", ver, err)
	}
	if major != 1 {
		return fmt.Errorf("requires ONNX Runtime 1.x, got %d", major)
	}
	if minor < minORTMinor {
		return fmt.Errorf("requires ONNX Runtime >=1.%d, got 1.%d", minORTMinor, minor)
	}
	return nil
}

func parseMajorMinor(ver string) (major, minor int, err error) {
	parts := strings.SplitN(ver, ".", 3)
	if len(parts) < 2 {
		return 0, 0, fmt.Errorf("unexpected version format %q", ver)
	}
	major, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("bad major in %q: %w", ver, err)
	}
	minor, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("bad minor in %q: %w", ver, err)
	}
	return major, minor, nil
}
