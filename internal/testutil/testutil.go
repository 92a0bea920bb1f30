// Package testutil provides shared skip helpers and WAV assertions for
// integration tests.
//
// Each helper calls t.Skip with a clear human-readable reason when the named
// prerequisite is absent, so integration tests remain runnable in partial
// environments without failing noisily.
//
// Typical usage:
//
//	func TestMyIntegration(t *testing.T) {
//	    testutil.RequireONNXRuntime(t)
//	    testutil.RequireModelBundle(t, "models/onnx/manifest.json", "fbank")
//	    ...
//	}
package testutil

import (
	"testing"

	"github.com/example/go-musicldm/internal/config"
	"github.com/example/go-musicldm/internal/onnx"
)

// RequireONNXRuntime skips the test unless a library can be located the same
// way a run would: MUSICLDM_ORT_LIB, ORT_LIBRARY_PATH, then the system
// search directories.
func RequireONNXRuntime(tb testing.TB) onnx.RuntimeInfo {
	tb.Helper()

	info, err := onnx.DetectRuntime(config.RuntimeConfig{})
	if err != nil {
		tb.Skipf("ONNX Runtime unavailable: %v", err)
	}

	return info
}

// RequireModelBundle skips the test unless manifestPath lists every graph the
// imageKey pipeline needs and each graph file exists.
func RequireModelBundle(tb testing.TB, manifestPath, imageKey string) {
	tb.Helper()

	sm, err := onnx.NewSessionManager(manifestPath)
	if err != nil {
		tb.Skipf("model bundle not available at %q: %v", manifestPath, err)
		return
	}

	if err := sm.Require(onnx.RequiredGraphs(imageKey)...); err != nil {
		tb.Skipf("model bundle at %q incomplete for %s: %v", manifestPath, imageKey, err)
	}
}
