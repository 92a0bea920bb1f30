package testutil

import (
	"testing"

	"github.com/example/go-musicldm/internal/audio"
)

// AssertValidWAV decodes data as a run output file (mono 16-bit PCM at
// wantRate with at least one sample) and returns its samples.
func AssertValidWAV(tb testing.TB, data []byte, wantRate int) []float32 {
	tb.Helper()

	samples, rate, err := audio.DecodeWAV(data)
	if err != nil {
		tb.Fatalf("WAV: %v", err)
		return nil
	}

	if rate != wantRate {
		tb.Fatalf("WAV: sample rate %d, want %d", rate, wantRate)
		return nil
	}

	if len(samples) == 0 {
		tb.Fatal("WAV: no samples")
		return nil
	}

	return samples
}

// AssertWAVDurationApprox fails unless the decoded duration lies in
// [minSec, maxSec].
func AssertWAVDurationApprox(tb testing.TB, data []byte, sampleRate int, minSec, maxSec float64) {
	tb.Helper()

	samples := AssertValidWAV(tb, data, sampleRate)
	if samples == nil {
		return
	}

	d := float64(len(samples)) / float64(sampleRate)
	if d < minSec || d > maxSec {
		tb.Fatalf("WAV: duration %.3fs outside [%.3fs, %.3fs]", d, minSec, maxSec)
	}
}
