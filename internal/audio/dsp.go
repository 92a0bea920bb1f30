package audio

import "math"

// Hook transforms a waveform before it is written.
type Hook func(samples []float32) []float32

func ApplyHooks(samples []float32, hooks ...Hook) []float32 {
	out := samples
	for _, hook := range hooks {
		out = hook(out)
	}

	return out
}

// PeakNormalize scales samples so the peak amplitude reaches 1.0. Silence is
// returned unchanged.
func PeakNormalize(samples []float32) []float32 {
	var peak float64
	for _, s := range samples {
		peak = math.Max(peak, math.Abs(float64(s)))
	}

	out := make([]float32, len(samples))
	if peak == 0 {
		copy(out, samples)
		return out
	}

	gain := float32(1 / peak)
	for i, s := range samples {
		out[i] = s * gain
	}

	return out
}

// FadeOut applies a linear ramp to zero over the last ms milliseconds.
func FadeOut(samples []float32, sampleRate int, ms float64) []float32 {
	out := make([]float32, len(samples))
	copy(out, samples)

	n := int(float64(sampleRate) * ms / 1000)
	if n <= 0 || len(out) == 0 {
		return out
	}

	n = min(n, len(out))
	start := len(out) - n

	for i := range n {
		out[start+i] *= float32(n-1-i) / float32(n)
	}

	return out
}

// PostProcess returns the hooks selected by the generate flags.
func PostProcess(normalize bool, sampleRate int, fadeOutMS float64) []Hook {
	var hooks []Hook
	if normalize {
		hooks = append(hooks, PeakNormalize)
	}

	if fadeOutMS > 0 {
		hooks = append(hooks, func(s []float32) []float32 { return FadeOut(s, sampleRate, fadeOutMS) })
	}

	return hooks
}
