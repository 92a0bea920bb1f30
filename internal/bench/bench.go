// Package bench provides benchmarking primitives for the musicldm bench
// command: per-segment generation time against the audio it produces.
package bench

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
)

// ---------------------------------------------------------------------------
// Run result and stats
// ---------------------------------------------------------------------------

// RunResult holds the timing and audio metadata for a single segment.
type RunResult struct {
	Segment int
	// Cold marks the first segment, which is sampled without an overlap seed
	// and pays graph warm-up.
	Cold          bool
	Duration      time.Duration
	AudioDuration time.Duration
	RTF           float64
}

// Stats holds aggregate timing statistics across all runs.
type Stats struct {
	Min     time.Duration
	Max     time.Duration
	Mean    time.Duration
	MeanRTF float64
}

// ComputeStats calculates min, max and mean duration and the mean RTF.
func ComputeStats(runs []RunResult) Stats {
	if len(runs) == 0 {
		return Stats{}
	}
	mn, mx := runs[0].Duration, runs[0].Duration
	var sum time.Duration
	var rtf float64
	for _, r := range runs {
		if r.Duration < mn {
			mn = r.Duration
		}
		if r.Duration > mx {
			mx = r.Duration
		}
		sum += r.Duration
		rtf += r.RTF
	}
	return Stats{
		Min:     mn,
		Max:     mx,
		Mean:    sum / time.Duration(len(runs)),
		MeanRTF: rtf / float64(len(runs)),
	}
}

// ---------------------------------------------------------------------------
// RTF helpers
// ---------------------------------------------------------------------------

// CalcRTF returns generation_duration / audio_duration.
// Returns 0 if audioDur is zero to avoid division by zero.
func CalcRTF(genDur, audioDur time.Duration) float64 {
	if audioDur <= 0 {
		return 0
	}
	return float64(genDur) / float64(audioDur)
}

// SamplesDuration returns the playback duration of n samples.
func SamplesDuration(n, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(sampleRate))
}

// Recorder times consecutive segments. Start it before the run and call
// Observe from the segment observer.
type Recorder struct {
	SampleRate int
	// Now defaults to time.Now.
	Now func() time.Time

	last time.Time
	runs []RunResult
}

func (r *Recorder) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Recorder) Start() { r.last = r.now() }

// Observe records a finished segment that produced samples per stream.
func (r *Recorder) Observe(segment, samples int) {
	t := r.now()
	dur := t.Sub(r.last)
	r.last = t

	audioDur := SamplesDuration(samples, r.SampleRate)
	r.runs = append(r.runs, RunResult{
		Segment:       segment,
		Cold:          len(r.runs) == 0,
		Duration:      dur,
		AudioDuration: audioDur,
		RTF:           CalcRTF(dur, audioDur),
	})
}

// Results returns the recorded segments in order.
func (r *Recorder) Results() []RunResult { return append([]RunResult(nil), r.runs...) }

// ---------------------------------------------------------------------------
// RTF threshold gate
// ---------------------------------------------------------------------------

// CheckRTFThreshold returns an error if meanRTF > threshold.
// A threshold of 0 disables the gate.
func CheckRTFThreshold(meanRTF, threshold float64) error {
	if threshold <= 0 {
		return nil
	}
	if meanRTF > threshold {
		return fmt.Errorf("mean RTF %.3f exceeds threshold %.3f", meanRTF, threshold)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Output formatters
// ---------------------------------------------------------------------------

func millis(d time.Duration) string {
	return strconv.FormatFloat(float64(d.Microseconds())/1000, 'f', 1, 64)
}

// FormatTable writes a human-readable table of bench results to w.
func FormatTable(runs []RunResult, stats Stats, w io.Writer) {
	data := make([][]string, 0, len(runs))
	for _, r := range runs {
		cold := ""
		if r.Cold {
			cold = "yes"
		}
		data = append(data, []string{
			strconv.Itoa(r.Segment),
			cold,
			millis(r.Duration),
			millis(r.AudioDuration),
			strconv.FormatFloat(r.RTF, 'f', 3, 64),
		})
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"SEGMENT", "COLD", "MS", "AUDIO MS", "RTF"})
	table.SetFooter([]string{"", "", "mean " + millis(stats.Mean), "min " + millis(stats.Min) + " max " + millis(stats.Max), strconv.FormatFloat(stats.MeanRTF, 'f', 3, 64)})
	table.SetBorder(false)
	table.AppendBulk(data)
	table.Render()
}

// jsonReport is the top-level JSON structure emitted by FormatJSON.
type jsonReport struct {
	Runs  []jsonRun `json:"runs"`
	Stats jsonStats `json:"stats"`
}

type jsonRun struct {
	Segment    int     `json:"segment"`
	Cold       bool    `json:"cold"`
	DurationMS float64 `json:"duration_ms"`
	AudioMS    float64 `json:"audio_ms"`
	RTF        float64 `json:"rtf"`
}

type jsonStats struct {
	MinMS   float64 `json:"min_ms"`
	MeanMS  float64 `json:"mean_ms"`
	MaxMS   float64 `json:"max_ms"`
	MeanRTF float64 `json:"mean_rtf"`
}

// FormatJSON writes a JSON report of bench results to w.
func FormatJSON(runs []RunResult, stats Stats, w io.Writer) {
	jr := jsonReport{
		Runs: make([]jsonRun, len(runs)),
		Stats: jsonStats{
			MinMS:   float64(stats.Min.Milliseconds()),
			MeanMS:  float64(stats.Mean.Milliseconds()),
			MaxMS:   float64(stats.Max.Milliseconds()),
			MeanRTF: stats.MeanRTF,
		},
	}
	for i, r := range runs {
		jr.Runs[i] = jsonRun{
			Segment:    r.Segment,
			Cold:       r.Cold,
			DurationMS: float64(r.Duration.Milliseconds()),
			AudioMS:    float64(r.AudioDuration.Milliseconds()),
			RTF:        r.RTF,
		}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(jr)
}
