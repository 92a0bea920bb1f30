package main

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
)

func TestBench_JSONReport(t *testing.T) {
	root := filepath.Join(t.TempDir(), "runs")
	cfg := writeTestConfig(t, root)

	stdout, stderr, err := runRoot(t, "--config", cfg, "bench", "--segments", "2", "--format", "json")
	if err != nil {
		t.Fatalf("bench: %v\n%s", err, stderr)
	}

	var report struct {
		Runs []struct {
			Segment int     `json:"segment"`
			Cold    bool    `json:"cold"`
			AudioMS float64 `json:"audio_ms"`
		} `json:"runs"`
	}
	if err := json.Unmarshal([]byte(stdout), &report); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, stdout)
	}

	if len(report.Runs) != 2 || !report.Runs[0].Cold || report.Runs[1].Cold {
		t.Fatalf("runs = %+v", report.Runs)
	}

	// 16 frames of 160 samples at 16 kHz.
	if report.Runs[0].AudioMS != 160 {
		t.Errorf("audio_ms = %v, want 160", report.Runs[0].AudioMS)
	}
}

func TestBench_RejectsBadFlags(t *testing.T) {
	cfg := writeTestConfig(t, t.TempDir())

	tests := [][]string{
		{"bench", "--segments", "0"},
		{"bench", "--format", "xml"},
	}

	for _, args := range tests {
		t.Run(strings.Join(args, " "), func(t *testing.T) {
			if _, _, err := runRoot(t, append([]string{"--config", cfg}, args...)...); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
