package text

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "plain", input: "calm piano", want: "calm piano"},
		{name: "surrounding whitespace", input: "  drums  \n", want: "drums"},
		{name: "internal line breaks", input: "slow\r\nstrings\rand horns", want: "slow strings and horns"},
		{name: "tabs and runs", input: "a\t\tb   c", want: "a b c"},
		{name: "empty", input: "", wantErr: true},
		{name: "whitespace only", input: " \t\n", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrEmptyText) {
					t.Fatalf("error = %v, want ErrEmptyText", err)
				}

				return
			}

			if err != nil {
				t.Fatal(err)
			}

			if got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestReadPrompts(t *testing.T) {
	input := strings.Join([]string{
		"# treatise page 1",
		"sparse piano clusters",
		"",
		"   ",
		"  low drones   with  bowed metal ",
		"#skip",
		"noisy percussion # loud",
		"drums#tight",
	}, "\n")

	got, err := ReadPrompts(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ReadPrompts: %v", err)
	}

	want := []string{"sparse piano clusters", "low drones with bowed metal", "noisy percussion", "drums"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("prompts mismatch (-want +got):\n%s", diff)
	}
}

func TestReadPromptsEmpty(t *testing.T) {
	for name, input := range map[string]string{
		"empty":         "",
		"comments only": "# a\n# b\n",
		"blank lines":   "\n\n  \n",
		"inline only":   "  # a\n\t#b # c\n",
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := ReadPrompts(strings.NewReader(input)); !errors.Is(err, ErrNoPrompts) {
				t.Fatalf("error = %v, want ErrNoPrompts", err)
			}
		})
	}
}

func TestReadPromptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.txt")
	if err := os.WriteFile(path, []byte("one\ntwo\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := ReadPromptFile(path)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]string{"one", "two"}, got); diff != "" {
		t.Errorf("prompts mismatch (-want +got):\n%s", diff)
	}

	if _, err := ReadPromptFile(filepath.Join(t.TempDir(), "missing.txt")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestSplitSentences(t *testing.T) {
	tests := []struct {
		input string
		want  []string
	}{
		{input: "Calm piano. Drums enter! Does it build? yes", want: []string{"Calm piano.", "Drums enter!", "Does it build?", "yes"}},
		{input: "no terminator", want: []string{"no terminator"}},
		{input: "...", want: []string{".", ".", "."}},
		{input: "  ", want: nil},
	}

	for _, tt := range tests {
		if diff := cmp.Diff(tt.want, SplitSentences(tt.input)); diff != "" {
			t.Errorf("SplitSentences(%q) mismatch (-want +got):\n%s", tt.input, diff)
		}
	}
}

func TestExpand(t *testing.T) {
	prompts := []string{"A. B.", "C"}

	if diff := cmp.Diff(prompts, Expand(prompts, false)); diff != "" {
		t.Errorf("Expand without split changed prompts:\n%s", diff)
	}

	if diff := cmp.Diff([]string{"A.", "B.", "C"}, Expand(prompts, true)); diff != "" {
		t.Errorf("Expand with split mismatch (-want +got):\n%s", diff)
	}
}
