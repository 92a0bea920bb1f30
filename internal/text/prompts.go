// Package text turns user input into the ordered prompt sequence a run
// generates one segment per.
package text

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

var (
	// ErrEmptyText is returned when a prompt is empty or whitespace-only.
	ErrEmptyText = errors.New("text is empty")
	// ErrNoPrompts is returned when an input yields no prompts at all.
	ErrNoPrompts = errors.New("no prompts")
)

// Normalize folds line breaks and runs of whitespace into single spaces and
// trims the result.
func Normalize(s string) (string, error) {
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return "", ErrEmptyText
	}

	return s, nil
}

// ReadPrompts reads one prompt per line. Anything after '#' is a comment;
// lines left blank are skipped.
func ReadPrompts(r io.Reader) ([]string, error) {
	var prompts []string

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for sc.Scan() {
		line, _, _ := strings.Cut(sc.Text(), "#")

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		p, err := Normalize(line)
		if err != nil {
			continue
		}

		prompts = append(prompts, p)
	}

	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read prompts: %w", err)
	}

	if len(prompts) == 0 {
		return nil, ErrNoPrompts
	}

	return prompts, nil
}

func ReadPromptFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open prompt file: %w", err)
	}
	defer f.Close()

	prompts, err := ReadPrompts(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return prompts, nil
}

// SplitSentences splits text on sentence-ending punctuation (., !, ?),
// keeping the terminator attached. Empty pieces are dropped.
func SplitSentences(text string) []string {
	var sentences []string

	start := 0
	for i, r := range text {
		if r != '.' && r != '!' && r != '?' {
			continue
		}

		if s := strings.TrimSpace(text[start : i+1]); s != "" {
			sentences = append(sentences, s)
		}

		start = i + 1
	}

	if s := strings.TrimSpace(text[start:]); s != "" {
		sentences = append(sentences, s)
	}

	return sentences
}

// Expand applies sentence splitting to every prompt when split is set.
func Expand(prompts []string, split bool) []string {
	if !split {
		return prompts
	}

	var out []string
	for _, p := range prompts {
		out = append(out, SplitSentences(p)...)
	}

	return out
}
