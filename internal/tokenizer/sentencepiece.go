package tokenizer

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	gosp "github.com/vikesh-raj/go-sentencepiece-encoder/sentencepiece"
)

// ErrEmptyPath is returned when a model path is empty.
var ErrEmptyPath = errors.New("tokenizer model path must not be empty")

// SentencePieceOptions adjusts how prompts are prepared before encoding.
type SentencePieceOptions struct {
	// Lowercase folds prompts before encoding. CLAP text towers were trained
	// on lowercased captions.
	Lowercase bool
	// IDOffset is added to every piece id, for vocabularies that reserve
	// leading ids for special tokens (fairseq layout uses 1).
	IDOffset int64
}

// SentencePiece encodes prompts with a pure-Go unigram model.
type SentencePiece struct {
	proc gosp.Sentencepiece
	opts SentencePieceOptions
}

// NewSentencePieceTokenizer loads the model at modelPath.
func NewSentencePieceTokenizer(modelPath string, opts SentencePieceOptions) (*SentencePiece, error) {
	if modelPath == "" {
		return nil, ErrEmptyPath
	}

	proc, err := gosp.NewSentencepieceFromFile(modelPath, opts.Lowercase)
	if err != nil {
		return nil, fmt.Errorf("tokenizer: load %q: %w", modelPath, err)
	}

	return &SentencePiece{proc: proc, opts: opts}, nil
}

func (t *SentencePiece) Encode(text string) ([]int64, error) {
	text = Normalize(text, t.opts.Lowercase)
	if text == "" {
		return nil, nil
	}

	pieces := t.proc.TokenizeToIDs(text)

	ids := make([]int64, 0, len(pieces))
	for _, p := range pieces {
		ids = append(ids, int64(p)+t.opts.IDOffset)
	}

	return ids, nil
}

// Normalize collapses whitespace runs to single spaces, drops control
// characters and optionally lowercases.
func Normalize(text string, lower bool) string {
	var b strings.Builder

	space := false
	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			space = b.Len() > 0
			continue
		case unicode.IsControl(r):
			continue
		}

		if space {
			b.WriteByte(' ')
			space = false
		}

		if lower {
			r = unicode.ToLower(r)
		}

		b.WriteRune(r)
	}

	return b.String()
}
