// Package tokenizer turns prompt text into the fixed-length token id batches
// consumed by the text embedding graph.
package tokenizer

import "fmt"

// Tokenizer encodes text into SentencePiece token IDs.
type Tokenizer interface {
	// Encode tokenizes text and returns SentencePiece token IDs.
	Encode(text string) ([]int64, error)
}

// Special token ids framing every sequence. The defaults follow the RoBERTa
// vocabulary used by CLAP text towers.
type Special struct {
	BOS int64
	EOS int64
	Pad int64
}

func DefaultSpecial() Special {
	return Special{BOS: 0, EOS: 2, Pad: 1}
}

// Batch is a padded [len(texts), MaxLen] block of ids with its attention mask.
type Batch struct {
	IDs       []int64
	Attention []int64
	Size      int
	MaxLen    int
}

// EncodeBatch tokenizes each text, frames it with BOS/EOS, truncates to
// maxLen and pads the remainder. Truncation keeps the trailing EOS.
func EncodeBatch(tok Tokenizer, texts []string, maxLen int, sp Special) (Batch, error) {
	if maxLen < 2 {
		return Batch{}, fmt.Errorf("max length %d cannot hold BOS and EOS", maxLen)
	}

	b := Batch{
		IDs:       make([]int64, len(texts)*maxLen),
		Attention: make([]int64, len(texts)*maxLen),
		Size:      len(texts),
		MaxLen:    maxLen,
	}

	for i, text := range texts {
		ids, err := tok.Encode(text)
		if err != nil {
			return Batch{}, fmt.Errorf("encode text %d: %w", i, err)
		}

		if len(ids) > maxLen-2 {
			ids = ids[:maxLen-2]
		}

		row := b.IDs[i*maxLen : (i+1)*maxLen]
		mask := b.Attention[i*maxLen : (i+1)*maxLen]

		row[0] = sp.BOS
		copy(row[1:], ids)
		row[len(ids)+1] = sp.EOS

		for j := range row {
			if j < len(ids)+2 {
				mask[j] = 1
				continue
			}

			row[j] = sp.Pad
		}
	}

	return b, nil
}
