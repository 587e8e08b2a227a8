// Package tokenizer loads the byte-pair-encoding vocabulary and
// implements the greedy-merge BPE encoder plus piece lookup for
// decoding.
package tokenizer

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// Tokenizer holds the vocabulary loaded from tokenizer.bin.
type Tokenizer struct {
	VocabSize      int
	MaxTokenLength int

	pieces     []string
	scores     []float32
	idByPiece  map[string]int
}

// Load reads a little-endian tokenizer.bin file: int32
// max_token_length, then vocab_size entries of (float32 score, int32
// len, len raw bytes).
func Load(path string, vocabSize int) (*Tokenizer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("tokenizer: open: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)

	var maxLen int32
	if err := binary.Read(r, binary.LittleEndian, &maxLen); err != nil {
		return nil, fmt.Errorf("tokenizer: read max_token_length: %w", err)
	}

	t := &Tokenizer{
		VocabSize:      vocabSize,
		MaxTokenLength: int(maxLen),
		pieces:         make([]string, vocabSize),
		scores:         make([]float32, vocabSize),
		idByPiece:      make(map[string]int, vocabSize),
	}

	for i := 0; i < vocabSize; i++ {
		var score float32
		if err := binary.Read(r, binary.LittleEndian, &score); err != nil {
			return nil, fmt.Errorf("tokenizer: read score[%d]: %w", i, err)
		}
		var length int32
		if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
			return nil, fmt.Errorf("tokenizer: read len[%d]: %w", i, err)
		}
		buf := make([]byte, length)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("tokenizer: read piece[%d]: %w", i, err)
		}
		piece := string(buf)
		t.pieces[i] = piece
		t.scores[i] = score
		// First occurrence wins on duplicate pieces.
		if _, exists := t.idByPiece[piece]; !exists {
			t.idByPiece[piece] = i
		}
	}

	return t, nil
}

// Piece returns the decoded text for a token id.
func (t *Tokenizer) Piece(id int) string {
	if id < 0 || id >= len(t.pieces) {
		return ""
	}
	return t.pieces[id]
}

// lookup returns the token id for an exact piece match, or -1.
func (t *Tokenizer) lookup(piece string) int {
	if id, ok := t.idByPiece[piece]; ok {
		return id
	}
	return -1
}

// Encode performs greedy-merge BPE on a UTF-8 prompt: map every byte to
// its single-byte vocabulary entry, then repeatedly merge the adjacent
// pair whose concatenation exists in the vocabulary with the highest
// score, until no merge applies. Returns an error if any input byte has
// no single-byte vocabulary entry.
func (t *Tokenizer) Encode(text string) ([]int, error) {
	tokens := make([]int, 0, len(text))
	for i := 0; i < len(text); i++ {
		// Single-byte pieces are stored as raw bytes in the vocabulary,
		// e.g. "\x00".."\xff", not necessarily as single runes.
		b := string(text[i])
		id := t.lookup(b)
		if id == -1 {
			return nil, fmt.Errorf("tokenizer: byte 0x%02x at position %d not in vocabulary", text[i], i)
		}
		tokens = append(tokens, id)
	}

	for {
		bestScore := float32(-1e10)
		bestID := -1
		bestIdx := -1

		for i := 0; i+1 < len(tokens); i++ {
			merged := t.pieces[tokens[i]] + t.pieces[tokens[i+1]]
			id := t.lookup(merged)
			if id == -1 {
				continue
			}
			if t.scores[id] > bestScore {
				bestScore = t.scores[id]
				bestID = id
				bestIdx = i
			}
		}

		if bestIdx == -1 {
			break
		}

		tokens[bestIdx] = bestID
		tokens = append(tokens[:bestIdx+1], tokens[bestIdx+2:]...)
	}

	return tokens, nil
}
