package tokenizer

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// vocabEntry is one (score, piece) pair written to a test tokenizer.bin.
type vocabEntry struct {
	score float32
	piece string
}

// writeTokenizer writes a tokenizer.bin containing one entry per byte
// value 0..255 (score 0, so they never win a merge on their own) plus
// any extra entries appended, in the exact binary layout Load expects.
func writeTokenizer(t *testing.T, extra ...vocabEntry) (string, int) {
	t.Helper()

	entries := make([]vocabEntry, 256)
	for i := 0; i < 256; i++ {
		entries[i] = vocabEntry{score: 0, piece: string([]byte{byte(i)})}
	}
	entries = append(entries, extra...)

	path := filepath.Join(t.TempDir(), "tokenizer.bin")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, binary.Write(f, binary.LittleEndian, int32(16)))
	for _, e := range entries {
		require.NoError(t, binary.Write(f, binary.LittleEndian, e.score))
		require.NoError(t, binary.Write(f, binary.LittleEndian, int32(len(e.piece))))
		_, err := f.Write([]byte(e.piece))
		require.NoError(t, err)
	}

	return path, len(entries)
}

func TestLoadAndPiece(t *testing.T) {
	path, vocabSize := writeTokenizer(t, vocabEntry{score: 1, piece: "ab"})

	tok, err := Load(path, vocabSize)
	require.NoError(t, err)
	require.Equal(t, 16, tok.MaxTokenLength)
	require.Equal(t, "a", tok.Piece(int('a')))
	require.Equal(t, "", tok.Piece(-1))
	require.Equal(t, "", tok.Piece(vocabSize))
}

func TestEncodeMergesHighestScoringPairFirst(t *testing.T) {
	path, vocabSize := writeTokenizer(t,
		vocabEntry{score: 1, piece: "ab"},
		vocabEntry{score: 2, piece: "abc"},
	)
	tok, err := Load(path, vocabSize)
	require.NoError(t, err)

	ids, err := tok.Encode("abc")
	require.NoError(t, err)
	require.Equal(t, []int{vocabSize - 1}, ids, "ab+c should merge again into abc since abc scores higher")
}

func TestEncodeStopsWhenNoMergeApplies(t *testing.T) {
	path, vocabSize := writeTokenizer(t)
	tok, err := Load(path, vocabSize)
	require.NoError(t, err)

	ids, err := tok.Encode("xy")
	require.NoError(t, err)
	require.Equal(t, []int{int('x'), int('y')}, ids)
}

func TestEncodeRejectsUnknownByte(t *testing.T) {
	path, _ := writeTokenizer(t)
	// Drop byte 'z' from the vocabulary by loading with a truncated size.
	tok, err := Load(path, int('z'))
	require.NoError(t, err)

	_, err = tok.Encode("z")
	require.Error(t, err)
}

func TestFirstOccurrenceWinsOnDuplicatePiece(t *testing.T) {
	path, vocabSize := writeTokenizer(t,
		vocabEntry{score: 1, piece: "ab"},
		vocabEntry{score: 5, piece: "ab"},
	)
	tok, err := Load(path, vocabSize)
	require.NoError(t, err)

	ids, err := tok.Encode("ab")
	require.NoError(t, err)
	require.Equal(t, []int{256}, ids, "lookup must resolve to the first ab entry, not the later higher-scoring duplicate")
}
