// Package checkpoint loads a memory-mapped Llama-2-style weights file:
// a 28-byte header of seven little-endian int32s followed by every
// weight tensor, contiguous, row-major, in a fixed order.
package checkpoint

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/sirupsen/logrus"
)

// Config is the seven-field header, read once.
type Config struct {
	Dim       int
	HiddenDim int
	NLayers   int
	NHeads    int
	NKVHeads  int
	VocabSize int
	SeqLen    int

	// SharedWeights is true when the classifier (wcls) is the same
	// tensor as TokenEmbedding. A negative VocabSize in the file means
	// "not shared"; the absolute value is the real vocab size.
	SharedWeights bool
}

// HeadSize is dim / n_heads. Config.Validate requires dim % n_heads == 0.
func (c Config) HeadSize() int { return c.Dim / c.NHeads }

func (c Config) Validate() error {
	if c.NHeads == 0 || c.Dim%c.NHeads != 0 {
		return fmt.Errorf("checkpoint: dim %d not divisible by n_heads %d", c.Dim, c.NHeads)
	}
	// Grouped-query checkpoints are rejected rather than silently
	// mis-sizing the KV cache.
	if c.NKVHeads != c.NHeads {
		return fmt.Errorf("checkpoint: n_kv_heads (%d) != n_heads (%d): grouped-query attention checkpoints are not supported", c.NKVHeads, c.NHeads)
	}
	return nil
}

const headerBytes = 7 * 4

func parseConfig(b []byte) (Config, error) {
	if len(b) < headerBytes {
		return Config{}, fmt.Errorf("checkpoint: file too small for header (%d bytes)", len(b))
	}
	raw := make([]int32, 7)
	for i := range raw {
		raw[i] = int32(binary.LittleEndian.Uint32(b[i*4 : i*4+4]))
	}
	vocab := raw[5]
	shared := vocab > 0
	if vocab < 0 {
		vocab = -vocab
	}
	cfg := Config{
		Dim:           int(raw[0]),
		HiddenDim:     int(raw[1]),
		NLayers:       int(raw[2]),
		NHeads:        int(raw[3]),
		NKVHeads:      int(raw[4]),
		VocabSize:     int(vocab),
		SeqLen:        int(raw[6]),
		SharedWeights: shared,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Weights holds every tensor needed to run the model. Every slice
// except TokenEmbedding is a direct, zero-copy view into the memory
// map and must not outlive the Checkpoint that produced it (or must be
// uploaded to the GPU before the Checkpoint is closed).
type Weights struct {
	TokenEmbedding []float32 // owned copy: [vocab][dim], read every step

	RMSAttWeight []float32 // [layer][dim]
	WQ, WK, WV   []float32 // [layer][dim][dim]
	WO           []float32 // [layer][dim][dim]
	RMSFFNWeight []float32 // [layer][dim]
	W1, W3       []float32 // [layer][hidden][dim]
	W2           []float32 // [layer][dim][hidden]
	RMSFinal     []float32 // [dim]
	FreqCisReal  []float32 // [seq_len][head_size/2]
	FreqCisImag  []float32 // [seq_len][head_size/2]
	WCls         []float32 // [vocab][dim], aliases TokenEmbedding when shared
}

// Checkpoint owns the memory map for the lifetime of weight upload.
type Checkpoint struct {
	Config  Config
	Weights Weights

	m *mappedFile
}

// Open memory-maps path, parses the header, and slices out every
// tensor view without copying (aside from TokenEmbedding).
func Open(path string) (*Checkpoint, error) {
	m, err := openMapped(path)
	if err != nil {
		return nil, err
	}
	cfg, err := parseConfig(m.Bytes())
	if err != nil {
		m.Close()
		return nil, err
	}

	cur := cursor{b: m.Bytes(), off: headerBytes}
	headSize := cfg.HeadSize()

	w := Weights{}
	w.TokenEmbedding = append([]float32(nil), cur.take(cfg.VocabSize*cfg.Dim)...)
	w.RMSAttWeight = cur.take(cfg.NLayers * cfg.Dim)
	w.WQ = cur.take(cfg.NLayers * cfg.Dim * cfg.Dim)
	w.WK = cur.take(cfg.NLayers * cfg.Dim * cfg.Dim)
	w.WV = cur.take(cfg.NLayers * cfg.Dim * cfg.Dim)
	w.WO = cur.take(cfg.NLayers * cfg.Dim * cfg.Dim)
	w.RMSFFNWeight = cur.take(cfg.NLayers * cfg.Dim)
	w.W1 = cur.take(cfg.NLayers * cfg.HiddenDim * cfg.Dim)
	w.W3 = cur.take(cfg.NLayers * cfg.HiddenDim * cfg.Dim)
	w.W2 = cur.take(cfg.NLayers * cfg.Dim * cfg.HiddenDim)
	w.RMSFinal = cur.take(cfg.Dim)
	w.FreqCisReal = cur.take(cfg.SeqLen * headSize / 2)
	w.FreqCisImag = cur.take(cfg.SeqLen * headSize / 2)
	if cfg.SharedWeights {
		w.WCls = w.TokenEmbedding
	} else {
		w.WCls = cur.take(cfg.VocabSize * cfg.Dim)
	}
	if cur.err != nil {
		m.Close()
		return nil, cur.err
	}

	logrus.Debugf("checkpoint: loaded dim=%d hidden_dim=%d n_layers=%d n_heads=%d vocab_size=%d seq_len=%d shared_weights=%v",
		cfg.Dim, cfg.HiddenDim, cfg.NLayers, cfg.NHeads, cfg.VocabSize, cfg.SeqLen, cfg.SharedWeights)

	return &Checkpoint{Config: cfg, Weights: w, m: m}, nil
}

// Close releases the memory map. Safe to call after every static GPU
// buffer has been uploaded; TokenEmbedding remains valid since it was
// copied, not viewed.
func (c *Checkpoint) Close() error {
	if c.m == nil {
		return nil
	}
	err := c.m.Close()
	c.m = nil
	return err
}

// cursor slices successive float32 views out of a byte buffer without
// copying, tracking the first error so call sites can stay a flat list
// of `.take()` calls in tensor order and check once at the end.
type cursor struct {
	b   []byte
	off int
	err error
}

func (c *cursor) take(n int) []float32 {
	if c.err != nil || n < 0 {
		return nil
	}
	byteLen := n * 4
	if c.off+byteLen > len(c.b) {
		c.err = fmt.Errorf("checkpoint: truncated file at offset %d, need %d more bytes", c.off, byteLen)
		return nil
	}
	s := c.b[c.off : c.off+byteLen]
	c.off += byteLen
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&s[0])), n)
}
