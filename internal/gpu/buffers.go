package gpu

import "fmt"

// Role names every GPU-resident RunState buffer of one inference
// session.
type Role int

const (
	RoleX Role = iota
	RoleXB
	RoleXB2
	RoleHB
	RoleHB2
	RoleQ
	RoleK
	RoleV
	RoleAtt
	RoleLogits
	RoleKeyCache
	RoleValueCache
	RoleMul1
	RoleMul2
	RoleMul3
	RoleMul4

	roleCount
)

func (r Role) String() string {
	names := [...]string{
		"x", "xb", "xb2", "hb", "hb2", "q", "k", "v",
		"att", "logits", "key_cache", "value_cache",
		"mulBuffer_1", "mulBuffer_2", "mulBuffer_3", "mulBuffer_4",
	}
	if int(r) < len(names) {
		return names[r]
	}
	return "unknown"
}

// BufferSet is the buffer registry: it allocates every RunState buffer
// by logical role, records byte length alongside the handle, and frees
// all of them together. Teardown iterates the registry rather than a
// hand-maintained list, so no role can be dropped from it.
type BufferSet struct {
	backend Backend
	bufs    map[Role]Buffer
}

// NewBufferSet allocates one buffer per role with the given byte
// length; see BufferSizes for the per-role sizing.
func NewBufferSet(backend Backend, sizesBytes map[Role]int) (*BufferSet, error) {
	bs := &BufferSet{backend: backend, bufs: make(map[Role]Buffer, roleCount)}
	for role := Role(0); role < roleCount; role++ {
		n, ok := sizesBytes[role]
		if !ok {
			return nil, fmt.Errorf("gpu: missing buffer size for role %s", role)
		}
		buf, err := backend.CreateBuffer(n)
		if err != nil {
			bs.Close()
			return nil, fmt.Errorf("gpu: create buffer %s (%d bytes): %w", role, n, err)
		}
		bs.bufs[role] = buf
	}
	return bs, nil
}

// Get returns the buffer for a role. Panics on an unknown role since
// that is always a programming error (roles are a closed enum), not a
// runtime condition.
func (bs *BufferSet) Get(role Role) Buffer {
	b, ok := bs.bufs[role]
	if !ok {
		panic(fmt.Sprintf("gpu: unregistered buffer role %s", role))
	}
	return b
}

// Close frees every allocated buffer, recording but not stopping on
// individual failures so teardown always runs to completion.
func (bs *BufferSet) Close() error {
	var first error
	for role, buf := range bs.bufs {
		if !buf.Valid() {
			continue
		}
		if err := bs.backend.FreeBuffer(buf); err != nil && first == nil {
			first = fmt.Errorf("gpu: free buffer %s: %w", role, err)
		}
	}
	bs.bufs = make(map[Role]Buffer)
	return first
}

// BufferSizes computes the byte length for every role from the model
// config: dim for the residual/scratch activations, hidden_dim for the
// FFN pair, n_heads*seq_len for attention scores, vocab_size for
// logits, n_layers*seq_len*dim for each cache, and
// max(dim*seq_len, vocab_size) for the four mul-scratch buffers.
func BufferSizes(dim, hiddenDim, nHeads, nLayers, seqLen, vocabSize int) map[Role]int {
	const f32 = 4
	mulSize := dim * seqLen
	if vocabSize > mulSize {
		mulSize = vocabSize
	}
	mulSize *= f32

	return map[Role]int{
		RoleX:          dim * f32,
		RoleXB:         dim * f32,
		RoleXB2:        dim * f32,
		RoleHB:         hiddenDim * f32,
		RoleHB2:        hiddenDim * f32,
		RoleQ:          dim * f32,
		RoleK:          dim * f32,
		RoleV:          dim * f32,
		RoleAtt:        nHeads * seqLen * f32,
		RoleLogits:     vocabSize * f32,
		RoleKeyCache:   nLayers * seqLen * dim * f32,
		RoleValueCache: nLayers * seqLen * dim * f32,
		RoleMul1:       mulSize,
		RoleMul2:       mulSize,
		RoleMul3:       mulSize,
		RoleMul4:       mulSize,
	}
}
