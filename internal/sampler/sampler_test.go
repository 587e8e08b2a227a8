package sampler

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cgoxopx/llama2.c/internal/gpu"
	"github.com/cgoxopx/llama2.c/internal/rng"
)

// fakeBackend is a minimal in-memory gpu.Backend sufficient to drive
// gpu.Reducer.Argmax, the only GPU path Sampler.greedy exercises.
type fakeBackend struct {
	mem   map[uint64][]float32
	next  uint64
	bound map[int]gpu.Buffer
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{mem: make(map[uint64][]float32), next: 1, bound: make(map[int]gpu.Buffer)}
}

func (f *fakeBackend) Init() error  { return nil }
func (f *fakeBackend) Close() error { return nil }

func (f *fakeBackend) CompileKernel(name, source string) (gpu.Program, error) { return 0, nil }

func (f *fakeBackend) CreateBuffer(byteLen int) (gpu.Buffer, error) {
	h := f.next
	f.next++
	f.mem[h] = make([]float32, byteLen/4)
	return gpu.NewBuffer(h, byteLen), nil
}

func (f *fakeBackend) FreeBuffer(b gpu.Buffer) error {
	delete(f.mem, b.Handle())
	return nil
}

func (f *fakeBackend) Upload(b gpu.Buffer, byteOffset int, data []float32) error {
	copy(f.mem[b.Handle()][byteOffset/4:], data)
	return nil
}

func (f *fakeBackend) Download(b gpu.Buffer, byteOffset int, out []float32) error {
	copy(out, f.mem[b.Handle()][byteOffset/4:])
	return nil
}

func (f *fakeBackend) CopyBuffer(dst gpu.Buffer, dstOffset int, src gpu.Buffer, srcOffset int, byteLen int) error {
	n := byteLen / 4
	copy(f.mem[dst.Handle()][dstOffset/4:], f.mem[src.Handle()][srcOffset/4:srcOffset/4+n])
	return nil
}

func (f *fakeBackend) Bind(prog gpu.Program, slot int, b gpu.Buffer) error {
	f.bound[slot] = b
	return nil
}

func (f *fakeBackend) Barrier() error { return nil }

const (
	progArgmaxSetIndex gpu.Program = 1
	progArgmax         gpu.Program = 2
)

// Dispatch reproduces kernelArgmaxSetIndex/kernelArgmax's per-invocation
// semantics exactly (kernels.go), the same way internal/gpu's own
// fake-backend test double does for reduce_test.go.
func (f *fakeBackend) Dispatch(prog gpu.Program, gx, gy, gz uint32, uniforms []byte) error {
	u32 := func(off int) uint32 { return binary.LittleEndian.Uint32(uniforms[off:]) }

	switch prog {
	case progArgmaxSetIndex:
		// The real kernel declares this buffer as uint, not float; store
		// the bit pattern so downloadUint32's Float32bits reinterpret
		// round-trips correctly, the same as a real GPU buffer would.
		insize := u32(0)
		idx := f.mem[f.bound[1].Handle()]
		for i := uint32(0); i < insize; i++ {
			idx[i] = math.Float32frombits(i)
		}
	case progArgmax:
		insize, shape0 := u32(0), u32(4)
		values := f.mem[f.bound[0].Handle()]
		indices := f.mem[f.bound[1].Handle()]
		valuesOut := f.mem[f.bound[2].Handle()]
		idxOut := f.mem[f.bound[3].Handle()]
		for i := uint32(0); i < shape0; i++ {
			a, b := 2*i, 2*i+1
			if b >= insize {
				valuesOut[i] = values[a]
				idxOut[i] = indices[a]
				continue
			}
			if values[a] >= values[b] {
				valuesOut[i] = values[a]
				idxOut[i] = indices[a]
			} else {
				valuesOut[i] = values[b]
				idxOut[i] = indices[b]
			}
		}
	}
	f.bound = make(map[int]gpu.Buffer)
	return nil
}

func newTestTransformer(t *testing.T, vocabSize int) *gpu.Transformer {
	t.Helper()
	backend := newFakeBackend()
	sizes := gpu.BufferSizes(4, 4, 1, 1, 1, vocabSize)
	run, err := gpu.NewBufferSet(backend, sizes)
	require.NoError(t, err)

	return &gpu.Transformer{
		Backend: backend,
		Kernels: &gpu.Kernels{ArgmaxSetIndex: progArgmaxSetIndex, Argmax: progArgmax},
		Run:     run,
		Reduce:  gpu.NewReducer(backend, &gpu.Kernels{ArgmaxSetIndex: progArgmaxSetIndex, Argmax: progArgmax}),
	}
}

func TestGreedyPicksArgmax(t *testing.T) {
	logits := []float32{0.1, 0.5, 3.2, -1.0, 2.9}
	tr := newTestTransformer(t, len(logits))
	require.NoError(t, tr.Backend.Upload(tr.Run.Get(gpu.RoleLogits), 0, logits))

	s := New(tr, len(logits), 0, 0, 1)
	next, err := s.Next()
	require.NoError(t, err)
	require.Equal(t, 2, next)
}

func TestMultinomialRespectsCDF(t *testing.T) {
	s := &Sampler{rng: rng.NewState(1)}
	probs := []float32{0, 0, 1, 0}
	require.Equal(t, 2, s.multinomial(probs))
}

func TestTopPSampleStaysWithinNucleus(t *testing.T) {
	s := &Sampler{rng: rng.NewState(42), topP: 0.9}
	probs := []float32{0.05, 0.05, 0.8, 0.1}
	for i := 0; i < 50; i++ {
		got := s.topPSample(probs)
		require.NotEqual(t, 0, got, "the nucleus {0.8, 0.1} passes topP after two tokens and excludes the two low-probability tokens")
	}
}

// TestTopPSampleReachesBoundaryElement pins the draw denominator to
// the nucleus's cumulative mass: with topP = 0.6 the nucleus is
// {0.5, 0.45} (mass 0.95), and the boundary token carries nearly half
// of it. Scaling the draw by topP instead of the mass would make the
// boundary token nearly unreachable.
func TestTopPSampleReachesBoundaryElement(t *testing.T) {
	s := &Sampler{rng: rng.NewState(3), topP: 0.6}
	probs := []float32{0.5, 0.45, 0.05}
	seen := make(map[int]bool)
	for i := 0; i < 200; i++ {
		got := s.topPSample(probs)
		require.NotEqual(t, 2, got, "token outside the nucleus must never be sampled")
		seen[got] = true
	}
	require.True(t, seen[0])
	require.True(t, seen[1], "boundary element should be sampled with its full probability share")
}

func TestTopPSampleFallsBackToHighestProbWhenCutoffExcludesAll(t *testing.T) {
	// cutoff = (1 - 0.01) / 3 = 0.33, above every probability below.
	s := &Sampler{rng: rng.NewState(7), topP: 0.01}
	probs := []float32{0.2, 0.25, 0.23, 0.32}
	require.Equal(t, 3, s.topPSample(probs))
}
