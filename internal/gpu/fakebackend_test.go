package gpu

import (
	"encoding/binary"
	"fmt"
)

// fakeBackend is an in-memory Backend used only by this package's own
// tests: buffers are plain []float32 slices and Dispatch interprets a
// tiny subset of program ids (set up via registerKernel) by running a
// Go closure instead of a real GPU program, so reduce_test.go can
// exercise Reducer's ping-pong bookkeeping without any GPU present.
type fakeBackend struct {
	bufs     map[uint64][]float32
	nextID   uint64
	bound    map[int]uint64
	kernels  map[Program]func(bound map[int][]float32, uniforms []byte, groupsX, groupsY uint32)
	nextProg Program
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		bufs:    make(map[uint64][]float32),
		bound:   make(map[int]uint64),
		kernels: make(map[Program]func(bound map[int][]float32, uniforms []byte, groupsX, groupsY uint32)),
	}
}

func (f *fakeBackend) Init() error  { return nil }
func (f *fakeBackend) Close() error { return nil }

// registerKernel's closure receives the actual dispatched group counts
// (groupsX, groupsY) alongside the uniform block, the same two inputs
// a real invocation has available (gl_WorkGroupID / gl_NumWorkGroups
// and the uniform block), so a kernel that only processes indices the
// host actually dispatched for, rather than trusting a row length
// pulled out of the uniform block, is exercised the same way a real
// GPU invocation grid would exercise it.
func (f *fakeBackend) registerKernel(fn func(bound map[int][]float32, uniforms []byte, groupsX, groupsY uint32)) Program {
	f.nextProg++
	f.kernels[f.nextProg] = fn
	return f.nextProg
}

func (f *fakeBackend) CompileKernel(name, source string) (Program, error) {
	return 0, fmt.Errorf("fakeBackend: CompileKernel not supported, use registerKernel")
}

func (f *fakeBackend) CreateBuffer(byteLen int) (Buffer, error) {
	f.nextID++
	f.bufs[f.nextID] = make([]float32, byteLen/4)
	return NewBuffer(f.nextID, byteLen), nil
}

func (f *fakeBackend) FreeBuffer(b Buffer) error {
	delete(f.bufs, b.Handle())
	return nil
}

func (f *fakeBackend) Upload(b Buffer, byteOffset int, data []float32) error {
	dst := f.bufs[b.Handle()]
	copy(dst[byteOffset/4:], data)
	return nil
}

func (f *fakeBackend) Download(b Buffer, byteOffset int, out []float32) error {
	src := f.bufs[b.Handle()]
	copy(out, src[byteOffset/4:])
	return nil
}

func (f *fakeBackend) CopyBuffer(dst Buffer, dstOffset int, src Buffer, srcOffset int, byteLen int) error {
	s := f.bufs[src.Handle()][srcOffset/4 : srcOffset/4+byteLen/4]
	d := f.bufs[dst.Handle()][dstOffset/4 : dstOffset/4+byteLen/4]
	copy(d, s)
	return nil
}

func (f *fakeBackend) Bind(prog Program, slot int, b Buffer) error {
	f.bound[slot] = b.Handle()
	return nil
}

func (f *fakeBackend) Dispatch(prog Program, groupsX, groupsY, groupsZ uint32, uniforms []byte) error {
	fn, ok := f.kernels[prog]
	if !ok {
		return fmt.Errorf("fakeBackend: dispatch: unknown program %d", prog)
	}
	bound := make(map[int][]float32, len(f.bound))
	for slot, handle := range f.bound {
		bound[slot] = f.bufs[handle]
	}
	fn(bound, uniforms, groupsX, groupsY)
	f.bound = make(map[int]uint64)
	return nil
}

func (f *fakeBackend) Barrier() error { return nil }

func readU32Triplet(b []byte) (a, c, d uint32) {
	return binary.LittleEndian.Uint32(b[0:4]), binary.LittleEndian.Uint32(b[4:8]), binary.LittleEndian.Uint32(b[8:12])
}
