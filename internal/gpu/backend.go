// Package gpu implements the GPU-resident transformer evaluation
// pipeline: the buffer registry, the 18-kernel library, the
// pairwise-tree reduction driver, and the per-token transformer step.
//
// Two backends implement the Backend interface below: gles (EGL +
// OpenGL ES 3.2 compute, the default build) and vulkan (build tag
// "vulkan"). Orchestration code in this package never touches cgo or
// either graphics API directly; it only calls Backend methods.
package gpu

import "fmt"

// UniformBinding is the fixed binding point every kernel's std140
// uniform block is declared at (see kernels.go); the gles backend
// binds the per-dispatch uniform bytes here before dispatching, and
// the vulkan backend rewrites the block at this binding into a
// push-constant range.
const UniformBinding = 8

// Program is an opaque compiled-and-linked compute kernel handle.
type Program uint32

// Buffer is an opaque GPU storage buffer handle paired with its byte
// length.
type Buffer struct {
	handle  uint64
	ByteLen int
}

// Valid reports whether b refers to an allocated buffer.
func (b Buffer) Valid() bool { return b.handle != 0 }

// NewBuffer wraps a native handle (a GL buffer name or a Vulkan buffer
// pointer bit pattern) as an opaque Buffer. Backend implementations use
// this to satisfy CreateBuffer; orchestration code never calls it.
func NewBuffer(handle uint64, byteLen int) Buffer {
	return Buffer{handle: handle, ByteLen: byteLen}
}

// Handle returns the native handle a Backend implementation stored in
// b. Only Backend implementations should call this.
func (b Buffer) Handle() uint64 { return b.handle }

// Backend is the contract both the gles and vulkan bridges implement.
// Every method that can fail returns an error; shader compile/link
// failures are fatal before any buffer is allocated, and dispatch
// failures are logged by the backend, returned, and treated as fatal
// by the orchestration as well (a failed dispatch leaves its output
// buffer undefined, so there is nothing sound to continue with).
type Backend interface {
	// Init acquires a headless compute-capable device/context.
	Init() error
	// Close releases every program, buffer, and the device/context
	// itself, in reverse acquisition order. Safe to call multiple
	// times and on a partially-initialized Backend.
	Close() error

	// CompileKernel compiles and links one compute kernel from source.
	// Compile/link failure is fatal: the returned error should abort
	// the process before any buffer is allocated.
	CompileKernel(name, source string) (Program, error)

	// CreateBuffer allocates a zero-initialized storage buffer of
	// byteLen bytes.
	CreateBuffer(byteLen int) (Buffer, error)
	// FreeBuffer releases a single buffer. Never fails silently in a
	// way that leaks: Close frees whatever Free* calls missed.
	FreeBuffer(b Buffer) error

	// Upload writes data to b starting at byteOffset. Used both for
	// one-shot static weight upload and the per-step embedding
	// sub-range update of the residual buffer x.
	Upload(b Buffer, byteOffset int, data []float32) error
	// Download reads len(out)*4 bytes from b starting at byteOffset
	// back to host memory. Implicitly waits for every outstanding
	// dispatch to finish.
	Download(b Buffer, byteOffset int, out []float32) error

	// CopyBuffer copies byteLen bytes from src[srcOffset:] to
	// dst[dstOffset:] entirely on the GPU (glCopyBufferSubData /
	// vkCmdCopyBuffer), so the per-step KV-cache write never round
	// trips through host memory. Followed by an implicit barrier the
	// same as a kernel dispatch.
	CopyBuffer(dst Buffer, dstOffset int, src Buffer, srcOffset int, byteLen int) error

	// Bind attaches buffer b to binding slot (a binding of descriptor
	// set 0 in the Vulkan backend, the SSBO binding index in the gles
	// backend) for the
	// next Dispatch of prog.
	Bind(prog Program, slot int, b Buffer) error

	// Dispatch launches prog with the given 3-D invocation-group
	// count (unused trailing dimensions are 1), passing uniforms as a
	// packed little-endian byte blob matching the kernel's uniform
	// struct. A dispatch failure is logged by the backend and
	// returned as an *ErrDispatch.
	Dispatch(prog Program, groupsX, groupsY, groupsZ uint32, uniforms []byte) error

	// Barrier inserts a shader-storage memory barrier: every write
	// issued by prior dispatches is visible to dispatches issued
	// after Barrier returns.
	Barrier() error
}

// ErrDispatch wraps a dispatch-time GPU error, logged by the backend
// before being returned.
type ErrDispatch struct {
	Kernel string
	Err    error
}

func (e *ErrDispatch) Error() string {
	return fmt.Sprintf("gpu: dispatch %s: %v", e.Kernel, e.Err)
}

func (e *ErrDispatch) Unwrap() error { return e.Err }
