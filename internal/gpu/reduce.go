package gpu

// Reducer drives the pairwise-tree reductions: each step writes
// ceil(current/2) outputs with one kernel dispatch, swaps the two
// scratch buffers, and repeats until the written size is 1. Every step
// is followed by a shader-storage barrier so the next step observes
// the writes.
type Reducer struct {
	backend Backend
	k       *Kernels
}

// NewReducer wraps a backend and its compiled kernel set.
func NewReducer(backend Backend, k *Kernels) *Reducer {
	return &Reducer{backend: backend, k: k}
}

const (
	localSize1D = 64
	localSize2D = 8
)

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// SumOfSquares reduces in[0:insize] to a single scalar sum of squares,
// ping-ponging between scratchA and scratchB. The first step uses the
// squares-and-add kernel; every subsequent step uses the generic sum
// kernel. Returns the buffer holding the final scalar (always scratchA
// or scratchB, never in).
func (r *Reducer) SumOfSquares(in Buffer, insize int, scratchA, scratchB Buffer) (Buffer, error) {
	current := insize
	src := in
	bufs := [2]Buffer{scratchA, scratchB}
	toggle := 0
	first := true

	// The first (squaring) step always runs, even for insize 1.
	for first || current > 1 {
		next := ceilDiv(current, 2)
		dst := bufs[toggle]

		// The squares-and-add kernel is 1-D (local_size_x = 64); the
		// generic sum kernel is the 8x8 2-D one, driven here as a
		// single-row grid. Group counts must follow the program being
		// dispatched or later steps launch too few invocations.
		var prog Program
		var uniforms []byte
		var gx, gy uint32
		if first {
			prog = r.k.RMSNormSquaresAndSum
			uniforms = squaresAndSumUniforms(current)
			gx = uint32(ceilDiv(next, localSize1D))
			gy = 1
		} else {
			prog = r.k.Sum
			uniforms = reduceUniforms(current, next, 1)
			gx = uint32(ceilDiv(next, localSize2D))
			gy = uint32(ceilDiv(1, localSize2D))
		}

		if err := r.backend.Bind(prog, 0, src); err != nil {
			return Buffer{}, err
		}
		if err := r.backend.Bind(prog, 1, dst); err != nil {
			return Buffer{}, err
		}
		if err := r.backend.Dispatch(prog, gx, gy, 1, uniforms); err != nil {
			return Buffer{}, err
		}
		if err := r.backend.Barrier(); err != nil {
			return Buffer{}, err
		}

		src = dst
		current = next
		toggle = 1 - toggle
		first = false
	}
	return src, nil
}

// Sum reduces each of `rows` independent rows of length `insize` down
// to one scalar per row, reducing along the fast axis only; the row
// count is the slow grid dimension and is preserved. Returns the
// buffer holding the final `rows`-length result.
func (r *Reducer) Sum(in Buffer, rows, insize int, scratchA, scratchB Buffer) (Buffer, error) {
	return r.treeReduce2D(r.k.Sum, in, rows, insize, scratchA, scratchB)
}

// Max is the max-reduction analog of Sum.
func (r *Reducer) Max(in Buffer, rows, insize int, scratchA, scratchB Buffer) (Buffer, error) {
	return r.treeReduce2D(r.k.Max, in, rows, insize, scratchA, scratchB)
}

func (r *Reducer) treeReduce2D(prog Program, in Buffer, rows, insize int, scratchA, scratchB Buffer) (Buffer, error) {
	current := insize
	src := in
	bufs := [2]Buffer{scratchA, scratchB}
	toggle := 0

	for current > 1 {
		next := ceilDiv(current, 2)
		dst := bufs[toggle]

		if err := r.backend.Bind(prog, 0, src); err != nil {
			return Buffer{}, err
		}
		if err := r.backend.Bind(prog, 1, dst); err != nil {
			return Buffer{}, err
		}
		uniforms := reduceUniforms(current, next, rows)
		gx := uint32(ceilDiv(next, localSize2D))
		gy := uint32(ceilDiv(rows, localSize2D))
		if err := r.backend.Dispatch(prog, gx, gy, 1, uniforms); err != nil {
			return Buffer{}, err
		}
		if err := r.backend.Barrier(); err != nil {
			return Buffer{}, err
		}

		src = dst
		current = next
		toggle = 1 - toggle
	}
	return src, nil
}

// Argmax reduces values[0:insize] to the (value, index) of its maximum
// element, carrying indices through the same pairwise tree as the
// values. valScratchA/B and idxScratchA/B must each hold insize
// elements; idxSeed must hold insize elements and is overwritten with
// 0..insize-1 before the first pairwise step. Returns the buffer
// holding the single surviving index.
func (r *Reducer) Argmax(values Buffer, insize int, idxSeed, valScratchA, valScratchB, idxScratchA, idxScratchB Buffer) (Buffer, error) {
	// Slot 0 is declared (and unread) by the set-index kernel; it still
	// needs a buffer under Vulkan, where every layout binding in a
	// bound descriptor set must be populated.
	if err := r.backend.Bind(r.k.ArgmaxSetIndex, 0, values); err != nil {
		return Buffer{}, err
	}
	if err := r.backend.Bind(r.k.ArgmaxSetIndex, 1, idxSeed); err != nil {
		return Buffer{}, err
	}
	gx := uint32(ceilDiv(insize, localSize1D))
	if err := r.backend.Dispatch(r.k.ArgmaxSetIndex, gx, 1, 1, argmaxSetIndexUniforms(insize)); err != nil {
		return Buffer{}, err
	}
	if err := r.backend.Barrier(); err != nil {
		return Buffer{}, err
	}

	current := insize
	valSrc, idxSrc := values, idxSeed
	valBufs := [2]Buffer{valScratchA, valScratchB}
	idxBufs := [2]Buffer{idxScratchA, idxScratchB}
	toggle := 0

	for current > 1 {
		next := ceilDiv(current, 2)
		valDst, idxDst := valBufs[toggle], idxBufs[toggle]

		// Bound against the argmax program's own uniform layout, never
		// another program's.
		if err := r.backend.Bind(r.k.Argmax, 0, valSrc); err != nil {
			return Buffer{}, err
		}
		if err := r.backend.Bind(r.k.Argmax, 1, idxSrc); err != nil {
			return Buffer{}, err
		}
		if err := r.backend.Bind(r.k.Argmax, 2, valDst); err != nil {
			return Buffer{}, err
		}
		if err := r.backend.Bind(r.k.Argmax, 3, idxDst); err != nil {
			return Buffer{}, err
		}
		uniforms := argmaxUniforms(current, next)
		gx := uint32(ceilDiv(next, localSize1D))
		if err := r.backend.Dispatch(r.k.Argmax, gx, 1, 1, uniforms); err != nil {
			return Buffer{}, err
		}
		if err := r.backend.Barrier(); err != nil {
			return Buffer{}, err
		}

		valSrc, idxSrc = valDst, idxDst
		current = next
		toggle = 1 - toggle
	}
	return idxSrc, nil
}

// Softmax normalizes `rows` independent rows of length `insize` in
// place within `a`, chaining max-reduction -> exp-and-partial-sum ->
// sum-reduction -> normalize. It uses only three scratch buffers: the
// max-reduction ping-pongs across scratch1 and scratch2, and once the
// max is final, whichever of those two did NOT end up holding it is
// free and reused as one half of the sum ping-pong pair, with scratch3
// as the other half. That keeps every caller within the four
// mulBuffer_1..4 scratch buffers, which are a shared pool across
// reduction and attention-staging phases that never overlap in time.
func (r *Reducer) Softmax(a Buffer, rows, insize int, scratch1, scratch2, scratch3 Buffer) error {
	if insize == 1 {
		// A single-element row is trivially its own softmax; skip the
		// reduction chain rather than special-case an empty tree.
		ones := make([]float32, rows)
		for i := range ones {
			ones[i] = 1
		}
		return r.backend.Upload(a, 0, ones)
	}

	maxBuf, err := r.Max(a, rows, insize, scratch1, scratch2)
	if err != nil {
		return err
	}
	freeMaxScratch := scratch2
	if maxBuf == scratch2 {
		freeMaxScratch = scratch1
	}

	// softmax_exp_and_sum's first pairwise step both exponentiates
	// every element of `a` in place and produces the first partial
	// sum; subsequent steps reduce that partial sum with the generic
	// sum kernel.
	current := insize
	bufs := [2]Buffer{freeMaxScratch, scratch3}
	toggle := 0
	first := true
	sumSrc := a // conceptually: exp(a) lives in a itself after the first pass

	for current > 1 {
		next := ceilDiv(current, 2)
		dst := bufs[toggle]

		var prog Program
		var uniforms []byte
		if first {
			prog = r.k.SoftmaxExpAndSum
			if err := r.backend.Bind(prog, 0, a); err != nil {
				return err
			}
			if err := r.backend.Bind(prog, 1, maxBuf); err != nil {
				return err
			}
			if err := r.backend.Bind(prog, 2, dst); err != nil {
				return err
			}
			uniforms = reduceUniforms(current, next, rows)
		} else {
			prog = r.k.Sum
			if err := r.backend.Bind(prog, 0, sumSrc); err != nil {
				return err
			}
			if err := r.backend.Bind(prog, 1, dst); err != nil {
				return err
			}
			uniforms = reduceUniforms(current, next, rows)
		}

		gx := uint32(ceilDiv(next, localSize2D))
		gy := uint32(ceilDiv(rows, localSize2D))
		if err := r.backend.Dispatch(prog, gx, gy, 1, uniforms); err != nil {
			return err
		}
		if err := r.backend.Barrier(); err != nil {
			return err
		}

		sumSrc = dst
		current = next
		toggle = 1 - toggle
		first = false
	}

	if err := r.backend.Bind(r.k.SoftmaxNormalize, 0, sumSrc); err != nil {
		return err
	}
	if err := r.backend.Bind(r.k.SoftmaxNormalize, 1, maxBuf); err != nil {
		return err
	}
	if err := r.backend.Bind(r.k.SoftmaxNormalize, 2, a); err != nil {
		return err
	}
	uniforms := softmaxNormalizeUniforms(insize, rows)
	gx := uint32(ceilDiv(insize, localSize2D))
	gy := uint32(ceilDiv(rows, localSize2D))
	if err := r.backend.Dispatch(r.k.SoftmaxNormalize, gx, gy, 1, uniforms); err != nil {
		return err
	}
	return r.backend.Barrier()
}
