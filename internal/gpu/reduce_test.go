package gpu

import (
	"math"
	"testing"

	"github.com/cgoxopx/llama2.c/internal/gpu/refcpu"
)

// buildReduceKernels registers fake-backend closures that reproduce the
// GLSL kernels' exact per-invocation semantics (kernels.go), so Reducer
// can be driven without any GPU present.
func buildReduceKernels(f *fakeBackend) *Kernels {
	k := &Kernels{}

	// invocationRange mirrors a real 2-D dispatch: the host only ever
	// launches groupsX*localSize2D/groupsY*localSize2D invocations, and
	// every invocation additionally early-returns past its own shape0/
	// rows guard. A closure that derives its loop bound from anything
	// else (e.g. insize, which is a per-row length, not an invocation
	// count) would silently process indices no real invocation covers.
	invocationRange := func(shape0, rows, groupsX, groupsY uint32) (uint32, uint32) {
		cols := groupsX * localSize2D
		if cols > shape0 {
			cols = shape0
		}
		rowCount := groupsY * localSize2D
		if rowCount > rows {
			rowCount = rows
		}
		return cols, rowCount
	}

	k.Sum = f.registerKernel(func(b map[int][]float32, u []byte, gx, gy uint32) {
		insize, shape0, rows := readU32Triplet(u)
		cols, rowCount := invocationRange(shape0, rows, gx, gy)
		in, out := b[0], b[1]
		for row := uint32(0); row < rowCount; row++ {
			for col := uint32(0); col < cols; col++ {
				a := in[row*insize+2*col]
				var v float32
				if 2*col+1 < insize {
					v = in[row*insize+2*col+1]
				}
				out[row*shape0+col] = a + v
			}
		}
	})

	k.Max = f.registerKernel(func(b map[int][]float32, u []byte, gx, gy uint32) {
		insize, shape0, rows := readU32Triplet(u)
		cols, rowCount := invocationRange(shape0, rows, gx, gy)
		in, out := b[0], b[1]
		for row := uint32(0); row < rowCount; row++ {
			for col := uint32(0); col < cols; col++ {
				a := in[row*insize+2*col]
				v := a
				if 2*col+1 < insize {
					v = in[row*insize+2*col+1]
				}
				if v > a {
					out[row*shape0+col] = v
				} else {
					out[row*shape0+col] = a
				}
			}
		}
	})

	k.RMSNormSquaresAndSum = f.registerKernel(func(b map[int][]float32, u []byte, gx, gy uint32) {
		insize := binU32(u, 0)
		outSize := (insize + 1) / 2
		i1D := gx * localSize1D
		if i1D > outSize {
			i1D = outSize
		}
		in, out := b[0], b[1]
		for i := uint32(0); i < i1D; i++ {
			a := in[2*i] * in[2*i]
			var v float32
			if 2*i+1 < insize {
				v = in[2*i+1] * in[2*i+1]
			}
			out[i] = a + v
		}
	})

	k.ArgmaxSetIndex = f.registerKernel(func(b map[int][]float32, u []byte, gx, gy uint32) {
		insize := binU32(u, 0)
		i1D := gx * localSize1D
		if i1D > insize {
			i1D = insize
		}
		idx := b[1]
		for i := uint32(0); i < i1D; i++ {
			idx[i] = float32(i)
		}
	})

	k.Argmax = f.registerKernel(func(b map[int][]float32, u []byte, gx, gy uint32) {
		insize, shape0 := binU32(u, 0), binU32(u, 4)
		i1D := gx * localSize1D
		if i1D > shape0 {
			i1D = shape0
		}
		values, indices, valuesOut, idxOut := b[0], b[1], b[2], b[3]
		for i := uint32(0); i < i1D; i++ {
			a, bIdx := 2*i, 2*i+1
			if bIdx >= insize {
				valuesOut[i] = values[a]
				idxOut[i] = indices[a]
				continue
			}
			if values[a] >= values[bIdx] {
				valuesOut[i] = values[a]
				idxOut[i] = indices[a]
			} else {
				valuesOut[i] = values[bIdx]
				idxOut[i] = indices[bIdx]
			}
		}
	})

	// SoftmaxExpAndSum: every invocation exponentiates only its own
	// pair (2*col, 2*col+1) before summing it, matching kernels.go's
	// kernelSoftmaxExpAndSum exactly: no separate full-row exp pass
	// decoupled from the dispatched column range.
	k.SoftmaxExpAndSum = f.registerKernel(func(b map[int][]float32, u []byte, gx, gy uint32) {
		insize, shape0, rows := readU32Triplet(u)
		cols, rowCount := invocationRange(shape0, rows, gx, gy)
		a, maxVal, out := b[0], b[1], b[2]
		for row := uint32(0); row < rowCount; row++ {
			base := row * insize
			for col := uint32(0); col < cols; col++ {
				x0, x1 := 2*col, 2*col+1
				va := float32(math.Exp(float64(a[base+x0] - maxVal[row])))
				a[base+x0] = va
				var vb float32
				if x1 < insize {
					vb = float32(math.Exp(float64(a[base+x1] - maxVal[row])))
					a[base+x1] = vb
				}
				out[row*shape0+col] = va + vb
			}
		}
	})

	k.SoftmaxNormalize = f.registerKernel(func(b map[int][]float32, u []byte, gx, gy uint32) {
		shape0 := binU32(u, 0)
		rows := binU32(u, 4)
		cols, rowCount := invocationRange(shape0, rows, gx, gy)
		sum, x := b[0], b[2]
		for row := uint32(0); row < rowCount; row++ {
			for col := uint32(0); col < cols; col++ {
				x[row*shape0+col] /= sum[row]
			}
		}
	})

	return k
}

func binU32(b []byte, off int) uint32 {
	return uint32(b[off]) | uint32(b[off+1])<<8 | uint32(b[off+2])<<16 | uint32(b[off+3])<<24
}

func TestReducerSumMatchesPairwiseOracle(t *testing.T) {
	f := newFakeBackend()
	k := buildReduceKernels(f)
	r := NewReducer(f, k)

	data := []float32{1, 2, 3, 4, 5, 6, 7}
	in, _ := f.CreateBuffer(len(data) * 4)
	f.Upload(in, 0, data)
	scratchA, _ := f.CreateBuffer(len(data) * 4)
	scratchB, _ := f.CreateBuffer(len(data) * 4)

	out, err := r.Sum(in, 1, len(data), scratchA, scratchB)
	if err != nil {
		t.Fatalf("Sum: %v", err)
	}
	var got [1]float32
	f.Download(out, 0, got[:])

	want := refcpu.PairwiseSum(data)
	if got[0] != want {
		t.Errorf("Sum = %v, want %v (refcpu.PairwiseSum)", got[0], want)
	}
}

// TestSumOfSquaresMultiStep uses an input long enough that the later
// generic-sum steps still span several 8-wide workgroups; a driver
// that sizes those dispatches with the 1-D kernel's 64-wide groups
// launches too few invocations and leaves scratch garbage in the tail.
func TestSumOfSquaresMultiStep(t *testing.T) {
	f := newFakeBackend()
	k := buildReduceKernels(f)
	r := NewReducer(f, k)

	n := 300
	data := make([]float32, n)
	for i := range data {
		data[i] = float32(i%7) - 3
	}
	in, _ := f.CreateBuffer(n * 4)
	f.Upload(in, 0, data)
	scratchA, _ := f.CreateBuffer(n * 4)
	scratchB, _ := f.CreateBuffer(n * 4)

	out, err := r.SumOfSquares(in, n, scratchA, scratchB)
	if err != nil {
		t.Fatalf("SumOfSquares: %v", err)
	}
	var got [1]float32
	f.Download(out, 0, got[:])

	squares := make([]float32, n)
	for i, v := range data {
		squares[i] = v * v
	}
	want := refcpu.PairwiseSum(squares)
	if got[0] != want {
		t.Errorf("SumOfSquares = %v, want %v (pairwise oracle over squares)", got[0], want)
	}
}

func TestReducerMaxMatchesPairwiseOracle(t *testing.T) {
	f := newFakeBackend()
	k := buildReduceKernels(f)
	r := NewReducer(f, k)

	data := []float32{3, 1, 4, 1, 5, 9, 2, 6}
	in, _ := f.CreateBuffer(len(data) * 4)
	f.Upload(in, 0, data)
	scratchA, _ := f.CreateBuffer(len(data) * 4)
	scratchB, _ := f.CreateBuffer(len(data) * 4)

	out, err := r.Max(in, 1, len(data), scratchA, scratchB)
	if err != nil {
		t.Fatalf("Max: %v", err)
	}
	var got [1]float32
	f.Download(out, 0, got[:])

	want := refcpu.PairwiseMax(data)
	if got[0] != want {
		t.Errorf("Max = %v, want %v (refcpu.PairwiseMax)", got[0], want)
	}
}

func TestReducerArgmaxMatchesLinearScan(t *testing.T) {
	f := newFakeBackend()
	k := buildReduceKernels(f)
	r := NewReducer(f, k)

	data := []float32{0.1, 0.9, 0.4, 0.9, 0.2}
	values, _ := f.CreateBuffer(len(data) * 4)
	f.Upload(values, 0, data)

	idxSeed, _ := f.CreateBuffer(len(data) * 4)
	valA, _ := f.CreateBuffer(len(data) * 4)
	valB, _ := f.CreateBuffer(len(data) * 4)
	idxA, _ := f.CreateBuffer(len(data) * 4)
	idxB, _ := f.CreateBuffer(len(data) * 4)

	out, err := r.Argmax(values, len(data), idxSeed, valA, valB, idxA, idxB)
	if err != nil {
		t.Fatalf("Argmax: %v", err)
	}
	var got [1]float32
	f.Download(out, 0, got[:])

	want := refcpu.Argmax(data)
	if int(got[0]) != want {
		t.Errorf("Argmax = %v, want %v (left-tie-wins linear scan)", got[0], want)
	}
}

func TestSoftmaxRowsSumToOne(t *testing.T) {
	f := newFakeBackend()
	k := buildReduceKernels(f)
	r := NewReducer(f, k)

	rows, insize := 2, 5
	data := []float32{1, 2, 3, 4, 5, -1, 0, 1, 2, 10}
	a, _ := f.CreateBuffer(len(data) * 4)
	f.Upload(a, 0, data)
	s1, _ := f.CreateBuffer(len(data) * 4)
	s2, _ := f.CreateBuffer(len(data) * 4)
	s3, _ := f.CreateBuffer(len(data) * 4)

	if err := r.Softmax(a, rows, insize, s1, s2, s3); err != nil {
		t.Fatalf("Softmax: %v", err)
	}

	got := make([]float32, len(data))
	f.Download(a, 0, got)

	for row := 0; row < rows; row++ {
		rowData := append([]float32(nil), data[row*insize:(row+1)*insize]...)
		refcpu.Softmax(rowData)

		var sum float32
		for col := 0; col < insize; col++ {
			v := got[row*insize+col]
			sum += v
			diff := v - rowData[col]
			if diff < 0 {
				diff = -diff
			}
			if diff > 1e-5 {
				t.Errorf("row %d col %d: got %v, want %v (refcpu.Softmax)", row, col, v, rowData[col])
			}
		}
		if diff := sum - 1; diff < -1e-4 || diff > 1e-4 {
			t.Errorf("row %d: softmax sums to %v, want 1", row, sum)
		}
	}
}

// TestSoftmaxRowsSumToOneLongRow uses a row length well past one
// localSize2D=8 workgroup's span (shape0 = ceil(37/2) = 19 needs three
// dispatch groups along x), the regime where an exp-and-sum kernel
// that exponentiates a linear `col` index instead of its own pair
// (2*col, 2*col+1) silently leaves the back half of every row raw,
// exactly the case an attention softmax hits once pos grows past the
// first ~15 tokens.
func TestSoftmaxRowsSumToOneLongRow(t *testing.T) {
	f := newFakeBackend()
	k := buildReduceKernels(f)
	r := NewReducer(f, k)

	rows, insize := 3, 37
	data := make([]float32, rows*insize)
	for row := 0; row < rows; row++ {
		for col := 0; col < insize; col++ {
			data[row*insize+col] = float32(row) - float32(col)*0.3
		}
	}
	a, _ := f.CreateBuffer(len(data) * 4)
	f.Upload(a, 0, data)
	s1, _ := f.CreateBuffer(len(data) * 4)
	s2, _ := f.CreateBuffer(len(data) * 4)
	s3, _ := f.CreateBuffer(len(data) * 4)

	if err := r.Softmax(a, rows, insize, s1, s2, s3); err != nil {
		t.Fatalf("Softmax: %v", err)
	}

	got := make([]float32, len(data))
	f.Download(a, 0, got)

	for row := 0; row < rows; row++ {
		rowData := append([]float32(nil), data[row*insize:(row+1)*insize]...)
		refcpu.Softmax(rowData)

		var sum float32
		for col := 0; col < insize; col++ {
			v := got[row*insize+col]
			sum += v
			if v < 0 {
				t.Errorf("row %d col %d: got negative probability %v", row, col, v)
			}
			diff := v - rowData[col]
			if diff < 0 {
				diff = -diff
			}
			if diff > 1e-5 {
				t.Errorf("row %d col %d: got %v, want %v (refcpu.Softmax)", row, col, v, rowData[col])
			}
		}
		if diff := sum - 1; diff < -1e-4 || diff > 1e-4 {
			t.Errorf("row %d: softmax sums to %v, want 1", row, sum)
		}
	}
}
