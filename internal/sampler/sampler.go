// Package sampler implements the three token-selection strategies:
// greedy argmax, temperature-scaled multinomial draw, and nucleus
// (top-p) sampling.
package sampler

import (
	"fmt"
	"math"
	"sort"

	"github.com/cgoxopx/llama2.c/internal/gpu"
	"github.com/cgoxopx/llama2.c/internal/rng"
)

// Sampler drives the logits buffer produced by one Transformer.Step
// call into a next-token id, using whichever strategy the CLI
// configured.
type Sampler struct {
	t           *gpu.Transformer
	vocabSize   int
	temperature float32
	topP        float32
	rng         *rng.State

	// host scratch, reused across calls to avoid per-step allocation.
	logits    []float32
	probIndex []ProbIndex
}

// New builds a Sampler bound to one Transformer's logits buffer.
// temperature == 0 selects greedy argmax regardless of topP.
func New(t *gpu.Transformer, vocabSize int, temperature, topP float32, seed uint64) *Sampler {
	return &Sampler{
		t:           t,
		vocabSize:   vocabSize,
		temperature: temperature,
		topP:        topP,
		rng:         rng.NewState(seed),
		logits:      make([]float32, vocabSize),
		probIndex:   make([]ProbIndex, 0, vocabSize),
	}
}

// Next reads the Transformer's current logits and returns the sampled
// token id.
func (s *Sampler) Next() (int, error) {
	if s.temperature == 0 {
		return s.greedy()
	}

	// Temperature scale and softmax both run in place on the GPU over
	// a single vocab_size row; only the finished probabilities come
	// back to the host. The download blocks until every prior dispatch
	// has completed.
	if err := s.t.ScaleLogits(s.temperature); err != nil {
		return 0, fmt.Errorf("sampler: scale logits: %w", err)
	}
	run := s.t.Run
	logits := run.Get(gpu.RoleLogits)
	if err := s.t.Reduce.Softmax(logits, 1, s.vocabSize,
		run.Get(gpu.RoleMul1), run.Get(gpu.RoleMul2), run.Get(gpu.RoleMul3)); err != nil {
		return 0, fmt.Errorf("sampler: softmax logits: %w", err)
	}
	if err := s.t.Backend.Download(logits, 0, s.logits); err != nil {
		return 0, fmt.Errorf("sampler: download probabilities: %w", err)
	}

	if s.topP <= 0 || s.topP >= 1 {
		return s.multinomial(s.logits), nil
	}
	return s.topPSample(s.logits), nil
}

// greedy runs the reduction entirely on the GPU: argmax over the
// logits buffer, then a single-element readback of the surviving
// index buffer.
func (s *Sampler) greedy() (int, error) {
	run := s.t.Run
	idxBuf, err := s.t.Reduce.Argmax(
		run.Get(gpu.RoleLogits), s.vocabSize,
		run.Get(gpu.RoleMul3), // idxSeed
		run.Get(gpu.RoleMul1), // valScratchA
		run.Get(gpu.RoleMul2), // valScratchB
		run.Get(gpu.RoleMul4), // idxScratchA
		run.Get(gpu.RoleMul3), // idxScratchB
	)
	if err != nil {
		return 0, fmt.Errorf("sampler: greedy argmax: %w", err)
	}

	return downloadUint32(s.t.Backend, idxBuf)
}

// downloadUint32 reads a single uint32 index out of a Buffer that was
// written as raw uint32 words (the argmax index buffers), not float32.
// Backend.Download works in float32-sized units; the one word read
// back is reinterpreted bit-for-bit rather than converted.
func downloadUint32(backend gpu.Backend, b gpu.Buffer) (int, error) {
	var f [1]float32
	if err := backend.Download(b, 0, f[:]); err != nil {
		return 0, fmt.Errorf("sampler: download argmax index: %w", err)
	}
	return int(math.Float32bits(f[0])), nil
}

func (s *Sampler) multinomial(probs []float32) int {
	target := s.rng.Float32()
	var cdf float32
	for i, p := range probs {
		cdf += p
		if cdf > target {
			return i
		}
	}
	return len(probs) - 1
}

// ProbIndex pairs a probability with its original vocabulary index, for
// the host-side descending sort top-p needs before truncating the
// nucleus.
type ProbIndex struct {
	Prob  float32
	Index int
}

// topPSample implements nucleus sampling: sort descending by
// probability, truncate to the smallest prefix whose cumulative
// probability exceeds topP (keeping the boundary element), then draw
// against that prefix's own cumulative mass and scan its CDF. Scaling
// the draw by the prefix mass rather than topP is what keeps the
// boundary element reachable: the mass is >= topP, and every token in
// the nucleus gets its full probability share.
//
// The CDF-scan result is authoritative; the last-index fallback fires
// only when the running CDF never exceeds the scaled draw, i.e.
// floating-point rounding left residual mass unassigned at the final
// element.
func (s *Sampler) topPSample(probs []float32) int {
	cutoff := (1.0 - s.topP) / float32(len(probs)-1)
	idx := s.probIndex[:0]
	for i, p := range probs {
		if p >= cutoff {
			idx = append(idx, ProbIndex{Prob: p, Index: i})
		}
	}
	if len(idx) == 0 {
		// cutoff excluded every element (possible only when topP is
		// vanishingly small); fall back to the single highest-prob token.
		best := 0
		for i, p := range probs {
			if p > probs[best] {
				best = i
			}
		}
		return best
	}

	sort.Slice(idx, func(i, j int) bool { return idx[i].Prob > idx[j].Prob })

	var cumulative float32
	lastIdx := len(idx) - 1
	for i, pi := range idx {
		cumulative += pi.Prob
		if cumulative > s.topP {
			lastIdx = i
			break
		}
	}

	r := s.rng.Float32() * cumulative
	var cdf float32
	for i := 0; i <= lastIdx; i++ {
		cdf += idx[i].Prob
		if r < cdf {
			return idx[i].Index
		}
	}
	return idx[lastIdx].Index
}
