package gpu

import (
	"fmt"

	"github.com/cgoxopx/llama2.c/internal/checkpoint"
)

// Transformer owns every GPU resource needed for one inference session:
// the compiled kernel set, the RunState buffer registry, the uploaded
// weight buffers, and the reduction driver.
type Transformer struct {
	Backend Backend
	Config  checkpoint.Config
	Kernels *Kernels
	Weights *WeightBuffers
	Run     *BufferSet
	Reduce  *Reducer

	// TokenEmbedding is the host-resident embedding table; Step
	// copies one row from here into the GPU x buffer.
	TokenEmbedding []float32
}

// NewTransformer compiles every kernel, uploads every weight tensor,
// and allocates the RunState buffers. The checkpoint's memory map may
// be released by the caller once this returns successfully.
func NewTransformer(backend Backend, cfg checkpoint.Config, w checkpoint.Weights) (*Transformer, error) {
	if err := backend.Init(); err != nil {
		return nil, fmt.Errorf("gpu: init backend: %w", err)
	}

	kernels, err := CompileAll(backend)
	if err != nil {
		backend.Close()
		return nil, fmt.Errorf("gpu: compile kernels: %w", err)
	}

	wb, err := UploadWeights(backend, w)
	if err != nil {
		backend.Close()
		return nil, err
	}

	sizes := BufferSizes(cfg.Dim, cfg.HiddenDim, cfg.NHeads, cfg.NLayers, cfg.SeqLen, cfg.VocabSize)
	run, err := NewBufferSet(backend, sizes)
	if err != nil {
		wb.Close(backend)
		backend.Close()
		return nil, err
	}

	return &Transformer{
		Backend:        backend,
		Config:         cfg,
		Kernels:        kernels,
		Weights:        wb,
		Run:            run,
		Reduce:         NewReducer(backend, kernels),
		TokenEmbedding: w.TokenEmbedding,
	}, nil
}

// Close releases every GPU resource in reverse acquisition order.
func (t *Transformer) Close() error {
	var first error
	if t.Run != nil {
		if err := t.Run.Close(); err != nil && first == nil {
			first = err
		}
	}
	if t.Weights != nil {
		if err := t.Weights.Close(t.Backend); err != nil && first == nil {
			first = err
		}
	}
	if err := t.Backend.Close(); err != nil && first == nil {
		first = err
	}
	return first
}

func (t *Transformer) rmsnorm(out, in, weight Buffer, size, weightOffset int, inPlace bool) error {
	ssBuf, err := t.Reduce.SumOfSquares(in, size, t.Run.Get(RoleMul1), t.Run.Get(RoleMul2))
	if err != nil {
		return err
	}

	prog := t.Kernels.RMSNormNormalizeAndScale
	if inPlace {
		prog = t.Kernels.RMSNormNormalizeAndScaleInPlace
	}
	if err := t.Backend.Bind(prog, 0, ssBuf); err != nil {
		return err
	}
	if err := t.Backend.Bind(prog, 1, weight); err != nil {
		return err
	}
	if err := t.Backend.Bind(prog, 2, in); err != nil {
		return err
	}
	if !inPlace {
		if err := t.Backend.Bind(prog, 3, out); err != nil {
			return err
		}
	}
	gx := uint32(ceilDiv(size, localSize1D))
	if err := t.Backend.Dispatch(prog, gx, 1, 1, rmsnormScaleUniforms(size, weightOffset)); err != nil {
		return err
	}
	return t.Backend.Barrier()
}

// matmul computes out[i] = sum_j weight[i*n + j + wOffset] * in[j + xOffset]
// for i in [0, d): n is the input length, d the output length.
func (t *Transformer) matmul(out, in, weight Buffer, n, d, xOffset, wOffset int) error {
	if err := t.Backend.Bind(t.Kernels.Matmul, 0, in); err != nil {
		return err
	}
	if err := t.Backend.Bind(t.Kernels.Matmul, 1, weight); err != nil {
		return err
	}
	if err := t.Backend.Bind(t.Kernels.Matmul, 2, out); err != nil {
		return err
	}
	gx := uint32(ceilDiv(d, localSize1D))
	if err := t.Backend.Dispatch(t.Kernels.Matmul, gx, 1, 1, matmulUniforms(d, n, xOffset, wOffset)); err != nil {
		return err
	}
	return t.Backend.Barrier()
}

func (t *Transformer) accum(a, b Buffer, n int) error {
	if err := t.Backend.Bind(t.Kernels.Accum, 0, a); err != nil {
		return err
	}
	if err := t.Backend.Bind(t.Kernels.Accum, 1, b); err != nil {
		return err
	}
	gx := uint32(ceilDiv(n, localSize1D))
	if err := t.Backend.Dispatch(t.Kernels.Accum, gx, 1, 1, accumUniforms(n)); err != nil {
		return err
	}
	return t.Backend.Barrier()
}

// ScaleLogits divides Run.Get(RoleLogits) by temperature in place on
// the GPU. Called by the sampler before its softmax for
// multinomial/top-p sampling; greedy sampling (temperature == 0)
// never calls this.
func (t *Transformer) ScaleLogits(temperature float32) error {
	logits := t.Run.Get(RoleLogits)
	if err := t.Backend.Bind(t.Kernels.Temperature, 0, logits); err != nil {
		return err
	}
	gx := uint32(ceilDiv(t.Config.VocabSize, localSize1D))
	if err := t.Backend.Dispatch(t.Kernels.Temperature, gx, 1, 1, temperatureUniforms(t.Config.VocabSize, temperature)); err != nil {
		return err
	}
	return t.Backend.Barrier()
}

// Step runs one forward pass for `token` at position `pos`. After it
// returns, Run.Get(RoleLogits) holds the vocab_size logits for the
// sampler, and key_cache/value_cache hold this position's K/V
// projections for every layer.
func (t *Transformer) Step(token, pos int) error {
	c := t.Config
	x := t.Run.Get(RoleX)
	xb := t.Run.Get(RoleXB)
	xb2 := t.Run.Get(RoleXB2)
	hb := t.Run.Get(RoleHB)
	hb2 := t.Run.Get(RoleHB2)
	q := t.Run.Get(RoleQ)
	k := t.Run.Get(RoleK)
	v := t.Run.Get(RoleV)
	att := t.Run.Get(RoleAtt)
	logits := t.Run.Get(RoleLogits)
	keyCache := t.Run.Get(RoleKeyCache)
	valueCache := t.Run.Get(RoleValueCache)
	mul1 := t.Run.Get(RoleMul1)
	mul2 := t.Run.Get(RoleMul2)
	mul3 := t.Run.Get(RoleMul3)
	mul4 := t.Run.Get(RoleMul4)

	// 1. Embedding lookup: host-to-GPU sub-buffer update of x.
	row := t.TokenEmbedding[token*c.Dim : (token+1)*c.Dim]
	if err := t.Backend.Upload(x, 0, row); err != nil {
		return fmt.Errorf("gpu: embedding upload: %w", err)
	}

	headSize := c.HeadSize()

	for l := 0; l < c.NLayers; l++ {
		// a. pre-attention RMSNorm
		if err := t.rmsnorm(xb, x, t.Weights.RMSAttWeight, c.Dim, l*c.Dim, false); err != nil {
			return err
		}

		// b. QKV projections
		if err := t.matmul(q, xb, t.Weights.WQ, c.Dim, c.Dim, 0, l*c.Dim*c.Dim); err != nil {
			return err
		}
		if err := t.matmul(k, xb, t.Weights.WK, c.Dim, c.Dim, 0, l*c.Dim*c.Dim); err != nil {
			return err
		}
		if err := t.matmul(v, xb, t.Weights.WV, c.Dim, c.Dim, 0, l*c.Dim*c.Dim); err != nil {
			return err
		}

		// c. RoPE, with Q and K on distinct binding slots.
		freqCisIdxDelta := pos * (headSize / 2)
		if err := t.Backend.Bind(t.Kernels.PositionalEncoding, 0, t.Weights.FreqCisReal); err != nil {
			return err
		}
		if err := t.Backend.Bind(t.Kernels.PositionalEncoding, 1, t.Weights.FreqCisImag); err != nil {
			return err
		}
		if err := t.Backend.Bind(t.Kernels.PositionalEncoding, 2, q); err != nil {
			return err
		}
		if err := t.Backend.Bind(t.Kernels.PositionalEncoding, 3, k); err != nil {
			return err
		}
		gx := uint32(ceilDiv(c.Dim/2, localSize1D))
		if err := t.Backend.Dispatch(t.Kernels.PositionalEncoding, gx, 1, 1,
			ropeUniforms(pos, c.Dim, headSize, freqCisIdxDelta)); err != nil {
			return err
		}
		if err := t.Backend.Barrier(); err != nil {
			return err
		}

		// d. KV-cache write, GPU-to-GPU, no host round trip.
		cacheOffsetBytes := (l*c.SeqLen*c.Dim + pos*c.Dim) * 4
		if err := t.Backend.CopyBuffer(keyCache, cacheOffsetBytes, k, 0, c.Dim*4); err != nil {
			return err
		}
		if err := t.Backend.CopyBuffer(valueCache, cacheOffsetBytes, v, 0, c.Dim*4); err != nil {
			return err
		}

		// e. attention scores
		if err := t.Backend.Bind(t.Kernels.TransformerGetQueryVector, 0, q); err != nil {
			return err
		}
		if err := t.Backend.Bind(t.Kernels.TransformerGetQueryVector, 1, keyCache); err != nil {
			return err
		}
		if err := t.Backend.Bind(t.Kernels.TransformerGetQueryVector, 2, att); err != nil {
			return err
		}
		gx = uint32(ceilDiv(c.NHeads, localSize2D))
		gy := uint32(ceilDiv(pos+1, localSize2D))
		if err := t.Backend.Dispatch(t.Kernels.TransformerGetQueryVector, gx, gy, 1,
			attnScoreUniforms(c.SeqLen, pos, headSize, c.Dim, l, c.NHeads)); err != nil {
			return err
		}
		if err := t.Backend.Barrier(); err != nil {
			return err
		}

		// f. softmax att along time, per head, over pos+1: repack
		// into mul1 (tightly packed n_heads x (pos+1)), run the
		// generic softmax, unpack back into att.
		if err := t.Backend.Bind(t.Kernels.TransformerSoftmaxInput, 0, att); err != nil {
			return err
		}
		if err := t.Backend.Bind(t.Kernels.TransformerSoftmaxInput, 1, mul1); err != nil {
			return err
		}
		gx = uint32(ceilDiv(c.NHeads, localSize2D))
		gy = uint32(ceilDiv(pos+1, localSize2D))
		if err := t.Backend.Dispatch(t.Kernels.TransformerSoftmaxInput, gx, gy, 1,
			softmaxRepackUniforms(c.SeqLen, pos, c.NHeads)); err != nil {
			return err
		}
		if err := t.Backend.Barrier(); err != nil {
			return err
		}
		if err := t.Reduce.Softmax(mul1, c.NHeads, pos+1, mul2, mul3, mul4); err != nil {
			return err
		}
		if err := t.Backend.Bind(t.Kernels.TransformerSoftmaxOutput, 0, mul1); err != nil {
			return err
		}
		if err := t.Backend.Bind(t.Kernels.TransformerSoftmaxOutput, 1, att); err != nil {
			return err
		}
		if err := t.Backend.Dispatch(t.Kernels.TransformerSoftmaxOutput, gx, gy, 1,
			softmaxRepackUniforms(c.SeqLen, pos, c.NHeads)); err != nil {
			return err
		}
		if err := t.Backend.Barrier(); err != nil {
			return err
		}

		// g. build attMat (n_heads, head_size, pos+1) in mul2, then
		// sum-reduce the contiguous last axis into xb.
		attMat := mul2
		if err := t.Backend.Bind(t.Kernels.TransformerBuildAttMat, 0, valueCache); err != nil {
			return err
		}
		if err := t.Backend.Bind(t.Kernels.TransformerBuildAttMat, 1, att); err != nil {
			return err
		}
		if err := t.Backend.Bind(t.Kernels.TransformerBuildAttMat, 2, attMat); err != nil {
			return err
		}
		gxh := uint32(ceilDiv(c.NHeads, 4))
		gyi := uint32(ceilDiv(headSize, 4))
		gzt := uint32(ceilDiv(pos+1, 4))
		if err := t.Backend.Dispatch(t.Kernels.TransformerBuildAttMat, gxh, gyi, gzt,
			attnMatUniforms(c.SeqLen, pos, headSize, c.Dim, l, c.NHeads)); err != nil {
			return err
		}
		if err := t.Backend.Barrier(); err != nil {
			return err
		}
		xbFlat, err := t.Reduce.Sum(attMat, c.NHeads*headSize, pos+1, mul3, mul4)
		if err != nil {
			return err
		}
		if err := t.Backend.CopyBuffer(xb, 0, xbFlat, 0, c.Dim*4); err != nil {
			return err
		}

		// h. output projection
		if err := t.matmul(xb2, xb, t.Weights.WO, c.Dim, c.Dim, 0, l*c.Dim*c.Dim); err != nil {
			return err
		}
		// i. residual
		if err := t.accum(x, xb2, c.Dim); err != nil {
			return err
		}

		// j. pre-FFN RMSNorm
		if err := t.rmsnorm(xb, x, t.Weights.RMSFFNWeight, c.Dim, l*c.Dim, false); err != nil {
			return err
		}

		// k. SwiGLU projections
		if err := t.matmul(hb, xb, t.Weights.W1, c.Dim, c.HiddenDim, 0, l*c.Dim*c.HiddenDim); err != nil {
			return err
		}
		if err := t.matmul(hb2, xb, t.Weights.W3, c.Dim, c.HiddenDim, 0, l*c.Dim*c.HiddenDim); err != nil {
			return err
		}

		// l. SwiGLU fuse
		if err := t.Backend.Bind(t.Kernels.TransformerSiluAndMulW3, 0, hb); err != nil {
			return err
		}
		if err := t.Backend.Bind(t.Kernels.TransformerSiluAndMulW3, 1, hb2); err != nil {
			return err
		}
		gx = uint32(ceilDiv(c.HiddenDim, localSize1D))
		if err := t.Backend.Dispatch(t.Kernels.TransformerSiluAndMulW3, gx, 1, 1, accumUniforms(c.HiddenDim)); err != nil {
			return err
		}
		if err := t.Backend.Barrier(); err != nil {
			return err
		}

		// m. down projection
		if err := t.matmul(xb, hb, t.Weights.W2, c.HiddenDim, c.Dim, 0, l*c.Dim*c.HiddenDim); err != nil {
			return err
		}
		// n. residual
		if err := t.accum(x, xb, c.Dim); err != nil {
			return err
		}
	}

	// 3. final RMSNorm, in place.
	if err := t.rmsnorm(x, x, t.Weights.RMSFinal, c.Dim, 0, true); err != nil {
		return err
	}

	// 4. classifier
	wcls := t.Weights.WCls
	if err := t.matmul(logits, x, wcls, c.Dim, c.VocabSize, 0, 0); err != nil {
		return err
	}

	return nil
}
