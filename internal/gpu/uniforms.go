package gpu

import (
	"encoding/binary"
	"math"
)

// Uniform blobs are packed little-endian, matching each kernel's
// std140 uniform block field order in kernels.go. std140 rounds every
// scalar up to 4 bytes, so a flat sequence of uint32/float32 words is
// sufficient; none of these blocks contain vec/mat members that would
// need 16-byte alignment padding.

func packU32(vals ...uint32) []byte {
	b := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(b[i*4:], v)
	}
	return b
}

func matmulUniforms(d, n, xOffset, wOffset int) []byte {
	return packU32(uint32(d), uint32(n), uint32(xOffset), uint32(wOffset))
}

func squaresAndSumUniforms(insize int) []byte {
	return packU32(uint32(insize))
}

func reduceUniforms(insize, shape0, rows int) []byte {
	return packU32(uint32(insize), uint32(shape0), uint32(rows))
}

// softmaxNormalizeUniforms packs kernelSoftmaxNormalize's own two-field
// uniform block. It must not be packed with reduceUniforms: that
// function's three-word layout would put shape0 in the slot this
// kernel reads as rows.
func softmaxNormalizeUniforms(shape0, rows int) []byte {
	return packU32(uint32(shape0), uint32(rows))
}

func argmaxSetIndexUniforms(insize int) []byte {
	return packU32(uint32(insize))
}

func argmaxUniforms(insize, shape0 int) []byte {
	return packU32(uint32(insize), uint32(shape0))
}

func rmsnormScaleUniforms(size, weightOffset int) []byte {
	return packU32(uint32(size), uint32(weightOffset))
}

func accumUniforms(n int) []byte {
	return packU32(uint32(n))
}

func ropeUniforms(pos, dim, headSize, freqCisIdxDelta int) []byte {
	return packU32(uint32(pos), uint32(dim), uint32(headSize), uint32(freqCisIdxDelta))
}

func attnScoreUniforms(seqLen, pos, headSize, dim, layerIdx, nHeads int) []byte {
	return packU32(uint32(seqLen), uint32(pos), uint32(headSize), uint32(dim), uint32(layerIdx), uint32(nHeads))
}

func attnMatUniforms(seqLen, pos, headSize, dim, layerIdx, nHeads int) []byte {
	return packU32(uint32(seqLen), uint32(pos), uint32(headSize), uint32(dim), uint32(layerIdx), uint32(nHeads))
}

func softmaxRepackUniforms(seqLen, pos, nHeads int) []byte {
	return packU32(uint32(seqLen), uint32(pos), uint32(nHeads))
}

func temperatureUniforms(n int, temperature float32) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint32(b[0:4], uint32(n))
	binary.LittleEndian.PutUint32(b[4:8], math.Float32bits(temperature))
	return b
}
