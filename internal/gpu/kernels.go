package gpu

// Kernel source. Every shader is GLSL ES 3.20 compute, compiled once at
// startup by the gles backend (or translated to SPIR-V once by the
// vulkan backend's shaderc step) and retained as a Program for the
// life of the process.
//
// Each shader masks invocations past its logical extent with an early
// return, so dispatch group counts can be rounded up freely.
//
// All storage buffers use layout(std430, binding=N); uniforms arrive
// as a single std140 uniform block at a fixed binding reserved by the
// backend (see UniformBinding in backend.go), packed host-side by the
// matching *Uniforms function in uniforms.go.

const glslVersion = "#version 320 es\n"

const kernelMatmul = glslVersion + `
layout(local_size_x = 64) in;
layout(std430, binding = 0) readonly buffer X    { float x[]; };
layout(std430, binding = 1) readonly buffer W    { float w[]; };
layout(std430, binding = 2) writeonly buffer Out { float xout[]; };
layout(std140, binding = 8) uniform U {
    uint d, n, x_offset, w_offset;
} u;

void main() {
    uint i = gl_GlobalInvocationID.x;
    if (i >= u.d) return;
    float sum = 0.0;
    uint rowBase = i * u.n + u.w_offset;
    for (uint j = 0u; j < u.n; j++) {
        sum += w[rowBase + j] * x[j + u.x_offset];
    }
    xout[i] = sum;
}
`

const kernelRMSNormSquaresAndSum = glslVersion + `
layout(local_size_x = 64) in;
layout(std430, binding = 0) readonly buffer In  { float data[]; };
layout(std430, binding = 1) writeonly buffer Out { float out_[]; };
layout(std140, binding = 8) uniform U { uint insize; } u;

void main() {
    uint i = gl_GlobalInvocationID.x;
    uint outSize = (u.insize + 1u) / 2u;
    if (i >= outSize) return;
    uint a = 2u * i, b = 2u * i + 1u;
    float va = data[a] * data[a];
    float vb = (b < u.insize) ? data[b] * data[b] : 0.0;
    out_[i] = va + vb;
}
`

const kernelSum = glslVersion + `
layout(local_size_x = 8, local_size_y = 8) in;
layout(std430, binding = 0) readonly buffer In  { float data[]; };
layout(std430, binding = 1) writeonly buffer Out { float out_[]; };
layout(std140, binding = 8) uniform U { uint insize, shape0, rows; } u;

void main() {
    uint col = gl_GlobalInvocationID.x;
    uint row = gl_GlobalInvocationID.y;
    if (col >= u.shape0 || row >= u.rows) return;
    uint a = 2u * col, b = 2u * col + 1u;
    uint base = row * u.insize;
    uint outBase = row * u.shape0;
    float va = data[base + a];
    float vb = (b < u.insize) ? data[base + b] : 0.0;
    out_[outBase + col] = va + vb;
}
`

const kernelMax = glslVersion + `
layout(local_size_x = 8, local_size_y = 8) in;
layout(std430, binding = 0) readonly buffer In  { float data[]; };
layout(std430, binding = 1) writeonly buffer Out { float out_[]; };
layout(std140, binding = 8) uniform U { uint insize, shape0, rows; } u;

void main() {
    uint col = gl_GlobalInvocationID.x;
    uint row = gl_GlobalInvocationID.y;
    if (col >= u.shape0 || row >= u.rows) return;
    uint a = 2u * col, b = 2u * col + 1u;
    uint base = row * u.insize;
    uint outBase = row * u.shape0;
    float va = data[base + a];
    float vb = (b < u.insize) ? data[base + b] : va;
    out_[outBase + col] = max(va, vb);
}
`

const kernelArgmaxSetIndex = glslVersion + `
layout(local_size_x = 64) in;
layout(std430, binding = 0) readonly buffer Values { float values[]; };
layout(std430, binding = 1) writeonly buffer Index { uint index[]; };
layout(std140, binding = 8) uniform U { uint insize; } u;

void main() {
    uint i = gl_GlobalInvocationID.x;
    if (i >= u.insize) return;
    index[i] = i;
}
`

// argmax: left wins on equal, same tie rule as a linear left-to-right scan.
const kernelArgmax = glslVersion + `
layout(local_size_x = 64) in;
layout(std430, binding = 0) readonly buffer Values     { float values[]; };
layout(std430, binding = 1) readonly buffer Indices    { uint indices[]; };
layout(std430, binding = 2) writeonly buffer ValuesOut { float valuesNext[]; };
layout(std430, binding = 3) writeonly buffer IndexOut  { uint indicesNext[]; };
layout(std140, binding = 8) uniform U { uint insize, shape0; } u;

void main() {
    uint i = gl_GlobalInvocationID.x;
    if (i >= u.shape0) return;
    uint a = 2u * i, b = 2u * i + 1u;
    if (b >= u.insize) {
        valuesNext[i] = values[a];
        indicesNext[i] = indices[a];
        return;
    }
    if (values[a] >= values[b]) {
        valuesNext[i] = values[a];
        indicesNext[i] = indices[a];
    } else {
        valuesNext[i] = values[b];
        indicesNext[i] = indices[b];
    }
}
`

const kernelSoftmaxExpAndSum = glslVersion + `
layout(local_size_x = 8, local_size_y = 8) in;
layout(std430, binding = 0) buffer A        { float a[]; };
layout(std430, binding = 1) readonly buffer MaxVal { float maxVal[]; };
layout(std430, binding = 2) writeonly buffer Out   { float out_[]; };
layout(std140, binding = 8) uniform U { uint insize, shape0, rows; } u;

void main() {
    uint col = gl_GlobalInvocationID.x;
    uint row = gl_GlobalInvocationID.y;
    if (col >= u.shape0 || row >= u.rows) return;
    uint base = row * u.insize;
    uint x0 = 2u * col, x1 = 2u * col + 1u;
    float va = exp(a[base + x0] - maxVal[row]);
    a[base + x0] = va;
    float vb = 0.0;
    if (x1 < u.insize) {
        vb = exp(a[base + x1] - maxVal[row]);
        a[base + x1] = vb;
    }
    out_[row * u.shape0 + col] = va + vb;
}
`

const kernelSoftmaxNormalize = glslVersion + `
layout(local_size_x = 8, local_size_y = 8) in;
layout(std430, binding = 0) readonly buffer Sum    { float sum[]; };
layout(std430, binding = 1) readonly buffer MaxVal { float maxVal[]; };
layout(std430, binding = 2) buffer X               { float x[]; };
layout(std140, binding = 8) uniform U { uint shape0, rows; } u;

void main() {
    uint col = gl_GlobalInvocationID.x;
    uint row = gl_GlobalInvocationID.y;
    if (col >= u.shape0 || row >= u.rows) return;
    x[row * u.shape0 + col] /= sum[row];
}
`

const kernelRMSNormNormalizeAndScale = glslVersion + `
layout(local_size_x = 64) in;
layout(std430, binding = 0) readonly buffer SS     { float ss[]; };
layout(std430, binding = 1) readonly buffer Weight { float weight[]; };
layout(std430, binding = 2) readonly buffer X      { float x[]; };
layout(std430, binding = 3) writeonly buffer O     { float o[]; };
layout(std140, binding = 8) uniform U { uint size, weight_offset; } u;

void main() {
    uint i = gl_GlobalInvocationID.x;
    if (i >= u.size) return;
    float meanSq = ss[0] / float(u.size);
    float g = inversesqrt(meanSq + 1e-5);
    o[i] = weight[i + u.weight_offset] * g * x[i];
}
`

// In-place variant: o is x, declared read-write at slot 2 with no slot
// 3, and the caller binds only slots 0-2; kept as a distinct program
// (rather than branching on a uniform) since GLSL can't alias a
// readonly and a writeonly qualifier onto one binding.
const kernelRMSNormNormalizeAndScaleInPlace = glslVersion + `
layout(local_size_x = 64) in;
layout(std430, binding = 0) readonly buffer SS     { float ss[]; };
layout(std430, binding = 1) readonly buffer Weight { float weight[]; };
layout(std430, binding = 2) buffer X               { float x[]; };
layout(std140, binding = 8) uniform U { uint size, weight_offset; } u;

void main() {
    uint i = gl_GlobalInvocationID.x;
    if (i >= u.size) return;
    float meanSq = ss[0] / float(u.size);
    float g = inversesqrt(meanSq + 1e-5);
    x[i] = weight[i + u.weight_offset] * g * x[i];
}
`

const kernelAccum = glslVersion + `
layout(local_size_x = 64) in;
layout(std430, binding = 0) buffer A { float a[]; };
layout(std430, binding = 1) readonly buffer B { float b[]; };
layout(std140, binding = 8) uniform U { uint n; } u;

void main() {
    uint i = gl_GlobalInvocationID.x;
    if (i >= u.n) return;
    a[i] += b[i];
}
`

const kernelPositionalEncoding = glslVersion + `
layout(local_size_x = 64) in;
layout(std430, binding = 0) readonly buffer FreqReal { float freqCisReal[]; };
layout(std430, binding = 1) readonly buffer FreqImag { float freqCisImag[]; };
layout(std430, binding = 2) buffer Q { float q[]; };
layout(std430, binding = 3) buffer K { float k[]; };
layout(std140, binding = 8) uniform U {
    uint pos, dim, head_size, freq_cis_idx_delta;
} u;

void main() {
    uint pairIdx = gl_GlobalInvocationID.x; // 0 .. dim/2 - 1
    if (pairIdx * 2u >= u.dim) return;
    uint i = pairIdx * 2u;
    uint tableIdx = u.freq_cis_idx_delta + (i % u.head_size) / 2u;
    float fcr = freqCisReal[tableIdx];
    float fci = freqCisImag[tableIdx];

    float q0 = q[i], q1 = q[i + 1u];
    q[i]      = q0 * fcr - q1 * fci;
    q[i + 1u] = q0 * fci + q1 * fcr;

    float k0 = k[i], k1 = k[i + 1u];
    k[i]      = k0 * fcr - k1 * fci;
    k[i + 1u] = k0 * fci + k1 * fcr;
}
`

const kernelTransformerGetQueryVector = glslVersion + `
layout(local_size_x = 8, local_size_y = 8) in;
layout(std430, binding = 0) readonly buffer Q         { float q[]; };
layout(std430, binding = 1) readonly buffer KeyCache  { float keyCache[]; };
layout(std430, binding = 2) writeonly buffer Att      { float att[]; };
layout(std140, binding = 8) uniform U {
    uint seq_len, pos, head_size, dim, layer_idx, n_heads;
} u;

void main() {
    uint h = gl_GlobalInvocationID.x;
    uint t = gl_GlobalInvocationID.y;
    if (h >= u.n_heads || t > u.pos) return;

    uint qBase = h * u.head_size;
    uint kBase = u.layer_idx * u.seq_len * u.dim + t * u.dim + h * u.head_size;

    float dot = 0.0;
    for (uint i = 0u; i < u.head_size; i++) {
        dot += q[qBase + i] * keyCache[kBase + i];
    }
    att[h * u.seq_len + t] = dot / sqrt(float(u.head_size));
}
`

const kernelTransformerBuildAttMat = glslVersion + `
layout(local_size_x = 4, local_size_y = 4, local_size_z = 4) in;
layout(std430, binding = 0) readonly buffer ValueCache { float valueCache[]; };
layout(std430, binding = 1) readonly buffer Att        { float att[]; };
layout(std430, binding = 2) writeonly buffer AttMat    { float attMat[]; };
layout(std140, binding = 8) uniform U {
    uint seq_len, pos, head_size, dim, layer_idx, n_heads;
} u;

void main() {
    uint h = gl_GlobalInvocationID.x;
    uint i = gl_GlobalInvocationID.y;
    uint t = gl_GlobalInvocationID.z;
    uint times = u.pos + 1u;
    if (h >= u.n_heads || i >= u.head_size || t >= times) return;

    float weight = att[h * u.seq_len + t];
    float v = valueCache[u.layer_idx * u.seq_len * u.dim + t * u.dim + h * u.head_size + i];
    attMat[h * times * u.head_size + i * times + t] = weight * v;
}
`

const kernelTransformerSoftmaxInput = glslVersion + `
layout(local_size_x = 8, local_size_y = 8) in;
layout(std430, binding = 0) readonly buffer Att     { float att[]; };
layout(std430, binding = 1) writeonly buffer Packed { float packed[]; };
layout(std140, binding = 8) uniform U { uint seq_len, pos, n_heads; } u;

void main() {
    uint h = gl_GlobalInvocationID.x;
    uint t = gl_GlobalInvocationID.y;
    uint times = u.pos + 1u;
    if (h >= u.n_heads || t >= times) return;
    packed[h * times + t] = att[h * u.seq_len + t];
}
`

const kernelTransformerSoftmaxOutput = glslVersion + `
layout(local_size_x = 8, local_size_y = 8) in;
layout(std430, binding = 0) readonly buffer Packed { float packed[]; };
layout(std430, binding = 1) writeonly buffer Att    { float att[]; };
layout(std140, binding = 8) uniform U { uint seq_len, pos, n_heads; } u;

void main() {
    uint h = gl_GlobalInvocationID.x;
    uint t = gl_GlobalInvocationID.y;
    uint times = u.pos + 1u;
    if (h >= u.n_heads || t >= times) return;
    att[h * u.seq_len + t] = packed[h * times + t];
}
`

const kernelTransformerSiluAndMulW3 = glslVersion + `
layout(local_size_x = 64) in;
layout(std430, binding = 0) buffer HB       { float hb[]; };
layout(std430, binding = 1) readonly buffer HB2 { float hb2[]; };
layout(std140, binding = 8) uniform U { uint n; } u;

void main() {
    uint i = gl_GlobalInvocationID.x;
    if (i >= u.n) return;
    float v = hb[i];
    float sigmoid = 1.0 / (1.0 + exp(-v));
    hb[i] = v * sigmoid * hb2[i];
}
`

const kernelTemperature = glslVersion + `
layout(local_size_x = 64) in;
layout(std430, binding = 0) buffer Logits { float logits[]; };
layout(std140, binding = 8) uniform U { uint n; float temperature; } u;

void main() {
    uint i = gl_GlobalInvocationID.x;
    if (i >= u.n) return;
    logits[i] /= u.temperature;
}
`

// Kernels holds every compiled program, keyed by name for lookup from
// reduce.go and transformer.go.
type Kernels struct {
	Matmul                          Program
	RMSNormSquaresAndSum            Program
	Sum                             Program
	Max                             Program
	ArgmaxSetIndex                  Program
	Argmax                          Program
	SoftmaxExpAndSum                Program
	SoftmaxNormalize                Program
	RMSNormNormalizeAndScale        Program
	RMSNormNormalizeAndScaleInPlace Program
	Accum                           Program
	PositionalEncoding              Program
	TransformerGetQueryVector       Program
	TransformerBuildAttMat          Program
	TransformerSoftmaxInput         Program
	TransformerSoftmaxOutput        Program
	TransformerSiluAndMulW3         Program
	Temperature                     Program
}

// CompileAll compiles and links every kernel once. Any failure is
// fatal: the caller should abort before allocating any buffer.
func CompileAll(backend Backend) (*Kernels, error) {
	type entry struct {
		name   string
		source string
		dst    *Program
	}
	k := &Kernels{}
	entries := []entry{
		{"matmul", kernelMatmul, &k.Matmul},
		{"rmsnorm_squares_and_sum", kernelRMSNormSquaresAndSum, &k.RMSNormSquaresAndSum},
		{"sum", kernelSum, &k.Sum},
		{"max", kernelMax, &k.Max},
		{"argmax_set_index", kernelArgmaxSetIndex, &k.ArgmaxSetIndex},
		{"argmax", kernelArgmax, &k.Argmax},
		{"softmax_exp_and_sum", kernelSoftmaxExpAndSum, &k.SoftmaxExpAndSum},
		{"softmax_normalize", kernelSoftmaxNormalize, &k.SoftmaxNormalize},
		{"rmsnorm_normalize_and_scale", kernelRMSNormNormalizeAndScale, &k.RMSNormNormalizeAndScale},
		{"rmsnorm_normalize_and_scale_inplace", kernelRMSNormNormalizeAndScaleInPlace, &k.RMSNormNormalizeAndScaleInPlace},
		{"accum", kernelAccum, &k.Accum},
		{"positionalEncoding", kernelPositionalEncoding, &k.PositionalEncoding},
		{"transformer_get_query_vector", kernelTransformerGetQueryVector, &k.TransformerGetQueryVector},
		{"transformer_build_attMat", kernelTransformerBuildAttMat, &k.TransformerBuildAttMat},
		{"transformer_softmax_input", kernelTransformerSoftmaxInput, &k.TransformerSoftmaxInput},
		{"transformer_softmax_output", kernelTransformerSoftmaxOutput, &k.TransformerSoftmaxOutput},
		{"transformer_silu_and_mulW3", kernelTransformerSiluAndMulW3, &k.TransformerSiluAndMulW3},
		{"temperature", kernelTemperature, &k.Temperature},
	}
	for _, e := range entries {
		p, err := backend.CompileKernel(e.name, e.source)
		if err != nil {
			return nil, err
		}
		*e.dst = p
	}
	return k, nil
}
