package gpu

import (
	"fmt"

	"github.com/cgoxopx/llama2.c/internal/checkpoint"
)

// WeightBuffers holds one immutable GPU storage buffer per weight
// tensor, uploaded once at startup. token_embedding_table is
// deliberately absent: it stays host-resident for cheap embedding
// lookup by row copy.
type WeightBuffers struct {
	RMSAttWeight Buffer
	WQ, WK, WV   Buffer
	WO           Buffer
	RMSFFNWeight Buffer
	W1, W3       Buffer
	W2           Buffer
	RMSFinal     Buffer
	FreqCisReal  Buffer
	FreqCisImag  Buffer
	WCls         Buffer
}

// UploadWeights allocates one static buffer per tensor and uploads it
// in full. Called once at startup, after which the checkpoint's memory
// map may be released.
func UploadWeights(backend Backend, w checkpoint.Weights) (*WeightBuffers, error) {
	wb := &WeightBuffers{}
	tensors := []struct {
		name string
		data []float32
		dst  *Buffer
	}{
		{"rms_att_weight", w.RMSAttWeight, &wb.RMSAttWeight},
		{"wq", w.WQ, &wb.WQ},
		{"wk", w.WK, &wb.WK},
		{"wv", w.WV, &wb.WV},
		{"wo", w.WO, &wb.WO},
		{"rms_ffn_weight", w.RMSFFNWeight, &wb.RMSFFNWeight},
		{"w1", w.W1, &wb.W1},
		{"w3", w.W3, &wb.W3},
		{"w2", w.W2, &wb.W2},
		{"rms_final_weight", w.RMSFinal, &wb.RMSFinal},
		{"freq_cis_real", w.FreqCisReal, &wb.FreqCisReal},
		{"freq_cis_imag", w.FreqCisImag, &wb.FreqCisImag},
	}

	for _, t := range tensors {
		buf, err := backend.CreateBuffer(len(t.data) * 4)
		if err != nil {
			return nil, fmt.Errorf("gpu: allocate %s: %w", t.name, err)
		}
		if err := backend.Upload(buf, 0, t.data); err != nil {
			return nil, fmt.Errorf("gpu: upload %s: %w", t.name, err)
		}
		*t.dst = buf
	}

	if w.WCls != nil && len(w.WCls) > 0 {
		// Shared-weights checkpoints alias WCls to TokenEmbedding host
		// side (checkpoint.Open), but the classifier matmul still
		// needs a GPU buffer; re-upload under its own handle rather
		// than aliasing two GPU buffers.
		buf, err := backend.CreateBuffer(len(w.WCls) * 4)
		if err != nil {
			return nil, fmt.Errorf("gpu: allocate wcls: %w", err)
		}
		if err := backend.Upload(buf, 0, w.WCls); err != nil {
			return nil, fmt.Errorf("gpu: upload wcls: %w", err)
		}
		wb.WCls = buf
	}

	return wb, nil
}

// Close frees every weight buffer.
func (wb *WeightBuffers) Close(backend Backend) error {
	var first error
	for _, b := range []Buffer{
		wb.RMSAttWeight, wb.WQ, wb.WK, wb.WV, wb.WO, wb.RMSFFNWeight,
		wb.W1, wb.W3, wb.W2, wb.RMSFinal, wb.FreqCisReal, wb.FreqCisImag, wb.WCls,
	} {
		if !b.Valid() {
			continue
		}
		if err := backend.FreeBuffer(b); err != nil && first == nil {
			first = err
		}
	}
	return first
}
