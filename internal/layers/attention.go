package layers

import (
	"fmt"
	"math"

	"github.com/unixsysdev/nano-go-rope/internal/mathx"
	"github.com/unixsysdev/nano-go-rope/internal/tensor"
)

// Scores computes scaled dot-product attention logits q.k/sqrt(headDim).
// q is (batch, seqQ, heads, headDim) and k is (batch, seqK, kvHeads, headDim)
// with heads a multiple of kvHeads. The result is Float32 (batch, heads, seqQ, seqK).
func Scores(q, k *tensor.Tensor) (*tensor.Tensor, error) {
	qs, ks := q.Shape(), k.Shape()
	if len(qs) != 4 || len(ks) != 4 {
		return nil, fmt.Errorf("%w: query and key must be 4D, got %v and %v", ErrShape, qs, ks)
	}
	batch, seqQ, numHeads, headDim := qs[0], qs[1], qs[2], qs[3]
	seqK, numKVHeads := ks[1], ks[2]
	if ks[0] != batch || ks[3] != headDim {
		return nil, fmt.Errorf("%w: query %v and key %v disagree on batch or head dim", ErrShape, qs, ks)
	}
	if numHeads%numKVHeads != 0 {
		return nil, fmt.Errorf("%w: %d query heads not divisible by %d kv heads", ErrShape, numHeads, numKVHeads)
	}
	group := numHeads / numKVHeads
	scale := float32(1.0 / math.Sqrt(float64(headDim)))

	qData := q.Float32s()
	kData := k.Float32s()
	out := make([]float32, batch*numHeads*seqQ*seqK)

	qHead := make([]float32, seqQ*headDim)
	kHead := make([]float32, seqK*headDim)
	for b := 0; b < batch; b++ {
		for h := 0; h < numHeads; h++ {
			kv := h / group
			// gather one head into contiguous [seq, headDim] rows
			for t := 0; t < seqQ; t++ {
				off := ((b*seqQ+t)*numHeads + h) * headDim
				copy(qHead[t*headDim:(t+1)*headDim], qData[off:off+headDim])
			}
			for t := 0; t < seqK; t++ {
				off := ((b*seqK+t)*numKVHeads + kv) * headDim
				copy(kHead[t*headDim:(t+1)*headDim], kData[off:off+headDim])
			}
			cOff := (b*numHeads + h) * seqQ * seqK
			mathx.GemmNT(scale, qHead, seqQ, headDim, kHead, seqK, headDim, 0, out[cOff:cOff+seqQ*seqK])
		}
	}

	return tensor.FromFloat32([]int{batch, numHeads, seqQ, seqK}, out)
}
