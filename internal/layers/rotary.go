package layers

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/unixsysdev/nano-go-rope/internal/tensor"
)

// DefaultTheta is the base of the frequency schedule used when none is given.
const DefaultTheta = 10000.0

type rotaryOptions struct {
	offset  int
	inverse bool
}

// RotaryOption adjusts a single rotary application
type RotaryOption func(*rotaryOptions)

// WithOffset shifts every position by p, as when continuing a cached sequence.
func WithOffset(p int) RotaryOption {
	return func(o *rotaryOptions) { o.offset = p }
}

// WithInverse rotates by the negated angles, undoing a forward rotation.
func WithInverse() RotaryOption {
	return func(o *rotaryOptions) { o.inverse = true }
}

// InvFreq returns theta^(-2i/headDim) for i in [0, headDim/2).
func InvFreq(headDim int, theta float64) []float64 {
	invFreq := make([]float64, headDim/2)
	for i := range invFreq {
		invFreq[i] = 1.0 / math.Pow(theta, float64(i*2)/float64(headDim))
	}
	return invFreq
}

// Angles returns a Float64 (seqLen, headDim/2) tensor of (offset+pos)*invFreq[i].
func Angles(seqLen, headDim int, theta float64, offset int) (*tensor.Tensor, error) {
	invFreq := InvFreq(headDim, theta)
	half := len(invFreq)
	angles := make([]float64, seqLen*half)
	for pos := 0; pos < seqLen; pos++ {
		for i, f := range invFreq {
			angles[pos*half+i] = float64(offset+pos) * f
		}
	}
	return tensor.FromFloat64([]int{seqLen, half}, angles)
}

// RotaryEmbedding holds the parameters of a rotary positional embedding
type RotaryEmbedding struct {
	headDim   int
	maxSeqLen int
	theta     float64
}

// NewRotaryEmbedding creates a new rotary embedding
func NewRotaryEmbedding(headDim, maxSeqLen int, theta float64) (*RotaryEmbedding, error) {
	if headDim <= 0 || headDim%2 != 0 {
		return nil, fmt.Errorf("head dim must be positive and even, got %d", headDim)
	}
	if theta <= 0 {
		theta = DefaultTheta
	}
	return &RotaryEmbedding{headDim: headDim, maxSeqLen: maxSeqLen, theta: theta}, nil
}

func (r *RotaryEmbedding) HeadDim() int   { return r.headDim }
func (r *RotaryEmbedding) MaxSeqLen() int { return r.maxSeqLen }
func (r *RotaryEmbedding) Theta() float64 { return r.theta }

// Forward applies the embedding to query and key
func (r *RotaryEmbedding) Forward(query, key *tensor.Tensor, opts ...RotaryOption) (*tensor.Tensor, *tensor.Tensor, error) {
	return ApplyRotaryEmb(query, key, r.headDim, r.maxSeqLen, r.theta, opts...)
}

// ApplyRotaryEmb rotates every (even, odd) feature pair of query and key,
// both shaped (batch, seqLen, heads, headDim), by pos*theta^(-2i/headDim).
// Query and key may differ in batch and head count but must share seqLen.
// The math runs in float64 and results keep each input's dtype. maxSeqLen
// does not change the angles; exceeding it only logs a warning.
func ApplyRotaryEmb(query, key *tensor.Tensor, headDim, maxSeqLen int, theta float64, opts ...RotaryOption) (*tensor.Tensor, *tensor.Tensor, error) {
	var o rotaryOptions
	for _, opt := range opts {
		opt(&o)
	}
	if theta <= 0 {
		theta = DefaultTheta
	}

	if headDim <= 0 || headDim%2 != 0 {
		return nil, nil, fmt.Errorf("%w: head dim must be positive and even, got %d", ErrShape, headDim)
	}
	if err := checkHeads("query", query, headDim); err != nil {
		return nil, nil, err
	}
	if err := checkHeads("key", key, headDim); err != nil {
		return nil, nil, err
	}
	seqLen := query.Shape()[1]
	if n := key.Shape()[1]; n != seqLen {
		return nil, nil, fmt.Errorf("%w: query seq len %d, key seq len %d", ErrShape, seqLen, n)
	}
	if o.offset < 0 {
		return nil, nil, fmt.Errorf("position offset must be >= 0, got %d", o.offset)
	}
	if maxSeqLen > 0 && o.offset+seqLen > maxSeqLen {
		slog.Warn("rotary positions exceed max sequence length", "offset", o.offset, "seq_len", seqLen, "max_seq_len", maxSeqLen)
	}

	angles, err := Angles(seqLen, headDim, theta, o.offset)
	if err != nil {
		return nil, nil, err
	}
	a := angles.Float64s()
	cosData := make([]float64, len(a))
	sinData := make([]float64, len(a))
	for i, v := range a {
		if o.inverse {
			v = -v
		}
		cosData[i] = math.Cos(v)
		sinData[i] = math.Sin(v)
	}
	cos, err := tensor.FromFloat64(angles.Shape(), cosData)
	if err != nil {
		return nil, nil, err
	}
	sin, err := tensor.FromFloat64(angles.Shape(), sinData)
	if err != nil {
		return nil, nil, err
	}

	queryOut, err := rotate(query, cos, sin)
	if err != nil {
		return nil, nil, fmt.Errorf("rotate query: %w", err)
	}
	keyOut, err := rotate(key, cos, sin)
	if err != nil {
		return nil, nil, fmt.Errorf("rotate key: %w", err)
	}

	slog.Debug("applied rotary embedding", "query", query.Shape(), "key", key.Shape(), "theta", theta, "offset", o.offset, "inverse", o.inverse)
	return queryOut, keyOut, nil
}

func checkHeads(name string, x *tensor.Tensor, headDim int) error {
	shape := x.Shape()
	if len(shape) != 4 {
		return fmt.Errorf("%w: %s must be (batch, seq, heads, head dim), got %v", ErrShape, name, shape)
	}
	if shape[3] != headDim {
		return fmt.Errorf("%w: %s head dim %d, want %d", ErrShape, name, shape[3], headDim)
	}
	return nil
}

// rotate applies the 2D rotation to x viewed as (batch, seq, heads, half)
// complex pairs. cos and sin are (seq, half).
func rotate(x, cos, sin *tensor.Tensor) (*tensor.Tensor, error) {
	shape := x.Shape()
	batch, seqLen, heads, half := shape[0], shape[1], shape[2], shape[3]/2

	data := x.Float64s()
	re := make([]float64, len(data)/2)
	im := make([]float64, len(data)/2)
	for j := range re {
		re[j] = data[2*j]
		im[j] = data[2*j+1]
	}
	pairs, err := tensor.FromFloat64([]int{batch, seqLen, heads, half}, re)
	if err != nil {
		return nil, err
	}

	cosB, err := ReshapeForBroadcast(cos, pairs)
	if err != nil {
		return nil, err
	}
	sinB, err := ReshapeForBroadcast(sin, pairs)
	if err != nil {
		return nil, err
	}
	bShape, bStrides := cosB.Shape(), cosB.Strides()
	cosData, sinData := cosB.Float64s(), sinB.Float64s()

	out := make([]float64, len(data))
	idx := make([]int, 4)
	j := 0
	for b := 0; b < batch; b++ {
		for s := 0; s < seqLen; s++ {
			for h := 0; h < heads; h++ {
				for i := 0; i < half; i++ {
					idx[0], idx[1], idx[2], idx[3] = b, s, h, i
					off := broadcastOffset(bShape, bStrides, idx)
					c, sn := cosData[off], sinData[off]
					out[2*j] = re[j]*c - im[j]*sn
					out[2*j+1] = re[j]*sn + im[j]*c
					j++
				}
			}
		}
	}

	if x.Dtype() == tensor.Float32 {
		out32 := make([]float32, len(out))
		for i, v := range out {
			out32[i] = float32(v)
		}
		return tensor.FromFloat32(shape, out32)
	}
	return tensor.FromFloat64(shape, out)
}
