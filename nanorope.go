package nanorope

import (
	"github.com/unixsysdev/nano-go-rope/internal/config"
	"github.com/unixsysdev/nano-go-rope/internal/layers"
	"github.com/unixsysdev/nano-go-rope/internal/tensor"
)

// Tensor is a dense Float32 or Float64 array
type Tensor = tensor.Tensor

// DefaultTheta is the frequency base used when theta is not positive
const DefaultTheta = layers.DefaultTheta

// ErrShape reports query, key or frequency tensors with incompatible shapes
var ErrShape = layers.ErrShape

// NewTensor wraps data with the given shape
func NewTensor(shape []int, data []float32) (*Tensor, error) {
	return tensor.FromFloat32(shape, data)
}

// ApplyRotaryEmb rotates query and key, both (batch, seqLen, heads, headDim),
// and returns new tensors of the same shapes and dtypes.
func ApplyRotaryEmb(query, key *Tensor, headDim, maxSeqLen int, theta float64) (*Tensor, *Tensor, error) {
	return layers.ApplyRotaryEmb(query, key, headDim, maxSeqLen, theta)
}

// ReshapeForBroadcast returns a view of freqs, shaped (x.shape[1], x.shape[-1]),
// that broadcasts against x.
func ReshapeForBroadcast(freqs, x *Tensor) (*Tensor, error) {
	return layers.ReshapeForBroadcast(freqs, x)
}

// Rotary applies rotary embeddings configured from a model directory
type Rotary struct {
	Config *config.Config
	embed  *layers.RotaryEmbedding
}

// New creates a Rotary from modelPath's config.json (may be empty) and opts
func New(modelPath string, opts ...config.Option) (*Rotary, error) {
	cfg, err := config.LoadConfig(modelPath, opts...)
	if err != nil {
		return nil, err
	}

	embed, err := layers.NewRotaryEmbedding(cfg.HeadDim, cfg.MaxSeqLen, cfg.Theta)
	if err != nil {
		return nil, err
	}

	return &Rotary{Config: cfg, embed: embed}, nil
}

// Apply rotates query and key starting at position offset
func (r *Rotary) Apply(query, key *Tensor, offset int) (*Tensor, *Tensor, error) {
	return r.embed.Forward(query, key, layers.WithOffset(offset))
}
