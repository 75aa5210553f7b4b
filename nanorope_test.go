package nanorope

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unixsysdev/nano-go-rope/internal/config"
)

func TestApplyRotaryEmb(t *testing.T) {
	q, err := NewTensor([]int{1, 2, 1, 2}, []float32{1, 0, 1, 0})
	require.NoError(t, err)
	k, err := NewTensor([]int{1, 2, 1, 2}, []float32{0, 1, 0, 1})
	require.NoError(t, err)

	qr, kr, err := ApplyRotaryEmb(q, k, 2, 2, DefaultTheta)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{1, 0, 0.5403023, 0.84147096}, qr.Float32s(), 1e-6)
	assert.InDeltaSlice(t, []float32{0, 1, -0.84147096, 0.5403023}, kr.Float32s(), 1e-6)

	_, _, err = ApplyRotaryEmb(q, k, 4, 2, DefaultTheta)
	assert.True(t, errors.Is(err, ErrShape))
}

func TestReshapeForBroadcast(t *testing.T) {
	freqs, err := NewTensor([]int{2, 1}, []float32{1, 2})
	require.NoError(t, err)
	x, err := NewTensor([]int{1, 2, 1, 1}, []float32{0, 0})
	require.NoError(t, err)

	v, err := ReshapeForBroadcast(freqs, x)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 1, 1}, v.Shape())

	_, err = ReshapeForBroadcast(x, freqs)
	assert.True(t, errors.Is(err, ErrShape))
}

func TestRotaryOffsetMatchesLongerSequence(t *testing.T) {
	r, err := New("", config.WithHeadDim(4), config.WithMaxSeqLen(8))
	require.NoError(t, err)
	assert.Equal(t, DefaultTheta, r.Config.Theta)

	full := []float32{
		1, 2, 3, 4,
		5, 6, 7, 8,
		-1, 0.5, 2, -3,
	}
	q, err := NewTensor([]int{1, 3, 1, 4}, full)
	require.NoError(t, err)
	wantQ, _, err := r.Apply(q, q, 0)
	require.NoError(t, err)

	last, err := NewTensor([]int{1, 1, 1, 4}, full[8:])
	require.NoError(t, err)
	gotQ, _, err := r.Apply(last, last, 2)
	require.NoError(t, err)
	assert.InDeltaSlice(t, wantQ.Float32s()[8:], gotQ.Float32s(), 1e-6)

	_, err = New("", config.WithHeadDim(3))
	assert.Error(t, err)
}
