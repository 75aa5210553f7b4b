package safetensors

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteThenOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qk.safetensors")
	values := []float32{1, -2, 0.5, 3, 0, -0.25}
	require.NoError(t, WriteFile(path, []Tensor{
		{Name: "query", Dtype: "F32", Shape: []int{1, 3, 1, 2}, Data: values},
		{Name: "key.f16", Dtype: "F16", Shape: []int{6}, Data: values},
		{Name: "key.bf16", Dtype: "bf16", Shape: []int{2, 3}, Data: values},
		{Name: "key.f64", Dtype: "F64", Shape: []int{3, 2}, Data: values},
	}))

	f, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"key.bf16", "key.f16", "key.f64", "query"}, f.Names())
	assert.Zero(t, (f.offset-8)%8, "header must be padded to 8 bytes")

	for _, name := range f.Names() {
		got, ti, err := f.ReadFloat32(name)
		require.NoError(t, err, name)
		assert.Equal(t, values, got, name)
		size, err := DtypeSize(ti.Dtype)
		require.NoError(t, err)
		assert.Equal(t, int64(len(values)*size), ti.DataOffsets[1]-ti.DataOffsets[0])
	}

	_, ti, err := f.ReadFloat32("query")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 1, 2}, ti.Dims())
	assert.Equal(t, "BF16", f.Header["key.bf16"].Dtype)
}

func TestWriteErrors(t *testing.T) {
	var buf bytes.Buffer
	err := Write(&buf, []Tensor{
		{Name: "a", Dtype: "F32", Shape: []int{1}, Data: []float32{1}},
		{Name: "a", Dtype: "F32", Shape: []int{1}, Data: []float32{1}},
	})
	assert.ErrorContains(t, err, "duplicate")

	err = Write(&buf, []Tensor{{Name: "a", Dtype: "F32", Shape: []int{2, 2}, Data: []float32{1}}})
	assert.ErrorContains(t, err, "needs 4 elements")

	err = Write(&buf, []Tensor{{Name: "a", Dtype: "I8", Shape: []int{1}, Data: []float32{1}}})
	assert.ErrorContains(t, err, "unsupported dtype")
}

func TestOpenErrors(t *testing.T) {
	dir := t.TempDir()

	short := filepath.Join(dir, "short.safetensors")
	require.NoError(t, os.WriteFile(short, []byte{1, 2}, 0o644))
	_, err := Open(short)
	assert.ErrorContains(t, err, "too short")

	huge := filepath.Join(dir, "huge.safetensors")
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, 1<<20)
	require.NoError(t, os.WriteFile(huge, b, 0o644))
	_, err = Open(huge)
	assert.ErrorContains(t, err, "exceeds file size")
}

func TestReadRawBadOffsets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.safetensors")
	require.NoError(t, WriteFile(path, []Tensor{{Name: "x", Dtype: "F32", Shape: []int{2}, Data: []float32{1, 2}}}))
	f, err := Open(path)
	require.NoError(t, err)

	ti := f.Header["x"]
	ti.DataOffsets[1] = 1 << 20
	f.Header["x"] = ti
	_, _, err = f.ReadRaw("x")
	assert.ErrorContains(t, err, "bad offsets")

	_, _, err = f.ReadRaw("missing")
	assert.ErrorContains(t, err, "not found")
}

func TestOpenPath(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteFile(filepath.Join(dir, "b.safetensors"), []Tensor{{Name: "key", Dtype: "F32", Shape: []int{1}, Data: []float32{2}}}))
	require.NoError(t, WriteFile(filepath.Join(dir, "a.safetensors"), []Tensor{{Name: "query", Dtype: "F32", Shape: []int{1}, Data: []float32{1}}}))

	m, err := OpenPath(dir)
	require.NoError(t, err)
	require.Len(t, m.Files, 2)
	assert.Equal(t, filepath.Join(dir, "a.safetensors"), m.Files[0].Path)

	f, ti, ok := m.Find("key")
	require.True(t, ok)
	assert.Equal(t, []int{1}, ti.Dims())
	assert.Equal(t, filepath.Join(dir, "b.safetensors"), f.Path)

	_, _, ok = m.Find("value")
	assert.False(t, ok)
	assert.Equal(t, []string{"key", "query"}, m.Names())

	single, err := OpenPath(filepath.Join(dir, "a.safetensors"))
	require.NoError(t, err)
	assert.Len(t, single.Files, 1)

	_, err = OpenDir(t.TempDir())
	assert.ErrorContains(t, err, "no .safetensors files")
}

func TestFloat64KeepsPrecision(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f64.safetensors")
	values := []float64{1 + 1e-12, -3.000000000000001, 0.1}
	require.NoError(t, WriteFile(path, []Tensor{
		{Name: "exact", Dtype: "F64", Shape: []int{3}, Data64: values},
		{Name: "narrow", Dtype: "F32", Shape: []int{3}, Data64: values},
	}))

	f, err := Open(path)
	require.NoError(t, err)

	got, ti, err := f.ReadFloat64("exact")
	require.NoError(t, err)
	assert.Equal(t, "F64", ti.Dtype)
	assert.Equal(t, values, got)

	// non-F64 dtypes are stored at their own width and widened on read
	got, _, err = f.ReadFloat64("narrow")
	require.NoError(t, err)
	assert.Equal(t, []float64{float64(float32(values[0])), float64(float32(values[1])), float64(float32(values[2]))}, got)

	err = Write(&bytes.Buffer{}, []Tensor{{Name: "a", Dtype: "F64", Shape: []int{2}, Data64: []float64{1}}})
	assert.ErrorContains(t, err, "needs 2 elements")
}
