package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeModelConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(body), 0o644))
	return dir
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("", WithHeadDim(64))
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.HeadDim)
	assert.Equal(t, DefaultTheta, cfg.Theta)
	assert.Equal(t, DefaultMaxSeqLen, cfg.MaxSeqLen)
}

func TestLoadConfigFromModel(t *testing.T) {
	dir := writeModelConfig(t, `{
		"hidden_size": 2048,
		"num_attention_heads": 32,
		"num_key_value_heads": 8,
		"max_position_embeddings": 8192,
		"rope_theta": 500000.0
	}`)

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.HeadDim)
	assert.Equal(t, 32, cfg.NumHeads)
	assert.Equal(t, 8, cfg.NumKVHeads)
	assert.Equal(t, 8192, cfg.MaxSeqLen)
	assert.Equal(t, 500000.0, cfg.Theta)
}

func TestLoadConfigExplicitHeadDimAndOverrides(t *testing.T) {
	dir := writeModelConfig(t, `{"hidden_size": 1024, "num_attention_heads": 8, "head_dim": 96}`)

	cfg, err := LoadConfig(dir, WithTheta(1e6), WithMaxSeqLen(128))
	require.NoError(t, err)
	assert.Equal(t, 96, cfg.HeadDim)
	assert.Equal(t, 8, cfg.NumKVHeads)
	assert.Equal(t, 1e6, cfg.Theta)
	assert.Equal(t, 128, cfg.MaxSeqLen)
}

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir(), WithHeadDim(8))
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.HeadDim)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing"), WithHeadDim(8))
	assert.Error(t, err)
}

func TestLoadConfigInvalid(t *testing.T) {
	_, err := LoadConfig(writeModelConfig(t, `{`), WithHeadDim(8))
	assert.Error(t, err)

	_, err = LoadConfig("", WithHeadDim(7))
	assert.ErrorContains(t, err, "head_dim")

	_, err = LoadConfig("", WithHeadDim(8), WithTheta(-1))
	assert.ErrorContains(t, err, "rope_theta")

	_, err = LoadConfig("")
	assert.Error(t, err)
}

func TestWithDefaultHeadDim(t *testing.T) {
	// empty model dir: nothing read, the default applies
	cfg, err := LoadConfig(t.TempDir(), WithDefaultHeadDim(8))
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.HeadDim)

	// config.json wins over the default
	cfg, err = LoadConfig(writeModelConfig(t, `{"head_dim": 16}`), WithDefaultHeadDim(8))
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.HeadDim)

	// an explicit option wins too
	cfg, err = LoadConfig("", WithHeadDim(32), WithDefaultHeadDim(8))
	require.NoError(t, err)
	assert.Equal(t, 32, cfg.HeadDim)
}
