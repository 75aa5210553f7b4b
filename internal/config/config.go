package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const (
	DefaultTheta     = 10000.0
	DefaultMaxSeqLen = 4096
)

// Config holds the rotary embedding configuration
type Config struct {
	ModelPath  string  `json:"model_path"`
	HeadDim    int     `json:"head_dim"`
	MaxSeqLen  int     `json:"max_seq_len"`
	Theta      float64 `json:"rope_theta"`
	NumHeads   int     `json:"num_attention_heads"`
	NumKVHeads int     `json:"num_key_value_heads"`
}

// LoadConfig builds a configuration from the optional model directory's
// config.json, then applies opts on top. An empty modelPath skips the file.
func LoadConfig(modelPath string, opts ...Option) (*Config, error) {
	cfg := &Config{
		ModelPath: modelPath,
		MaxSeqLen: DefaultMaxSeqLen,
		Theta:     DefaultTheta,
	}

	if modelPath != "" {
		if _, err := os.Stat(modelPath); err != nil {
			return nil, err
		}
		if err := cfg.readModelConfig(filepath.Join(modelPath, "config.json")); err != nil {
			return nil, err
		}
	}

	for _, opt := range opts {
		opt(cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) readModelConfig(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return err
	}

	var modelConfig map[string]interface{}
	if err := json.Unmarshal(data, &modelConfig); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	var hiddenSize int
	if v, ok := modelConfig["hidden_size"].(float64); ok {
		hiddenSize = int(v)
	}
	if v, ok := modelConfig["num_attention_heads"].(float64); ok {
		cfg.NumHeads = int(v)
	}
	if v, ok := modelConfig["num_key_value_heads"].(float64); ok {
		cfg.NumKVHeads = int(v)
	} else {
		cfg.NumKVHeads = cfg.NumHeads
	}
	if v, ok := modelConfig["head_dim"].(float64); ok {
		cfg.HeadDim = int(v)
	} else if cfg.NumHeads > 0 {
		cfg.HeadDim = hiddenSize / cfg.NumHeads
	}
	if v, ok := modelConfig["max_position_embeddings"].(float64); ok {
		cfg.MaxSeqLen = int(v)
	}
	if v, ok := modelConfig["rope_theta"].(float64); ok {
		cfg.Theta = v
	}
	return nil
}

// Validate checks the rotary parameters
func (cfg *Config) Validate() error {
	if cfg.HeadDim <= 0 || cfg.HeadDim%2 != 0 {
		return fmt.Errorf("head_dim must be positive and even, got %d", cfg.HeadDim)
	}
	if cfg.Theta <= 0 {
		return fmt.Errorf("rope_theta must be positive, got %v", cfg.Theta)
	}
	if cfg.MaxSeqLen < 0 {
		return fmt.Errorf("max_seq_len must not be negative, got %d", cfg.MaxSeqLen)
	}
	return nil
}

// Option is a function that modifies the config
type Option func(*Config)

// WithHeadDim sets the attention head dimension
func WithHeadDim(v int) Option {
	return func(c *Config) { c.HeadDim = v }
}

// WithMaxSeqLen sets the maximum sequence length
func WithMaxSeqLen(v int) Option {
	return func(c *Config) { c.MaxSeqLen = v }
}

// WithTheta sets the frequency base
func WithTheta(v float64) Option {
	return func(c *Config) { c.Theta = v }
}

// WithDefaultHeadDim sets the head dimension only when neither config.json
// nor an earlier option provided one
func WithDefaultHeadDim(v int) Option {
	return func(c *Config) {
		if c.HeadDim == 0 {
			c.HeadDim = v
		}
	}
}
