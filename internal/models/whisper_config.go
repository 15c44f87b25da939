package models

import (
	"encoding/json"
	"fmt"
	"os"
)

// WhisperConfig holds the architecture and decoding parameters from a
// model's config.json.
type WhisperConfig struct {
	VocabSize             int `json:"vocab_size"`
	NumMelBins            int `json:"num_mel_bins"`
	DModel                int `json:"d_model"`
	EncoderLayers         int `json:"encoder_layers"`
	EncoderAttentionHeads int `json:"encoder_attention_heads"`
	DecoderLayers         int `json:"decoder_layers"`
	DecoderAttentionHeads int `json:"decoder_attention_heads"`
	MaxSourcePositions    int `json:"max_source_positions"`
	MaxTargetPositions    int `json:"max_target_positions"`
}

// LoadWhisperConfig parses config.json and fills defaults for fields that
// older checkpoints omit.
func LoadWhisperConfig(path string) (WhisperConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return WhisperConfig{}, err
	}
	var cfg WhisperConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return WhisperConfig{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	if cfg.NumMelBins == 0 {
		cfg.NumMelBins = 80
	}
	if cfg.MaxSourcePositions == 0 {
		cfg.MaxSourcePositions = 1500
	}
	if cfg.MaxTargetPositions == 0 {
		cfg.MaxTargetPositions = 448
	}
	if err := cfg.Validate(); err != nil {
		return WhisperConfig{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks that the architecture is usable.
func (c WhisperConfig) Validate() error {
	switch {
	case c.VocabSize <= 0:
		return fmt.Errorf("vocab_size must be > 0")
	case c.NumMelBins != 80 && c.NumMelBins != 128:
		return fmt.Errorf("num_mel_bins must be 80 or 128, got %d", c.NumMelBins)
	case c.DModel <= 0:
		return fmt.Errorf("d_model must be > 0")
	case c.EncoderAttentionHeads <= 0 || c.DModel%c.EncoderAttentionHeads != 0:
		return fmt.Errorf("encoder_attention_heads %d does not divide d_model %d", c.EncoderAttentionHeads, c.DModel)
	case c.DecoderAttentionHeads <= 0 || c.DModel%c.DecoderAttentionHeads != 0:
		return fmt.Errorf("decoder_attention_heads %d does not divide d_model %d", c.DecoderAttentionHeads, c.DModel)
	case c.EncoderLayers <= 0 || c.DecoderLayers <= 0:
		return fmt.Errorf("encoder_layers and decoder_layers must be > 0")
	}
	return nil
}
