// Package audio turns raw PCM samples into the fixed-size log-mel feature
// windows the speech encoder expects. Every segment the extractor emits has
// exactly FeatureSize x FrameCount values regardless of input length.
package audio

import (
	"fmt"
	"os"
	"path/filepath"

	json "github.com/goccy/go-json"
)

// Config mirrors the fields of preprocessor_config.json that shape feature
// extraction. Missing files fall back to whisper defaults.
type Config struct {
	SamplingRate int `json:"sampling_rate"`
	NFFT         int `json:"n_fft"`
	HopLength    int `json:"hop_length"`
	FeatureSize  int `json:"feature_size"`
	ChunkLength  int `json:"chunk_length"`
}

func DefaultConfig() Config {
	return Config{
		SamplingRate: 16000,
		NFFT:         400,
		HopLength:    160,
		FeatureSize:  80,
		ChunkLength:  30,
	}
}

// LoadConfig reads preprocessor_config.json from a model directory. A
// missing file yields the defaults; a malformed file is an error.
func LoadConfig(modelDir string) (Config, error) {
	cfg := DefaultConfig()
	path := filepath.Join(modelDir, "preprocessor_config.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.SamplingRate <= 0 || c.NFFT <= 0 || c.HopLength <= 0 ||
		c.FeatureSize <= 0 || c.ChunkLength <= 0 {
		return fmt.Errorf("preprocessor config fields must be positive: %+v", c)
	}
	return nil
}

// NSamples is the number of PCM samples in one feature window.
func (c Config) NSamples() int { return c.SamplingRate * c.ChunkLength }

// FrameCount is the number of mel frames per window after the whisper
// convention of dropping the final frame.
func (c Config) FrameCount() int { return c.NSamples() / c.HopLength }
