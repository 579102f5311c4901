package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the lockstep configuration file (~/.config/lockstep/config.yaml).
// Pointer fields distinguish "not set" from zero values.
type Config struct {
	ModelDir       string `yaml:"model_dir"`
	SpeechModelDir string `yaml:"speech_model_dir"`
	Device         string `yaml:"device"`
	OrtLibrary     string `yaml:"ort_library"`

	CacheSize *int64 `yaml:"cache_size"`
	MaxPrompt *int64 `yaml:"max_prompt"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	ServerAddress string `yaml:"server_address"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "lockstep", "config.yaml")
}

// applyFileConfig applies config file defaults to the shared model flags when
// the corresponding CLI flag was not explicitly set.
func applyFileConfig(c *cli.Command) Config {
	cfg := LoadConfig()

	if cfg.ModelDir != "" && !c.IsSet("model") {
		modelDir = cfg.ModelDir
	}
	if cfg.Device != "" && !c.IsSet("device") {
		device = cfg.Device
	}
	if cfg.OrtLibrary != "" && !c.IsSet("ort-lib") {
		ortLib = cfg.OrtLibrary
	}
	if cfg.CacheSize != nil && !c.IsSet("cache-size") {
		cacheSize = *cfg.CacheSize
	}
	if cfg.MaxPrompt != nil && !c.IsSet("max-prompt") {
		maxPrompt = *cfg.MaxPrompt
	}
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
	return cfg
}

// LoadConfig reads the config file. Returns a zero Config if the file doesn't exist.
func LoadConfig() Config {
	path := configPath()
	if path == "" {
		return Config{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}
