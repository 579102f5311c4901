package main

import (
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/lockstep/internal/audio"
	"github.com/samcharles93/lockstep/internal/backend/ort"
	"github.com/samcharles93/lockstep/internal/generation"
	"github.com/samcharles93/lockstep/internal/logger"
	"github.com/samcharles93/lockstep/internal/pipeline"
	"github.com/samcharles93/lockstep/internal/speech"
	"github.com/samcharles93/lockstep/internal/tokenizer"
)

// Flag destinations shared across commands.
var (
	modelDir  string
	device    string
	ortLib    string
	cacheSize int64
	maxPrompt int64
	logLevel  string
	logFormat string
)

func commonModelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "path to a model directory (exported static graphs + tokenizer files)",
			Destination: &modelDir,
		},
		&cli.StringFlag{
			Name:        "device",
			Aliases:     []string{"d"},
			Usage:       "execution device: cpu, cuda or coreml",
			Value:       "cpu",
			Destination: &device,
		},
		&cli.StringFlag{
			Name:        "ort-lib",
			Usage:       "path to the onnxruntime shared library",
			Destination: &ortLib,
		},
		&cli.Int64Flag{
			Name:        "cache-size",
			Usage:       "fixed KV-cache capacity in tokens",
			Value:       pipeline.DefaultCacheSize,
			Destination: &cacheSize,
		},
		&cli.Int64Flag{
			Name:        "max-prompt",
			Usage:       "maximum prompt length in tokens (defaults to cache-size)",
			Destination: &maxPrompt,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level: debug, info, warn, error",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format: pretty or json",
			Value:       "pretty",
			Destination: &logFormat,
		},
	}
}

func newLogger(w io.Writer) logger.Logger {
	level := logger.ParseLevel(logLevel)
	if logFormat == "json" {
		return logger.JSON(w, level)
	}
	return logger.Pretty(w, level)
}

func requireModel() error {
	if modelDir == "" {
		return fmt.Errorf("--model is required")
	}
	if _, err := os.Stat(modelDir); err != nil {
		return fmt.Errorf("model directory: %w", err)
	}
	return nil
}

// buildTextPipeline assembles the full text stack from a model directory:
// ONNX backend, vocab tokenizer and the two-stage pipeline, plus the model's
// default generation config.
func buildTextPipeline(log logger.Logger) (*pipeline.Pipeline, tokenizer.Tokenizer, generation.Config, error) {
	if err := requireModel(); err != nil {
		return nil, nil, generation.Config{}, err
	}
	b, err := ort.NewBackend(ortLib)
	if err != nil {
		return nil, nil, generation.Config{}, err
	}
	tok, err := tokenizer.LoadVocab(modelDir)
	if err != nil {
		return nil, nil, generation.Config{}, err
	}
	cfg, err := generation.LoadConfig(modelDir)
	if err != nil {
		return nil, nil, generation.Config{}, err
	}

	p, err := pipeline.New(b, tok, pipeline.Options{
		ModelPath:     modelDir,
		Device:        device,
		CacheSize:     uint32(cacheSize),
		MaxPromptSize: uint32(maxPrompt),
		Logger:        log,
	})
	if err != nil {
		return nil, nil, generation.Config{}, err
	}
	return p, tok, cfg, nil
}

// buildSpeechPipeline assembles the speech stack: feature extractor from
// preprocessor_config.json, the three compiled graphs and the whisper-style
// generation config.
func buildSpeechPipeline(log logger.Logger) (*speech.Pipeline, tokenizer.Tokenizer, generation.SpeechConfig, error) {
	if err := requireModel(); err != nil {
		return nil, nil, generation.SpeechConfig{}, err
	}
	b, err := ort.NewBackend(ortLib)
	if err != nil {
		return nil, nil, generation.SpeechConfig{}, err
	}
	tok, err := tokenizer.LoadVocab(modelDir)
	if err != nil {
		return nil, nil, generation.SpeechConfig{}, err
	}
	cfg, err := generation.LoadSpeechConfig(modelDir)
	if err != nil {
		return nil, nil, generation.SpeechConfig{}, err
	}
	audioCfg, err := audio.LoadConfig(modelDir)
	if err != nil {
		return nil, nil, generation.SpeechConfig{}, err
	}
	ext, err := audio.NewMelExtractor(audioCfg)
	if err != nil {
		return nil, nil, generation.SpeechConfig{}, err
	}

	p, err := speech.New(b, ext, tok, speech.Options{
		ModelDir: modelDir,
		Device:   device,
		Logger:   log,
	})
	if err != nil {
		return nil, nil, generation.SpeechConfig{}, err
	}
	return p, tok, cfg, nil
}
