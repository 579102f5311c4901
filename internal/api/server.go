// Package api exposes the pipelines over HTTP. Pipelines are not safe for
// concurrent use, so the server serializes generation behind a mutex; one
// request runs start to finish while others queue.
package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/lockstep/internal/generation"
	"github.com/samcharles93/lockstep/internal/logger"
	"github.com/samcharles93/lockstep/internal/tokenizer"
	"github.com/samcharles93/lockstep/internal/version"
)

// TextGenerator is the text pipeline surface the server needs.
type TextGenerator interface {
	Generate(ctx context.Context, prompt string, cfg generation.Config, streamer generation.Streamer) (generation.DecodedResults, error)
}

// Transcriber is the speech pipeline surface the server needs.
type Transcriber interface {
	Generate(ctx context.Context, samples []float32, cfg generation.SpeechConfig, streamer generation.Streamer) (generation.DecodedResults, error)
}

type Server struct {
	log    logger.Logger
	text   TextGenerator
	speech Transcriber
	tok    tokenizer.Tokenizer

	textCfg   generation.Config
	speechCfg generation.SpeechConfig

	mu    sync.Mutex
	clock func() time.Time
}

// Options wire the server. Either pipeline may be nil; its endpoints then
// answer 404.
type Options struct {
	Text      TextGenerator
	Speech    Transcriber
	Tokenizer tokenizer.Tokenizer
	TextCfg   generation.Config
	SpeechCfg generation.SpeechConfig
	Logger    logger.Logger
}

func NewServer(opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}
	return &Server{
		log:       log,
		text:      opts.Text,
		speech:    opts.Speech,
		tok:       opts.Tokenizer,
		textCfg:   opts.TextCfg,
		speechCfg: opts.SpeechCfg,
		clock:     time.Now,
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/completions", s.handleCompletions)
	e.POST("/v1/audio/transcriptions", s.handleTranscriptions)
	e.GET("/healthz", s.handleHealth)
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":  "ok",
		"version": version.String(),
	})
}
