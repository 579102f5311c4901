package api

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/lockstep/internal/audio"
)

type TranscriptionRequest struct {
	Samples      []float32 `json:"samples"`
	MaxNewTokens int       `json:"max_new_tokens,omitempty"`
}

type TranscriptionResponse struct {
	ID        string  `json:"id"`
	Object    string  `json:"object"`
	Created   int64   `json:"created"`
	Text      string  `json:"text"`
	Tokens    []int64 `json:"tokens"`
	Cancelled bool    `json:"cancelled,omitempty"`
}

// handleTranscriptions accepts either a JSON body with raw samples or a WAV
// upload (Content-Type audio/wav).
func (s *Server) handleTranscriptions(c *echo.Context) error {
	if s.speech == nil {
		return writeError(c, http.StatusNotFound, "not_found_error", "no speech model loaded")
	}

	cfg := s.speechCfg
	var samples []float32

	contentType := c.Request().Header.Get(echo.HeaderContentType)
	switch {
	case strings.HasPrefix(contentType, "audio/wav"), strings.HasPrefix(contentType, "audio/x-wav"):
		decoded, _, err := audio.ReadWAV(c.Request().Body)
		if err != nil {
			return writeBadRequest(c, err.Error())
		}
		samples = decoded
	default:
		req, err := decodeJSON[TranscriptionRequest](c.Request().Body)
		if err != nil {
			return writeBadRequest(c, err.Error())
		}
		if req.MaxNewTokens > 0 {
			cfg.MaxNewTokens = req.MaxNewTokens
		}
		samples = req.Samples
	}
	if len(samples) == 0 {
		return writeBadRequest(c, "no audio samples")
	}

	id := "transcr-" + uuid.NewString()
	created := s.clock().Unix()

	s.mu.Lock()
	res, err := s.speech.Generate(c.Request().Context(), samples, cfg, nil)
	s.mu.Unlock()
	if err != nil {
		s.log.Error("transcription failed", "id", id, "error", err)
		return writeGenerationError(c, err)
	}

	return c.JSON(http.StatusOK, TranscriptionResponse{
		ID:        id,
		Object:    "transcription",
		Created:   created,
		Text:      res.Text,
		Tokens:    res.Tokens,
		Cancelled: res.Cancelled,
	})
}
