package api

import (
	"fmt"
	"io"
	"net/http"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/lockstep/internal/generation"
	"github.com/samcharles93/lockstep/internal/tokenizer"
)

type CompletionRequest struct {
	Prompt       string `json:"prompt"`
	MaxNewTokens int    `json:"max_new_tokens,omitempty"`
	Stream       bool   `json:"stream,omitempty"`
}

type CompletionResponse struct {
	ID        string  `json:"id"`
	Object    string  `json:"object"`
	Created   int64   `json:"created"`
	Text      string  `json:"text"`
	Tokens    []int64 `json:"tokens"`
	Cancelled bool    `json:"cancelled,omitempty"`
}

type completionChunk struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Delta   string `json:"delta"`
}

func (s *Server) handleCompletions(c *echo.Context) error {
	if s.text == nil {
		return writeError(c, http.StatusNotFound, "not_found_error", "no text model loaded")
	}
	req, err := decodeJSON[CompletionRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if req.Prompt == "" {
		return writeBadRequest(c, "prompt is required")
	}

	cfg := s.textCfg
	if req.MaxNewTokens > 0 {
		cfg.MaxNewTokens = req.MaxNewTokens
	}

	id := "cmpl-" + uuid.NewString()
	created := s.clock().Unix()

	if req.Stream {
		return s.streamCompletion(c, id, created, req.Prompt, cfg)
	}

	s.mu.Lock()
	res, err := s.text.Generate(c.Request().Context(), req.Prompt, cfg, nil)
	s.mu.Unlock()
	if err != nil {
		s.log.Error("completion failed", "id", id, "error", err)
		return writeGenerationError(c, err)
	}

	return c.JSON(http.StatusOK, CompletionResponse{
		ID:        id,
		Object:    "text_completion",
		Created:   created,
		Text:      res.Text,
		Tokens:    res.Tokens,
		Cancelled: res.Cancelled,
	})
}

// streamCompletion delivers one SSE chunk per decoded token, then a final
// [DONE] marker. A failed write cancels generation through the streamer.
func (s *Server) streamCompletion(c *echo.Context, id string, created int64, prompt string, cfg generation.Config) error {
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.WriteHeader(http.StatusOK)

	flusher, _ := res.(interface{ Flush() })
	emit := func(delta string) bool {
		err := writeSSE(res, completionChunk{ID: id, Object: "text_completion.chunk", Created: created, Delta: delta})
		if err != nil {
			return true
		}
		if flusher != nil {
			flusher.Flush()
		}
		return false
	}

	var streamer generation.Streamer
	if s.tok != nil {
		streamer = tokenizer.NewTextStreamer(s.tok, emit)
	} else {
		streamer = generation.StreamFunc(func(token int64) bool {
			return emit(fmt.Sprint(token))
		})
	}

	s.mu.Lock()
	_, err := s.text.Generate(c.Request().Context(), prompt, cfg, streamer)
	s.mu.Unlock()
	if err != nil {
		s.log.Error("streamed completion failed", "id", id, "error", err)
		// Headers are gone; surface the failure in-band.
		_ = writeSSE(res, map[string]any{"error": ResponseError{Message: err.Error(), Type: "server_error"}})
	}

	_, _ = io.WriteString(res, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
	return nil
}

func writeSSE(w io.Writer, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var v T
	dec := json.NewDecoder(r)
	if err := dec.Decode(&v); err != nil {
		return v, fmt.Errorf("invalid JSON body: %w", err)
	}
	return v, nil
}
