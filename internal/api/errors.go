package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/lockstep/internal/generation"
	"github.com/samcharles93/lockstep/internal/pipeline"
)

// ResponseError is the error envelope of every non-2xx body.
type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func writeError(c *echo.Context, status int, errType, msg string) error {
	return c.JSON(status, map[string]any{
		"error": ResponseError{Message: msg, Type: errType},
	})
}

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg)
}

// writeGenerationError maps engine failures onto status codes: anything the
// engine rejects at call entry is the caller's fault, a failed graph
// execution is ours.
func writeGenerationError(c *echo.Context, err error) error {
	switch {
	case errors.Is(err, generation.ErrConfiguration),
		errors.Is(err, generation.ErrUnsupportedFeature),
		errors.Is(err, pipeline.ErrPromptTooLong):
		return writeBadRequest(c, err.Error())
	default:
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error())
	}
}
