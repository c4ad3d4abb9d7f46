package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/petrijr/flowrun/pkg/api"
)

type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

func respondError(c *gin.Context, status int, code string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	c.AbortWithStatusJSON(status, ErrorEnvelope{
		Error: APIError{
			Message: msg,
			Code:    code,
		},
	})
}

// respondDomainError maps engine and store errors to HTTP statuses.
func respondDomainError(c *gin.Context, err error) {
	status, code := classify(err)
	if status == http.StatusInternalServerError {
		// Internal details stay in the log.
		_ = c.Error(err)
		respondError(c, status, code, errors.New("internal error"))
		return
	}
	respondError(c, status, code, err)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, api.ErrTokenNotFound):
		return http.StatusNotFound, "token_not_found"
	case errors.Is(err, api.ErrRunNotFound):
		return http.StatusNotFound, "run_not_found"
	case errors.Is(err, api.ErrAlreadyResumed):
		return http.StatusConflict, "already_resumed"
	case errors.Is(err, api.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, api.ErrSyncTimeout):
		return http.StatusRequestTimeout, "sync_timeout"
	case errors.Is(err, api.ErrStorage):
		return http.StatusServiceUnavailable, "storage_unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}
