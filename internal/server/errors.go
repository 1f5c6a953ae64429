package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/edgard/projectlog/internal/chatlog"
)

// retryAfterSeconds is advertised on 503 responses.
const retryAfterSeconds = "1"

type errorResponse struct {
	Error string `json:"error"`
}

// abortWithError maps the error taxonomy onto an HTTP status and aborts the request.
func abortWithError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, chatlog.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, chatlog.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, chatlog.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, chatlog.ErrStorageUnavailable):
		status = http.StatusServiceUnavailable
		c.Header("Retry-After", retryAfterSeconds)
	}

	_ = c.Error(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = http.StatusText(status)
	}
	c.AbortWithStatusJSON(status, errorResponse{Error: msg})
}

func abortBadRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: msg})
}
