package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Res is the envelope of every status API response.
type Res struct {
	Success bool `json:"success"`
	Data    any  `json:"data,omitempty"`
	Error   any  `json:"error,omitempty"`
}

// StatusError carries the HTTP status to answer with.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e StatusError) Error() string {
	return e.Message
}

func notFound(msg string) StatusError {
	return StatusError{StatusCode: http.StatusNotFound, Message: msg}
}

func badRequest(msg string) StatusError {
	return StatusError{StatusCode: http.StatusBadRequest, Message: msg}
}

func unavailable(msg string) StatusError {
	return StatusError{StatusCode: http.StatusServiceUnavailable, Message: msg}
}

// errorHandler turns the first handler error into a JSON response.
func errorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors[0].Err

		var se StatusError
		if errors.As(err, &se) {
			c.AbortWithStatusJSON(se.StatusCode, Res{Success: false, Error: se.Message})
			return
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, Res{Success: false, Error: err.Error()})
	}
}

// requestLogger logs each request at debug level.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("HTTP request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("latency", time.Since(start)),
		)
	}
}
