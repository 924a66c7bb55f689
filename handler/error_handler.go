package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/dmitrymomot/reviewradar/pkg/logger"
	"github.com/dmitrymomot/reviewradar/pkg/requestid"
)

// statusOf returns the HTTP status an error is rendered with.
func statusOf(err error) int {
	var valErr ValidationError
	if errors.As(err, &valErr) {
		return http.StatusUnprocessableEntity
	}
	var httpErr HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Code
	}
	return http.StatusInternalServerError
}

// logLevel maps HTTP status codes to log levels
func logLevel(status int) slog.Level {
	if status < http.StatusInternalServerError {
		return slog.LevelWarn
	}
	return slog.LevelError
}

// NewErrorHandler creates an error handler that logs the error with request
// context and renders it as a JSON error body.
func NewErrorHandler(log *slog.Logger) ErrorHandler[Context] {
	if log == nil {
		log = slog.Default()
	}

	return func(ctx Context, err error) {
		r := ctx.Request()
		status := statusOf(err)

		log.LogAttrs(r.Context(), logLevel(status), "request error",
			logger.RequestID(requestid.FromContext(r.Context())),
			logger.Error(err),
			slog.Int("status_code", status),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			logger.Component("error_handler"),
		)

		if renderErr := JSONError(err).Render(ctx.ResponseWriter(), r); renderErr != nil {
			log.ErrorContext(r.Context(), "failed to render error response", logger.Error(renderErr))
		}
	}
}
