package http

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/jamesprial/sockroute/internal/route"
	"github.com/jamesprial/sockroute/pkg/wsproto"
)

// errorResponse represents a JSON error response body.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// errorResponder implements route.Responder with JSON bodies.
type errorResponder struct {
	logger *slog.Logger
}

// NewErrorResponder creates a responder that writes JSON error bodies.
// Headers already set on w, such as a bearer challenge, are kept.
// If logger is nil, it uses the default slog logger.
func NewErrorResponder(logger *slog.Logger) route.Responder {
	if logger == nil {
		logger = slog.Default()
	}
	return &errorResponder{logger: logger}
}

// Error writes status with a JSON body naming the error.
func (e *errorResponder) Error(w http.ResponseWriter, r *http.Request, status int, message string) {
	w.Header().Set(wsproto.HeaderContentType, wsproto.ContentTypeJSON)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)

	level := slog.LevelWarn
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	e.logger.Log(r.Context(), level, "request failed",
		"status", status,
		"message", message,
		"method", r.Method,
		"path", r.URL.Path,
	)

	// HEAD responses carry no body
	if r.Method == http.MethodHead {
		return
	}

	resp := errorResponse{
		Error:   errorCode(status),
		Message: message,
	}
	if encodeErr := json.NewEncoder(w).Encode(resp); encodeErr != nil {
		e.logger.Error("failed to encode error response", "error", encodeErr)
	}
}

// errorCode returns a short machine-readable name for status.
func errorCode(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusInternalServerError:
		return "internal_error"
	}
	text := http.StatusText(status)
	if text == "" {
		return "error"
	}
	return strings.ToLower(strings.ReplaceAll(text, " ", "_"))
}
