// Package handlers provides built-in HTTP handlers.
package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/jamesprial/sockroute/internal/route"
	"github.com/jamesprial/sockroute/pkg/wsproto"
)

// healthResponse represents the JSON response for health checks.
type healthResponse struct {
	Status string `json:"status"`
	Live   int    `json:"live_connections"`
}

// healthHandler provides a simple health check endpoint.
type healthHandler struct {
	responder route.Responder
	live      func() int
}

// NewHealthHandler creates a handler for the /health endpoint. live reports
// the number of upgraded connections currently open.
func NewHealthHandler(responder route.Responder, live func() int) http.Handler {
	if responder == nil {
		panic("responder cannot be nil")
	}
	if live == nil {
		panic("live counter cannot be nil")
	}

	return &healthHandler{
		responder: responder,
		live:      live,
	}
}

// ServeHTTP handles GET and HEAD requests for health checks.
func (h *healthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		h.responder.Error(w, r, http.StatusMethodNotAllowed, http.StatusText(http.StatusMethodNotAllowed))
		return
	}

	w.Header().Set(wsproto.HeaderContentType, wsproto.ContentTypeJSON)
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}

	resp := healthResponse{Status: "ok", Live: h.live()}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode health response", "error", err)
		// Can't send error response here since headers are already written
	}
}
