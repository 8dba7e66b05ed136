package transport

import (
	"github.com/jamesprial/sockroute/internal/transport/transportcore"
)

// Re-export types from transportcore.
// This allows external packages to import transport without creating cycles.

// Middleware is a function that wraps an http.Handler.
type Middleware = transportcore.Middleware

// Server manages the HTTP server lifecycle.
// Implementations must support graceful shutdown and provide
// access to the bound address after startup.
type Server = transportcore.Server

// RequestObserver receives one observation per finished ordinary request.
type RequestObserver = transportcore.RequestObserver
