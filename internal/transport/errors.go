package transport

import (
	"github.com/jamesprial/sockroute/internal/transport/transportcore"
)

// Re-export errors from transportcore.
// This allows external packages to import transport without creating cycles.
var (
	// ErrServerClosed indicates the server has been closed and cannot accept requests.
	ErrServerClosed = transportcore.ErrServerClosed

	// ErrNilRouter indicates an App was created without a route table.
	ErrNilRouter = transportcore.ErrNilRouter
)
