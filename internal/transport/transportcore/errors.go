package transportcore

import (
	"errors"
)

// Sentinel errors for transport operations.
// These are used for error identification and testing.
// For creating domain errors with context, wrap these with DomainError from internal/errors.
var (
	// ErrServerClosed indicates the server has been closed and cannot accept requests.
	ErrServerClosed = errors.New("server closed")

	// ErrNilRouter indicates an App was created without a route table.
	ErrNilRouter = errors.New("router cannot be nil")
)
