package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/jamesprial/sockroute/internal/route"
	"github.com/jamesprial/sockroute/internal/transport/transportcore"
)

// NewRecoveryMiddleware creates middleware that recovers from panics.
// It logs the panic with a stack trace and answers 500 unless the response
// was already started.
// If logger is nil, it uses the default slog logger.
func NewRecoveryMiddleware(responder route.Responder, logger *slog.Logger) transportcore.Middleware {
	if responder == nil {
		panic("responder cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			wrapped := wrapWriter(w)
			defer func() {
				recovered := recover()
				if recovered == nil {
					return
				}
				if recovered == http.ErrAbortHandler {
					panic(recovered)
				}

				logger.Error("panic recovered",
					"panic", recovered,
					"method", r.Method,
					"path", r.URL.Path,
					"stack", string(debug.Stack()),
				)

				if !wrapped.written {
					responder.Error(wrapped, r, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
				}
			}()

			next.ServeHTTP(wrapped, r)
		})
	}
}
