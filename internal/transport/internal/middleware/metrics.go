package middleware

import (
	"net/http"
	"time"

	"github.com/jamesprial/sockroute/internal/transport/transportcore"
)

// NewMetricsMiddleware reports every finished request to observer.
func NewMetricsMiddleware(observer transportcore.RequestObserver) transportcore.Middleware {
	if observer == nil {
		panic("observer cannot be nil")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := wrapWriter(w)
			next.ServeHTTP(wrapped, r)
			observer.ObserveRequest(r.Method, wrapped.statusCode, time.Since(start))
		})
	}
}
