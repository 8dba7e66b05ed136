package transport

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/jamesprial/sockroute/internal/config"
	"github.com/jamesprial/sockroute/internal/route"
	"github.com/jamesprial/sockroute/internal/transport/internal/handlers"
	transporthttp "github.com/jamesprial/sockroute/internal/transport/internal/http"
	"github.com/jamesprial/sockroute/internal/transport/internal/middleware"
)

// NewErrorResponder creates the JSON error responder.
// If logger is nil, it uses the default slog logger.
func NewErrorResponder(logger *slog.Logger) route.Responder {
	return transporthttp.NewErrorResponder(logger)
}

// NewHealthHandler creates the health check handler.
// It reports status and the number of open upgraded connections.
func NewHealthHandler(responder route.Responder, live func() int) http.Handler {
	return handlers.NewHealthHandler(responder, live)
}

// NewLoggingMiddleware creates request logging middleware.
// It logs HTTP request details using structured logging.
// If logger is nil, it uses the default slog logger.
func NewLoggingMiddleware(logger *slog.Logger) Middleware {
	return middleware.NewLoggingMiddleware(logger)
}

// NewRecoveryMiddleware creates panic recovery middleware.
// It recovers from panics and returns a 500 error to the client.
// If logger is nil, it uses the default slog logger.
func NewRecoveryMiddleware(responder route.Responder, logger *slog.Logger) Middleware {
	return middleware.NewRecoveryMiddleware(responder, logger)
}

// NewMetricsMiddleware creates middleware reporting finished requests to observer.
func NewMetricsMiddleware(observer RequestObserver) Middleware {
	return middleware.NewMetricsMiddleware(observer)
}

// NewUpgrader creates the upgrader described by cfg. Unless
// cfg.CheckOrigin is set, upgrades must be same-origin.
func NewUpgrader(cfg *config.Config) *websocket.Upgrader {
	u := &websocket.Upgrader{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
	}
	if cfg.CheckOrigin {
		u.CheckOrigin = func(*http.Request) bool { return true }
	}
	return u
}
