package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jamesprial/sockroute/internal/config"
	"github.com/jamesprial/sockroute/internal/conn"
	"github.com/jamesprial/sockroute/internal/lifecycle"
	"github.com/jamesprial/sockroute/internal/metrics"
	"github.com/jamesprial/sockroute/internal/route"
	transporthttp "github.com/jamesprial/sockroute/internal/transport/internal/http"
	"github.com/jamesprial/sockroute/internal/transport/internal/middleware"
)

// Options configures an App.
type Options struct {
	// Router is the route table shared by ordinary requests and upgrade
	// attempts. Required.
	Router *route.Router

	// Logger is used for request and connection logging. Nil uses slog.Default().
	Logger *slog.Logger

	// Responder writes error responses for ordinary requests. Nil uses the
	// JSON error responder.
	Responder route.Responder

	// Upgrader performs protocol switches. Nil uses a zero Upgrader.
	Upgrader *websocket.Upgrader

	// ShutdownTimeout is read when a listener starts shutting down.
	ShutdownTimeout lifecycle.TimeoutFunc

	// Metrics, when set, receives request, upgrade and shutdown counts.
	Metrics *metrics.Metrics

	// Fallback receives abandoned upgrade attempts. Without one they are
	// dropped.
	Fallback http.Handler

	// RecheckInterval caps a single close-timer wait on each facade.
	RecheckInterval time.Duration
}

// App serves one route table on any number of listeners. Each attached
// listener has its own set of live upgraded connections.
type App struct {
	router      *route.Router
	logger      *slog.Logger
	responder   route.Responder
	upgrader    *websocket.Upgrader
	metrics     *metrics.Metrics
	fallback    http.Handler
	recheck     time.Duration
	coordinator *lifecycle.Coordinator
	httpHandler http.Handler
}

// New creates an App around opts.Router.
func New(opts Options) (*App, error) {
	if opts.Router == nil {
		return nil, ErrNilRouter
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	responder := opts.Responder
	if responder == nil {
		responder = transporthttp.NewErrorResponder(logger)
	}

	var observer lifecycle.Observer
	if opts.Metrics != nil {
		observer = opts.Metrics
	}

	a := &App{
		router:    opts.Router,
		logger:    logger,
		responder: responder,
		upgrader:  opts.Upgrader,
		metrics:   opts.Metrics,
		fallback:  opts.Fallback,
		recheck:   opts.RecheckInterval,
		coordinator: lifecycle.NewCoordinator(lifecycle.Options{
			Timeout:  opts.ShutdownTimeout,
			Logger:   logger,
			Observer: observer,
		}),
	}

	var h http.Handler = http.HandlerFunc(a.serveHTTP)
	if a.metrics != nil {
		h = middleware.NewMetricsMiddleware(a.metrics)(h)
	}
	h = middleware.NewLoggingMiddleware(logger)(h)
	a.httpHandler = middleware.NewRecoveryMiddleware(responder, logger)(h)

	return a, nil
}

// Router returns the route table.
func (a *App) Router() *route.Router { return a.router }

// Responder returns the responder used for ordinary error responses.
func (a *App) Responder() route.Responder { return a.responder }

// Attach starts tracking upgraded connections accepted through l.
func (a *App) Attach(l lifecycle.Listener) error {
	return a.coordinator.Attach(l)
}

// Detach stops tracking l and soft-closes its live connections.
func (a *App) Detach(l lifecycle.Listener) {
	a.coordinator.Detach(l)
}

// Live returns the number of open upgraded connections accepted through l.
func (a *App) Live(l lifecycle.Listener) int {
	return a.coordinator.Live(l)
}

// Total returns the number of open upgraded connections on all listeners.
func (a *App) Total() int {
	return a.coordinator.Total()
}

// NewServer creates a server for cfg that is attached to the App. Its
// Shutdown waits for the server's upgraded connections and then detaches.
func (a *App) NewServer(cfg *config.Config) (Server, error) {
	hs := transporthttp.NewHTTPServer(cfg)
	if err := a.Attach(hs); err != nil {
		return nil, fmt.Errorf("attach server: %w", err)
	}
	hs.Handler = a.Handler(hs)

	return transporthttp.NewServer(hs, transporthttp.ServerOptions{
		Drain:   func(ctx context.Context) error { return a.coordinator.Drain(ctx, hs) },
		Release: func() { a.Detach(hs) },
		Logger:  a.logger,
	}), nil
}

// Handler returns the handler to serve on l. l must be attached; requests
// arriving through a detached listener get a 404.
func (a *App) Handler(l lifecycle.Listener) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.coordinator.Attached(l) {
			a.responder.Error(w, r, http.StatusNotFound, http.StatusText(http.StatusNotFound))
			return
		}
		if websocket.IsWebSocketUpgrade(r) {
			a.serveUpgrade(l, w, r)
			return
		}
		a.httpHandler.ServeHTTP(w, r)
	})
}

func (a *App) serveHTTP(w http.ResponseWriter, r *http.Request) {
	c := route.NewHTTP(w, r, route.ContextOptions{Responder: a.responder, Logger: a.logger})
	a.router.Dispatch(c, route.Final)
}

// serveUpgrade runs an upgrade attempt through the route table. It returns
// once the attempt was rejected or handed off, or once an accepted channel
// has closed, so the request context lives as long as the connection.
func (a *App) serveUpgrade(l lifecycle.Listener, w http.ResponseWriter, r *http.Request) {
	up := conn.New(w, r, conn.Options{
		Upgrader:        a.upgrader,
		Hooks:           a.hooks(l),
		Logger:          a.logger,
		RecheckInterval: a.recheck,
	})
	c := route.NewUpgrade(up, route.ContextOptions{Responder: a.responder, Logger: a.logger})
	a.dispatchUpgrade(c, up)

	if err := up.Wait(r.Context()); err != nil {
		a.count(metrics.OutcomeDropped)
		return
	}
	if up.Abandoned() {
		a.count(metrics.OutcomeAbandoned)
		a.handOff(up)
		return
	}
	if ch := up.Channel(); ch != nil {
		<-ch.Done()
	}
}

func (a *App) dispatchUpgrade(c *route.Context, up *conn.Upgrade) {
	defer func() {
		if recovered := recover(); recovered != nil {
			a.logger.Error("panic recovered during upgrade dispatch",
				"panic", recovered,
				"path", c.Request.URL.Path,
				"stack", string(debug.Stack()),
			)
			if !up.Closed() {
				_ = up.SendError(http.StatusInternalServerError, 0, "")
			}
		}
	}()
	a.router.Dispatch(c, route.Final)
}

// handOff passes an abandoned attempt to the fallback handler, or drops
// the socket when there is none.
func (a *App) handOff(up *conn.Upgrade) {
	w, r, ok := up.Released()
	if !ok {
		return
	}
	if a.fallback != nil {
		a.fallback.ServeHTTP(w, r)
		return
	}
	if netConn, _, err := http.NewResponseController(w).Hijack(); err == nil {
		_ = netConn.Close()
	}
}

// hooks combines live-set tracking for l with upgrade metrics.
func (a *App) hooks(l lifecycle.Listener) conn.Hooks {
	base := a.coordinator.Hooks(l)
	if a.metrics == nil {
		return base
	}
	m := a.metrics
	return conn.Hooks{
		Accepted: func(u *conn.Upgrade) {
			m.Upgrade(metrics.OutcomeAccepted)
			base.Accepted(u)
		},
		Released: base.Released,
		Rejected: func(_ *conn.Upgrade, status int) {
			m.Rejected(status)
		},
	}
}

func (a *App) count(outcome string) {
	if a.metrics != nil {
		a.metrics.Upgrade(outcome)
	}
}
