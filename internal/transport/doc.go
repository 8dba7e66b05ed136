// Package transport serves one route table for ordinary HTTP requests and
// upgrade attempts.
//
// # Architecture
//
// Package structure:
//
//	internal/transport/
//	├── transport.go              # Public interfaces
//	├── errors.go                 # Transport domain errors
//	├── app.go                    # App: route table, facades, shutdown coordination
//	├── wire.go                   # Factory functions
//	├── internal/
//	│   ├── http/
//	│   │   ├── server.go         # HTTP server with graceful shutdown and drain
//	│   │   └── response.go       # JSON error responder
//	│   ├── middleware/
//	│   │   ├── logging.go        # Request logging
//	│   │   ├── metrics.go        # Request metrics
//	│   │   └── recovery.go       # Panic recovery
//	│   └── handlers/
//	│       └── health.go         # Health check endpoint
//
// # Dispatch
//
// Every request reaching a listener handler is classified once. Upgrade
// attempts are wrapped in a conn.Upgrade and dispatched with an upgrade
// route.Context; everything else passes through the middleware chain and is
// dispatched with an HTTP route.Context. Both
// kinds walk the same route table, and each registration decides which
// kind it applies to.
//
// An upgrade attempt that nobody claims is answered with 404. An attempt
// that a handler abandons is passed to Options.Fallback with its original
// path, or dropped when there is none.
//
// # Shutdown
//
// Each attached listener has its own live set of accepted connections.
// When the listener's http.Server shuts down, every connection in its set
// is soft-closed: connections without open transactions close at once with
// 1012 "server shutdown", the rest close when their last transaction ends
// or when the configured shutdown timeout passes.
//
//	app, _ := transport.New(transport.Options{Router: rt, ShutdownTimeout: cfg.ShutdownDeadline})
//	srv, _ := app.NewServer(cfg)
//	go srv.Start()
//	...
//	ctx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
//	defer cancel()
//	_ = srv.Shutdown(ctx)
//
// # Endpoints
//
// The package registers no routes itself. NewHealthHandler serves a JSON
// health document including the number of open upgraded connections.
package transport
