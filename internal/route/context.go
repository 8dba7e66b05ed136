package route

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/jamesprial/sockroute/internal/conn"
)

// Kind tags the connection carried by a Context.
type Kind int

const (
	// KindHTTP is an ordinary request/response exchange.
	KindHTTP Kind = iota + 1

	// KindUpgrade is an upgrade attempt wrapped in a conn.Upgrade.
	KindUpgrade
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindHTTP:
		return "http"
	case KindUpgrade:
		return "upgrade"
	default:
		return "unknown"
	}
}

// Responder writes HTTP error responses for ordinary requests.
type Responder interface {
	Error(w http.ResponseWriter, r *http.Request, status int, message string)
}

// ResponderFunc adapts a function to Responder.
type ResponderFunc func(w http.ResponseWriter, r *http.Request, status int, message string)

// Error calls f.
func (f ResponderFunc) Error(w http.ResponseWriter, r *http.Request, status int, message string) {
	f(w, r, status, message)
}

// plainResponder is used when no Responder is configured.
var plainResponder = ResponderFunc(func(w http.ResponseWriter, _ *http.Request, status int, message string) {
	http.Error(w, message, status)
})

// ContextOptions configures a new Context.
type ContextOptions struct {
	Responder Responder
	Logger    *slog.Logger
}

// Context carries one connection through the handler chain. Exactly one of
// Writer and Upgrade is set, as reported by Kind.
type Context struct {
	// Request is the inbound request. Middleware may replace it to attach
	// request-scoped values.
	Request *http.Request

	kind      Kind
	w         *trackingWriter
	up        *conn.Upgrade
	responder Responder
	logger    *slog.Logger
	frame     *frame
}

// NewHTTP wraps an ordinary request.
func NewHTTP(w http.ResponseWriter, r *http.Request, opts ContextOptions) *Context {
	c := newContext(KindHTTP, r, opts)
	c.w = &trackingWriter{ResponseWriter: w}
	return c
}

// NewUpgrade wraps an upgrade attempt.
func NewUpgrade(up *conn.Upgrade, opts ContextOptions) *Context {
	c := newContext(KindUpgrade, up.Request(), opts)
	c.up = up
	return c
}

func newContext(kind Kind, r *http.Request, opts ContextOptions) *Context {
	responder := opts.Responder
	if responder == nil {
		responder = plainResponder
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Context{
		Request:   r,
		kind:      kind,
		responder: responder,
		logger:    logger,
	}
}

// Kind reports which kind of connection the context carries.
func (c *Context) Kind() Kind { return c.kind }

// Writer returns the response writer of an ordinary request, or nil.
func (c *Context) Writer() http.ResponseWriter {
	if c.w == nil {
		return nil
	}
	return c.w
}

// Upgrade returns the facade of an upgrade attempt.
func (c *Context) Upgrade() (*conn.Upgrade, bool) {
	return c.up, c.up != nil
}

// Logger returns the logger for this connection.
func (c *Context) Logger() *slog.Logger { return c.logger }

// Context returns the request context.
func (c *Context) Context() context.Context { return c.Request.Context() }

// WithValue attaches a request-scoped value.
func (c *Context) WithValue(key, value any) {
	c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), key, value))
}

// Header returns the headers of the eventual response.
func (c *Context) Header() http.Header {
	if c.up != nil {
		return c.up.Header()
	}
	return c.w.Header()
}

// Param returns a URL parameter captured by the current layer's pattern.
func (c *Context) Param(name string) string {
	if c.frame == nil {
		return ""
	}
	return c.frame.params[name]
}

// Path returns the path the current layer is matched against. Inside a
// mounted router this is the part after the mount prefix.
func (c *Context) Path() string {
	if c.frame == nil {
		return c.Request.URL.Path
	}
	return c.frame.chain.path
}

// Written reports whether a response was started: headers written for an
// ordinary request, accepted or closed for an upgrade attempt.
func (c *Context) Written() bool {
	if c.up != nil {
		return c.up.Accepted() || c.up.Closed()
	}
	return c.w.written
}

// Next passes control to the next matching handler. It must be called
// from the handler's own goroutine before the handler returns, and at most
// once per handler; later calls are ignored.
func (c *Context) Next() {
	f := c.frame
	if f == nil || f.nexted {
		return
	}
	f.nexted = true
	f.chain.router.run(c, f.chain, f.idx+1, nil)
}

// nextError continues the chain on the error path.
func (c *Context) nextError(err error) {
	f := c.frame
	if f == nil || f.nexted {
		return
	}
	f.nexted = true
	f.chain.router.run(c, f.chain, f.idx+1, err)
}

// Abort ends the connection with an error status. Ordinary requests get an
// error response; upgrade attempts are rejected, or closed with a
// status-derived code once accepted.
func (c *Context) Abort(status int, message string) error {
	if c.up != nil {
		return c.up.SendError(status, 0, message)
	}
	if message == "" {
		message = http.StatusText(status)
	}
	c.responder.Error(c.w, c.Request, status, message)
	return nil
}

// trackingWriter records whether the response was started.
type trackingWriter struct {
	http.ResponseWriter
	written bool
}

func (w *trackingWriter) WriteHeader(code int) {
	w.written = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *trackingWriter) Write(b []byte) (int, error) {
	w.written = true
	return w.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *trackingWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
