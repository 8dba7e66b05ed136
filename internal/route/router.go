// Package route dispatches ordinary requests and upgrade attempts through
// one ordered route table.
//
// Every handler is registered for a kind: Use and Catch apply to both,
// UseHTTP, the method registrations and CatchHTTP only to ordinary
// requests, WS and CatchWS only to upgrade attempts. A handler of the wrong
// kind is skipped as if its pattern had not matched.
package route

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
)

// HandlerFunc handles a connection. Returning nil means the connection was
// handled (or passed on with Next); returning an error hands it to the
// next matching error handler.
type HandlerFunc func(c *Context) error

// ErrorHandlerFunc handles an error raised by an earlier handler. Returning
// nil means the error was handled; returning an error passes it on.
type ErrorHandlerFunc func(err error, c *Context) error

// FinalFunc is called when a connection falls off the end of the route
// table, with the unhandled error if any.
type FinalFunc func(c *Context, err error)

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the logger used to report handler failures.
func WithLogger(logger *slog.Logger) Option {
	return func(rt *Router) {
		if logger != nil {
			rt.logger = logger
		}
	}
}

// Router is an ordered list of layers. Registration is not safe for
// concurrent use and should finish before serving starts.
type Router struct {
	layers []*layer
	logger *slog.Logger
}

// New creates an empty Router.
func New(opts ...Option) *Router {
	rt := &Router{logger: slog.Default()}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

// chain is one pass of a connection through a router.
type chain struct {
	router *Router
	method string
	path   string
	done   func(err error)
}

// frame is one handler invocation.
type frame struct {
	chain  *chain
	idx    int
	params map[string]string
	rest   string
	nexted bool
}

// Use registers kind-agnostic handlers for every path under pattern.
func (rt *Router) Use(pattern string, handlers ...HandlerFunc) {
	rt.add("", pattern, true, anyKind, handlers)
}

// UseHTTP registers handlers for ordinary requests under pattern.
func (rt *Router) UseHTTP(pattern string, handlers ...HandlerFunc) {
	rt.add("", pattern, true, httpOnly, handlers)
}

// WS registers handlers for upgrade attempts on pattern.
func (rt *Router) WS(pattern string, handlers ...HandlerFunc) {
	rt.add(http.MethodGet, pattern, false, upgradeOnly, handlers)
}

// Get registers handlers for GET requests on pattern.
func (rt *Router) Get(pattern string, handlers ...HandlerFunc) {
	rt.add(http.MethodGet, pattern, false, httpOnly, handlers)
}

// Post registers handlers for POST requests on pattern.
func (rt *Router) Post(pattern string, handlers ...HandlerFunc) {
	rt.add(http.MethodPost, pattern, false, httpOnly, handlers)
}

// Put registers handlers for PUT requests on pattern.
func (rt *Router) Put(pattern string, handlers ...HandlerFunc) {
	rt.add(http.MethodPut, pattern, false, httpOnly, handlers)
}

// Patch registers handlers for PATCH requests on pattern.
func (rt *Router) Patch(pattern string, handlers ...HandlerFunc) {
	rt.add(http.MethodPatch, pattern, false, httpOnly, handlers)
}

// Delete registers handlers for DELETE requests on pattern.
func (rt *Router) Delete(pattern string, handlers ...HandlerFunc) {
	rt.add(http.MethodDelete, pattern, false, httpOnly, handlers)
}

// Head registers handlers for HEAD requests on pattern.
func (rt *Router) Head(pattern string, handlers ...HandlerFunc) {
	rt.add(http.MethodHead, pattern, false, httpOnly, handlers)
}

// Options registers handlers for OPTIONS requests on pattern.
func (rt *Router) Options(pattern string, handlers ...HandlerFunc) {
	rt.add(http.MethodOptions, pattern, false, httpOnly, handlers)
}

// All registers handlers for ordinary requests of any method on pattern.
func (rt *Router) All(pattern string, handlers ...HandlerFunc) {
	rt.add("", pattern, false, httpOnly, handlers)
}

// Catch registers kind-agnostic error handlers under pattern.
func (rt *Router) Catch(pattern string, handlers ...ErrorHandlerFunc) {
	rt.addErr(pattern, anyKind, handlers)
}

// CatchHTTP registers error handlers for ordinary requests under pattern.
func (rt *Router) CatchHTTP(pattern string, handlers ...ErrorHandlerFunc) {
	rt.addErr(pattern, httpOnly, handlers)
}

// CatchWS registers error handlers for upgrade attempts under pattern.
func (rt *Router) CatchWS(pattern string, handlers ...ErrorHandlerFunc) {
	rt.addErr(pattern, upgradeOnly, handlers)
}

func (rt *Router) add(method, pattern string, prefix bool, f filter, handlers []HandlerFunc) {
	for _, h := range handlers {
		l := newLayer(method, pattern, prefix, f)
		l.handler = h
		rt.layers = append(rt.layers, l)
	}
}

func (rt *Router) addErr(pattern string, f filter, handlers []ErrorHandlerFunc) {
	for _, h := range handlers {
		l := newLayer("", pattern, true, f)
		l.errHandler = h
		rt.layers = append(rt.layers, l)
	}
}

// Dispatch runs c through the route table from the top. final is called if
// no handler finishes the connection.
func (rt *Router) Dispatch(c *Context, final FinalFunc) {
	ch := &chain{
		router: rt,
		method: c.Request.Method,
		path:   c.Request.URL.Path,
		done: func(err error) {
			if final != nil {
				final(c, err)
			}
		},
	}
	rt.run(c, ch, 0, nil)
}

// Handle runs c through this router as a mounted sub-router: register it
// with parent.Use(prefix, sub.Handle). Paths are matched below the prefix
// and the parent chain continues when the sub-router falls through.
func (rt *Router) Handle(c *Context) error {
	parent := c.frame
	if parent == nil {
		rt.Dispatch(c, nil)
		return nil
	}

	ch := &chain{
		router: rt,
		method: parent.chain.method,
		path:   parent.rest,
		done: func(err error) {
			saved := c.frame
			c.frame = parent
			defer func() { c.frame = saved }()
			if err != nil {
				c.nextError(err)
				return
			}
			c.Next()
		},
	}
	rt.run(c, ch, 0, nil)
	return nil
}

// run invokes the first layer at or after from that matches c. Layers of
// the wrong kind are skipped; so are plain handlers while an error is
// pending and error handlers while none is.
func (rt *Router) run(c *Context, ch *chain, from int, err error) {
	for i := from; i < len(rt.layers); i++ {
		l := rt.layers[i]
		if !l.filter.allows(c.kind) {
			continue
		}
		if (err != nil) != (l.errHandler != nil) {
			continue
		}
		params, rest, ok := l.match(ch.method, ch.path)
		if !ok {
			continue
		}
		rt.call(c, ch, i, l, params, rest, err)
		return
	}
	ch.done(err)
}

func (rt *Router) call(c *Context, ch *chain, idx int, l *layer, params map[string]string, rest string, err error) {
	f := &frame{chain: ch, idx: idx, params: params, rest: rest}
	prev := c.frame
	c.frame = f
	defer func() { c.frame = prev }()

	out := rt.invoke(c, l, err)
	if out == nil {
		return
	}
	if f.nexted {
		rt.logger.Warn("handler returned an error after passing control on",
			"error", out, "path", c.Request.URL.Path, "pattern", l.pattern)
		return
	}
	if l.filter == upgradeOnly {
		rt.report(c, out)
		return
	}
	c.nextError(out)
}

// invoke runs the layer's handler, converting a panic into an error.
func (rt *Router) invoke(c *Context, l *layer, err error) (out error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			rt.logger.Error("panic recovered in handler",
				"panic", recovered,
				"kind", c.kind.String(),
				"path", c.Request.URL.Path,
				"stack", string(debug.Stack()),
			)
			out = fmt.Errorf("panic: %v", recovered)
		}
	}()

	if l.errHandler != nil {
		return l.errHandler(err, c)
	}
	return l.handler(c)
}

// report handles a failure of an upgrade-only handler. There is no response
// left to carry the error, so it is logged and the attempt is closed.
func (rt *Router) report(c *Context, err error) {
	rt.logger.Error("upgrade handler failed", "error", err, "path", c.Request.URL.Path)
	if up, ok := c.Upgrade(); ok && !up.Closed() {
		_ = up.SendError(StatusOf(err), 0, MessageOf(err))
	}
}

// Final is the default FinalFunc. Unclaimed ordinary requests get a 404 and
// unhandled errors an error response; unclaimed upgrade attempts are ended
// with a 404 and failed ones closed with the error's status.
func Final(c *Context, err error) {
	if up, ok := c.Upgrade(); ok {
		if err == nil {
			_ = up.End()
			return
		}
		c.Logger().Error("unhandled error on upgrade", "error", err, "path", c.Request.URL.Path)
		if !up.Closed() {
			_ = up.SendError(StatusOf(err), 0, MessageOf(err))
		}
		return
	}

	if err == nil {
		if !c.Written() {
			_ = c.Abort(http.StatusNotFound, "")
		}
		return
	}
	status := StatusOf(err)
	if status >= http.StatusInternalServerError {
		c.Logger().Error("unhandled error", "error", err, "path", c.Request.URL.Path)
	}
	if !c.Written() {
		_ = c.Abort(status, MessageOf(err))
	}
}

// HTTP adapts h to a HandlerFunc. Upgrade attempts pass straight on to the
// next handler.
func HTTP(h http.Handler) HandlerFunc {
	return func(c *Context) error {
		if c.kind != KindHTTP {
			c.Next()
			return nil
		}
		h.ServeHTTP(c.Writer(), c.Request)
		return nil
	}
}
