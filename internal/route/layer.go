package route

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

// filter restricts a layer to one connection kind.
type filter int

const (
	anyKind filter = iota
	httpOnly
	upgradeOnly
)

func (f filter) allows(k Kind) bool {
	switch f {
	case httpOnly:
		return k == KindHTTP
	case upgradeOnly:
		return k == KindUpgrade
	default:
		return true
	}
}

var matchOnly = http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})

// layer is one registered handler. Pattern matching is delegated to a
// single-route chi mux.
type layer struct {
	method     string
	pattern    string
	prefix     bool
	filter     filter
	handler    HandlerFunc
	errHandler ErrorHandlerFunc
	mux        *chi.Mux
}

func newLayer(method, pattern string, prefix bool, f filter) *layer {
	if pattern == "" {
		pattern = "/"
	}
	mux := chi.NewRouter()
	register := func(p string) {
		if method == "" {
			mux.Handle(p, matchOnly)
		} else {
			mux.Method(method, p, matchOnly)
		}
	}
	register(pattern)
	if prefix {
		register(strings.TrimSuffix(pattern, "/") + "/*")
	}

	return &layer{
		method:  method,
		pattern: pattern,
		prefix:  prefix,
		filter:  f,
		mux:     mux,
	}
}

// match reports whether the layer applies to method and path. For prefix
// layers rest is the path below the prefix, always starting with "/".
func (l *layer) match(method, path string) (params map[string]string, rest string, ok bool) {
	rctx := chi.NewRouteContext()
	if !l.mux.Match(rctx, method, path) {
		return nil, "", false
	}

	for i, key := range rctx.URLParams.Keys {
		if key == "*" {
			continue
		}
		if params == nil {
			params = make(map[string]string, len(rctx.URLParams.Keys))
		}
		params[key] = rctx.URLParams.Values[i]
	}

	rest = path
	if l.prefix {
		rest = "/" + rctx.URLParam("*")
	}
	return params, rest, true
}
