package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	ierrors "github.com/jamesprial/sockroute/internal/errors"
	"github.com/jamesprial/sockroute/internal/route"
	"github.com/jamesprial/sockroute/internal/token"
	"github.com/jamesprial/sockroute/pkg/wsproto"
)

// RealmFunc resolves the realm for a connection.
type RealmFunc func(c *route.Context) (string, error)

// StaticRealm returns a RealmFunc that always resolves to realm.
func StaticRealm(realm string) RealmFunc {
	return func(*route.Context) (string, error) { return realm, nil }
}

// ValidateFunc checks a token and returns its claims. Nil claims or an
// error reject the token.
type ValidateFunc func(ctx context.Context, tok, realm string, c *route.Context) (token.Claims, error)

// TokenValidator validates tokens independently of realm and connection.
// *token.Validator satisfies it.
type TokenValidator interface {
	Validate(ctx context.Context, tok string) (token.Claims, error)
}

// FromValidator adapts a TokenValidator to a ValidateFunc.
func FromValidator(v TokenValidator) ValidateFunc {
	return func(ctx context.Context, tok, _ string, _ *route.Context) (token.Claims, error) {
		return v.Validate(ctx, tok)
	}
}

// Observer is told about rejected credentials.
type Observer interface {
	AuthFailed(reason string)
}

// Options configures the bearer middleware.
type Options struct {
	// TokenTimeout bounds the wait for a first-message token. Zero uses
	// DefaultTokenTimeout.
	TokenTimeout time.Duration

	// Now returns the current time. Nil uses time.Now.
	Now func() time.Time

	Logger   *slog.Logger
	Observer Observer
}

// Info is the request-scoped result of a successful authentication.
type Info struct {
	Realm  string
	Claims token.Claims
	Scopes map[string]bool
}

type infoKey struct{}

// FromContext returns the authentication info stored by RequireBearer.
func FromContext(ctx context.Context) (*Info, bool) {
	info, ok := ctx.Value(infoKey{}).(*Info)
	return info, ok && info != nil
}

// ClaimsFrom returns the validated claims, or nil if the connection was not
// authenticated.
func ClaimsFrom(ctx context.Context) token.Claims {
	if info, ok := FromContext(ctx); ok {
		return info.Claims
	}
	return nil
}

// HasScope reports whether the authenticated caller was granted scope.
func HasScope(ctx context.Context, scope string) bool {
	info, ok := FromContext(ctx)
	return ok && info.Scopes[scope]
}

type bearer struct {
	realm    RealmFunc
	validate ValidateFunc
	timeout  time.Duration
	now      func() time.Time
	logger   *slog.Logger
	observer Observer
}

// RequireBearer returns middleware that admits only connections presenting
// a valid bearer token. Rejected ordinary requests get a 401 with a
// WWW-Authenticate challenge; rejected upgrade attempts get the same before
// acceptance and a 4401 close afterwards. On success the auth Info is
// stored in the request context and, for upgrade attempts whose token
// expires, the channel is scheduled to close at the expiry time.
func RequireBearer(realm RealmFunc, validate ValidateFunc, opts Options) (route.HandlerFunc, error) {
	if realm == nil {
		return nil, ierrors.New(domainAuth, "RequireBearer", ierrors.ErrInvalidRealm, nil)
	}
	if validate == nil {
		return nil, ierrors.New(domainAuth, "RequireBearer", ierrors.ErrInternal, nil).
			WithContext("reason", "validate func is nil")
	}

	b := &bearer{
		realm:    realm,
		validate: validate,
		timeout:  opts.TokenTimeout,
		now:      opts.Now,
		logger:   opts.Logger,
		observer: opts.Observer,
	}
	if b.timeout <= 0 {
		b.timeout = DefaultTokenTimeout
	}
	if b.now == nil {
		b.now = time.Now
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	return b.handle, nil
}

func (b *bearer) handle(c *route.Context) error {
	now := b.now()

	realm, err := b.realm(c)
	if err != nil || realm == "" {
		return ierrors.New(domainAuth, "RequireBearer", ierrors.ErrInvalidRealm, err)
	}

	tok, err := ResolveToken(c, b.timeout)
	if err != nil {
		return b.reject(c, realm, failureReason(err), err)
	}
	if tok == "" {
		return b.reject(c, realm, "no_token", nil)
	}

	claims, err := b.validate(c.Context(), tok, realm, c)
	if err != nil || claims == nil {
		return b.reject(c, realm, "invalid_token", err)
	}
	if !claims.ValidAt(now) {
		return b.reject(c, realm, "outside_validity", nil)
	}

	if exp, ok := claims.Expiry(); ok {
		if up, isUpgrade := c.Upgrade(); isUpgrade {
			up.CloseAtTime(exp, wsproto.CloseGoingAway, wsproto.ReasonSessionExpired)
		}
	}

	c.WithValue(infoKey{}, &Info{
		Realm:  realm,
		Claims: claims,
		Scopes: claims.Scopes(),
	})
	c.Next()
	return nil
}

func (b *bearer) reject(c *route.Context, realm, reason string, err error) error {
	b.logger.Debug("bearer authentication failed",
		"reason", reason,
		"kind", c.Kind().String(),
		"path", c.Request.URL.Path,
		"error", err,
	)
	if b.observer != nil {
		b.observer.AuthFailed(reason)
	}

	c.Header().Set(wsproto.HeaderWWWAuthenticate, ierrors.Challenge{Realm: realm}.String())
	return ignoreClosed(c.Abort(http.StatusUnauthorized, ""))
}

// RequireScope returns middleware that admits only callers granted scope.
// It must run after RequireBearer. Rejections are 403 with a challenge
// naming the scope, or a 4403 close on an accepted channel.
func RequireScope(scope string) route.HandlerFunc {
	return func(c *route.Context) error {
		info, ok := FromContext(c.Context())
		if ok && info.Scopes[scope] {
			c.Next()
			return nil
		}

		challenge := ierrors.Challenge{Scope: scope}
		if ok {
			challenge.Realm = info.Realm
		}
		c.Header().Set(wsproto.HeaderWWWAuthenticate, challenge.String())
		return ignoreClosed(c.Abort(http.StatusForbidden, ""))
	}
}

// ignoreClosed drops ErrAlreadyClosed: a peer that went away while being
// rejected needs no further handling.
func ignoreClosed(err error) error {
	if errors.Is(err, ierrors.ErrAlreadyClosed) {
		return nil
	}
	return err
}
