// Package wsproto provides shared constants for upgraded connections and the
// bearer authentication scheme used by sockroute.
package wsproto

// Close codes as defined in RFC 6455 Section 7.4.1.
const (
	// CloseNormal indicates a normal closure.
	CloseNormal = 1000

	// CloseGoingAway indicates an endpoint is going away, such as a session
	// reaching its expiry time.
	CloseGoingAway = 1001

	// CloseInternalError indicates the server hit an unexpected condition.
	CloseInternalError = 1011

	// CloseServiceRestart indicates the server is shutting down or restarting.
	CloseServiceRestart = 1012
)

// CloseApplicationBase is added to an HTTP status below 500 to produce an
// application-reserved close code (4000-4999).
const CloseApplicationBase = 4000

// Close reasons used by the server itself.
const (
	// ReasonShutdown is sent when a channel is closed by a graceful shutdown.
	ReasonShutdown = "server shutdown"

	// ReasonSessionExpired is sent when a channel outlives its token.
	ReasonSessionExpired = "Session expired"

	// ReasonTimeLimit is sent when a pending handshake reaches its close time.
	ReasonTimeLimit = "Connection time limit reached"
)

// Token type constants as defined in RFC 6750.
const (
	// BearerToken is the Bearer authentication scheme name.
	BearerToken = "Bearer"
)

// HTTP header names.
const (
	// HeaderAuthorization is the Authorization HTTP header name.
	HeaderAuthorization = "Authorization"

	// HeaderWWWAuthenticate is the WWW-Authenticate HTTP header name.
	HeaderWWWAuthenticate = "WWW-Authenticate"

	// HeaderContentType is the Content-Type HTTP header name.
	HeaderContentType = "Content-Type"

	// HeaderContentLength is the Content-Length HTTP header name.
	HeaderContentLength = "Content-Length"

	// HeaderConnection is the Connection HTTP header name.
	HeaderConnection = "Connection"
)

// Content type constants.
const (
	// ContentTypeJSON is the application/json content type.
	ContentTypeJSON = "application/json"

	// ContentTypeHTML is the text/html content type used for aborted handshakes.
	ContentTypeHTML = "text/html"

	// ContentTypeText is the text/plain content type.
	ContentTypeText = "text/plain; charset=utf-8"
)
