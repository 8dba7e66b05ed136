// Package auth implements bearer token authentication for ordinary requests
// and upgrade attempts.
//
// Ordinary requests present the token in the Authorization header. Upgrade
// attempts may do the same or, since browsers cannot set headers on upgrade
// requests, send it as the first text message after the upgrade.
package auth

import (
	"errors"
	"strings"
	"time"

	ierrors "github.com/jamesprial/sockroute/internal/errors"
	"github.com/jamesprial/sockroute/internal/route"
	"github.com/jamesprial/sockroute/pkg/wsproto"
)

// DefaultTokenTimeout bounds the wait for a token sent as the first message.
const DefaultTokenTimeout = 5 * time.Second

const domainAuth = "auth"

// ResolveToken returns the bearer token presented by c, or "" if none was.
//
// An Authorization header with a scheme other than Bearer counts as no
// token. Without the header an upgrade attempt is accepted and the first
// message is read as the token, waiting at most timeout; a binary message
// fails with ErrTokenTypeMismatch.
func ResolveToken(c *route.Context, timeout time.Duration) (string, error) {
	if header := c.Request.Header.Get(wsproto.HeaderAuthorization); header != "" {
		scheme, token, _ := strings.Cut(header, " ")
		if !strings.EqualFold(scheme, wsproto.BearerToken) {
			return "", nil
		}
		return strings.TrimSpace(token), nil
	}

	up, ok := c.Upgrade()
	if !ok {
		return "", nil
	}

	ch, err := up.Accept()
	if err != nil {
		return "", err
	}
	msg, err := ch.NextMessage(c.Context(), timeout)
	if err != nil {
		return "", ierrors.New(domainAuth, "ResolveToken", ierrors.ErrUnauthorized, err)
	}
	if msg.IsBinary() {
		return "", ierrors.New(domainAuth, "ResolveToken", ierrors.ErrTokenTypeMismatch, nil)
	}
	return string(msg.Data), nil
}

// failureReason classifies a token retrieval error for logs and metrics.
func failureReason(err error) string {
	switch {
	case errors.Is(err, ierrors.ErrTokenTypeMismatch):
		return "binary_token"
	case errors.Is(err, ierrors.ErrAlreadyClosed):
		return "closed"
	default:
		return "no_token"
	}
}
