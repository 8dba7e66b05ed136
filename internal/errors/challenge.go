package errors

import (
	"fmt"
	"strings"
)

// Challenge describes a Bearer authentication challenge as sent in the
// WWW-Authenticate header of 401 and 403 responses (RFC 6750 Section 3).
type Challenge struct {
	// Realm is the protection space presented to the caller.
	Realm string

	// Scope is the space-separated list of scopes required by the resource.
	Scope string

	// ErrorCode is an optional RFC 6750 error code (e.g., "insufficient_scope").
	ErrorCode string
}

// String formats the challenge as a WWW-Authenticate header value.
//
// Example output:
//
//	Bearer realm="chat", scope="write"
func (c Challenge) String() string {
	var parts []string

	if c.Realm != "" {
		parts = append(parts, fmt.Sprintf(`realm="%s"`, escapeQuotes(c.Realm)))
	}
	if c.ErrorCode != "" {
		parts = append(parts, fmt.Sprintf(`error="%s"`, escapeQuotes(c.ErrorCode)))
	}
	if c.Scope != "" {
		parts = append(parts, fmt.Sprintf(`scope="%s"`, escapeQuotes(c.Scope)))
	}

	if len(parts) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(parts, ", ")
}

// escapeQuotes escapes double quotes in strings for use in header values.
func escapeQuotes(s string) string {
	return strings.ReplaceAll(s, `"`, `\"`)
}
