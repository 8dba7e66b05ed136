// Package token validates bearer tokens and exposes their claims.
package token

import (
	"encoding/json"
	"math"
	"strings"
	"time"
)

// Claims is a decoded token payload.
type Claims map[string]any

// Number returns a numeric claim.
func (c Claims) Number(name string) (float64, bool) {
	switch v := c[name].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// NotBefore returns the nbf claim.
func (c Claims) NotBefore() (time.Time, bool) {
	return c.time("nbf")
}

// Expiry returns the exp claim.
func (c Claims) Expiry() (time.Time, bool) {
	return c.time("exp")
}

func (c Claims) time(name string) (time.Time, bool) {
	n, ok := c.Number(name)
	if !ok {
		return time.Time{}, false
	}
	sec, frac := math.Modf(n)
	return time.Unix(int64(sec), int64(frac*1e9)), true
}

// Subject returns the sub claim.
func (c Claims) Subject() string {
	s, _ := c["sub"].(string)
	return s
}

// ValidAt reports whether now lies within [nbf, exp). Missing bounds are
// open.
func (c Claims) ValidAt(now time.Time) bool {
	if nbf, ok := c.NotBefore(); ok && now.Before(nbf) {
		return false
	}
	if exp, ok := c.Expiry(); ok && !now.Before(exp) {
		return false
	}
	return true
}

// Scopes returns the set of scopes granted by the claims. The "scopes"
// claim may be an array of names, an object mapping names to booleans or a
// single name. The OAuth "scope" claim is a space-separated list.
func (c Claims) Scopes() map[string]bool {
	set := make(map[string]bool)
	switch v := c["scopes"].(type) {
	case []any:
		for _, s := range v {
			if name, ok := s.(string); ok && name != "" {
				set[name] = true
			}
		}
	case []string:
		for _, name := range v {
			if name != "" {
				set[name] = true
			}
		}
	case map[string]any:
		for name, granted := range v {
			if b, ok := granted.(bool); ok && b {
				set[name] = true
			}
		}
	case map[string]bool:
		for name, granted := range v {
			if granted {
				set[name] = true
			}
		}
	case string:
		if v != "" {
			set[v] = true
		}
	}
	if s, ok := c["scope"].(string); ok {
		addScopes(set, s)
	}
	return set
}

// HasScope reports whether scope was granted.
func (c Claims) HasScope(scope string) bool {
	return c.Scopes()[scope]
}

func addScopes(set map[string]bool, s string) {
	for _, name := range strings.Fields(s) {
		set[name] = true
	}
}
