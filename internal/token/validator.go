package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	ierrors "github.com/jamesprial/sockroute/internal/errors"
)

const domainToken = "token"

// KeyProvider resolves verification keys for asymmetric algorithms by key id.
type KeyProvider interface {
	GetKey(ctx context.Context, keyID string) (any, error)
}

// StaticKeys is a KeyProvider backed by a fixed map.
type StaticKeys map[string]any

// GetKey implements KeyProvider.
func (k StaticKeys) GetKey(_ context.Context, keyID string) (any, error) {
	key, ok := k[keyID]
	if !ok {
		return nil, fmt.Errorf("unknown key id %q", keyID)
	}
	return key, nil
}

var hmacAlgorithms = map[string]bool{
	"HS256": true,
	"HS384": true,
	"HS512": true,
}

var asymmetricAlgorithms = map[string]bool{
	"RS256": true,
	"RS384": true,
	"RS512": true,
	"ES256": true,
	"ES384": true,
	"ES512": true,
}

// Options configures a Validator. At least one of Secret and Keys must be
// set.
type Options struct {
	// Secret verifies HS256/384/512 tokens.
	Secret []byte

	// Keys verifies RS* and ES* tokens by their kid header.
	Keys KeyProvider

	// Audience, when set, must appear in the aud claim.
	Audience string

	// Issuer, when set, must equal the iss claim.
	Issuer string

	// ClockSkew is the leeway applied to exp, nbf and iat.
	ClockSkew time.Duration
}

// Validator verifies JWT bearer tokens.
type Validator struct {
	opts Options
}

// NewValidator creates a Validator.
func NewValidator(opts Options) (*Validator, error) {
	if len(opts.Secret) == 0 && opts.Keys == nil {
		return nil, ierrors.New(domainToken, "NewValidator", ierrors.ErrInternal,
			errors.New("a secret or a key provider is required"))
	}
	return &Validator{opts: opts}, nil
}

// Validate verifies the signature and registered claims of tokenString and
// returns its payload.
func (v *Validator) Validate(ctx context.Context, tokenString string) (Claims, error) {
	unverified, _, err := jwt.NewParser(jwt.WithoutClaimsValidation()).
		ParseUnverified(tokenString, jwt.MapClaims{})
	if err != nil {
		return nil, invalid("malformed token", err)
	}

	alg, _ := unverified.Header["alg"].(string)
	key, err := v.keyFor(ctx, alg, unverified.Header)
	if err != nil {
		return nil, err
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{alg}),
		jwt.WithLeeway(v.opts.ClockSkew),
	}
	if v.opts.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(v.opts.Audience))
	}
	if v.opts.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.opts.Issuer))
	}

	parsed, err := jwt.Parse(tokenString, func(*jwt.Token) (any, error) {
		return key, nil
	}, parserOpts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, invalid("token expired", err)
		}
		return nil, invalid("token rejected", err)
	}

	mapClaims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return nil, invalid("token rejected", nil)
	}
	return Claims(mapClaims), nil
}

// keyFor returns the verification key for alg, refusing algorithms that are
// not configured so that a token cannot choose its own verification scheme.
func (v *Validator) keyFor(ctx context.Context, alg string, header map[string]any) (any, error) {
	switch {
	case hmacAlgorithms[alg] && len(v.opts.Secret) > 0:
		return v.opts.Secret, nil
	case asymmetricAlgorithms[alg] && v.opts.Keys != nil:
		kid, _ := header["kid"].(string)
		if kid == "" {
			return nil, invalid("missing kid in token header", nil)
		}
		key, err := v.opts.Keys.GetKey(ctx, kid)
		if err != nil {
			return nil, invalid("unknown signing key", err)
		}
		return key, nil
	default:
		if alg == "" {
			alg = "none"
		}
		return nil, invalid("unsupported algorithm", nil).WithContext("alg", alg)
	}
}

func invalid(reason string, err error) *ierrors.DomainError {
	return ierrors.New(domainToken, "Validate", ierrors.ErrUnauthorized, err).
		WithContext("reason", reason)
}
