package token

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	ierrors "github.com/jamesprial/sockroute/internal/errors"
)

// DefaultJWKSTTL is how long fetched keys are trusted before a refetch.
const DefaultJWKSTTL = 10 * time.Minute

// maxJWKSBody caps the size of a key set document.
const maxJWKSBody = 1 << 20

// KeySet is a JSON Web Key Set document.
type KeySet struct {
	Keys []JWK `json:"keys"`
}

// JWK is a single public JSON Web Key. Only RSA and EC keys are used.
type JWK struct {
	KeyType   string `json:"kty"`
	Use       string `json:"use,omitempty"`
	KeyID     string `json:"kid"`
	Algorithm string `json:"alg,omitempty"`

	N string `json:"n,omitempty"`
	E string `json:"e,omitempty"`

	Curve string `json:"crv,omitempty"`
	X     string `json:"x,omitempty"`
	Y     string `json:"y,omitempty"`
}

// JWKSOptions configures a JWKS key provider.
type JWKSOptions struct {
	// TTL is how long a fetched key set is used. Zero uses DefaultJWKSTTL.
	TTL time.Duration

	// MinRefresh limits refetches triggered by unknown key ids. Zero
	// allows one per second.
	MinRefresh time.Duration

	// Client performs the fetch. Nil uses a client with a 10s timeout.
	Client *http.Client

	// Now returns the current time. Nil uses time.Now.
	Now func() time.Time
}

// JWKS is a KeyProvider that fetches keys from a JWKS endpoint and caches
// them. It is safe for concurrent use.
type JWKS struct {
	url        string
	client     *http.Client
	ttl        time.Duration
	minRefresh time.Duration
	now        func() time.Time

	mu        sync.Mutex
	keys      map[string]any
	fetchedAt time.Time
}

// NewJWKS creates a key provider for the key set served at url. Nothing is
// fetched until the first lookup.
func NewJWKS(url string, opts JWKSOptions) (*JWKS, error) {
	if !strings.HasPrefix(url, "https://") && !strings.HasPrefix(url, "http://") {
		return nil, ierrors.New(domainToken, "NewJWKS", ierrors.ErrInternal,
			fmt.Errorf("jwks url must be http or https: %q", url))
	}
	k := &JWKS{
		url:        url,
		client:     opts.Client,
		ttl:        opts.TTL,
		minRefresh: opts.MinRefresh,
		now:        opts.Now,
	}
	if k.client == nil {
		k.client = &http.Client{Timeout: 10 * time.Second}
	}
	if k.ttl <= 0 {
		k.ttl = DefaultJWKSTTL
	}
	if k.minRefresh <= 0 {
		k.minRefresh = time.Second
	}
	if k.now == nil {
		k.now = time.Now
	}
	return k, nil
}

// GetKey implements KeyProvider. A stale set is refetched; an unknown key id
// triggers a refetch at most once per MinRefresh, so rotated keys are
// picked up without letting bad tokens hammer the endpoint.
func (k *JWKS) GetKey(ctx context.Context, keyID string) (any, error) {
	if keyID == "" {
		return nil, keyNotFound(keyID)
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	now := k.now()
	fresh := k.keys != nil && now.Sub(k.fetchedAt) < k.ttl
	if key, ok := k.keys[keyID]; ok && fresh {
		return key, nil
	}
	if fresh && now.Sub(k.fetchedAt) < k.minRefresh {
		return nil, keyNotFound(keyID)
	}

	if err := k.refreshLocked(ctx); err != nil {
		return nil, err
	}
	if key, ok := k.keys[keyID]; ok {
		return key, nil
	}
	return nil, keyNotFound(keyID)
}

// Refresh refetches the key set.
func (k *JWKS) Refresh(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.refreshLocked(ctx)
}

func (k *JWKS) refreshLocked(ctx context.Context) error {
	set, err := k.fetch(ctx)
	if err != nil {
		return err
	}

	keys := make(map[string]any, len(set.Keys))
	for i := range set.Keys {
		jwk := &set.Keys[i]
		if jwk.KeyID == "" || (jwk.Use != "" && jwk.Use != "sig") {
			continue
		}
		key, err := jwk.PublicKey()
		if err != nil {
			continue
		}
		keys[jwk.KeyID] = key
	}
	k.keys = keys
	k.fetchedAt = k.now()
	return nil
}

func (k *JWKS) fetch(ctx context.Context) (*KeySet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.url, nil)
	if err != nil {
		return nil, fetchError(k.url, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := k.client.Do(req)
	if err != nil {
		return nil, fetchError(k.url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fetchError(k.url, fmt.Errorf("jwks endpoint returned status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxJWKSBody))
	if err != nil {
		return nil, fetchError(k.url, err)
	}

	var set KeySet
	if err := json.Unmarshal(body, &set); err != nil {
		return nil, fetchError(k.url, err)
	}
	return &set, nil
}

// PublicKey converts the JWK into an *rsa.PublicKey or *ecdsa.PublicKey.
func (j *JWK) PublicKey() (any, error) {
	switch j.KeyType {
	case "RSA":
		return j.rsaKey()
	case "EC":
		return j.ecdsaKey()
	default:
		return nil, fmt.Errorf("unsupported key type: %s", j.KeyType)
	}
}

func (j *JWK) rsaKey() (*rsa.PublicKey, error) {
	if j.N == "" || j.E == "" {
		return nil, fmt.Errorf("missing RSA key parameters")
	}
	n, err := decodeSegment(j.N)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	e, err := decodeSegment(j.E)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	exp := new(big.Int).SetBytes(e)
	if !exp.IsInt64() || exp.Int64() < 2 || exp.Int64() > 1<<31-1 {
		return nil, fmt.Errorf("invalid RSA exponent")
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(n),
		E: int(exp.Int64()),
	}, nil
}

func (j *JWK) ecdsaKey() (*ecdsa.PublicKey, error) {
	if j.X == "" || j.Y == "" || j.Curve == "" {
		return nil, fmt.Errorf("missing EC key parameters")
	}
	var curve elliptic.Curve
	switch j.Curve {
	case "P-256":
		curve = elliptic.P256()
	case "P-384":
		curve = elliptic.P384()
	case "P-521":
		curve = elliptic.P521()
	default:
		return nil, fmt.Errorf("unsupported curve: %s", j.Curve)
	}
	x, err := decodeSegment(j.X)
	if err != nil {
		return nil, fmt.Errorf("decode x coordinate: %w", err)
	}
	y, err := decodeSegment(j.Y)
	if err != nil {
		return nil, fmt.Errorf("decode y coordinate: %w", err)
	}
	return &ecdsa.PublicKey{
		Curve: curve,
		X:     new(big.Int).SetBytes(x),
		Y:     new(big.Int).SetBytes(y),
	}, nil
}

// decodeSegment decodes base64url with or without padding.
func decodeSegment(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}

func keyNotFound(keyID string) error {
	return ierrors.New(domainToken, "GetKey", ierrors.ErrNotFound, nil).
		WithContext("kid", keyID)
}

func fetchError(url string, err error) error {
	return ierrors.New(domainToken, "FetchJWKS", ierrors.ErrInternal, err).
		WithContext("url", url)
}
