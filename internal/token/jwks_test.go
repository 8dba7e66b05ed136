package token

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	ierrors "github.com/jamesprial/sockroute/internal/errors"
)

// keyServer serves a mutable key set and counts fetches.
type keyServer struct {
	mu      sync.Mutex
	set     KeySet
	status  int
	fetches atomic.Int32
}

func (s *keyServer) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	s.fetches.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != 0 {
		w.WriteHeader(s.status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.set)
}

func (s *keyServer) setKeys(keys ...JWK) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.set = KeySet{Keys: keys}
}

func rsaJWK(kid string, key *rsa.PublicKey) JWK {
	return JWK{
		KeyType: "RSA",
		Use:     "sig",
		KeyID:   kid,
		N:       base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
		E:       base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
	}
}

func ecJWK(kid string, key *ecdsa.PublicKey) JWK {
	return JWK{
		KeyType: "EC",
		KeyID:   kid,
		Curve:   "P-256",
		X:       base64.RawURLEncoding.EncodeToString(key.X.Bytes()),
		Y:       base64.RawURLEncoding.EncodeToString(key.Y.Bytes()),
	}
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newKeyServer(t *testing.T) (*keyServer, string) {
	t.Helper()
	ks := &keyServer{}
	srv := httptest.NewServer(ks)
	t.Cleanup(srv.Close)
	return ks, srv.URL + "/.well-known/jwks.json"
}

func TestNewJWKS_RejectsNonHTTPURL(t *testing.T) {
	t.Parallel()

	for _, url := range []string{"", "file:///etc/jwks.json", "example.com/jwks"} {
		if _, err := NewJWKS(url, JWKSOptions{}); err == nil {
			t.Errorf("NewJWKS(%q) error = nil, want error", url)
		}
	}
}

func TestJWKS_ValidatesRSAAndECTokens(t *testing.T) {
	t.Parallel()

	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate ec key: %v", err)
	}

	ks, url := newKeyServer(t)
	ks.setKeys(rsaJWK("rsa-1", &rsaKey.PublicKey), ecJWK("ec-1", &ecKey.PublicKey))

	keys, err := NewJWKS(url, JWKSOptions{})
	if err != nil {
		t.Fatalf("NewJWKS() error = %v", err)
	}
	v, err := NewValidator(Options{Keys: keys})
	if err != nil {
		t.Fatalf("NewValidator() error = %v", err)
	}

	claims := jwt.MapClaims{"sub": "alice", "exp": time.Now().Add(time.Hour).Unix()}
	sign := func(method jwt.SigningMethod, kid string, key any) string {
		tok := jwt.NewWithClaims(method, claims)
		tok.Header["kid"] = kid
		s, err := tok.SignedString(key)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		return s
	}

	tests := []struct {
		name    string
		token   string
		wantErr bool
	}{
		{name: "rsa", token: sign(jwt.SigningMethodRS256, "rsa-1", rsaKey)},
		{name: "ec", token: sign(jwt.SigningMethodES256, "ec-1", ecKey)},
		{name: "wrong kid", token: sign(jwt.SigningMethodRS256, "ec-1", rsaKey), wantErr: true},
		{name: "unknown kid", token: sign(jwt.SigningMethodRS256, "rsa-9", rsaKey), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := v.Validate(context.Background(), tt.token)
			if tt.wantErr {
				if !errors.Is(err, ierrors.ErrUnauthorized) {
					t.Errorf("Validate() error = %v, want ErrUnauthorized", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Validate() error = %v", err)
			}
			if got.Subject() != "alice" {
				t.Errorf("Subject() = %q, want alice", got.Subject())
			}
		})
	}
}

func TestJWKS_CachesUntilTTL(t *testing.T) {
	t.Parallel()

	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	ks, url := newKeyServer(t)
	ks.setKeys(rsaJWK("k1", &rsaKey.PublicKey))

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	keys, err := NewJWKS(url, JWKSOptions{TTL: time.Minute, Now: clock.Now})
	if err != nil {
		t.Fatalf("NewJWKS() error = %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := keys.GetKey(ctx, "k1"); err != nil {
			t.Fatalf("GetKey() error = %v", err)
		}
	}
	if got := ks.fetches.Load(); got != 1 {
		t.Errorf("fetches = %d, want 1", got)
	}

	clock.Advance(2 * time.Minute)
	if _, err := keys.GetKey(ctx, "k1"); err != nil {
		t.Fatalf("GetKey() after ttl error = %v", err)
	}
	if got := ks.fetches.Load(); got != 2 {
		t.Errorf("fetches after ttl = %d, want 2", got)
	}
}

func TestJWKS_UnknownKeyRefetchIsRateLimited(t *testing.T) {
	t.Parallel()

	oldKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	ks, url := newKeyServer(t)
	ks.setKeys(rsaJWK("old", &oldKey.PublicKey))

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	keys, err := NewJWKS(url, JWKSOptions{MinRefresh: 10 * time.Second, Now: clock.Now})
	if err != nil {
		t.Fatalf("NewJWKS() error = %v", err)
	}

	ctx := context.Background()
	if _, err := keys.GetKey(ctx, "old"); err != nil {
		t.Fatalf("GetKey(old) error = %v", err)
	}

	ks.setKeys(rsaJWK("old", &oldKey.PublicKey), rsaJWK("new", &oldKey.PublicKey))
	if _, err := keys.GetKey(ctx, "new"); !errors.Is(err, ierrors.ErrNotFound) {
		t.Errorf("GetKey(new) inside min refresh error = %v, want ErrNotFound", err)
	}
	if got := ks.fetches.Load(); got != 1 {
		t.Errorf("fetches = %d, want 1", got)
	}

	clock.Advance(11 * time.Second)
	if _, err := keys.GetKey(ctx, "new"); err != nil {
		t.Errorf("GetKey(new) after min refresh error = %v", err)
	}
}

func TestJWKS_FetchFailure(t *testing.T) {
	t.Parallel()

	ks, url := newKeyServer(t)
	ks.mu.Lock()
	ks.status = http.StatusServiceUnavailable
	ks.mu.Unlock()

	keys, err := NewJWKS(url, JWKSOptions{})
	if err != nil {
		t.Fatalf("NewJWKS() error = %v", err)
	}
	if _, err := keys.GetKey(context.Background(), "k1"); !errors.Is(err, ierrors.ErrInternal) {
		t.Errorf("GetKey() error = %v, want ErrInternal", err)
	}
	if err := keys.Refresh(context.Background()); err == nil {
		t.Error("Refresh() error = nil, want error")
	}
}

func TestJWK_PublicKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		jwk     JWK
		wantErr bool
	}{
		{name: "unsupported type", jwk: JWK{KeyType: "oct"}, wantErr: true},
		{name: "rsa missing params", jwk: JWK{KeyType: "RSA", N: "AQAB"}, wantErr: true},
		{name: "rsa bad base64", jwk: JWK{KeyType: "RSA", N: "!!", E: "AQAB"}, wantErr: true},
		{name: "rsa minimal", jwk: JWK{KeyType: "RSA", N: "AQAB", E: "AQAB"}},
		{name: "ec bad curve", jwk: JWK{KeyType: "EC", Curve: "P-192", X: "AQ", Y: "AQ"}, wantErr: true},
		{name: "ec missing params", jwk: JWK{KeyType: "EC", Curve: "P-256"}, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := tt.jwk.PublicKey()
			if (err != nil) != tt.wantErr {
				t.Errorf("PublicKey() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
