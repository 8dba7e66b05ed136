// Package integration exercises the full server stack over a real listener:
// configuration, JWKS-backed bearer auth, the shared route table, metrics
// and graceful shutdown of upgraded connections.
package integration

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/spf13/viper"

	"github.com/jamesprial/sockroute/internal/auth"
	"github.com/jamesprial/sockroute/internal/config"
	"github.com/jamesprial/sockroute/internal/conn"
	"github.com/jamesprial/sockroute/internal/metrics"
	"github.com/jamesprial/sockroute/internal/route"
	"github.com/jamesprial/sockroute/internal/token"
	"github.com/jamesprial/sockroute/internal/transport"
	"github.com/jamesprial/sockroute/pkg/wsproto"
)

// testKeyID is the key ID used for test tokens.
const testKeyID = "test-key-1"

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// testFixture contains all dependencies for integration tests.
type testFixture struct {
	app        *transport.App
	server     transport.Server
	metrics    *metrics.Metrics
	privateKey *rsa.PrivateKey
	upgrades   chan *conn.Upgrade
}

// setupTestFixture starts a server with all components wired together.
func setupTestFixture(t *testing.T) *testFixture {
	t.Helper()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate RSA key: %v", err)
	}
	jwks := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set(wsproto.HeaderContentType, wsproto.ContentTypeJSON)
		_ = json.NewEncoder(w).Encode(token.KeySet{Keys: []token.JWK{{
			KeyType: "RSA",
			Use:     "sig",
			KeyID:   testKeyID,
			N:       base64.RawURLEncoding.EncodeToString(privateKey.N.Bytes()),
			E:       base64.RawURLEncoding.EncodeToString(big.NewInt(int64(privateKey.E)).Bytes()),
		}}})
	}))
	t.Cleanup(jwks.Close)

	v := viper.New()
	v.Set(config.KeyAddr, "127.0.0.1:0")
	v.Set(config.KeyAuthJWKSURL, jwks.URL)
	v.Set(config.KeyAuthAudience, "sockroute-test")
	cfg, err := config.Load(v)
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}

	keys, err := token.NewJWKS(cfg.JWKSURL, token.JWKSOptions{TTL: cfg.JWKSTTL})
	if err != nil {
		t.Fatalf("NewJWKS() error = %v", err)
	}
	validator, err := token.NewValidator(token.Options{Keys: keys, Audience: cfg.Audience, ClockSkew: cfg.ClockSkew})
	if err != nil {
		t.Fatalf("NewValidator() error = %v", err)
	}

	m := metrics.New()
	bearer, err := auth.RequireBearer(auth.StaticRealm(cfg.Realm), auth.FromValidator(validator), auth.Options{
		TokenTimeout: cfg.TokenTimeout,
		Logger:       quiet,
		Observer:     m,
	})
	if err != nil {
		t.Fatalf("RequireBearer() error = %v", err)
	}

	f := &testFixture{metrics: m, privateKey: privateKey, upgrades: make(chan *conn.Upgrade, 4)}

	rt := route.New(route.WithLogger(quiet))
	rt.Use("/api", bearer)
	rt.Get("/api/status", func(c *route.Context) error {
		c.Writer().Header().Set(wsproto.HeaderContentType, wsproto.ContentTypeJSON)
		return json.NewEncoder(c.Writer()).Encode(map[string]string{
			"subject": auth.ClaimsFrom(c.Context()).Subject(),
		})
	})
	rt.WS("/api/stream", func(c *route.Context) error {
		up, _ := c.Upgrade()
		ch, err := up.Accept()
		if err != nil {
			return err
		}
		up.BeginTransaction()
		if err := ch.SendText("ready"); err != nil {
			return err
		}
		f.upgrades <- up
		return nil
	})
	rt.Get(cfg.MetricsPath, route.HTTP(m.Handler()))

	f.app, err = transport.New(transport.Options{
		Router:          rt,
		Logger:          quiet,
		Upgrader:        transport.NewUpgrader(cfg),
		ShutdownTimeout: cfg.ShutdownDeadline,
		Metrics:         m,
	})
	if err != nil {
		t.Fatalf("transport.New() error = %v", err)
	}

	f.server, err = f.app.NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	go func() { _ = f.server.Start() }()
	waitFor(t, "listener", func() bool { return f.server.Addr() != cfg.Addr })

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.server.Shutdown(ctx)
	})
	return f
}

func (f *testFixture) token(t *testing.T, audience string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"sub": "alice",
		"aud": audience,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	tok.Header["kid"] = testKeyID
	signed, err := tok.SignedString(f.privateKey)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func (f *testFixture) url(scheme, path string) string {
	return scheme + "://" + f.server.Addr() + path
}

func (f *testFixture) scrape(t *testing.T) string {
	t.Helper()
	resp, err := http.Get(f.url("http", "/metrics"))
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)
	return string(body)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func bearerHeader(tok string) http.Header {
	return http.Header{wsproto.HeaderAuthorization: {wsproto.BearerToken + " " + tok}}
}

func TestIntegration_HTTPWithBearer(t *testing.T) {
	t.Parallel()
	f := setupTestFixture(t)

	tests := []struct {
		name       string
		header     http.Header
		wantStatus int
	}{
		{name: "valid token", header: bearerHeader(f.token(t, "sockroute-test")), wantStatus: http.StatusOK},
		{name: "wrong audience", header: bearerHeader(f.token(t, "other")), wantStatus: http.StatusUnauthorized},
		{name: "no token", header: http.Header{}, wantStatus: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, f.url("http", "/api/status"), nil)
			req.Header = tt.header
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("GET /api/status error = %v", err)
			}
			defer func() { _ = resp.Body.Close() }()

			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusUnauthorized {
				challenge := resp.Header.Get(wsproto.HeaderWWWAuthenticate)
				if !strings.HasPrefix(challenge, `Bearer realm="sockroute"`) {
					t.Errorf("challenge = %q", challenge)
				}
				return
			}
			var body map[string]string
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body["subject"] != "alice" {
				t.Errorf("subject = %q, want alice", body["subject"])
			}
		})
	}

	if got := f.scrape(t); !strings.Contains(got, `sockroute_auth_failures_total{reason="no_token"} 1`) {
		t.Errorf("metrics missing no_token failure:\n%s", got)
	}
}

func TestIntegration_RejectedUpgrade(t *testing.T) {
	t.Parallel()
	f := setupTestFixture(t)

	_, resp, err := websocket.DefaultDialer.Dial(f.url("ws", "/api/stream"), bearerHeader("not-a-jwt"))
	if !errors.Is(err, websocket.ErrBadHandshake) {
		t.Fatalf("Dial() error = %v, want ErrBadHandshake", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
	if resp.Header.Get(wsproto.HeaderWWWAuthenticate) == "" {
		t.Error("missing WWW-Authenticate challenge")
	}
	waitFor(t, "rejection metric", func() bool {
		return strings.Contains(f.scrape(t), `sockroute_upgrade_rejections_total{status="401"} 1`)
	})
}

func TestIntegration_ShutdownDrainsOpenTransaction(t *testing.T) {
	t.Parallel()
	f := setupTestFixture(t)

	ws, _, err := websocket.DefaultDialer.Dial(f.url("ws", "/api/stream"), bearerHeader(f.token(t, "sockroute-test")))
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, data, err := ws.ReadMessage(); err != nil || string(data) != "ready" {
		t.Fatalf("ReadMessage() = %q, %v", data, err)
	}
	up := <-f.upgrades
	waitFor(t, "live connection", func() bool { return f.app.Total() == 1 })

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- f.server.Shutdown(ctx)
	}()

	waitFor(t, "soft close", up.SoftClosing)
	select {
	case err := <-done:
		t.Fatalf("Shutdown() returned %v with a transaction open", err)
	case <-time.After(200 * time.Millisecond):
	}

	if err := up.EndTransaction(); err != nil {
		t.Fatalf("EndTransaction() error = %v", err)
	}

	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = ws.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("read error = %v, want close frame", err)
	}
	if closeErr.Code != wsproto.CloseServiceRestart || closeErr.Text != wsproto.ReasonShutdown {
		t.Errorf("close = %d %q", closeErr.Code, closeErr.Text)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Shutdown() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown() did not return after the connection closed")
	}
	if got := f.app.Total(); got != 0 {
		t.Errorf("Total() = %d after shutdown, want 0", got)
	}
}
