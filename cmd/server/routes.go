package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"

	"github.com/jamesprial/sockroute/internal/auth"
	"github.com/jamesprial/sockroute/internal/config"
	"github.com/jamesprial/sockroute/internal/conn"
	"github.com/jamesprial/sockroute/internal/metrics"
	"github.com/jamesprial/sockroute/internal/route"
	"github.com/jamesprial/sockroute/internal/token"
	"github.com/jamesprial/sockroute/internal/transport"
	"github.com/jamesprial/sockroute/pkg/wsproto"
)

// chatScope is required on the protected chat channel.
const chatScope = "chat"

// registerRoutes installs the built-in and demo routes:
//
//	GET  /health          health document
//	GET  /metrics         Prometheus metrics (when enabled)
//	WS   /ws/echo         echo channel
//	GET  /private/whoami  token details (when auth is configured)
//	WS   /private/chat    echo prefixed with the token subject, needs the chat scope
func registerRoutes(rt *route.Router, app *transport.App, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) error {
	rt.Get("/health", route.HTTP(transport.NewHealthHandler(app.Responder(), app.Total)))
	if cfg.MetricsEnabled {
		rt.Get(cfg.MetricsPath, route.HTTP(m.Handler()))
	}
	rt.WS("/ws/echo", channelHandler(func(_ *route.Context, msg conn.Message) []byte {
		return msg.Data
	}))

	if !cfg.AuthEnabled() {
		logger.Warn("no auth secret or jwks url set, protected routes disabled")
		return nil
	}

	validator, err := newValidator(cfg)
	if err != nil {
		return err
	}
	bearer, err := auth.RequireBearer(auth.StaticRealm(cfg.Realm), auth.FromValidator(validator), auth.Options{
		TokenTimeout: cfg.TokenTimeout,
		Logger:       logger,
		Observer:     m,
	})
	if err != nil {
		return fmt.Errorf("create bearer middleware: %w", err)
	}

	rt.Use("/private", bearer)
	rt.Get("/private/whoami", whoami)
	rt.WS("/private/chat", auth.RequireScope(chatScope), channelHandler(func(c *route.Context, msg conn.Message) []byte {
		return []byte(auth.ClaimsFrom(c.Context()).Subject() + ": " + string(msg.Data))
	}))
	return nil
}

func newValidator(cfg *config.Config) (*token.Validator, error) {
	opts := token.Options{
		Secret:    []byte(cfg.Secret),
		Audience:  cfg.Audience,
		Issuer:    cfg.Issuer,
		ClockSkew: cfg.ClockSkew,
	}
	if cfg.JWKSURL != "" {
		keys, err := token.NewJWKS(cfg.JWKSURL, token.JWKSOptions{TTL: cfg.JWKSTTL})
		if err != nil {
			return nil, fmt.Errorf("create jwks key provider: %w", err)
		}
		opts.Keys = keys
	}
	validator, err := token.NewValidator(opts)
	if err != nil {
		return nil, fmt.Errorf("create token validator: %w", err)
	}
	return validator, nil
}

type whoamiResponse struct {
	Subject string   `json:"subject"`
	Realm   string   `json:"realm"`
	Scopes  []string `json:"scopes"`
}

func whoami(c *route.Context) error {
	info, ok := auth.FromContext(c.Context())
	if !ok {
		return route.Error(http.StatusUnauthorized, "")
	}

	scopes := make([]string, 0, len(info.Scopes))
	for s := range info.Scopes {
		scopes = append(scopes, s)
	}
	sort.Strings(scopes)

	w := c.Writer()
	w.Header().Set(wsproto.HeaderContentType, wsproto.ContentTypeJSON)
	return json.NewEncoder(w).Encode(whoamiResponse{
		Subject: info.Claims.Subject(),
		Realm:   info.Realm,
		Scopes:  scopes,
	})
}

// channelHandler accepts the attempt and answers every message with reply.
// Each reply is a transaction, so a shutdown lets it finish.
func channelHandler(reply func(c *route.Context, msg conn.Message) []byte) route.HandlerFunc {
	return func(c *route.Context) error {
		up, _ := c.Upgrade()
		ch, err := up.Accept()
		if err != nil {
			return err
		}
		go serveChannel(c.Context(), c, up, ch, reply)
		return nil
	}
}

func serveChannel(ctx context.Context, c *route.Context, up *conn.Upgrade, ch *conn.Channel, reply func(*route.Context, conn.Message) []byte) {
	for {
		msg, err := ch.NextMessage(ctx, 0)
		if err != nil {
			return
		}

		up.BeginTransaction()
		err = ch.Send(msg.Type, reply(c, msg))
		if endErr := up.EndTransaction(); endErr != nil {
			c.Logger().Error("unbalanced transaction", "error", endErr)
		}
		if err != nil {
			return
		}
	}
}
