package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/jamesprial/sockroute/internal/config"
	"github.com/jamesprial/sockroute/internal/metrics"
	"github.com/jamesprial/sockroute/internal/route"
	"github.com/jamesprial/sockroute/internal/transport"
)

// flagKeys maps command-line flags to configuration keys.
var flagKeys = map[string]string{
	"addr":               config.KeyAddr,
	"read-timeout":       config.KeyReadTimeout,
	"write-timeout":      config.KeyWriteTimeout,
	"idle-timeout":       config.KeyIdleTimeout,
	"shutdown-timeout":   config.KeyShutdownTimeout,
	"drain-timeout":      config.KeyDrainTimeout,
	"log-level":          config.KeyLogLevel,
	"auth-realm":         config.KeyAuthRealm,
	"auth-secret":        config.KeyAuthSecret,
	"auth-audience":      config.KeyAuthAudience,
	"auth-issuer":        config.KeyAuthIssuer,
	"auth-clock-skew":    config.KeyAuthClockSkew,
	"auth-token-timeout": config.KeyAuthTokenTimeout,
	"auth-jwks-url":      config.KeyAuthJWKSURL,
	"auth-jwks-ttl":      config.KeyAuthJWKSTTL,
	"ws-read-buffer":     config.KeyWSReadBuffer,
	"ws-write-buffer":    config.KeyWSWriteBuffer,
	"ws-check-origin":    config.KeyWSCheckOrigin,
	"metrics":            config.KeyMetricsEnabled,
	"metrics-path":       config.KeyMetricsPath,
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "sockroute",
		Short:         "HTTP and WebSocket routing on a single route table",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCommand())
	return root
}

func newServeCommand() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve HTTP requests and WebSocket upgrades",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, newLogger(cfg.LogLevel, cmd.OutOrStdout()))
		},
	}

	addFlags(cmd.Flags())
	if err := bindFlags(v, cmd.Flags()); err != nil {
		panic(err)
	}
	config.BindEnv(v)
	return cmd
}

func addFlags(flags *pflag.FlagSet) {
	flags.String("config", "", "path to a YAML, JSON or TOML config file")
	flags.String("addr", ":8080", "address to listen on")
	flags.Duration("read-timeout", 30*time.Second, "maximum duration for reading a request")
	flags.Duration("write-timeout", 30*time.Second, "maximum duration for writing a response")
	flags.Duration("idle-timeout", 120*time.Second, "keep-alive idle timeout (0 disables)")
	flags.Duration("shutdown-timeout", 0, "how long open WebSocket transactions may delay closure on shutdown (unset or negative waits indefinitely)")
	flags.Duration("drain-timeout", 30*time.Second, "how long shutdown waits for WebSocket connections to close")
	flags.String("log-level", "info", "log level: debug, info, warn or error")
	flags.String("auth-realm", "sockroute", "realm announced in bearer challenges")
	flags.String("auth-secret", "", "HMAC secret for bearer tokens")
	flags.String("auth-jwks-url", "", "JWKS endpoint for RSA and EC bearer tokens")
	flags.Duration("auth-jwks-ttl", 10*time.Minute, "how long fetched signing keys are cached")
	flags.String("auth-audience", "", "required token audience")
	flags.String("auth-issuer", "", "required token issuer")
	flags.Duration("auth-clock-skew", time.Minute, "allowed clock skew for token times")
	flags.Duration("auth-token-timeout", 5*time.Second, "wait for a token sent as the first WebSocket message")
	flags.Int("ws-read-buffer", 4096, "WebSocket read buffer size")
	flags.Int("ws-write-buffer", 4096, "WebSocket write buffer size")
	flags.Bool("ws-check-origin", false, "accept upgrades from any origin")
	flags.Bool("metrics", true, "serve Prometheus metrics")
	flags.String("metrics-path", "/metrics", "path of the metrics endpoint")
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	if err := v.BindPFlag("config", flags.Lookup("config")); err != nil {
		return err
	}
	for name, key := range flagKeys {
		flag := flags.Lookup(name)
		if flag == nil {
			return fmt.Errorf("flag %q not found", name)
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return err
		}
	}
	return nil
}

func loadConfig(v *viper.Viper) (*config.Config, error) {
	if path := strings.TrimSpace(v.GetString("config")); path != "" {
		if err := config.ReadFile(v, path); err != nil {
			return nil, err
		}
	}
	cfg, err := config.Load(v)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func newLogger(level string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// serve runs the server until ctx is done, then shuts it down gracefully.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	slog.SetDefault(logger)

	m := metrics.New()
	rt := route.New(route.WithLogger(logger))
	app, err := transport.New(transport.Options{
		Router:          rt,
		Logger:          logger,
		Upgrader:        transport.NewUpgrader(cfg),
		ShutdownTimeout: cfg.ShutdownDeadline,
		Metrics:         m,
	})
	if err != nil {
		return fmt.Errorf("create app: %w", err)
	}
	if err := registerRoutes(rt, app, cfg, m, logger); err != nil {
		return err
	}

	server, err := app.NewServer(cfg)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	serverErrCh := make(chan error, 1)
	go func() {
		logger.Info("starting server",
			"addr", cfg.Addr,
			"auth_enabled", cfg.AuthEnabled(),
			"metrics_enabled", cfg.MetricsEnabled,
		)
		serverErrCh <- server.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, stopping server gracefully")
	case err := <-serverErrCh:
		return err
	}

	shutdownCtx := context.Background()
	if cfg.DrainTimeout > 0 {
		var cancel context.CancelFunc
		shutdownCtx, cancel = context.WithTimeout(shutdownCtx, cfg.DrainTimeout)
		defer cancel()
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}
