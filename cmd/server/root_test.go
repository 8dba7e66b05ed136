package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/jamesprial/sockroute/internal/config"
)

// parseFlags binds a fresh flag set to a fresh viper and parses args.
func parseFlags(t *testing.T, args ...string) *viper.Viper {
	t.Helper()
	v := viper.New()
	flags := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	addFlags(flags)
	if err := bindFlags(v, flags); err != nil {
		t.Fatalf("bindFlags() error = %v", err)
	}
	if err := flags.Parse(args); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	return v
}

func TestLoadConfig_Flags(t *testing.T) {
	t.Parallel()

	v := parseFlags(t,
		"--addr", "127.0.0.1:9090",
		"--shutdown-timeout", "15s",
		"--auth-realm", "chat",
		"--auth-secret", "s3cret",
		"--ws-check-origin",
		"--metrics=false",
	)
	cfg, err := loadConfig(v)
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}

	if cfg.Addr != "127.0.0.1:9090" {
		t.Errorf("Addr = %q", cfg.Addr)
	}
	if got, ok := cfg.ShutdownDeadline(); !ok || got != 15*time.Second {
		t.Errorf("ShutdownDeadline() = %v, %v; want 15s, true", got, ok)
	}
	if cfg.Realm != "chat" || cfg.Secret != "s3cret" {
		t.Errorf("auth = %q/%q", cfg.Realm, cfg.Secret)
	}
	if !cfg.CheckOrigin {
		t.Error("CheckOrigin = false, want true")
	}
	if cfg.MetricsEnabled {
		t.Error("MetricsEnabled = true, want false")
	}
}

func TestLoadConfig_UnchangedFlagsLeaveShutdownTimeoutUnset(t *testing.T) {
	t.Parallel()

	cfg, err := loadConfig(parseFlags(t))
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if _, ok := cfg.ShutdownDeadline(); ok {
		t.Error("ShutdownDeadline() ok = true without the flag")
	}
	if cfg.Addr != ":8080" {
		t.Errorf("Addr = %q, want :8080", cfg.Addr)
	}
}

func TestLoadConfig_FileAndFlagPrecedence(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "sockroute.yaml")
	if err := os.WriteFile(path, []byte("addr: \":7001\"\nauth:\n  realm: from-file\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := loadConfig(parseFlags(t, "--config", path, "--addr", ":7002"))
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if cfg.Addr != ":7002" {
		t.Errorf("Addr = %q, want flag value :7002", cfg.Addr)
	}
	if cfg.Realm != "from-file" {
		t.Errorf("Realm = %q, want from-file", cfg.Realm)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	t.Parallel()

	if _, err := loadConfig(parseFlags(t, "--read-timeout", "0s")); err == nil {
		t.Error("loadConfig() error = nil, want error")
	}
	if _, err := loadConfig(parseFlags(t, "--config", filepath.Join(t.TempDir(), "nope.yaml"))); err == nil {
		t.Error("loadConfig() error = nil for a missing file")
	}
}

func TestFlagKeys_CoverConfig(t *testing.T) {
	t.Parallel()

	flags := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	addFlags(flags)
	for name := range flagKeys {
		if flags.Lookup(name) == nil {
			t.Errorf("flag %q is mapped but not defined", name)
		}
	}
	if flagKeys["auth-secret"] != config.KeyAuthSecret {
		t.Errorf("auth-secret maps to %q", flagKeys["auth-secret"])
	}
}

func TestNewLogger(t *testing.T) {
	t.Parallel()

	tests := []struct {
		level     string
		debugLogs bool
		infoLogs  bool
	}{
		{level: "debug", debugLogs: true, infoLogs: true},
		{level: "info", infoLogs: true},
		{level: "", infoLogs: true},
		{level: "warn"},
		{level: "error"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.level, func(t *testing.T) {
			t.Parallel()

			var buf bytes.Buffer
			logger := newLogger(tt.level, &buf)
			ctx := context.Background()
			if got := logger.Handler().Enabled(ctx, -4); got != tt.debugLogs {
				t.Errorf("debug enabled = %v, want %v", got, tt.debugLogs)
			}
			logger.Info("hello")
			if got := strings.Contains(buf.String(), `"msg":"hello"`); got != tt.infoLogs {
				t.Errorf("info logged = %v, want %v (%s)", got, tt.infoLogs, buf.String())
			}
		})
	}
}

func TestRootCommand(t *testing.T) {
	t.Parallel()

	root := newRootCommand()
	serveCmd, _, err := root.Find([]string{"serve"})
	if err != nil || serveCmd.Name() != "serve" {
		t.Fatalf("Find(serve) = %v, %v", serveCmd, err)
	}

	root.SetArgs([]string{"serve", "extra"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	if err := root.Execute(); err == nil {
		t.Error("serve accepted a positional argument")
	}
}

func TestServe_StopsOnCancel(t *testing.T) {
	t.Parallel()

	v := viper.New()
	v.Set(config.KeyAddr, "127.0.0.1:0")
	v.Set(config.KeyDrainTimeout, "2s")
	cfg, err := config.Load(v)
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg, quiet) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("serve() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancellation")
	}
}
