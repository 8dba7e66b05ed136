// Package config provides configuration management for the sockroute server.
// Values come from a viper instance, so flags, SOCKROUTE_* environment
// variables and an optional config file all feed the same keys.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "SOCKROUTE"

// Configuration keys.
const (
	KeyAddr            = "addr"
	KeyReadTimeout     = "read_timeout"
	KeyWriteTimeout    = "write_timeout"
	KeyIdleTimeout     = "idle_timeout"
	KeyShutdownTimeout = "shutdown_timeout"
	KeyDrainTimeout    = "drain_timeout"
	KeyLogLevel        = "log_level"

	KeyAuthRealm        = "auth.realm"
	KeyAuthSecret       = "auth.secret"
	KeyAuthAudience     = "auth.audience"
	KeyAuthIssuer       = "auth.issuer"
	KeyAuthClockSkew    = "auth.clock_skew"
	KeyAuthTokenTimeout = "auth.token_timeout"
	KeyAuthJWKSURL      = "auth.jwks_url"
	KeyAuthJWKSTTL      = "auth.jwks_ttl"

	KeyWSReadBuffer  = "ws.read_buffer"
	KeyWSWriteBuffer = "ws.write_buffer"
	KeyWSCheckOrigin = "ws.check_origin"

	KeyMetricsEnabled = "metrics.enabled"
	KeyMetricsPath    = "metrics.path"
)

// Config holds the complete server configuration in a flat structure.
type Config struct {
	// Server settings
	// Addr is the address to bind the HTTP server (e.g., ":8080").
	Addr string

	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration

	// WriteTimeout is the maximum duration before timing out writes of the response.
	// It does not apply to upgraded connections.
	WriteTimeout time.Duration

	// IdleTimeout is the maximum duration to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration

	// ShutdownTimeout bounds how long upgraded connections may keep open
	// transactions once a shutdown starts. It only applies when
	// HasShutdownTimeout is set and the value is not negative.
	ShutdownTimeout    time.Duration
	HasShutdownTimeout bool

	// DrainTimeout is how long the process waits for upgraded connections
	// to finish before exiting anyway. 0 uses the server's default wait.
	DrainTimeout time.Duration

	// LogLevel is one of debug, info, warn or error.
	LogLevel string

	// Auth settings
	// Realm is announced in bearer challenges.
	Realm string

	// Secret is the HMAC key for bearer tokens.
	Secret string

	// JWKSURL serves the public keys for RS* and ES* bearer tokens.
	// With neither it nor Secret set the protected routes are disabled.
	JWKSURL string

	// JWKSTTL is how long fetched keys are cached.
	JWKSTTL time.Duration

	// Audience and Issuer, when set, must match the token claims.
	Audience string
	Issuer   string

	// ClockSkew is the allowed clock skew for token time validation.
	ClockSkew time.Duration

	// TokenTimeout bounds the wait for a token sent as the first message
	// of an upgraded connection.
	TokenTimeout time.Duration

	// Upgrade settings
	ReadBufferSize  int
	WriteBufferSize int

	// CheckOrigin, when false, restricts upgrades to same-origin requests.
	CheckOrigin bool

	// Metrics settings
	MetricsEnabled bool
	MetricsPath    string
}

// SetDefaults registers the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyAddr, ":8080")
	v.SetDefault(KeyReadTimeout, 30*time.Second)
	v.SetDefault(KeyWriteTimeout, 30*time.Second)
	v.SetDefault(KeyIdleTimeout, 120*time.Second)
	v.SetDefault(KeyDrainTimeout, 30*time.Second)
	v.SetDefault(KeyLogLevel, "info")

	v.SetDefault(KeyAuthRealm, "sockroute")
	v.SetDefault(KeyAuthSecret, "")
	v.SetDefault(KeyAuthAudience, "")
	v.SetDefault(KeyAuthIssuer, "")
	v.SetDefault(KeyAuthClockSkew, time.Minute)
	v.SetDefault(KeyAuthTokenTimeout, 5*time.Second)
	v.SetDefault(KeyAuthJWKSURL, "")
	v.SetDefault(KeyAuthJWKSTTL, 10*time.Minute)

	v.SetDefault(KeyWSReadBuffer, 4096)
	v.SetDefault(KeyWSWriteBuffer, 4096)
	v.SetDefault(KeyWSCheckOrigin, false)

	v.SetDefault(KeyMetricsEnabled, true)
	v.SetDefault(KeyMetricsPath, "/metrics")
}

// BindEnv makes v read SOCKROUTE_* variables, with dots and dashes in key
// names replaced by underscores (auth.realm => SOCKROUTE_AUTH_REALM).
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
}

// Load builds a Config from v. Defaults are applied for keys v does not
// already know, and the result is validated.
func Load(v *viper.Viper) (*Config, error) {
	if v == nil {
		v = viper.New()
		BindEnv(v)
	}
	SetDefaults(v)

	cfg := &Config{
		// Server settings
		Addr:               strings.TrimSpace(v.GetString(KeyAddr)),
		ReadTimeout:        v.GetDuration(KeyReadTimeout),
		WriteTimeout:       v.GetDuration(KeyWriteTimeout),
		IdleTimeout:        v.GetDuration(KeyIdleTimeout),
		ShutdownTimeout:    v.GetDuration(KeyShutdownTimeout),
		HasShutdownTimeout: v.IsSet(KeyShutdownTimeout),
		DrainTimeout:       v.GetDuration(KeyDrainTimeout),
		LogLevel:           strings.ToLower(strings.TrimSpace(v.GetString(KeyLogLevel))),

		// Auth settings
		Realm:        v.GetString(KeyAuthRealm),
		Secret:       v.GetString(KeyAuthSecret),
		Audience:     v.GetString(KeyAuthAudience),
		Issuer:       v.GetString(KeyAuthIssuer),
		ClockSkew:    v.GetDuration(KeyAuthClockSkew),
		TokenTimeout: v.GetDuration(KeyAuthTokenTimeout),
		JWKSURL:      strings.TrimSpace(v.GetString(KeyAuthJWKSURL)),
		JWKSTTL:      v.GetDuration(KeyAuthJWKSTTL),

		// Upgrade settings
		ReadBufferSize:  v.GetInt(KeyWSReadBuffer),
		WriteBufferSize: v.GetInt(KeyWSWriteBuffer),
		CheckOrigin:     v.GetBool(KeyWSCheckOrigin),

		// Metrics settings
		MetricsEnabled: v.GetBool(KeyMetricsEnabled),
		MetricsPath:    v.GetString(KeyMetricsPath),
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ReadFile merges the config file at path into v. The format follows the
// file extension.
func ReadFile(v *viper.Viper, path string) error {
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return nil
}

// AuthEnabled reports whether bearer tokens can be verified.
func (c *Config) AuthEnabled() bool {
	return c.Secret != "" || c.JWKSURL != ""
}

// ShutdownDeadline reports the configured shutdown timeout. ok is false
// when none is configured or the value is negative.
func (c *Config) ShutdownDeadline() (timeout time.Duration, ok bool) {
	if !c.HasShutdownTimeout || c.ShutdownTimeout < 0 {
		return 0, false
	}
	return c.ShutdownTimeout, true
}
