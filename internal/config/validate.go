package config

import (
	"fmt"
	"strings"
)

// Validate checks that the configuration is valid and complete.
// It returns an error if required fields are missing or values are invalid.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if err := validateServer(cfg); err != nil {
		return fmt.Errorf("invalid server config: %w", err)
	}

	if err := validateAuth(cfg); err != nil {
		return fmt.Errorf("invalid auth config: %w", err)
	}

	if err := validateUpgrade(cfg); err != nil {
		return fmt.Errorf("invalid ws config: %w", err)
	}

	if err := validateMetrics(cfg); err != nil {
		return fmt.Errorf("invalid metrics config: %w", err)
	}

	return nil
}

// validateServer validates the server-related fields.
func validateServer(cfg *Config) error {
	if cfg.Addr == "" {
		return fmt.Errorf("%s is required", KeyAddr)
	}

	if cfg.ReadTimeout <= 0 {
		return fmt.Errorf("%s must be positive", KeyReadTimeout)
	}

	if cfg.WriteTimeout <= 0 {
		return fmt.Errorf("%s must be positive", KeyWriteTimeout)
	}

	// 0 means no idle timeout
	if cfg.IdleTimeout < 0 {
		return fmt.Errorf("%s must be non-negative", KeyIdleTimeout)
	}

	if cfg.DrainTimeout < 0 {
		return fmt.Errorf("%s must be non-negative", KeyDrainTimeout)
	}

	switch cfg.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%s must be one of debug, info, warn, error", KeyLogLevel)
	}

	return nil
}

// validateAuth validates the auth-related fields.
func validateAuth(cfg *Config) error {
	if strings.TrimSpace(cfg.Realm) == "" {
		return fmt.Errorf("%s is required", KeyAuthRealm)
	}

	if cfg.TokenTimeout <= 0 {
		return fmt.Errorf("%s must be positive", KeyAuthTokenTimeout)
	}

	if cfg.ClockSkew < 0 {
		return fmt.Errorf("%s must be non-negative", KeyAuthClockSkew)
	}

	if cfg.JWKSURL != "" && !strings.HasPrefix(cfg.JWKSURL, "https://") && !strings.HasPrefix(cfg.JWKSURL, "http://") {
		return fmt.Errorf("%s must be an http or https URL", KeyAuthJWKSURL)
	}

	if cfg.JWKSTTL < 0 {
		return fmt.Errorf("%s must be non-negative", KeyAuthJWKSTTL)
	}

	return nil
}

// validateUpgrade validates the upgrade buffer sizes. 0 lets the upgrader
// reuse the server's buffers.
func validateUpgrade(cfg *Config) error {
	if cfg.ReadBufferSize < 0 {
		return fmt.Errorf("%s must be non-negative", KeyWSReadBuffer)
	}
	if cfg.WriteBufferSize < 0 {
		return fmt.Errorf("%s must be non-negative", KeyWSWriteBuffer)
	}
	return nil
}

// validateMetrics validates the metrics endpoint.
func validateMetrics(cfg *Config) error {
	if !cfg.MetricsEnabled {
		return nil
	}
	if !strings.HasPrefix(cfg.MetricsPath, "/") {
		return fmt.Errorf("%s must start with /", KeyMetricsPath)
	}
	return nil
}
