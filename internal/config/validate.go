package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"slices"
	"strings"

	"github.com/randomizedcoder/go-mc-remote/internal/logging"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateServer checks the server configuration for errors.
// Returns nil if valid, or every problem joined with errors.Join.
func ValidateServer(cfg *ServerConfig) error {
	var errs []error

	if err := validateHostPort(cfg.ListenAddr); err != nil {
		errs = append(errs, ValidationError{Field: "listen", Message: err.Error()})
	}

	// Empty disables the metrics server.
	if cfg.MetricsAddr != "" {
		if err := validateHostPort(cfg.MetricsAddr); err != nil {
			errs = append(errs, ValidationError{Field: "metrics", Message: err.Error()})
		}
		if cfg.MetricsAddr == cfg.ListenAddr {
			errs = append(errs, ValidationError{Field: "metrics", Message: "must differ from the listen address"})
		}
	}

	if cfg.HandshakeTimeout <= 0 {
		errs = append(errs, ValidationError{Field: "handshake_timeout", Message: "must be positive"})
	}
	if cfg.KillTimeout <= 0 {
		errs = append(errs, ValidationError{Field: "kill_timeout", Message: "must be positive"})
	}
	if cfg.ShutdownTimeout < cfg.KillTimeout {
		errs = append(errs, ValidationError{
			Field:   "shutdown_timeout",
			Message: fmt.Sprintf("must be >= kill_timeout (%v)", cfg.KillTimeout),
		})
	}
	if cfg.NotifyBuffer < 1 {
		errs = append(errs, ValidationError{Field: "notify_buffer", Message: "must be at least 1"})
	}

	if cfg.DockerPath == "" {
		errs = append(errs, ValidationError{Field: "docker", Message: "must not be empty"})
	}
	if cfg.Container == "" {
		errs = append(errs, ValidationError{Field: "container", Message: "must not be empty"})
	} else if strings.ContainsAny(cfg.Container, " \t\n/") {
		errs = append(errs, ValidationError{
			Field:   "container",
			Message: fmt.Sprintf("invalid container name %q", cfg.Container),
		})
	}
	if cfg.Tail < 0 {
		errs = append(errs, ValidationError{Field: "tail", Message: "must be >= 0"})
	}
	if cfg.PreflightSessions < 0 {
		errs = append(errs, ValidationError{Field: "preflight_sessions", Message: "must be >= 0"})
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[cfg.LogFormat] {
		errs = append(errs, ValidationError{
			Field:   "log_format",
			Message: fmt.Sprintf("must be 'json' or 'text' (got %q)", cfg.LogFormat),
		})
	}
	if !logging.ValidLevel(cfg.LogLevel) {
		errs = append(errs, ValidationError{
			Field:   "log_level",
			Message: fmt.Sprintf("must be one of debug, info, warn, error (got %q)", cfg.LogLevel),
		})
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// ValidateClient checks the client configuration for errors.
func ValidateClient(cfg *ClientConfig) error {
	var errs []error

	if !slices.Contains(clientActions, cfg.Action) {
		errs = append(errs, ValidationError{
			Field:   "command",
			Message: fmt.Sprintf("must be one of %s (got %q)", strings.Join(clientActions, ", "), cfg.Action),
		})
	}
	if cfg.Follow && cfg.Action != "logs" {
		errs = append(errs, ValidationError{Field: "follow", Message: "only valid with logs"})
	}
	if cfg.Watch && cfg.Action != "stats" {
		errs = append(errs, ValidationError{Field: "watch", Message: "only valid with stats"})
	}

	if cfg.Action == "stats" {
		if err := validateURL(cfg.MetricsURL); err != nil {
			errs = append(errs, ValidationError{Field: "metrics_url", Message: err.Error()})
		}
		if cfg.ScrapeInterval <= 0 {
			errs = append(errs, ValidationError{Field: "interval", Message: "must be positive"})
		}
	} else if err := validateHostPort(cfg.Addr); err != nil {
		errs = append(errs, ValidationError{Field: "addr", Message: err.Error()})
	}

	if cfg.Timeout < 0 {
		errs = append(errs, ValidationError{Field: "timeout", Message: "must be >= 0"})
	}
	if !logging.ValidLevel(cfg.LogLevel) {
		errs = append(errs, ValidationError{
			Field:   "log_level",
			Message: fmt.Sprintf("must be one of debug, info, warn, error (got %q)", cfg.LogLevel),
		})
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// validateHostPort checks that addr is a host:port pair with a port.
func validateHostPort(addr string) error {
	if addr == "" {
		return errors.New("must not be empty")
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address: %w", err)
	}
	if port == "" {
		return errors.New("missing port")
	}
	return nil
}

// validateURL checks if the URL is valid and uses http or https.
func validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https (got %q)", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("URL must have a host")
	}
	return nil
}
