// Package config provides configuration management for mc-remoted and
// mc-remote.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/randomizedcoder/go-mc-remote/internal/process"
)

// ServerConfig holds all configuration options for the server.
type ServerConfig struct {
	// Control socket
	ListenAddr       string        `yaml:"listen"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	NotifyBuffer     int           `yaml:"notify_buffer"`

	// Teardown
	KillTimeout     time.Duration `yaml:"kill_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Docker
	DockerPath  string `yaml:"docker"`
	Container   string `yaml:"container"`
	ComposeFile string `yaml:"compose_file"`
	ProjectDir  string `yaml:"project_dir"`
	Tail        int    `yaml:"tail"`

	// Observability
	MetricsAddr string `yaml:"metrics"`
	LogFormat   string `yaml:"log_format"` // json, text
	LogLevel    string `yaml:"log_level"`
	Verbose     bool   `yaml:"verbose"`

	// Dashboard
	TUIEnabled bool `yaml:"tui"`

	// Diagnostic modes
	SkipPreflight     bool `yaml:"skip_preflight"`
	PreflightSessions int  `yaml:"preflight_sessions"`
	PrintCmd          bool `yaml:"-"`
	ShowVersion       bool `yaml:"-"`

	// ConfigFile is the YAML file the options were loaded from, if any.
	ConfigFile string `yaml:"-"`
}

// DefaultServerConfig returns a ServerConfig with sensible defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ListenAddr:       "127.0.0.1:4086",
		HandshakeTimeout: 10 * time.Second,
		NotifyBuffer:     15,

		KillTimeout:     5 * time.Second,
		ShutdownTimeout: 10 * time.Second,

		DockerPath: "docker",
		Container:  "lads-mc",

		MetricsAddr: "127.0.0.1:17091",
		LogFormat:   "json",
		LogLevel:    "info",

		PreflightSessions: 64,
	}
}

// DockerConfig returns the process-layer docker configuration.
func (c *ServerConfig) DockerConfig() *process.DockerConfig {
	return &process.DockerConfig{
		BinaryPath:  c.DockerPath,
		Container:   c.Container,
		ComposeFile: c.ComposeFile,
		ProjectDir:  c.ProjectDir,
		Tail:        c.Tail,
	}
}

// LoadFile overlays the YAML file at path onto cfg. Keys absent from the
// file keep their current values.
func LoadFile(path string, cfg *ServerConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// ClientConfig holds the options of the mc-remote client.
type ClientConfig struct {
	// Action is the subcommand: logs, start, stop, restart or stats.
	Action string

	Addr    string
	Follow  bool
	Timeout time.Duration

	// stats
	MetricsURL     string
	Watch          bool
	ScrapeInterval time.Duration

	LogLevel string
}

// DefaultClientConfig returns a ClientConfig with sensible defaults.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Addr:           "127.0.0.1:4086",
		Timeout:        5 * time.Second,
		MetricsURL:     "http://127.0.0.1:17091/metrics",
		ScrapeInterval: 2 * time.Second,
		LogLevel:       "warn",
	}
}
