package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

// ErrHelp is returned when -h or --help was requested; usage has already
// been printed.
var ErrHelp = errors.New("help requested")

// bindServerFlags registers every server flag on fs, bound to cfg.
func bindServerFlags(fs *flag.FlagSet, cfg *ServerConfig) {
	// Control socket
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "Control socket address")
	fs.DurationVar(&cfg.HandshakeTimeout, "handshake-timeout", cfg.HandshakeTimeout, "Time a client has to send its command byte")
	fs.IntVar(&cfg.NotifyBuffer, "notify-buffer", cfg.NotifyBuffer, "Capacity of the cancellation channel")

	// Teardown
	fs.DurationVar(&cfg.KillTimeout, "kill-timeout", cfg.KillTimeout, "Grace period between SIGTERM and SIGKILL for follow children")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "Bound on tearing down live tasks at exit")

	// Docker
	fs.StringVar(&cfg.DockerPath, "docker", cfg.DockerPath, "Path to docker binary")
	fs.StringVar(&cfg.Container, "container", cfg.Container, "Container and compose service name")
	fs.StringVar(&cfg.ComposeFile, "compose-file", cfg.ComposeFile, "docker compose file (default: compose lookup)")
	fs.StringVar(&cfg.ProjectDir, "project-dir", cfg.ProjectDir, "docker compose project directory")
	fs.IntVar(&cfg.Tail, "tail", cfg.Tail, "Only send the last N log lines (0 = all)")

	// Observability
	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, `Prometheus metrics address ("" disables)`)
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, `Log format: "json" or "text"`)
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, `Log level: "debug", "info", "warn", "error"`)
	fs.BoolVar(&cfg.Verbose, "v", cfg.Verbose, "Verbose logging (includes child stderr)")

	// Dashboard
	fs.BoolVar(&cfg.TUIEnabled, "tui", cfg.TUIEnabled, "Enable live terminal dashboard")

	// Diagnostics
	fs.BoolVar(&cfg.SkipPreflight, "skip-preflight", cfg.SkipPreflight, "Skip preflight checks")
	fs.IntVar(&cfg.PreflightSessions, "preflight-sessions", cfg.PreflightSessions, "Concurrent follow sessions the limits must allow")
	fs.BoolVar(&cfg.PrintCmd, "print-cmd", cfg.PrintCmd, "Print the docker command for every wire command and exit")
	fs.BoolVar(&cfg.ShowVersion, "version", cfg.ShowVersion, "Print version and exit")
	fs.StringVar(&cfg.ConfigFile, "config", cfg.ConfigFile, "YAML config file (flags given explicitly take precedence)")
}

// ParseServerFlags parses the server's command line. When -config names a
// YAML file, the file is applied over the defaults and the flags given
// explicitly on the command line are applied over the file.
func ParseServerFlags(args []string, usageOut io.Writer) (*ServerConfig, error) {
	cfg := DefaultServerConfig()
	fs := flag.NewFlagSet("mc-remoted", flag.ContinueOnError)
	fs.SetOutput(usageOut)
	bindServerFlags(fs, cfg)

	fs.Usage = func() {
		fmt.Fprintf(usageOut, `mc-remoted - remote control for a docker compose service

Usage:
  mc-remoted [flags]

Control Socket:
`)
		printFlagCategory(fs, usageOut, []string{"listen", "handshake-timeout", "notify-buffer", "kill-timeout", "shutdown-timeout"})

		fmt.Fprintf(usageOut, "\nDocker:\n")
		printFlagCategory(fs, usageOut, []string{"docker", "container", "compose-file", "project-dir", "tail"})

		fmt.Fprintf(usageOut, "\nObservability:\n")
		printFlagCategory(fs, usageOut, []string{"metrics", "log-format", "log-level", "v", "tui"})

		fmt.Fprintf(usageOut, "\nDiagnostics:\n")
		printFlagCategory(fs, usageOut, []string{"skip-preflight", "preflight-sessions", "print-cmd", "config", "version"})

		fmt.Fprintf(usageOut, `
Examples:
  # Serve on the default address
  mc-remoted

  # Serve a different compose project with a dashboard
  mc-remoted -container survival -project-dir /srv/mc -tui

`)
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, ErrHelp
		}
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}

	if cfg.ConfigFile == "" {
		return cfg, nil
	}

	merged := DefaultServerConfig()
	if err := LoadFile(cfg.ConfigFile, merged); err != nil {
		return nil, err
	}

	overlay := flag.NewFlagSet("overlay", flag.ContinueOnError)
	overlay.SetOutput(io.Discard)
	bindServerFlags(overlay, merged)

	var setErr error
	fs.Visit(func(f *flag.Flag) {
		if err := overlay.Set(f.Name, f.Value.String()); err != nil && setErr == nil {
			setErr = fmt.Errorf("-%s: %w", f.Name, err)
		}
	})
	if setErr != nil {
		return nil, setErr
	}
	return merged, nil
}

// printFlagCategory prints flags matching the given names (helper for usage).
func printFlagCategory(fs *flag.FlagSet, w io.Writer, names []string) {
	fs.VisitAll(func(f *flag.Flag) {
		for _, name := range names {
			if f.Name == name {
				fmt.Fprintf(w, "  -%s %s\n    \t%s", f.Name, flagType(f), f.Usage)
				if f.DefValue != "" && f.DefValue != "false" && f.DefValue != "0" && f.DefValue != "0s" {
					fmt.Fprintf(w, " (default %s)", f.DefValue)
				}
				fmt.Fprintln(w)
				return
			}
		}
	})
}

// flagType returns a type hint for the flag value.
func flagType(f *flag.Flag) string {
	switch f.DefValue {
	case "true", "false":
		return ""
	}

	if _, err := time.ParseDuration(f.DefValue); err == nil && f.DefValue != "0" {
		return "duration"
	}
	if _, err := strconv.Atoi(f.DefValue); err == nil {
		return "int"
	}
	return "string"
}

// clientActions are the mc-remote subcommands.
var clientActions = []string{"logs", "start", "stop", "restart", "stats"}

// ParseClientFlags parses the client's command line: a subcommand followed
// (or preceded) by flags.
func ParseClientFlags(args []string, usageOut io.Writer) (*ClientConfig, error) {
	cfg := DefaultClientConfig()
	fs := pflag.NewFlagSet("mc-remote", pflag.ContinueOnError)
	fs.SetOutput(usageOut)

	fs.StringVarP(&cfg.Addr, "addr", "a", cfg.Addr, "server control socket address")
	fs.BoolVarP(&cfg.Follow, "follow", "f", cfg.Follow, "follow the log (logs only); Ctrl-C cancels")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "dial timeout")
	fs.StringVar(&cfg.MetricsURL, "metrics-url", cfg.MetricsURL, "server Prometheus endpoint (stats only)")
	fs.BoolVarP(&cfg.Watch, "watch", "w", cfg.Watch, "keep scraping and show a live dashboard (stats only)")
	fs.DurationVar(&cfg.ScrapeInterval, "interval", cfg.ScrapeInterval, "scrape interval for --watch")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level for client diagnostics")

	fs.Usage = func() {
		fmt.Fprintf(usageOut, `mc-remote - control an mc-remoted server

Usage:
  mc-remote [flags] <logs|start|stop|restart|stats>

Flags:
%s
Examples:
  mc-remote logs -f
  mc-remote restart --addr 10.0.0.5:4086
  mc-remote stats --watch
`, fs.FlagUsages())
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil, ErrHelp
		}
		return nil, err
	}

	switch fs.NArg() {
	case 0:
		fs.Usage()
		return nil, errors.New("missing subcommand")
	case 1:
		cfg.Action = fs.Arg(0)
	default:
		return nil, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args()[1:], " "))
	}

	return cfg, nil
}
