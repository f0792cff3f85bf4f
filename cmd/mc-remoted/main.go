// Package main provides the mc-remoted entry point.
//
// mc-remoted accepts one-byte administrative commands over TCP and runs the
// matching docker command against a Minecraft server container, streaming
// the container log to clients that follow it.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/randomizedcoder/go-mc-remote/internal/config"
	"github.com/randomizedcoder/go-mc-remote/internal/logging"
	"github.com/randomizedcoder/go-mc-remote/internal/orchestrator"
	"github.com/randomizedcoder/go-mc-remote/internal/process"
	"github.com/randomizedcoder/go-mc-remote/internal/wire"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0" ./cmd/mc-remoted
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// Handle version flag early (before flag parsing)
	if len(os.Args) > 1 {
		arg := os.Args[1]
		if arg == "-version" || arg == "--version" || arg == "version" {
			fmt.Printf("mc-remoted %s\n", version)
			return 0
		}
	}

	cfg, err := config.ParseServerFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, config.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		return 1
	}

	if cfg.ShowVersion {
		fmt.Printf("mc-remoted %s\n", version)
		return 0
	}

	// When the TUI is enabled, suppress logs to avoid interfering with
	// its rendering.
	var logger *slog.Logger
	if cfg.TUIEnabled {
		logger = logging.NewLoggerWithWriter(io.Discard, "json", "info")
	} else {
		logger = logging.NewLogger(cfg.LogFormat, cfg.LogLevel, cfg.Verbose)
	}
	logging.SetDefault(logger)

	if err := config.ValidateServer(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return 1
	}

	if cfg.PrintCmd {
		printDockerCommands(cfg)
		return 0
	}

	logger.Info("starting",
		"version", version,
		"listen", cfg.ListenAddr,
		"container", cfg.Container,
		"metrics_addr", cfg.MetricsAddr,
		"config_file", cfg.ConfigFile,
	)

	if !cfg.TUIEnabled {
		printBanner(cfg)
	}

	orch := orchestrator.New(cfg, logger, orchestrator.Options{Version: version})
	if err := orch.Run(context.Background()); err != nil {
		logger.Error("server_failed", "error", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	return 0
}

// printBanner prints the startup banner.
func printBanner(cfg *config.ServerConfig) {
	fmt.Println()
	fmt.Println("╔═══════════════════════════════════════════════════════════════════╗")
	fmt.Println("║                           mc-remoted                              ║")
	fmt.Println("║        Remote control for a docker compose Minecraft server       ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Listen:      %s\n", cfg.ListenAddr)
	fmt.Printf("  Container:   %s\n", cfg.Container)
	if cfg.ProjectDir != "" {
		fmt.Printf("  Project:     %s\n", cfg.ProjectDir)
	}
	if cfg.MetricsAddr != "" {
		fmt.Printf("  Metrics:     http://%s/metrics\n", cfg.MetricsAddr)
	}
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop.")
	fmt.Println()
}

// printDockerCommands prints the command every wire command would run.
func printDockerCommands(cfg *config.ServerConfig) {
	commands := process.NewDockerCommands(cfg.DockerConfig())

	fmt.Println("# Commands run for each wire command:")
	fmt.Println()
	for _, cmd := range wire.Commands {
		fmt.Printf("%3d %-12s %s\n", cmd.Byte(), cmd, commands.CommandString(cmd))
	}
	fmt.Printf("%3d %-12s %s\n", wire.CancelByte, "cancel", "(follow only) SIGTERM the log follower")
}
