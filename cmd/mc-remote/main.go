// Package main provides the mc-remote client.
//
// mc-remote sends a single command to an mc-remoted server and prints the
// reply. "logs -f" follows the container log until Ctrl-C, which is
// forwarded to the server as a cancel.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/randomizedcoder/go-mc-remote/internal/client"
	"github.com/randomizedcoder/go-mc-remote/internal/config"
	"github.com/randomizedcoder/go-mc-remote/internal/logging"
	"github.com/randomizedcoder/go-mc-remote/internal/wire"
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	if len(os.Args) > 1 {
		arg := os.Args[1]
		if arg == "-version" || arg == "--version" || arg == "version" {
			fmt.Printf("mc-remote %s\n", version)
			return 0
		}
	}

	cfg, err := config.ParseClientFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, config.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	if err := config.ValidateClient(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return 2
	}

	logger := logging.NewLogger("text", cfg.LogLevel, false)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Action == "stats" {
		opts := client.StatsOptions{
			URL:      cfg.MetricsURL,
			Interval: cfg.ScrapeInterval,
			Out:      os.Stdout,
			Logger:   logger,
		}
		if cfg.Watch {
			err = client.WatchStats(ctx, opts)
		} else {
			err = client.PrintStats(ctx, opts)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	}

	cmd, err := wire.ParseCommand(cfg.Action, cfg.Follow)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}

	c := client.New(client.Options{
		Addr:        cfg.Addr,
		DialTimeout: cfg.Timeout,
		Out:         os.Stdout,
		Logger:      logger,
	})
	if err := c.Run(ctx, cmd); err != nil {
		if errors.Is(err, context.Canceled) {
			return 130
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
