// Package client implements the mc-remote side of the control protocol.
package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/randomizedcoder/go-mc-remote/internal/stream"
	"github.com/randomizedcoder/go-mc-remote/internal/wire"
)

const (
	// DefaultDialTimeout bounds connecting to the server.
	DefaultDialTimeout = 5 * time.Second

	// DefaultDrainTimeout is how long a follow session keeps printing after
	// the cancel byte was sent, waiting for the server to close.
	DefaultDrainTimeout = 2 * time.Second
)

// Options configures a Client.
type Options struct {
	Addr         string
	DialTimeout  time.Duration
	DrainTimeout time.Duration
	Out          io.Writer
	Logger       *slog.Logger
}

// Client sends one command per connection.
type Client struct {
	addr         string
	dialTimeout  time.Duration
	drainTimeout time.Duration
	out          io.Writer
	logger       *slog.Logger
}

// New creates a Client.
func New(opts Options) *Client {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = DefaultDrainTimeout
	}
	if opts.Out == nil {
		opts.Out = io.Discard
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{
		addr:         opts.Addr,
		dialTimeout:  opts.DialTimeout,
		drainTimeout: opts.DrainTimeout,
		out:          opts.Out,
		logger:       opts.Logger,
	}
}

// Run sends cmd and prints the server's reply.
//
// One-shot commands print everything up to the server's close. Follow
// commands print lines until the server closes or ctx is cancelled; on
// cancellation the cancel byte is sent and Run returns nil.
func (c *Client) Run(ctx context.Context, cmd wire.Command) error {
	dialer := net.Dialer{Timeout: c.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("connect %s: %w", c.addr, err)
	}
	defer conn.Close()

	c.logger.Debug("command_sending", "addr", c.addr, "command", cmd.String())

	if err := wire.WriteCommand(conn, cmd); err != nil {
		return fmt.Errorf("send %s: %w", cmd, err)
	}

	if cmd.Follows() {
		return c.follow(ctx, conn)
	}
	return c.oneShot(ctx, conn)
}

func (c *Client) oneShot(ctx context.Context, conn net.Conn) error {
	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
	})
	defer stop()

	if _, err := io.Copy(c.out, conn); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !wire.IsExpectedCloseError(err) {
			return fmt.Errorf("read reply: %w", err)
		}
	}
	return nil
}

func (c *Client) follow(ctx context.Context, conn net.Conn) error {
	// The reader has its own context: after a cancel it must keep
	// draining until the server closes.
	readCtx, cancelRead := context.WithCancel(context.Background())
	defer cancelRead()

	reader := stream.NewPipeReader(conn, 0, 0)
	go reader.Run(readCtx)

	lines := reader.Lines()
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return c.readErr(reader.Err())
			}
			if _, err := c.out.Write(line); err != nil {
				return fmt.Errorf("write output: %w", err)
			}

		case <-ctx.Done():
			c.logger.Debug("cancel_sending", "addr", c.addr)
			if err := wire.WriteCancel(conn); err != nil && !wire.IsExpectedCloseError(err) {
				return fmt.Errorf("send cancel: %w", err)
			}
			c.drain(conn, lines)
			return nil
		}
	}
}

// drain prints what the server still sends after a cancel, until it
// closes the connection or the drain timeout passes.
func (c *Client) drain(conn net.Conn, lines <-chan []byte) {
	conn.SetReadDeadline(time.Now().Add(c.drainTimeout))
	for line := range lines {
		c.out.Write(line)
	}
}

func (c *Client) readErr(err error) error {
	if err == nil || wire.IsExpectedCloseError(err) {
		return nil
	}
	return fmt.Errorf("read reply: %w", err)
}
