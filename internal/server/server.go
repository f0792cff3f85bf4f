// Package server accepts control connections, decodes their command byte and
// drives the task registry from a single loop.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/randomizedcoder/go-mc-remote/internal/process"
	"github.com/randomizedcoder/go-mc-remote/internal/registry"
	"github.com/randomizedcoder/go-mc-remote/internal/task"
	"github.com/randomizedcoder/go-mc-remote/internal/wire"
)

const (
	// DefaultListenAddr is where the server listens when nothing is configured.
	DefaultListenAddr = "127.0.0.1:4086"

	// DefaultNotifyBuffer is the capacity of the cancellation channel.
	DefaultNotifyBuffer = 15

	// DefaultHandshakeTimeout bounds the wait for a client's command byte.
	DefaultHandshakeTimeout = 10 * time.Second

	// DefaultShutdownTimeout bounds registry teardown when Serve returns.
	DefaultShutdownTimeout = 10 * time.Second
)

// Config holds server configuration.
type Config struct {
	ListenAddr       string
	NotifyBuffer     int
	HandshakeTimeout time.Duration
	KillTimeout      time.Duration
	ShutdownTimeout  time.Duration
	Verbose          bool
}

// Hooks contains optional callbacks for observing the server.
// Task and Registry hooks are passed through to every task and the registry.
type Hooks struct {
	Task     task.Callbacks
	Registry registry.Callbacks

	// OnAccept is called for every accepted connection.
	OnAccept func(remote string)

	// OnDecodeError is called when a connection's first byte was not a
	// valid command. reason is one of the DecodeReason values.
	OnDecodeError func(remote, reason string, err error)

	// OnDispatch is called once a task has been registered, run and stored.
	OnDispatch func(id task.ID, cmd wire.Command, remote string)
}

// Deps holds the collaborators the server is built from.
type Deps struct {
	Runner   process.Runner
	Commands process.CommandSet
	Logger   *slog.Logger
	Hooks    Hooks
}

// decoded is a connection whose command byte has been read.
type decoded struct {
	conn net.Conn
	cmd  wire.Command
}

// Server owns the listener and the task registry.
type Server struct {
	cfg    Config
	logger *slog.Logger
	hooks  Hooks

	ln       net.Listener
	registry *registry.Registry

	notify  chan task.ID
	exited  chan task.ID
	decoded chan decoded

	acceptDone chan struct{}
	handshakes sync.WaitGroup
}

// Listen binds the listening socket. Failing to bind is the only fatal
// server error.
func Listen(cfg Config, deps Deps) (*Server, error) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
	}
	if cfg.NotifyBuffer <= 0 {
		cfg.NotifyBuffer = DefaultNotifyBuffer
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.ListenAddr, err)
	}

	s := &Server{
		cfg:        cfg,
		logger:     logger,
		hooks:      deps.Hooks,
		ln:         ln,
		notify:     make(chan task.ID, cfg.NotifyBuffer),
		exited:     make(chan task.ID, cfg.NotifyBuffer),
		decoded:    make(chan decoded),
		acceptDone: make(chan struct{}),
	}

	s.registry = registry.New(registry.Config{
		Task: task.Config{
			Runner:    deps.Runner,
			Commands:  deps.Commands,
			Logger:    logger,
			Verbose:   cfg.Verbose,
			Callbacks: deps.Hooks.Task,
			Exited:    s.exited,
		},
		KillTimeout: cfg.KillTimeout,
		Logger:      logger,
		Callbacks:   deps.Hooks.Registry,
	})

	logger.Info("server_listening", "addr", ln.Addr().String())
	return s, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Serve runs the server loop until ctx is cancelled or the listener fails.
// On return every task has been torn down (bounded by the shutdown timeout)
// and the listener is closed.
func (s *Server) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	acceptErr := make(chan error, 1)
	go s.acceptLoop(ctx, acceptErr)

	for {
		select {
		case <-ctx.Done():
			return s.shutdown(nil)

		case err := <-acceptErr:
			s.logger.Error("accept_failed", "error", err)
			cancel()
			return s.shutdown(err)

		case d := <-s.decoded:
			s.dispatch(ctx, d)

		case id := <-s.notify:
			s.logger.Info("task_cancel_received", "task_id", uint64(id))
			s.registry.Delete(id)

		case id := <-s.exited:
			s.registry.Delete(id)
		}
	}
}

// dispatch registers, runs and stores a task for a decoded connection.
func (s *Server) dispatch(ctx context.Context, d decoded) {
	t := s.registry.Register(s.notify)
	h := t.Run(ctx, d.cmd, d.conn)
	s.registry.Store(h)

	remote := d.conn.RemoteAddr().String()
	s.logger.Debug("task_dispatched",
		"task_id", uint64(h.ID()),
		"command", d.cmd.String(),
		"remote", remote,
		"live_tasks", s.registry.Live(),
	)
	if s.hooks.OnDispatch != nil {
		s.hooks.OnDispatch(h.ID(), d.cmd, remote)
	}
}

func (s *Server) shutdown(cause error) error {
	s.ln.Close()
	<-s.acceptDone

	// Handshake goroutines give up once ctx is done or the loop is gone;
	// wait for them so no decoded connection is left unclosed.
	go func() {
		for d := range s.decoded {
			d.conn.Close()
		}
	}()
	s.handshakes.Wait()
	close(s.decoded)

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("server_shutdown", "live_tasks", s.registry.Live())
	if err := s.registry.Shutdown(ctx); err != nil {
		s.logger.Warn("shutdown_incomplete", "error", err)
	}
	return cause
}

func (s *Server) acceptLoop(ctx context.Context, errCh chan<- error) {
	defer close(s.acceptDone)

	var tempDelay time.Duration

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				tempDelay = nextDelay(tempDelay)
				s.logger.Warn("accept_retry", "error", err, "delay", tempDelay.String())
				time.Sleep(tempDelay)
				continue
			}
			errCh <- err
			return
		}
		tempDelay = 0

		remote := conn.RemoteAddr().String()
		s.logger.Debug("connection_accepted", "remote", remote)
		if s.hooks.OnAccept != nil {
			s.hooks.OnAccept(remote)
		}

		s.handshakes.Add(1)
		go s.handshake(ctx, conn)
	}
}

// handshake reads the command byte off conn and hands the connection to
// the loop. Bad commands get an error line and are closed here.
func (s *Server) handshake(ctx context.Context, conn net.Conn) {
	defer s.handshakes.Done()

	remote := conn.RemoteAddr().String()

	conn.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	// Shutdown ends a pending first-byte read at once.
	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
	})
	cmd, err := wire.ReadCommand(conn)
	if !stop() {
		s.logger.Debug("handshake_aborted", "remote", remote)
		conn.Close()
		return
	}
	if err != nil {
		s.rejectConn(conn, remote, err)
		return
	}
	conn.SetReadDeadline(time.Time{})

	select {
	case s.decoded <- decoded{conn: conn, cmd: cmd}:
	case <-ctx.Done():
		conn.Close()
	}
}

func (s *Server) rejectConn(conn net.Conn, remote string, err error) {
	defer conn.Close()

	reason := DecodeReason(err)
	if reason == ReasonEmpty {
		s.logger.Debug("decode_failed", "remote", remote, "reason", reason, "error", err)
	} else {
		s.logger.Warn("decode_failed", "remote", remote, "reason", reason, "error", err)
	}
	if s.hooks.OnDecodeError != nil {
		s.hooks.OnDecodeError(remote, reason, err)
	}

	conn.SetWriteDeadline(time.Now().Add(time.Second))
	if _, werr := fmt.Fprintf(conn, "error: %v\n", err); werr != nil {
		s.logger.Debug("reject_write_failed", "remote", remote, "error", werr)
	}
}

// Decode failure reasons, used as a metrics label.
const (
	ReasonEmpty         = "empty"
	ReasonInvalidOption = "invalid_option"
	ReasonTimeout       = "timeout"
	ReasonReadError     = "read_error"
)

// DecodeReason classifies an error returned while reading the command byte.
func DecodeReason(err error) string {
	switch {
	case errors.Is(err, wire.ErrEmptyMessage):
		return ReasonEmpty
	case errors.Is(err, wire.ErrInvalidOption):
		return ReasonInvalidOption
	case errors.Is(err, os.ErrDeadlineExceeded):
		return ReasonTimeout
	default:
		return ReasonReadError
	}
}

func nextDelay(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	d *= 2
	if d > time.Second {
		d = time.Second
	}
	return d
}
