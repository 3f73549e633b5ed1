package host

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"mlxhost/engine"
	"mlxhost/internal/logging"
	"mlxhost/protocol"
)

// ErrBind marks bind/listen failures; the CLI maps it to exit code 1.
var ErrBind = errors.New("host: bind failed")

// gracefulWire lets the dispatcher close a connection without dropping the
// error reply it just queued.
type gracefulWire struct{ *conn }

func (w gracefulWire) Close() { w.conn.drainAndClose() }

type Options struct {
	SocketPath string
	AuthToken  string

	// MaxQueuedBytes caps each connection's write queue; zero means
	// DefaultMaxQueuedBytes.
	MaxQueuedBytes int64
}

// Server binds the local socket and accepts connections, attaching a fresh
// connection and dispatcher pair to each. It is long-running: it does not
// exit when clients disconnect.
type Server struct {
	opts   Options
	engine engine.Engine

	closing atomic.Bool

	mu    sync.Mutex
	conns map[*conn]struct{}
}

func New(eng engine.Engine, opts Options) *Server {
	return &Server{opts: opts, engine: eng, conns: make(map[*conn]struct{})}
}

// Run binds, listens, and serves until ctx is done. A stale socket file from
// a previous run is removed before binding; the endpoint is restricted to
// the local user.
func (s *Server) Run(ctx context.Context) error {
	logger := logging.FromContext(ctx)

	if fi, err := os.Stat(s.opts.SocketPath); err == nil {
		if fi.Mode()&os.ModeSocket == 0 {
			return fmt.Errorf("%w: %s exists and is not a socket", ErrBind, s.opts.SocketPath)
		}
		_ = os.Remove(s.opts.SocketPath)
	}

	ln, err := net.Listen("unix", s.opts.SocketPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBind, err)
	}
	if err := os.Chmod(s.opts.SocketPath, 0o600); err != nil {
		_ = ln.Close()
		return fmt.Errorf("%w: chmod socket: %v", ErrBind, err)
	}

	logger.Info("host listening", "socket", s.opts.SocketPath, "auth", s.opts.AuthToken != "")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		s.closing.Store(true)
		_ = ln.Close()
		_ = os.Remove(s.opts.SocketPath)
		s.mu.Lock()
		conns := make([]*conn, 0, len(s.conns))
		for c := range s.conns {
			conns = append(conns, c)
		}
		s.mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
		return nil
	})
	g.Go(func() error {
		for {
			sock, err := ln.Accept()
			if err != nil {
				if s.closing.Load() {
					return nil
				}
				return fmt.Errorf("accept: %w", err)
			}
			s.attach(ctx, sock, logger)
		}
	})
	return g.Wait()
}

func (s *Server) attach(ctx context.Context, sock net.Conn, logger logging.Logger) {
	c := newConn(sock, logger, s.opts.MaxQueuedBytes)
	disp := NewDispatcher(s.engine, gracefulWire{c}, logger, s.opts.AuthToken)
	c.onMessage = func(env *protocol.Envelope) {
		disp.Handle(ctx, env)
	}
	c.onClose = func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		disp.ConnClosed()
	}
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	logger.Debug("connection accepted")
	go c.run()
}
