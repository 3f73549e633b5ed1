// Package client drives a local inference host over its framed-JSON socket
// protocol. A Conn supervises an optionally spawned host child process,
// multiplexes concurrent requests, and demultiplexes token streams.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"mlxhost/internal/config"
	"mlxhost/protocol"
)

const (
	defaultConnectTimeout = 3 * time.Second
	defaultRetryInterval  = 25 * time.Millisecond
	defaultStreamBuffer   = 256
)

var (
	// ErrTransportClosed reports that the socket went away with requests in
	// flight.
	ErrTransportClosed = errors.New("client: transport closed")

	errConnectDeadline = errors.New("client: connect deadline exceeded")
)

// Options configures a connection. All fields are optional; the zero value
// connects to the default host socket without spawning.
type Options struct {
	// BinaryPath, when set, is the host binary to spawn and supervise. The
	// child receives --socket plus SOCKET_PATH, AUTH_TOKEN, and DEVICE in
	// its environment.
	BinaryPath string

	// SocketPath overrides the endpoint. Defaults to the well-known host
	// socket, or a pid-parameterized path when spawning.
	SocketPath string

	// AuthToken authenticates the handshake. When spawning with no token
	// configured, a fresh random token is generated so the child is never
	// left open.
	AuthToken string

	// Device is the engine device preference, passed to a spawned child.
	Device string

	// ConnectTimeout bounds socket-open retries after a spawn. Default 3s.
	ConnectTimeout time.Duration

	// RetryInterval is the sleep between dial attempts. Default 25ms.
	RetryInterval time.Duration

	// InheritStdio wires the child's stdout/stderr to this process.
	InheritStdio bool

	// StreamBuffer is the per-stream buffered event count before the read
	// loop back-pressures the socket. Default 256.
	StreamBuffer int

	// Logger defaults to slog's default logger.
	Logger *slog.Logger
}

type response struct {
	payload json.RawMessage
	err     error
}

// Conn is a client connection. It owns the pending-request and stream
// subscription tables and the spawned child, if any. Methods are safe for
// concurrent use.
type Conn struct {
	opts Options
	log  *slog.Logger

	sock    net.Conn
	child   *exec.Cmd
	spawned bool

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan response
	streams map[string]*Stream

	closeOnce sync.Once
	closed    chan struct{}
}

// Connect spawns the host if a binary path is configured, opens the socket
// with bounded retry, and performs the handshake. Any construction-phase
// failure tears down everything including the child.
func Connect(ctx context.Context, opts Options) (*Conn, error) {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = defaultRetryInterval
	}
	if opts.StreamBuffer <= 0 {
		opts.StreamBuffer = defaultStreamBuffer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SocketPath == "" {
		if opts.BinaryPath != "" {
			opts.SocketPath = config.SpawnSocketPath(os.Getpid())
		} else {
			opts.SocketPath = config.DefaultSocketPath()
		}
	}

	c := &Conn{
		opts:    opts,
		log:     opts.Logger,
		pending: make(map[string]chan response),
		streams: make(map[string]*Stream),
		closed:  make(chan struct{}),
	}

	if opts.BinaryPath != "" {
		if c.opts.AuthToken == "" {
			c.opts.AuthToken = uuid.NewString()
		}
		if err := c.spawn(); err != nil {
			return nil, err
		}
	}

	if err := c.dial(ctx); err != nil {
		c.teardown()
		return nil, err
	}
	go c.readLoop()

	if c.opts.AuthToken != "" {
		if err := c.handshake(ctx); err != nil {
			c.Close()
			return nil, err
		}
	}
	return c, nil
}

func (c *Conn) spawn() error {
	cmd := exec.Command(c.opts.BinaryPath, "--socket", c.opts.SocketPath)
	cmd.Env = append(os.Environ(),
		"SOCKET_PATH="+c.opts.SocketPath,
		"AUTH_TOKEN="+c.opts.AuthToken,
	)
	if c.opts.Device != "" {
		cmd.Env = append(cmd.Env, "DEVICE="+c.opts.Device)
	}
	if c.opts.InheritStdio {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("client: spawn host: %w", err)
	}
	c.child = cmd
	c.spawned = true
	return nil
}

// dial opens the socket. If we spawned the child, not-found and
// connection-refused are retried until the deadline, since the child needs
// time to bind.
func (c *Conn) dial(ctx context.Context) error {
	deadline := time.Now().Add(c.opts.ConnectTimeout)
	for {
		var d net.Dialer
		sock, err := d.DialContext(ctx, "unix", c.opts.SocketPath)
		if err == nil {
			c.sock = sock
			return nil
		}
		if !c.spawned || !retryableDialError(err) {
			return fmt.Errorf("client: connect %s: %w", c.opts.SocketPath, err)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s", errConnectDeadline, c.opts.SocketPath)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.opts.RetryInterval):
		}
	}
}

func retryableDialError(err error) bool {
	return errors.Is(err, fs.ErrNotExist) ||
		errors.Is(err, syscall.ENOENT) ||
		errors.Is(err, syscall.ECONNREFUSED)
}

func (c *Conn) handshake(ctx context.Context) error {
	hctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()
	var ok protocol.HandshakeOKPayload
	err := c.Call(hctx, protocol.TypeHandshake, protocol.HandshakePayload{AuthToken: c.opts.AuthToken}, &ok)
	if err != nil {
		return fmt.Errorf("client: handshake: %w", err)
	}
	c.log.Debug("handshake complete", "serverVersion", ok.ServerVersion)
	return nil
}

// Request sends one envelope and resolves with the matching reply payload.
// The id is allocated if empty.
func (c *Conn) Request(ctx context.Context, typ string, payload any) (json.RawMessage, error) {
	return c.RequestWithID(ctx, "", typ, payload)
}

func (c *Conn) RequestWithID(ctx context.Context, id, typ string, payload any) (json.RawMessage, error) {
	if id == "" {
		id = uuid.NewString()
	}
	env, err := protocol.NewEnvelope(id, typ, payload)
	if err != nil {
		return nil, err
	}

	ch := make(chan response, 1)
	c.mu.Lock()
	select {
	case <-c.closed:
		c.mu.Unlock()
		return nil, ErrTransportClosed
	default:
	}
	if _, dup := c.pending[id]; dup {
		c.mu.Unlock()
		return nil, fmt.Errorf("client: duplicate request id %q", id)
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.writeEnvelope(env); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	case resp := <-ch:
		return resp.payload, resp.err
	}
}

// Call is Request plus unmarshaling of the reply payload into out (which may
// be nil).
func (c *Conn) Call(ctx context.Context, typ string, payload, out any) error {
	raw, err := c.Request(ctx, typ, payload)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// Cancel asks the host to cancel the stream with the given request id. It
// returns once the host acknowledges; the stream's terminal event arrives
// separately.
func (c *Conn) Cancel(ctx context.Context, requestID string) error {
	var ok protocol.CancelOKPayload
	return c.Call(ctx, protocol.TypeInferenceCancel, protocol.CancelPayload{RequestID: requestID}, &ok)
}

// Close tears down the socket and, if we spawned it, the child. Idempotent.
// Pending requests reject and open streams terminate with transport_closed
// via the read loop's exit path.
func (c *Conn) Close() error {
	c.teardown()
	return nil
}

func (c *Conn) teardown() {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.sock != nil {
			_ = c.sock.Close()
		}
		if c.spawned && c.child != nil && c.child.Process != nil {
			_ = c.child.Process.Kill()
			_ = c.child.Wait()
		}
	})
}

func (c *Conn) writeEnvelope(env protocol.Envelope) error {
	frame, err := protocol.EncodeFrame(env)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.sock.Write(frame); err != nil {
		return fmt.Errorf("client: write: %w", err)
	}
	return nil
}

func (c *Conn) readLoop() {
	defer c.failAll()

	dec := protocol.NewDecoder()
	buf := make([]byte, 32*1024)
	for {
		n, err := c.sock.Read(buf)
		if n > 0 {
			dec.Write(buf[:n])
			for {
				env, derr := dec.Next()
				if derr != nil {
					if errors.Is(derr, protocol.ErrFrameTooLarge) {
						c.log.Warn("oversize frame from host, closing")
						c.teardown()
						return
					}
					c.log.Warn("dropping malformed frame", "err", derr.Error())
					continue
				}
				if env == nil {
					break
				}
				c.dispatch(env)
			}
		}
		if err != nil {
			c.teardown()
			return
		}
	}
}

// dispatch routes one incoming envelope: stream events to their
// subscription, everything else to the pending table. Envelopes with no id
// that are not stream events are discarded.
func (c *Conn) dispatch(env *protocol.Envelope) {
	if strings.HasPrefix(env.Type, protocol.StreamEventPrefix) {
		c.dispatchStreamEvent(env)
		return
	}
	if env.ID == "" {
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[env.ID]
	if ok {
		delete(c.pending, env.ID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	if env.Type == protocol.TypeError {
		var p protocol.ErrorPayload
		_ = json.Unmarshal(env.Payload, &p)
		ch <- response{err: &protocol.WireError{Code: p.Code, Message: p.Message}}
		return
	}
	ch <- response{payload: env.Payload}
}

// failAll rejects every pending request and terminates every open stream
// with transport_closed. Runs exactly once, when the read loop exits.
func (c *Conn) failAll() {
	c.teardown()

	c.mu.Lock()
	pending := c.pending
	streams := c.streams
	c.pending = make(map[string]chan response)
	c.streams = make(map[string]*Stream)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- response{err: ErrTransportClosed}
	}
	for _, s := range streams {
		s.terminate(Event{
			Type:    EventError,
			Code:    protocol.CodeTransportClosed,
			Message: ErrTransportClosed.Error(),
		})
	}
}
