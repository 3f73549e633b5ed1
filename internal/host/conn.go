package host

import (
	"errors"
	"net"
	"sync"

	"mlxhost/internal/logging"
	"mlxhost/protocol"
)

// DefaultMaxQueuedBytes caps the per-connection write queue. A peer slow
// enough to exceed it gets the connection closed rather than unbounded
// buffering.
const DefaultMaxQueuedBytes = 64 << 20

var (
	ErrConnClosed   = errors.New("host: connection closed")
	ErrBackpressure = errors.New("host: write queue over limit")
)

// conn owns one accepted socket: it reads bytes into the frame decoder,
// surfaces decoded envelopes through onMessage, and serializes all sends
// through a single writer goroutine so frames never interleave.
type conn struct {
	sock   net.Conn
	logger logging.Logger

	mu         sync.Mutex
	queue      [][]byte
	queuedLen  int64
	maxQueued  int64
	kick       chan struct{}
	closeAfter bool

	closeOnce sync.Once
	done      chan struct{}

	onMessage func(*protocol.Envelope)
	onClose   func()
}

func newConn(sock net.Conn, logger logging.Logger, maxQueued int64) *conn {
	if maxQueued <= 0 {
		maxQueued = DefaultMaxQueuedBytes
	}
	return &conn{
		sock:      sock,
		logger:    logger,
		maxQueued: maxQueued,
		kick:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// run services the connection until it closes. It blocks; callers start it
// on its own goroutine.
func (c *conn) run() {
	go c.writeLoop()
	c.readLoop()
}

// Send enqueues one frame for transmission. It never blocks on the socket;
// FIFO order across Send calls is preserved by the single writer.
func (c *conn) Send(env protocol.Envelope) error {
	frame, err := protocol.EncodeFrame(env)
	if err != nil {
		return err
	}

	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return ErrConnClosed
	default:
	}
	if c.queuedLen+int64(len(frame)) > c.maxQueued {
		c.mu.Unlock()
		c.logger.Warn("write queue over limit, closing connection", "queued", c.queuedLen)
		c.Close()
		return ErrBackpressure
	}
	c.queue = append(c.queue, frame)
	c.queuedLen += int64(len(frame))
	c.mu.Unlock()

	select {
	case c.kick <- struct{}{}:
	default:
	}
	return nil
}

func (c *conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case <-c.kick:
		}
		for {
			c.mu.Lock()
			if len(c.queue) == 0 {
				closeAfter := c.closeAfter
				c.mu.Unlock()
				if closeAfter {
					c.Close()
					return
				}
				break
			}
			frame := c.queue[0]
			c.queue = c.queue[1:]
			c.queuedLen -= int64(len(frame))
			c.mu.Unlock()

			if _, err := c.sock.Write(frame); err != nil {
				c.Close()
				return
			}
		}
	}
}

// drainAndClose closes the connection once every queued frame has been
// written, so a final error reply still reaches the peer.
func (c *conn) drainAndClose() {
	c.mu.Lock()
	c.closeAfter = true
	c.mu.Unlock()
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

func (c *conn) readLoop() {
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
						c.logger.Warn("oversize frame, closing connection")
						c.Close()
						return
					}
					c.logger.Warn("dropping malformed frame", "err", derr.Error())
					continue
				}
				if env == nil {
					break
				}
				if c.onMessage != nil {
					c.onMessage(env)
				}
			}
		}
		if err != nil {
			c.Close()
			return
		}
	}
}

// Close is idempotent: it cancels the loops, releases the socket, and drops
// any queued writes.
func (c *conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.sock.Close()
		c.mu.Lock()
		c.queue = nil
		c.queuedLen = 0
		c.mu.Unlock()
		if c.onClose != nil {
			c.onClose()
		}
	})
}
