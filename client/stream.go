package client

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/google/uuid"

	"mlxhost/protocol"
)

// EventType tags a stream event.
type EventType string

const (
	EventStart EventType = "start"
	EventToken EventType = "token"
	EventEnd   EventType = "end"
	EventError EventType = "error"
)

// Event is one logical stream event. Text is set for tokens, Final for end,
// Code/Message for errors.
type Event struct {
	Type      EventType
	RequestID string
	Text      string
	Final     *protocol.GenerateResponse
	Code      string
	Message   string
}

// Terminal reports whether no further events follow.
func (e Event) Terminal() bool {
	return e.Type == EventEnd || e.Type == EventError
}

// Stream is a consumable event sequence for one inference.stream request.
// Events arrive in order: start, tokens, then exactly one end or error. If
// the consumer stops receiving, the connection's read loop blocks on this
// stream's buffer, back-pressuring the socket.
type Stream struct {
	id   string
	conn *Conn

	events chan Event

	mu   sync.Mutex
	done bool
}

// Stream sends an inference.stream request and registers a subscription for
// its events. The returned Stream must be drained or cancelled.
func (c *Conn) Stream(ctx context.Context, req protocol.GenerateRequest) (*Stream, error) {
	return c.StreamWithID(ctx, "", req)
}

func (c *Conn) StreamWithID(ctx context.Context, id string, req protocol.GenerateRequest) (*Stream, error) {
	if id == "" {
		id = uuid.NewString()
	}
	env, err := protocol.NewEnvelope(id, protocol.TypeInferenceStream, req)
	if err != nil {
		return nil, err
	}

	s := &Stream{
		id:     id,
		conn:   c,
		events: make(chan Event, c.opts.StreamBuffer),
	}

	c.mu.Lock()
	select {
	case <-c.closed:
		c.mu.Unlock()
		return nil, ErrTransportClosed
	default:
	}
	if _, dup := c.streams[id]; dup {
		c.mu.Unlock()
		return nil, &protocol.WireError{Code: protocol.CodeBadRequest, Message: "duplicate stream id " + id}
	}
	c.streams[id] = s
	c.mu.Unlock()

	if err := c.writeEnvelope(env); err != nil {
		c.mu.Lock()
		delete(c.streams, id)
		c.mu.Unlock()
		return nil, err
	}
	return s, nil
}

// ID returns the stream's request id, usable with Cancel.
func (s *Stream) ID() string { return s.id }

// Recv returns the next event. After the terminal event has been returned,
// Recv returns io.EOF.
func (s *Stream) Recv(ctx context.Context) (Event, error) {
	select {
	case <-ctx.Done():
		return Event{}, ctx.Err()
	case ev, ok := <-s.events:
		if !ok {
			return Event{}, io.EOF
		}
		return ev, nil
	}
}

// Cancel asks the host to cancel this stream. The stream still terminates
// through its own error event.
func (s *Stream) Cancel(ctx context.Context) error {
	return s.conn.Cancel(ctx, s.id)
}

// deliver enqueues a non-terminal event, blocking (socket back-pressure)
// until the consumer drains or the connection dies.
func (s *Stream) deliver(ev Event) {
	select {
	case s.events <- ev:
	case <-s.conn.closed:
	}
}

// terminate enqueues the terminal event and closes the sequence. Safe to
// call at most once per source; guarded anyway because connection teardown
// can race the host's own terminal.
func (s *Stream) terminate(ev Event) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	s.mu.Unlock()

	select {
	case s.events <- ev:
	case <-s.conn.closed:
		// Buffer full on a dead connection; drop the event so close can
		// still complete.
		select {
		case s.events <- ev:
		default:
		}
	}
	close(s.events)
}

// dispatchStreamEvent routes one inference.stream.* envelope to its
// subscription. The envelope id keys the lookup, falling back to the
// payload's requestId.
func (c *Conn) dispatchStreamEvent(env *protocol.Envelope) {
	id := env.ID
	if id == "" {
		var probe struct {
			RequestID string `json:"requestId"`
		}
		_ = json.Unmarshal(env.Payload, &probe)
		id = probe.RequestID
	}
	if id == "" {
		return
	}

	c.mu.Lock()
	s := c.streams[id]
	terminal := env.Type == protocol.TypeStreamEnd || env.Type == protocol.TypeStreamError
	if s != nil && terminal {
		delete(c.streams, id)
	}
	c.mu.Unlock()
	if s == nil {
		return
	}

	switch env.Type {
	case protocol.TypeStreamStart:
		s.deliver(Event{Type: EventStart, RequestID: id})
	case protocol.TypeStreamToken:
		var p protocol.StreamTokenPayload
		_ = json.Unmarshal(env.Payload, &p)
		s.deliver(Event{Type: EventToken, RequestID: id, Text: p.Text})
	case protocol.TypeStreamEnd:
		var p protocol.StreamEndPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			s.terminate(Event{Type: EventError, RequestID: id, Code: protocol.CodeStreamError, Message: "malformed end payload"})
			return
		}
		s.terminate(Event{Type: EventEnd, RequestID: id, Final: &p.Final})
	case protocol.TypeStreamError:
		var p protocol.StreamErrorPayload
		_ = json.Unmarshal(env.Payload, &p)
		s.terminate(Event{Type: EventError, RequestID: id, Code: p.Code, Message: p.Message})
	}
}
