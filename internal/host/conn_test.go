package host

import (
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mlxhost/protocol"
)

func readEnvelopes(t *testing.T, sock net.Conn, n int) []*protocol.Envelope {
	t.Helper()
	dec := protocol.NewDecoder()
	buf := make([]byte, 4096)
	var out []*protocol.Envelope
	for len(out) < n {
		require.NoError(t, sock.SetReadDeadline(time.Now().Add(5*time.Second)))
		r, err := sock.Read(buf)
		require.NoError(t, err)
		dec.Write(buf[:r])
		for {
			env, derr := dec.Next()
			require.NoError(t, derr)
			if env == nil {
				break
			}
			out = append(out, env)
		}
	}
	return out
}

func TestConn_SendPreservesFIFO(t *testing.T) {
	server, peer := net.Pipe()
	c := newConn(server, testLogger(t), 0)
	go c.run()
	defer c.Close()

	const n = 100
	for i := 0; i < n; i++ {
		env, err := protocol.NewEnvelope(fmt.Sprintf("%d", i), "reset", nil)
		require.NoError(t, err)
		require.NoError(t, c.Send(env))
	}

	got := readEnvelopes(t, peer, n)
	for i, env := range got {
		require.Equal(t, fmt.Sprintf("%d", i), env.ID)
	}
}

func TestConn_DeliversDecodedEnvelopes(t *testing.T) {
	server, peer := net.Pipe()
	c := newConn(server, testLogger(t), 0)

	var mu sync.Mutex
	var got []string
	c.onMessage = func(env *protocol.Envelope) {
		mu.Lock()
		got = append(got, env.Type)
		mu.Unlock()
	}
	go c.run()
	defer c.Close()

	frame1, err := protocol.EncodeFrame(protocol.Envelope{ID: "1", Type: "model.list"})
	require.NoError(t, err)
	frame2, err := protocol.EncodeFrame(protocol.Envelope{ID: "2", Type: "reset"})
	require.NoError(t, err)

	// Split the stream at an arbitrary boundary inside frame1.
	stream := append(append([]byte{}, frame1...), frame2...)
	_, err = peer.Write(stream[:5])
	require.NoError(t, err)
	_, err = peer.Write(stream[5:])
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"model.list", "reset"}, got)
}

func TestConn_BackpressureClosesConnection(t *testing.T) {
	server, peer := net.Pipe()
	defer peer.Close()

	// A cap smaller than any frame forces the first send over the limit.
	c := newConn(server, testLogger(t), 1)

	closed := make(chan struct{})
	c.onClose = func() { close(closed) }

	env, err := protocol.NewEnvelope("1", "reset", nil)
	require.NoError(t, err)
	require.ErrorIs(t, c.Send(env), ErrBackpressure)

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("connection not closed on backpressure")
	}
}

func TestConn_CloseIsIdempotent(t *testing.T) {
	server, peer := net.Pipe()
	defer peer.Close()
	c := newConn(server, testLogger(t), 0)

	calls := 0
	c.onClose = func() { calls++ }

	c.Close()
	c.Close()
	require.Equal(t, 1, calls)

	env, err := protocol.NewEnvelope("1", "reset", nil)
	require.NoError(t, err)
	require.ErrorIs(t, c.Send(env), ErrConnClosed)
}
