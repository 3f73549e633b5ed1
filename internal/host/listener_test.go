package host_test

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mlxhost/internal/host"
	"mlxhost/internal/logging"
	"mlxhost/internal/mockengine"
	"mlxhost/protocol"
)

func startServer(t *testing.T, authToken string) string {
	t.Helper()
	socket := filepath.Join(t.TempDir(), "host.sock")
	eng := mockengine.New(t.TempDir())
	srv := host.New(eng, host.Options{SocketPath: socket, AuthToken: authToken})

	logger, err := logging.NewLogger(logging.Options{Level: "error"})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(logging.WithLogger(context.Background(), logger))
	t.Cleanup(cancel)

	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("server did not shut down")
		}
	})

	require.Eventually(t, func() bool {
		_, err := os.Stat(socket)
		return err == nil
	}, 3*time.Second, 10*time.Millisecond)
	return socket
}

func roundTrip(t *testing.T, sock net.Conn, env protocol.Envelope) *protocol.Envelope {
	t.Helper()
	frame, err := protocol.EncodeFrame(env)
	require.NoError(t, err)
	_, err = sock.Write(frame)
	require.NoError(t, err)

	dec := protocol.NewDecoder()
	buf := make([]byte, 4096)
	for {
		require.NoError(t, sock.SetReadDeadline(time.Now().Add(5*time.Second)))
		n, err := sock.Read(buf)
		require.NoError(t, err)
		dec.Write(buf[:n])
		reply, derr := dec.Next()
		require.NoError(t, derr)
		if reply != nil {
			return reply
		}
	}
}

func TestServer_RawSocketSession(t *testing.T) {
	socket := startServer(t, "abc")

	sock, err := net.Dial("unix", socket)
	require.NoError(t, err)
	defer sock.Close()

	reply := roundTrip(t, sock, mustWireEnvelope(t, "1", protocol.TypeHandshake, protocol.HandshakePayload{AuthToken: "abc"}))
	require.Equal(t, "1", reply.ID)
	require.Equal(t, protocol.TypeHandshakeOK, reply.Type)

	reply = roundTrip(t, sock, mustWireEnvelope(t, "2", protocol.TypeModelList, nil))
	require.Equal(t, "2", reply.ID)
	require.Equal(t, protocol.TypeModelListOK, reply.Type)
	require.JSONEq(t, `{"cached":[],"loaded":[]}`, string(reply.Payload))
}

func TestServer_SocketIsUserOnly(t *testing.T) {
	socket := startServer(t, "")

	fi, err := os.Stat(socket)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), fi.Mode().Perm())
}

func TestServer_RemovesStaleSocket(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "host.sock")

	// Leave a stale socket file behind, as a crashed host would.
	addr, err := net.ResolveUnixAddr("unix", socket)
	require.NoError(t, err)
	ln, err := net.ListenUnix("unix", addr)
	require.NoError(t, err)
	ln.SetUnlinkOnClose(false)
	require.NoError(t, ln.Close())

	fi, err := os.Stat(socket)
	require.NoError(t, err)
	require.NotZero(t, fi.Mode()&os.ModeSocket)

	startServerAt(t, socket)
}

func TestServer_RefusesNonSocketFile(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "host.sock")
	require.NoError(t, os.WriteFile(socket, []byte("not a socket"), 0o600))

	eng := mockengine.New(t.TempDir())
	srv := host.New(eng, host.Options{SocketPath: socket})
	require.ErrorIs(t, srv.Run(context.Background()), host.ErrBind)
}

func startServerAt(t *testing.T, socket string) {
	t.Helper()
	eng := mockengine.New(t.TempDir())
	srv := host.New(eng, host.Options{SocketPath: socket})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.Eventually(t, func() bool {
		sock, err := net.Dial("unix", socket)
		if err != nil {
			return false
		}
		sock.Close()
		return true
	}, 3*time.Second, 10*time.Millisecond)
}

func mustWireEnvelope(t *testing.T, id, typ string, payload any) protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEnvelope(id, typ, payload)
	require.NoError(t, err)
	return env
}
