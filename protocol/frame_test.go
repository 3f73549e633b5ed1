package protocol_test

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"mlxhost/protocol"
)

func mustFrame(t *testing.T, id, typ string, payload any) []byte {
	t.Helper()
	env, err := protocol.NewEnvelope(id, typ, payload)
	require.NoError(t, err)
	frame, err := protocol.EncodeFrame(env)
	require.NoError(t, err)
	return frame
}

func TestEncodeFrame_LengthPrefixMatchesBody(t *testing.T) {
	frame := mustFrame(t, "1", "model.list", nil)
	require.GreaterOrEqual(t, len(frame), 4)
	n := binary.BigEndian.Uint32(frame[:4])
	require.Equal(t, int(n), len(frame)-4)
}

func TestDecoder_RoundTrip(t *testing.T) {
	dec := protocol.NewDecoder()
	dec.Write(mustFrame(t, "a", "handshake", protocol.HandshakePayload{AuthToken: "abc"}))

	env, err := dec.Next()
	require.NoError(t, err)
	require.NotNil(t, env)
	require.Equal(t, "a", env.ID)
	require.Equal(t, "handshake", env.Type)

	var p protocol.HandshakePayload
	require.NoError(t, jsonUnmarshal(env.Payload, &p))
	require.Equal(t, "abc", p.AuthToken)

	env, err = dec.Next()
	require.NoError(t, err)
	require.Nil(t, env)
}

// Splitting the byte stream arbitrarily across writes must not change the
// decoded sequence.
func TestDecoder_ArbitrarySplits(t *testing.T) {
	var stream []byte
	want := []string{"handshake", "model.list", "inference.stream", "reset"}
	for i, typ := range want {
		stream = append(stream, mustFrame(t, string(rune('a'+i)), typ, map[string]any{"n": i})...)
	}

	for chunk := 1; chunk <= len(stream); chunk++ {
		dec := protocol.NewDecoder()
		var got []string
		for off := 0; off < len(stream); off += chunk {
			end := off + chunk
			if end > len(stream) {
				end = len(stream)
			}
			dec.Write(stream[off:end])
			for {
				env, err := dec.Next()
				require.NoError(t, err)
				if env == nil {
					break
				}
				got = append(got, env.Type)
			}
		}
		require.Equal(t, want, got, "chunk size %d", chunk)
	}
}

func TestDecoder_MalformedBodyKeepsAlignment(t *testing.T) {
	dec := protocol.NewDecoder()

	bad := []byte(`{"type":`)
	frame := make([]byte, 4+len(bad))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(bad)))
	copy(frame[4:], bad)

	dec.Write(frame)
	dec.Write(mustFrame(t, "x", "model.list", nil))

	env, err := dec.Next()
	require.Error(t, err)
	require.Nil(t, env)
	require.False(t, errors.Is(err, protocol.ErrFrameTooLarge))

	env, err = dec.Next()
	require.NoError(t, err)
	require.NotNil(t, env)
	require.Equal(t, "model.list", env.Type)
}

func TestDecoder_OversizeFrameIsFatal(t *testing.T) {
	dec := protocol.NewDecoder()
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], protocol.MaxFrameSize+1)
	dec.Write(header[:])

	_, err := dec.Next()
	require.ErrorIs(t, err, protocol.ErrFrameTooLarge)
}

func TestDecoder_IncompleteFrameWaits(t *testing.T) {
	dec := protocol.NewDecoder()
	frame := mustFrame(t, "1", "reset", nil)

	dec.Write(frame[:len(frame)-1])
	env, err := dec.Next()
	require.NoError(t, err)
	require.Nil(t, env)

	dec.Write(frame[len(frame)-1:])
	env, err = dec.Next()
	require.NoError(t, err)
	require.NotNil(t, env)
	require.Equal(t, "reset", env.Type)
}
