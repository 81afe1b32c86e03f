package arcnet

import (
	"bytes"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func pipeConn(t *testing.T) (c1, c2 net.Conn) {
	t.Helper()
	return net.Pipe()
}

func TestDataChannelWrapRoundTrip(t *testing.T) {
	c1, c2 := pipeConn(t)
	defer c1.Close()
	defer c2.Close()

	var k1, k2 [32]byte
	k1[0], k2[0] = 9, 8

	a := NewConn(c1, NewAEADWrapper(k1, k2))
	b := NewConn(c2, NewAEADWrapper(k2, k1))

	payload := []byte(strings.Repeat("x", dataChunkSize+100))

	done := make(chan error, 1)
	go func() {
		_, err := a.Write(payload)
		done <- err
	}()

	got := make([]byte, len(payload))
	_, err := io.ReadFull(b, got)
	require.NoError(t, err)
	require.NoError(t, <-done)
	require.Equal(t, payload, got)
}

func TestRelayBidirectional(t *testing.T) {
	c1, c2 := pipeConn(t)
	var k1, k2 [32]byte
	k1[0], k2[0] = 3, 4

	serverSide := NewConn(c1, NewAEADWrapper(k1, k2))
	clientSide := NewConn(c2, NewAEADWrapper(k2, k1))

	in := strings.NewReader("ping")
	var out bytes.Buffer

	relayDone := make(chan error, 1)
	go func() {
		relayDone <- Relay(in, &out, serverSide)
	}()

	buf := make([]byte, 4)
	_, err := io.ReadFull(clientSide, buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf))

	_, err = clientSide.Write([]byte("pong"))
	require.NoError(t, err)
	// net.Pipe has no half-close; fully close to signal EOF to the relay.
	_ = c2.Close()

	require.NoError(t, <-relayDone)
	require.Equal(t, "pong", out.String())
}

func TestAcceptTimeout(t *testing.T) {
	ln, _, err := ListenEphemeral("127.0.0.1")
	require.NoError(t, err)
	defer ln.Close()

	_, err = AcceptTimeout(ln, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
}
