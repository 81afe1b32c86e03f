package arcnet

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

var errBadCreds = errors.New("bad credentials")

func TestSASLPlainHandshakeDerivesSymmetricWrapper(t *testing.T) {
	client, err := NewClientNegotiator(MechPlain, "", "alice", "s3kr1t", "")
	require.NoError(t, err)

	plainAuth := func(identity, username, password string) error {
		if username == "alice" && password == "s3kr1t" {
			return nil
		}
		return errBadCreds
	}
	server, err := NewServerNegotiator(MechPlain, plainAuth, nil)
	require.NoError(t, err)

	clientMsg, err := client.ClientFirst()
	require.NoError(t, err)

	serverMsg, done, err := server.ServerReceive(clientMsg)
	require.NoError(t, err)
	require.True(t, done)
	require.Equal(t, "alice", server.Identity())

	_, clientDone, err := client.ClientReceive(serverMsg)
	require.NoError(t, err)
	require.True(t, clientDone)

	clientWrap, err := client.Wrapper()
	require.NoError(t, err)
	serverWrap, err := server.Wrapper()
	require.NoError(t, err)

	plaintext := []byte("hello over the wire")
	ct, err := clientWrap.Wrap(plaintext)
	require.NoError(t, err)
	pt, err := serverWrap.Unwrap(ct)
	require.NoError(t, err)
	require.Equal(t, plaintext, pt)
}

func TestSASLPlainRejectsBadPassword(t *testing.T) {
	client, err := NewClientNegotiator(MechPlain, "", "alice", "wrong", "")
	require.NoError(t, err)

	plainAuth := func(identity, username, password string) error {
		if username == "alice" && password == "s3kr1t" {
			return nil
		}
		return errBadCreds
	}
	server, err := NewServerNegotiator(MechPlain, plainAuth, nil)
	require.NoError(t, err)

	clientMsg, err := client.ClientFirst()
	require.NoError(t, err)

	_, _, err = server.ServerReceive(clientMsg)
	require.Error(t, err)
	require.Empty(t, server.Identity())
}

func TestSASLAnonymous(t *testing.T) {
	client, err := NewClientNegotiator(MechAnonymous, "", "", "", "guest@example")
	require.NoError(t, err)

	var seenTrace string
	anonAuth := func(trace string) error {
		seenTrace = trace
		return nil
	}
	server, err := NewServerNegotiator(MechAnonymous, nil, anonAuth)
	require.NoError(t, err)

	clientMsg, err := client.ClientFirst()
	require.NoError(t, err)

	serverMsg, done, err := server.ServerReceive(clientMsg)
	require.NoError(t, err)
	require.True(t, done)
	require.Equal(t, "guest@example", seenTrace)

	_, clientDone, err := client.ClientReceive(serverMsg)
	require.NoError(t, err)
	require.True(t, clientDone)
}
