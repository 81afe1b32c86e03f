package arc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestConn(t *testing.T) *Connection {
	t.Helper()
	return NewConnection(RoleServer, V21, nil, time.Second, nil)
}

func TestProcessLineRejectsVerbOutsideVocabulary(t *testing.T) {
	c := newTestConn(t)
	c.ProtoVersion = V20
	c.SetState(StateAuthed, CMDPORT)

	table := HandlerTable{
		CMDPORT: func(c *Connection, param string) error { return nil },
	}

	err := c.ProcessLine("CMDPORT 127.0.0.1:9000", table)
	require.Error(t, err)
	require.True(t, IsKind(err, KindProtocol))
	require.Equal(t, StateClosed, c.State())
}

func TestProcessLineRejectsUnexpectedVerb(t *testing.T) {
	c := newTestConn(t)
	c.SetState(StateInit, AUTH)

	table := HandlerTable{
		CMD: func(c *Connection, param string) error { return nil },
	}

	err := c.ProcessLine("CMD echo hi", table)
	require.Error(t, err)
	require.True(t, IsKind(err, KindProtocol))
	require.Equal(t, StateClosed, c.State())
}

func TestProcessLineDispatchesAndSetsCommandParam(t *testing.T) {
	c := newTestConn(t)
	c.SetState(StateAuthed, CMD)

	var gotParam string
	table := HandlerTable{
		CMD: func(c *Connection, param string) error {
			gotParam = param
			c.SetState(StateDataSetup, CMDPASV, CMDPORT)
			return nil
		},
	}

	err := c.ProcessLine("CMD echo hello world", table)
	require.NoError(t, err)
	require.Equal(t, "echo hello world", gotParam)
	require.Equal(t, "echo hello world", c.CommandParam())
	require.Equal(t, StateDataSetup, c.State())
	require.True(t, c.IsExpected(CMDPASV))
	require.True(t, c.IsExpected(CMDPORT))
}

func TestProcessLineMissingHandlerIsInternalError(t *testing.T) {
	c := newTestConn(t)
	c.SetState(StateAuthed, CMD)

	err := c.ProcessLine("CMD echo hi", HandlerTable{})
	require.Error(t, err)
	require.True(t, IsKind(err, KindInternal))
}

func TestConnectionAuthenticateRequiresNonEmptyIdentity(t *testing.T) {
	c := newTestConn(t)
	require.False(t, c.Authenticated())
	require.Equal(t, AnonymousIdentity, c.PeerIdentity())

	err := c.Authenticate("")
	require.Error(t, err)
	require.True(t, IsKind(err, KindAuth))
	require.False(t, c.Authenticated())

	require.NoError(t, c.Authenticate("alice"))
	require.True(t, c.Authenticated())
	require.Equal(t, "alice", c.PeerIdentity())
}
