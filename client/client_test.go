package client_test

import (
	"bytes"
	"net"
	"os/user"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gitpan/ARCv2/arc"
	"github.com/gitpan/ARCv2/client"
	"github.com/gitpan/ARCv2/logfac"
	"github.com/gitpan/ARCv2/server"
)

func testLogger(t *testing.T) *logfac.Logger {
	t.Helper()
	l, err := logfac.New(logfac.ERR, "arc-client-test", logfac.DestStderr)
	require.NoError(t, err)
	return l
}

func startServer(t *testing.T, srv *server.Server) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			go func() { _ = srv.Serve(nc) }()
		}
	}()
	t.Cleanup(func() { _ = ln.Close() })
	return ln.Addr().String()
}

func currentUsername(t *testing.T) string {
	t.Helper()
	u, err := user.Current()
	require.NoError(t, err)
	return u.Username
}

// TestAuthenticateRejectsUnsupportedMechanism exercises the AUTH/ERR path:
// the server only allows ANONYMOUS, the client asks for PLAIN.
func TestAuthenticateRejectsUnsupportedMechanism(t *testing.T) {
	srv := &server.Server{
		ProtoVersion: arc.V21,
		Commands:     arc.CommandTable{},
		Policy:       arc.NewAllowList(nil),
		Mechanisms:   []string{"ANONYMOUS"},
		AnonAuth:     func(trace string) error { return nil },
		DataHost:     "127.0.0.1",
		Timeout:      5 * time.Second,
		Log:          testLogger(t),
	}
	addr := startServer(t, srv)

	cl, err := client.Dial(addr, arc.V21, 5*time.Second)
	require.NoError(t, err)
	defer cl.Close()

	err = cl.Authenticate(client.Credentials{Mechanism: "PLAIN", Username: "alice", Password: "x"})
	require.Error(t, err)
	require.True(t, arc.IsKind(err, arc.KindAuth))
}

// TestAuthenticateViaAnonymous exercises the ANONYMOUS mechanism end to end
// and confirms the trace string becomes the peer identity used for the ACL.
func TestAuthenticateViaAnonymous(t *testing.T) {
	srv := &server.Server{
		ProtoVersion: arc.V21,
		Commands: arc.CommandTable{
			"echo": {Name: "echo", Path: "/bin/echo"},
		},
		Policy:     arc.NewAllowList(map[string][]string{"echo": {"guest@example.com"}}),
		Mechanisms: []string{"ANONYMOUS"},
		AnonAuth:   func(trace string) error { return nil },
		DataHost:   "127.0.0.1",
		Timeout:    5 * time.Second,
		Log:        testLogger(t),
	}
	addr := startServer(t, srv)

	cl, err := client.Dial(addr, arc.V21, 5*time.Second)
	require.NoError(t, err)
	defer cl.Close()

	require.NoError(t, cl.Authenticate(client.Credentials{
		Mechanism: "ANONYMOUS",
		Trace:     "guest@example.com",
	}))

	var out bytes.Buffer
	res, err := cl.Run("echo", "", strings.NewReader(""), &out)
	require.NoError(t, err)
	require.Equal(t, 0, res.ExitStatus)

	require.NoError(t, cl.Quit())
}

// TestRunUnknownCommandReturnsErrWithoutClosingSession confirms an
// unrecognized command name fails the single request but leaves the
// session authenticated for a subsequent CMD.
func TestRunUnknownCommandReturnsErrWithoutClosingSession(t *testing.T) {
	who := currentUsername(t)
	srv := &server.Server{
		ProtoVersion: arc.V21,
		Commands: arc.CommandTable{
			"echo": {Name: "echo", Path: "/bin/echo"},
		},
		Policy: arc.NewAllowList(map[string][]string{"echo": {who}}),
		Mechanisms: []string{"PLAIN"},
		PlainAuth: func(identity, username, password string) error {
			if username == who && password == "s3kr1t" {
				return nil
			}
			return arc.NewError(arc.KindAuth, "bad credentials", nil)
		},
		DataHost: "127.0.0.1",
		Timeout:  5 * time.Second,
		Log:      testLogger(t),
	}
	addr := startServer(t, srv)

	cl, err := client.Dial(addr, arc.V21, 5*time.Second)
	require.NoError(t, err)
	defer cl.Close()

	require.NoError(t, cl.Authenticate(client.Credentials{
		Mechanism: "PLAIN",
		Username:  who,
		Password:  "s3kr1t",
	}))

	var out bytes.Buffer
	_, err = cl.Run("does-not-exist", "", strings.NewReader(""), &out)
	require.Error(t, err)

	// The session survived the rejected command; a second, valid request
	// on the same authenticated connection should still succeed.
	out.Reset()
	res, err := cl.Run("echo", "again", strings.NewReader(""), &out)
	require.NoError(t, err)
	require.Equal(t, 0, res.ExitStatus)
	require.Equal(t, "again\n", out.String())

	require.NoError(t, cl.Quit())
}
