// Package client implements the ARC client role (spec.md §4.G): connects
// to the server, drives the SASL handshake as initiator, then for each
// requested command opens the data channel and relays local stdio,
// mirroring the control-line dance the server's HandlerTable drives on
// the other end.
package client

import (
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/gitpan/ARCv2/arc"
	"github.com/gitpan/ARCv2/arcnet"
)

// Credentials selects the mechanism and its parameters for one session.
type Credentials struct {
	Mechanism string
	Identity  string // authorization identity, PLAIN only; usually empty
	Username  string
	Password  string
	Trace     string // ANONYMOUS trace info, e.g. an email address
}

// Client drives one authenticated ARC session against a single server.
type Client struct {
	ProtoVersion arc.ProtocolVersion
	Timeout      time.Duration

	conn *arc.Connection
}

// Dial connects to addr and returns a Client ready to Authenticate.
func Dial(addr string, pv arc.ProtocolVersion, timeout time.Duration) (*Client, error) {
	nc, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, arc.NewError(arc.KindBind, "connecting to server", err)
	}
	control := arcnet.NewLineConn(nc, timeout)
	c := arc.NewConnection(arc.RoleClient, pv, control, timeout, nil)
	return &Client{ProtoVersion: pv, Timeout: timeout, conn: c}, nil
}

// Close tears down the underlying connection without a graceful QUIT.
func (cl *Client) Close() error {
	return cl.conn.Disconnect()
}

// Authenticate drives AUTH then the SASL exchange to completion (spec.md
// §4.G "sends AUTH, drives SASL until OK").
func (cl *Client) Authenticate(creds Credentials) error {
	c := cl.conn
	c.SetState(arc.StateNegotiating, arc.OK)

	if err := c.Control.SendLine(arc.AUTH.String(), creds.Mechanism); err != nil {
		return arc.NewError(arc.KindInternal, "sending AUTH", err)
	}

	line, err := c.Control.RecvLine()
	if err != nil {
		return arc.NewError(arc.KindProtocol, "awaiting AUTH reply", err)
	}
	verb, param := arcnet.SplitVerb(line)
	if verb == arc.ERR.String() {
		return arc.NewError(arc.KindAuth, "server rejected mechanism: "+param, nil)
	}
	if verb != arc.OK.String() {
		return arc.NewError(arc.KindProtocol, "unexpected reply to AUTH: "+line, nil)
	}

	neg, err := arcnet.NewClientNegotiator(creds.Mechanism, creds.Identity, creds.Username, creds.Password, creds.Trace)
	if err != nil {
		return arc.NewError(arc.KindAuth, "building SASL negotiator", err)
	}
	c.SASL = neg

	first, err := neg.ClientFirst()
	if err != nil {
		return arc.NewError(arc.KindAuth, "SASL first step", err)
	}
	if err := c.Control.SendLine(arc.SASL.String(), base64.StdEncoding.EncodeToString(first)); err != nil {
		return arc.NewError(arc.KindInternal, "sending SASL", err)
	}

	for {
		line, err := c.Control.RecvLine()
		if err != nil {
			return arc.NewError(arc.KindProtocol, "awaiting SASL reply", err)
		}
		verb, param := arcnet.SplitVerb(line)
		switch verb {
		case arc.ERR.String():
			return arc.NewError(arc.KindAuth, "authentication failed: "+param, nil)
		case arc.SASL.String():
			tok, derr := base64.StdEncoding.DecodeString(param)
			if derr != nil {
				return arc.NewError(arc.KindProtocol, "malformed SASL token", derr)
			}
			next, done, nerr := neg.ClientReceive(tok)
			if nerr != nil {
				return arc.NewError(arc.KindAuth, "SASL step failed", nerr)
			}
			if done {
				continue // await the trailing OK
			}
			if err := c.Control.SendLine(arc.SASL.String(), base64.StdEncoding.EncodeToString(next)); err != nil {
				return arc.NewError(arc.KindInternal, "sending SASL", err)
			}
		case arc.OK.String():
			// neg.Identity() is only populated server-side; the client
			// already knows its own identity from the credentials it sent.
			identity := creds.Username
			if identity == "" {
				identity = creds.Trace
			}
			if err := c.Authenticate(identity); err != nil {
				return err
			}
			wrap, werr := neg.Wrapper()
			if werr != nil {
				return arc.NewError(arc.KindAuth, "deriving session keys", werr)
			}
			c.Control.SetWrapper(wrap)
			c.SetState(arc.StateAuthed, arc.CMD, arc.QUIT)
			return nil
		default:
			return arc.NewError(arc.KindProtocol, "unexpected message during SASL: "+line, nil)
		}
	}
}

// Result is what Run reports once a command completes.
type Result struct {
	ExitStatus int
}

// Run issues one `CMD name args` request, relays local stdin/stdout
// through the data channel, and returns once the server reports EXIT
// (spec.md §4.G).
func (cl *Client) Run(name, args string, stdin io.Reader, stdout io.Writer) (Result, error) {
	c := cl.conn
	if c.State() != arc.StateAuthed {
		return Result{}, arc.NewError(arc.KindProtocol, "Run called outside AUTHED state", nil)
	}

	cmdLine := name
	if args != "" {
		cmdLine = name + " " + args
	}
	if err := c.Control.SendLine(arc.CMD.String(), cmdLine); err != nil {
		return Result{}, arc.NewError(arc.KindInternal, "sending CMD", err)
	}
	c.SetState(arc.StateDataSetup, arc.CMDPASV, arc.ERR)

	line, err := c.Control.RecvLine()
	if err != nil {
		return Result{}, arc.NewError(arc.KindProtocol, "awaiting CMDPASV", err)
	}
	verb, param := arcnet.SplitVerb(line)
	if verb == arc.ERR.String() {
		c.SetState(arc.StateAuthed, arc.CMD, arc.QUIT)
		return Result{}, arc.NewError(arc.KindAuthorization, param, nil)
	}
	if verb != arc.CMDPASV.String() {
		return Result{}, arc.NewError(arc.KindProtocol, "unexpected reply to CMD: "+line, nil)
	}

	raw, err := arcnet.DialTimeout(param, cl.Timeout)
	if err != nil {
		return Result{}, arc.NewError(arc.KindBind, "dialing data channel", err)
	}
	dataWrap, err := c.SASL.DataWrapper()
	if err != nil {
		return Result{}, err
	}
	dataConn := arcnet.NewConn(raw, dataWrap)
	c.Data = dataConn

	if err := c.Control.SendLine(arc.DATA.String()); err != nil {
		return Result{}, arc.NewError(arc.KindInternal, "sending DATA", err)
	}
	c.SetState(arc.StateRelay, arc.EXIT)

	relayErr := arcnet.Relay(stdin, stdout, dataConn)
	_ = c.CloseData()
	if relayErr != nil {
		return Result{}, arc.NewError(arc.KindInternal, "relaying command I/O", relayErr)
	}

	line, err = c.Control.RecvLine()
	if err != nil {
		return Result{}, arc.NewError(arc.KindProtocol, "awaiting EXIT", err)
	}
	verb, param = arcnet.SplitVerb(line)
	if verb != arc.EXIT.String() {
		return Result{}, arc.NewError(arc.KindProtocol, "unexpected reply waiting for EXIT: "+line, nil)
	}
	status, serr := strconv.Atoi(param)
	if serr != nil {
		return Result{}, arc.NewError(arc.KindProtocol, "malformed EXIT status: "+param, serr)
	}

	c.SetState(arc.StateAuthed, arc.CMD, arc.QUIT)
	return Result{ExitStatus: status}, nil
}

// Quit sends QUIT and closes the connection gracefully.
func (cl *Client) Quit() error {
	c := cl.conn
	if err := c.Control.SendLine(arc.QUIT.String()); err != nil {
		return fmt.Errorf("client: sending QUIT: %w", err)
	}
	c.SetState(arc.StateClosed)
	return c.Disconnect()
}
