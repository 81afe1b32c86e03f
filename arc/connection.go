package arc

import (
	"fmt"
	"sync"
	"time"

	"github.com/gitpan/ARCv2/arcnet"
	"github.com/gitpan/ARCv2/logfac"
)

// Connection is one authenticated session (data model §3), shared by the
// client and server roles. A single concrete type parameterized by a role
// tag replaces the source's classical Connection/Client/Server
// inheritance (spec.md §9 DESIGN NOTES); role-specific behavior lives in
// the role packages, not in this type: the server supplies a Dispatcher to
// ProcessLine, while the client drives its side of the exchange directly.
type Connection struct {
	ErrorCarrier

	Role         Role
	ProtoVersion ProtocolVersion

	Control *arcnet.LineConn
	Data    *arcnet.Conn
	SASL    *arcnet.Negotiator

	Timeout time.Duration
	Log     *logfac.Logger

	Exchange Exchange

	mu            sync.Mutex
	state         State
	expectedNext  VerbSet
	authenticated bool
	connected     bool
	peerIdentity  string
	commandParam  string
}

// NewConnection builds a Connection in StateInit, expecting only AUTH,
// with peer_identity defaulting to "anonymous" (never usable for
// authorization, per the data model).
func NewConnection(role Role, pv ProtocolVersion, control *arcnet.LineConn, timeout time.Duration, log *logfac.Logger) *Connection {
	c := &Connection{
		Role:         role,
		ProtoVersion: pv,
		Control:      control,
		Timeout:      timeout,
		Log:          log,
		peerIdentity: AnonymousIdentity,
		connected:    true,
		state:        StateInit,
	}
	c.ErrorCarrier.SetLogger(log)
	c.expectedNext = NewVerbSet(AUTH)
	return c
}

// Vocabulary returns the verb set permitted under this Connection's
// negotiated protocol version (invariant 1).
func (c *Connection) Vocabulary() VerbSet {
	return Vocabulary(c.ProtoVersion)
}

// SetState atomically updates the state machine position and the
// expected-next set (§3 invariant 5: "expected_next is updated atomically
// with sending/receiving a verb").
func (c *Connection) SetState(s State, expect ...Verb) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
	c.expectedNext = NewVerbSet(expect...)
}

// State returns the current state-machine position.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Expect replaces the expected-next set without changing state, for
// handlers that move within the same logical state (e.g. repeated SASL
// rounds while still NEGOTIATING).
func (c *Connection) Expect(verbs ...Verb) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expectedNext = NewVerbSet(verbs...)
}

// IsExpected reports whether v is permitted as the peer's next message.
func (c *Connection) IsExpected(v Verb) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expectedNext.Has(v)
}

// ExpectedNext returns a copy of the current expected-next set, mainly for
// diagnostics and protocol-error messages.
func (c *Connection) ExpectedNext() VerbSet {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(VerbSet, len(c.expectedNext))
	for v := range c.expectedNext {
		out[v] = struct{}{}
	}
	return out
}

// CommandParam returns the argument string parsed from the most recently
// processed control line.
func (c *Connection) CommandParam() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.commandParam
}

// Authenticate marks the Connection authenticated with identity, which
// must be non-empty (§3 "authenticated: boolean; true only after
// successful SASL completion with a non-empty peer identity").
func (c *Connection) Authenticate(identity string) error {
	if identity == "" {
		return NewError(KindAuth, "empty identity after SASL completion", nil)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authenticated = true
	c.peerIdentity = identity
	return nil
}

// Authenticated reports whether SASL has completed successfully.
func (c *Connection) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

// PeerIdentity returns the authenticated identity, or AnonymousIdentity
// pre-auth. Callers must never use a pre-auth value for authorization
// (data model invariant).
func (c *Connection) PeerIdentity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerIdentity
}

// Connected reports whether the control socket is still usable.
func (c *Connection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// CloseData tears down the data channel, if one is open (§3 invariant 3:
// "data_socket exists only between CMDPASV/CMDPORT and end-of-command").
func (c *Connection) CloseData() error {
	c.mu.Lock()
	d := c.Data
	c.Data = nil
	c.mu.Unlock()
	if d == nil {
		return nil
	}
	return d.Close()
}

// Disconnect tears down both sockets and moves to StateClosed.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	c.connected = false
	c.state = StateClosed
	c.expectedNext = nil
	ctl := c.Control
	d := c.Data
	c.Data = nil
	c.mu.Unlock()

	var firstErr error
	if d != nil {
		if err := d.Close(); err != nil {
			firstErr = err
		}
	}
	if ctl != nil {
		if err := ctl.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *Connection) String() string {
	return fmt.Sprintf("Connection{role=%s proto=%s state=%s who=%s}", c.Role, c.ProtoVersion, c.State(), c.PeerIdentity())
}
