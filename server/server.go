// Package server implements the ARC server role (spec.md §4.H): drives
// the handshake as responder, enforces the ACL, spawns the requested
// privileged command under its own credentials, and relays its stdio
// through the data channel. Process-spawn and credential-drop logic is
// grounded on the teacher's xsd.go runClientToServerCopyAs/
// runServerToClientCopyAs (user.Lookup + syscall.Credential, direct pipe
// stdio, no pty — ARC commands are named executables, not interactive
// shells).
package server

import (
	"encoding/base64"
	"fmt"
	"net"
	"os/exec"
	"os/user"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/emersion/go-sasl"

	"github.com/gitpan/ARCv2/arc"
	"github.com/gitpan/ARCv2/arcnet"
	"github.com/gitpan/ARCv2/logfac"
)

// Server holds the configuration shared by every connection a worker
// process serves (spec.md §4.H/§4.I: one Server per worker, one session
// per accepted socket).
type Server struct {
	ProtoVersion arc.ProtocolVersion
	Commands     arc.CommandTable
	Policy       arc.Policy
	Mechanisms   []string // allowed, in preference order
	PlainAuth    arc.PlainAuthFunc
	AnonAuth     func(trace string) error
	DataHost     string
	Timeout      time.Duration
	Log          *logfac.Logger

	// Server keeps no request budget of its own: the worker loop in
	// cmd/arcd counts the sessions it has passed to Serve against
	// [arcd] max_requests.
}

// session is per-connection transient state the handler table closes
// over; it is not part of arc.Connection because it is server-role-only
// bookkeeping (spec.md §9: role-specific state lives beside the role, not
// in the shared Connection type).
type session struct {
	srv      *Server
	conn     *arc.Connection
	id       string
	mech     string
	dataLn   net.Listener
	dataAddr string
}

// Serve handles exactly one accepted control connection end to end,
// returning once the session reaches CLOSED. Serve closes nc (through the
// Connection's Disconnect) before it returns.
func (s *Server) Serve(nc net.Conn) error {
	sessLog, sessID := s.Log.WithSession()
	sessLog.Emitf(logfac.USER, "accepted connection from %s", nc.RemoteAddr())

	control := arcnet.NewLineConn(nc, s.Timeout)
	c := arc.NewConnection(arc.RoleServer, s.ProtoVersion, control, s.Timeout, sessLog)
	c.ErrorCarrier.SetLogger(sessLog)

	sess := &session{srv: s, conn: c, id: sessID}
	table := arc.HandlerTable{
		arc.AUTH: sess.handleAUTH,
		arc.SASL: sess.handleSASL,
		arc.CMD:  sess.handleCMD,
		arc.DATA: sess.handleDATA,
		arc.QUIT: sess.handleQUIT,
	}

	defer func() {
		if sess.dataLn != nil {
			_ = sess.dataLn.Close()
		}
		_ = c.Disconnect()
	}()

	for c.State() != arc.StateClosed {
		line, err := control.RecvLine()
		if err != nil {
			sessLog.Emitf(logfac.ERR, "session: recv: %v", err)
			return err
		}
		if err := c.ProcessLine(line, table); err != nil {
			sessLog.Emitf(logfac.ERR, "session: %v", err)
			_ = control.SendLine("ERR", err.Error())
			return err
		}
	}
	return nil
}

// log returns the per-session correlation-tagged logger (spec.md §4.A)
// that Serve attached to sess.conn when the session was created.
func (sess *session) log() *logfac.Logger {
	return sess.conn.Log
}

func (sess *session) handleAUTH(c *arc.Connection, param string) error {
	offered := strings.Fields(param)
	mech := sess.chooseMechanism(offered)
	if mech == "" {
		c.SetState(arc.StateClosed)
		_ = sendErr(c, "no supported mechanism")
		c.Set("no mutually supported SASL mechanism", nil)
		return c.IsError()
	}
	sess.mech = mech
	if err := sendLine(c, "OK", mech); err != nil {
		return err
	}
	c.SetState(arc.StateNegotiating, arc.SASL)
	return nil
}

func (sess *session) chooseMechanism(offered []string) string {
	for _, want := range offered {
		for _, allowed := range sess.srv.Mechanisms {
			if strings.EqualFold(want, allowed) {
				return allowed
			}
		}
	}
	return ""
}

func (sess *session) handleSASL(c *arc.Connection, param string) error {
	if c.SASL == nil {
		neg, err := sess.newNegotiator()
		if err != nil {
			c.SetState(arc.StateClosed)
			_ = sendErr(c, "unsupported mechanism")
			return err
		}
		c.SASL = neg
	}

	token, err := base64.StdEncoding.DecodeString(param)
	if err != nil {
		c.SetState(arc.StateClosed)
		_ = sendErr(c, "malformed SASL token")
		return arc.NewError(arc.KindProtocol, "malformed SASL token", err)
	}

	resp, done, serr := c.SASL.ServerReceive(token)
	if serr != nil {
		c.SetState(arc.StateClosed)
		_ = sendErr(c, "authentication failed")
		return arc.NewError(arc.KindAuth, "SASL negotiation failed", serr)
	}

	if err := sendLine(c, "SASL", base64.StdEncoding.EncodeToString(resp)); err != nil {
		return err
	}

	if !done {
		c.SetState(arc.StateNegotiating, arc.SASL)
		return nil
	}

	if err := c.Authenticate(c.SASL.Identity()); err != nil {
		c.SetState(arc.StateClosed)
		_ = sendErr(c, "empty identity")
		return err
	}
	wrap, werr := c.SASL.Wrapper()
	if werr != nil {
		c.SetState(arc.StateClosed)
		return werr
	}
	sess.log().Emitf(logfac.AUTH, "authenticated user=%s mech=%s", c.PeerIdentity(), sess.mech)

	// The trailing OK still goes out in the clear: the client derives its
	// own wrapper only once it has read this OK.
	if err := sendLine(c, "OK", "authenticated"); err != nil {
		return err
	}
	c.Control.SetWrapper(wrap)
	c.SetState(arc.StateAuthed, arc.CMD, arc.QUIT)
	return nil
}

func (sess *session) newNegotiator() (*arcnet.Negotiator, error) {
	switch sess.mech {
	case arcnet.MechPlain:
		if sess.srv.PlainAuth == nil {
			return nil, fmt.Errorf("server: PLAIN not configured")
		}
		return arcnet.NewServerNegotiator(arcnet.MechPlain, sasl.PlainAuthenticator(sess.srv.PlainAuth), nil)
	case arcnet.MechAnonymous:
		if sess.srv.AnonAuth == nil {
			return nil, fmt.Errorf("server: ANONYMOUS not configured")
		}
		return arcnet.NewServerNegotiator(arcnet.MechAnonymous, nil, sasl.AnonymousAuthenticator(sess.srv.AnonAuth))
	default:
		return nil, arcnet.ErrMechanismNotSupported
	}
}

func (sess *session) handleCMD(c *arc.Connection, param string) error {
	// Invariant 1 (spec.md §8): no CMD is honored before authenticated.
	// Structurally unreachable (CMD only enters expected_next post-auth),
	// kept here as a direct, cheap check against that testable property.
	if !c.Authenticated() {
		c.SetState(arc.StateClosed)
		return arc.NewError(arc.KindAuthorization, "CMD received before authentication", nil)
	}

	name, args := splitFirstToken(param)
	_, ok := sess.srv.Commands.Lookup(name)
	if !ok {
		_ = sendErr(c, "unknown command")
		c.SetState(arc.StateAuthed, arc.CMD, arc.QUIT)
		return nil
	}
	if sess.srv.Policy == nil || !sess.srv.Policy.Allow(c.PeerIdentity(), name) {
		sess.log().Emitf(logfac.CMD, "denied user=%s cmd=%s", c.PeerIdentity(), name)
		_ = sendErr(c, "not authorized")
		c.SetState(arc.StateAuthed, arc.CMD, arc.QUIT)
		return nil
	}

	c.Exchange.SetCmd(name, args)
	c.Exchange.SetWho(c.PeerIdentity())
	sess.log().Emitf(logfac.CMD, "dispatch user=%s cmd=%s args=%q", c.PeerIdentity(), name, args)

	ln, addr, err := arcnet.ListenEphemeral(sess.srv.DataHost)
	if err != nil {
		c.SetState(arc.StateClosed)
		_ = sendErr(c, "cannot open data channel")
		return arc.NewError(arc.KindInternal, "listening for data channel", err)
	}
	sess.dataLn = ln
	sess.dataAddr = addr

	if err := sendLine(c, "CMDPASV", addr); err != nil {
		return err
	}
	c.SetState(arc.StateDataSetup, arc.DATA)
	return nil
}

func (sess *session) handleDATA(c *arc.Connection, param string) error {
	raw, err := arcnet.AcceptTimeout(sess.dataLn, sess.srv.Timeout)
	_ = sess.dataLn.Close()
	sess.dataLn = nil
	if err != nil {
		c.SetState(arc.StateClosed)
		return arc.NewError(arc.KindTimeout, "data channel accept", err)
	}

	dataWrap, err := c.SASL.DataWrapper()
	if err != nil {
		c.SetState(arc.StateClosed)
		return err
	}
	dataConn := arcnet.NewConn(raw, dataWrap)
	c.Data = dataConn

	spec, _ := sess.srv.Commands.Lookup(c.Exchange.CmdName())
	status, runErr := spawnCommand(spec, c.PeerIdentity(), c.Exchange.CmdArgs(), dataConn)
	if runErr != nil {
		sess.log().Emitf(logfac.ERR, "spawn failed user=%s cmd=%s: %v", c.PeerIdentity(), c.Exchange.CmdName(), runErr)
	}
	c.Exchange.SetStatus(status)
	_ = c.CloseData()

	if err := sendLine(c, "EXIT", strconv.Itoa(int(status))); err != nil {
		return err
	}
	c.Exchange.Reset()
	c.SetState(arc.StateAuthed, arc.CMD, arc.QUIT)
	return nil
}

func (sess *session) handleQUIT(c *arc.Connection, param string) error {
	c.SetState(arc.StateClosed)
	return nil
}

// spawnCommand execs spec's configured executable with its argv template
// plus the caller's argument string appended, running under who's uid/gid,
// stdio wired directly to the data channel (§4.H "spawn the child with the
// configured UID/GID, pipes for stdio").
func spawnCommand(spec arc.CommandSpec, who, args string, data *arcnet.Conn) (int32, error) {
	u, err := user.Lookup(who)
	if err != nil {
		return -1, fmt.Errorf("server: lookup user %q: %w", who, err)
	}
	uid, _ := strconv.ParseUint(u.Uid, 10, 32)
	gid, _ := strconv.ParseUint(u.Gid, 10, 32)

	argv := append(append([]string{}, spec.Argv...), strings.Fields(args)...)
	cmd := exec.Command(spec.Path, argv...)
	cmd.Dir = u.HomeDir
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Credential: &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)},
	}
	cmd.Stdin = data
	cmd.Stdout = data
	cmd.Stderr = data
	cmd.Env = []string{"HOME=" + u.HomeDir, "LOGNAME=" + who}

	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("server: starting %s: %w", spec.Path, err)
	}
	if err := cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
				return int32(status.ExitStatus()), nil
			}
		}
		return -1, err
	}
	return 0, nil
}

func sendLine(c *arc.Connection, parts ...string) error {
	if err := c.Control.SendLine(parts...); err != nil {
		return arc.NewError(arc.KindInternal, "sending control line", err)
	}
	return nil
}

func sendErr(c *arc.Connection, reason string) error {
	return c.Control.SendLine("ERR", reason)
}

func splitFirstToken(s string) (first, rest string) {
	for i := 0; i < len(s); i++ {
		if s[i] == ' ' {
			return s[:i], s[i+1:]
		}
	}
	return s, ""
}
