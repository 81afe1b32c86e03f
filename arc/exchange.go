package arc

// Exchange holds bookkeeping for the command currently in flight on a
// Connection: the requested command name/args, the authenticated
// requester, and (once known) the exit status. This generalizes the
// teacher's Session type (op/who/cmd/status) from a single interactive
// shell op code to an arbitrary named command request.
type Exchange struct {
	cmdName  string
	cmdArgs  string
	who      string
	connHost string
	status   int32
	hasExit  bool
}

// CmdName returns the requested command's name (the key into a CommandTable).
func (e Exchange) CmdName() string { return e.cmdName }

// SetCmd stores the requested command name and its argument string.
func (e *Exchange) SetCmd(name, args string) {
	e.cmdName = name
	e.cmdArgs = args
}

// CmdArgs returns the argument string supplied with the command request.
func (e Exchange) CmdArgs() string { return e.cmdArgs }

// Who returns the authenticated identity that issued the request.
func (e Exchange) Who() string { return e.who }

// SetWho stores the authenticated identity associated with this Exchange.
func (e *Exchange) SetWho(w string) { e.who = w }

// ConnHost returns the connecting hostname/IP recorded for this Exchange.
func (e Exchange) ConnHost() string { return e.connHost }

// SetConnHost stores the connecting hostname/IP for this Exchange.
func (e *Exchange) SetConnHost(h string) { e.connHost = h }

// Status returns the command's exit status and whether one has been set.
func (e Exchange) Status() (int32, bool) { return e.status, e.hasExit }

// SetStatus records the command's exit status.
func (e *Exchange) SetStatus(s int32) {
	e.status = s
	e.hasExit = true
}

// Reset clears the Exchange so a Connection can serve another command
// request in the same authenticated session (§1 "Multiple commands may be
// issued on one authenticated session until QUIT").
func (e *Exchange) Reset() {
	*e = Exchange{who: e.who, connHost: e.connHost}
}
