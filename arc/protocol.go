package arc

import "fmt"

// VerbHandler processes one control-line verb against a Connection. param
// is everything after the verb token (SplitVerb's second return). A
// handler is responsible for calling Connection.SetState/Expect to advance
// the state machine before returning.
type VerbHandler func(c *Connection, param string) error

// HandlerTable is the simplest Dispatcher: a static map from verb to
// handler, built once per role at startup (component §4.E).
type HandlerTable map[Verb]VerbHandler

// Handler implements Dispatcher.
func (t HandlerTable) Handler(v Verb) (VerbHandler, bool) {
	h, ok := t[v]
	return h, ok
}

// Dispatcher resolves a verb to the function that handles it. Roles
// (client, server) each build their own HandlerTable; tests can supply a
// stub Dispatcher.
type Dispatcher interface {
	Handler(v Verb) (VerbHandler, bool)
}

// ProcessLine is the protocol engine's single entry point (§4.E): given a
// raw received control line, it enforces invariant 1 (verb must belong to
// the negotiated vocabulary) and invariant 5 (verb must be one the state
// machine currently expects) before dispatching to the matching handler.
// Any violation closes the connection's logical state and returns a
// classified Error without consulting the Dispatcher.
func (c *Connection) ProcessLine(raw string, d Dispatcher) error {
	verb, param := splitVerb(raw)
	v := Verb(verb)

	voc := c.Vocabulary()
	if voc == nil || !voc.Has(v) {
		c.SetState(StateClosed)
		return NewError(KindProtocol, fmt.Sprintf("verb %q is not in the %s vocabulary", verb, c.ProtoVersion), nil)
	}
	if !c.IsExpected(v) {
		c.SetState(StateClosed)
		return NewError(KindProtocol, fmt.Sprintf("unexpected verb %q, expected one of %v", verb, c.ExpectedNext()), nil)
	}

	h, ok := d.Handler(v)
	if !ok {
		c.SetState(StateClosed)
		return NewError(KindInternal, fmt.Sprintf("no handler registered for verb %q", verb), nil)
	}

	c.mu.Lock()
	c.commandParam = param
	c.mu.Unlock()

	if err := h(c, param); err != nil {
		return err
	}
	return nil
}

// splitVerb separates a control line's leading token from its remainder,
// trimming a single separating space. arcnet.SplitVerb implements the
// identical rule for codec-level callers.
func splitVerb(line string) (verb, param string) {
	for i := 0; i < len(line); i++ {
		if line[i] == ' ' {
			return line[:i], line[i+1:]
		}
	}
	return line, ""
}
