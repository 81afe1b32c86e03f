package arc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gitpan/ARCv2/logfac"
)

// Kind names an error-handling surface category (§7). It is carried in
// errors produced by this package so callers (and tests) can classify a
// failure with errors.Is / a type switch without string-matching messages.
type Kind int

// nolint: golint
const (
	KindConfig Kind = iota
	KindBind
	KindProtocol
	KindAuth
	KindAuthorization
	KindTimeout
	KindPeerClosed
	KindChildSpawn
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "ConfigError"
	case KindBind:
		return "BindError"
	case KindProtocol:
		return "ProtocolError"
	case KindAuth:
		return "AuthError"
	case KindAuthorization:
		return "AuthorizationError"
	case KindTimeout:
		return "Timeout"
	case KindPeerClosed:
		return "PeerClosed"
	case KindChildSpawn:
		return "ChildSpawnError"
	default:
		return "InternalError"
	}
}

// Error is a classified ARC failure.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified Error, optionally wrapping a cause.
func NewError(k Kind, msg string, cause error) *Error {
	return &Error{Kind: k, Msg: msg, Err: cause}
}

// IsKind reports whether err is (or wraps) an *Error of the given Kind.
func IsKind(err error, k Kind) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind == k
	}
	return false
}

// ErrorCarrier is the per-Connection latched error string described in
// §4.B. Each Connection embeds one. set_error prepends "msg: " to any
// existing latched error and emits at ERR; the latch holds until Reset.
// The carrier does not block later operations by itself: nothing in this
// package consults it before acting, and callers read it with IsError.
//
// Idiomatic Go code returns an error from every fallible call; this type
// keeps the original tool's IsError()/_SetError() pair available beside
// those returned errors, per DESIGN NOTES in spec.md §9. The arc/arcd
// binaries print the error returned to them, not the latched one.
type ErrorCarrier struct {
	mu  sync.Mutex
	log *logfac.Logger
	err error
}

// SetLogger attaches the log facility used by Set to emit at ERR.
func (c *ErrorCarrier) SetLogger(l *logfac.Logger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log = l
}

// Set latches msg, prepending it to any already-latched error, emits at
// ERR, and always returns false (so callers can `return c.Set(...)`).
func (c *ErrorCarrier) Set(msg string, cause error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		c.err = fmt.Errorf("%s: %w", msg, c.err)
	} else if cause != nil {
		c.err = fmt.Errorf("%s: %w", msg, cause)
	} else {
		c.err = errors.New(msg)
	}
	if c.log != nil {
		c.log.Emit(logfac.ERR, c.err.Error())
	}
	return false
}

// IsError returns the latched error, or nil if none has been set.
func (c *ErrorCarrier) IsError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Reset clears the latch at the start of a new logical operation.
func (c *ErrorCarrier) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = nil
}
