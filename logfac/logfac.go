// Package logfac is the ARC log facility.
//
// Copyright (c) 2017-2019 Russell Magee
// Licensed under the terms of the MIT license (see LICENSE.mit in this
// distribution)
//
// golang implementation by Russ Magee (rmagee_at_gmail.com)

// Log level is a bitmask over named facilities. emit() joins its message
// parts with single spaces, prefixes the configured tag, and writes to the
// sink iff the facility bits intersect the configured level.
package logfac

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Facility is a bitmask selecting which class of event a log line belongs to.
type Facility uint32

// nolint: golint
const (
	AUTH  Facility = 1 << iota // SASL negotiation / identity events
	USER                       // client request / session lifecycle events
	ERR                        // failures
	CMD                        // command dispatch and ACL decisions
	SIDE                       // data-channel / relay bookkeeping
	DEBUG                      // verbose internals
)

var names = map[Facility]string{
	AUTH:  "AUTH",
	USER:  "USER",
	ERR:   "ERR",
	CMD:   "CMD",
	SIDE:  "SIDE",
	DEBUG: "DEBUG",
}

// Destination selects the log sink.
type Destination int

// nolint: golint
const (
	DestStderr Destination = iota
	DestSyslog
)

// Logger emits facility-filtered, line-atomic log records to a configured
// sink (stderr via zerolog, or syslog).
type Logger struct {
	mu     sync.Mutex
	level  Facility
	prefix string
	dest   Destination
	stderr zerolog.Logger
	sys    sysWriter
}

// New builds a Logger at the given level (bitmask), tagging every line with
// prefix, writing to dest. For DestSyslog it opens (or reuses, on platforms
// without syslog) the system log under prefix as the syslog tag.
func New(level Facility, prefix string, dest Destination) (*Logger, error) {
	l := &Logger{
		level:  level,
		prefix: prefix,
		dest:   dest,
		stderr: zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: false}).With().Timestamp().Logger(),
	}
	if dest == DestSyslog {
		sw, err := newSysWriter(prefix)
		if err != nil {
			return nil, fmt.Errorf("logfac: opening syslog: %w", err)
		}
		l.sys = sw
	}
	return l, nil
}

// Emit joins parts with single spaces and writes the resulting line iff
// facility intersects the configured level. It always returns false so
// fallible callers can write `return lg.Emit(logfac.ERR, "whatever")`.
func (l *Logger) Emit(facility Facility, parts ...string) bool {
	if l == nil || l.level&facility == 0 {
		return false
	}
	msg := strings.Join(parts, " ")
	l.write(facility, msg)
	return false
}

// Emitf is Emit with fmt.Sprintf-style formatting of a single message part.
func (l *Logger) Emitf(facility Facility, format string, args ...interface{}) bool {
	return l.Emit(facility, fmt.Sprintf(format, args...))
}

func (l *Logger) write(facility Facility, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	fname := names[facility]
	if fname == "" {
		fname = fmt.Sprintf("0x%x", uint32(facility))
	}

	switch l.dest {
	case DestSyslog:
		if l.sys != nil {
			_ = l.sys.writeFacility(facility, fmt.Sprintf("[%s] %s: %s", l.prefix, fname, msg))
		}
	default:
		ev := l.stderr.Info()
		if facility == ERR {
			ev = l.stderr.Error()
		}
		ev.Str("facility", fname).Msg(fmt.Sprintf("[%s] %s", l.prefix, msg))
	}
}

// WithSession returns a Logger sharing l's sink and level but tagging every
// line with a fresh correlation id, so every log line emitted over the
// lifetime of one connection can be grepped out of a shared server log.
func (l *Logger) WithSession() (*Logger, string) {
	id := uuid.NewString()
	child := &Logger{
		level:  l.level,
		prefix: l.prefix + "[" + id + "]",
		dest:   l.dest,
		stderr: l.stderr,
		sys:    l.sys,
	}
	return child, id
}

// Close releases the underlying sink, if any.
func (l *Logger) Close() error {
	if l == nil || l.sys == nil {
		return nil
	}
	return l.sys.Close()
}

// sysWriter abstracts the syslog sink so Windows builds can stub it out
// (log/syslog has no Windows implementation).
type sysWriter interface {
	writeFacility(f Facility, line string) error
	Close() error
}
