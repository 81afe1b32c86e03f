package arcnet

// Data channel (§4.F): a second TCP socket carrying the wrapped command
// I/O. Setup mirrors the teacher's accept-with-timeout pattern; the relay
// itself mirrors the teacher's goroutine-pair-plus-io.Copy shape (see
// xsd.go's stdin->pty / pty->stdout workers) generalized to the two
// directions named in the spec, with half-close propagation instead of
// process-specific pty bookkeeping.

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// ListenEphemeral binds an ephemeral TCP port on host, for the CMDPASV
// side of data-channel setup.
func ListenEphemeral(host string) (net.Listener, string, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return nil, "", fmt.Errorf("arcnet: listen data channel: %w", err)
	}
	return ln, ln.Addr().String(), nil
}

// AcceptTimeout accepts a single connection on ln, failing with ErrTimeout
// if none arrives within timeout.
func AcceptTimeout(ln net.Listener, timeout time.Duration) (net.Conn, error) {
	type result struct {
		c   net.Conn
		err error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := ln.Accept()
		ch <- result{c, err}
	}()
	select {
	case r := <-ch:
		return r.c, r.err
	case <-time.After(timeout):
		_ = ln.Close()
		return nil, ErrTimeout
	}
}

// DialTimeout connects to addr for the CMDPORT (client-listens) side.
func DialTimeout(addr string, timeout time.Duration) (net.Conn, error) {
	c, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("arcnet: dial data channel: %w", err)
	}
	return c, nil
}

// Conn is the data channel: a net.Conn with every frame wrapped/unwrapped
// through the session's security layer (§3 invariant 4) and explicitly
// length-framed on the wire (unlike control lines, raw data bytes have no
// natural delimiter).
type Conn struct {
	net.Conn
	wrap Wrapper

	readMu  sync.Mutex
	pending bytes.Buffer

	writeMu sync.Mutex
}

// NewConn wraps conn with wrap for data-channel framing.
func NewConn(conn net.Conn, wrap Wrapper) *Conn {
	return &Conn{Conn: conn, wrap: wrap}
}

// Read implements io.Reader, decrypting one wire frame at a time and
// buffering any remainder for subsequent calls.
func (c *Conn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if c.pending.Len() == 0 {
		var lenBuf [4]byte
		if _, err := io.ReadFull(c.Conn, lenBuf[:]); err != nil {
			return 0, err
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		frame := make([]byte, n)
		if _, err := io.ReadFull(c.Conn, frame); err != nil {
			return 0, err
		}
		plain, err := c.wrap.Unwrap(frame)
		if err != nil {
			return 0, fmt.Errorf("arcnet: data channel unwrap: %w", err)
		}
		c.pending.Write(plain)
	}
	return c.pending.Read(p)
}

// Write implements io.Writer, chunking p at dataChunkSize boundaries,
// wrapping and length-prefixing each chunk.
func (c *Conn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	total := 0
	for len(p) > 0 {
		n := len(p)
		if n > dataChunkSize {
			n = dataChunkSize
		}
		chunk := p[:n]
		p = p[n:]

		wrapped, err := c.wrap.Wrap(chunk)
		if err != nil {
			return total, fmt.Errorf("arcnet: data channel wrap: %w", err)
		}
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(wrapped)))
		if _, err := c.Conn.Write(lenBuf[:]); err != nil {
			return total, err
		}
		if _, err := c.Conn.Write(wrapped); err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// CloseWrite half-closes the channel for writing, if the underlying
// transport supports it (net.TCPConn does).
func (c *Conn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

// CloseRead half-closes the channel for reading, if supported.
func (c *Conn) CloseRead() error {
	if cr, ok := c.Conn.(interface{ CloseRead() error }); ok {
		return cr.CloseRead()
	}
	return nil
}

// writeHalfCloser is satisfied by anything exposing CloseWrite, used so
// Relay can half-close a plain os.File's write side (pipes) as well as
// *Conn / *net.TCPConn.
type writeHalfCloser interface {
	CloseWrite() error
}

// Relay bidirectionally copies bytes between the pair of local
// descriptors (in, out) and the data channel, exactly as §4.F specifies:
// bytes from in are wrapped onto data; bytes from data are unwrapped onto
// out. It returns once both directions have reached EOF, half-closing
// each side as it finishes so the peer observes a clean end of stream.
func Relay(in io.Reader, out io.Writer, data *Conn) error {
	var wg sync.WaitGroup
	var inErr, outErr error

	wg.Add(2)
	go func() {
		defer wg.Done()
		_, inErr = io.Copy(data, in)
		if inErr != nil && errors.Is(inErr, io.EOF) {
			inErr = nil
		}
		_ = data.CloseWrite()
	}()
	go func() {
		defer wg.Done()
		_, outErr = io.Copy(out, data)
		if outErr != nil && errors.Is(outErr, io.EOF) {
			outErr = nil
		}
		if wc, ok := out.(writeHalfCloser); ok {
			_ = wc.CloseWrite()
		} else if closer, ok := out.(io.Closer); ok {
			_ = closer.Close()
		}
	}()
	wg.Wait()

	if inErr != nil {
		return fmt.Errorf("arcnet: relay in->data: %w", inErr)
	}
	if outErr != nil {
		return fmt.Errorf("arcnet: relay data->out: %w", outErr)
	}
	return nil
}
