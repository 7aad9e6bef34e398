// package sock turns a [net.Conn] into something the transfer engine could
// drive without ever blocking: reads and writes either make progress or
// report [ErrWouldBlock], and readiness is polled explicitly.
package sock

import (
	"crypto/tls"
	"errors"
	"net"
	"os"
	"syscall"
	"time"
)

var ErrWouldBlock = errors.New("sock: operation would block")

// Events is a readiness bitmask, as returned by [Wait].
type Events uint8

const (
	EventRead Events = 1 << iota
	EventWrite
	EventError
)

func (e Events) Has(o Events) bool { return e&o != 0 }

// slice bounds the read attempted on connections we can't reach the
// descriptor of, see [Conn.TryRead].
const slice = time.Millisecond

// Conn is a non-blocking view of a [net.Conn].
type Conn struct {
	net.Conn
	raw     syscall.RawConn // nil for tls and in-memory connections
	poll    syscall.RawConn // descriptor used for readiness, may be the tls transport
	pending bool
}

func Wrap(c net.Conn) *Conn {
	s := &Conn{Conn: c}
	if _, ok := c.(*tls.Conn); !ok && rawIO {
		s.raw = rawConn(c)
	}
	s.poll = rawConn(c)
	return s
}

// NetConn returns the wrapped connection.
func (c *Conn) NetConn() net.Conn { return c.Conn }

// TryRead reads whatever is available right now. A closed peer is reported
// as (0, io.EOF).
func (c *Conn) TryRead(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	var n int
	var err error
	if c.raw != nil {
		n, err = readRaw(c.raw, p)
	} else {
		n, err = c.readSlice(p)
	}
	// a full buffer from a layered connection likely means more is decoded
	// and waiting in that layer
	c.pending = err == nil && c.raw == nil && n == len(p)
	return n, err
}

func (c *Conn) readSlice(p []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(slice)); err != nil {
		return 0, err
	}
	n, err := c.Conn.Read(p)
	c.Conn.SetReadDeadline(time.Time{})
	if errors.Is(err, os.ErrDeadlineExceeded) {
		if n == 0 {
			return 0, ErrWouldBlock
		}
		err = nil
	}
	if n == 0 && err == nil {
		return 0, ErrWouldBlock
	}
	return n, err
}

// TryWrite writes as much of p as the socket accepts. Layered connections
// (tls) can't survive a timed out write, so they are written fully.
func (c *Conn) TryWrite(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if c.raw != nil {
		return writeRaw(c.raw, p)
	}
	return c.Conn.Write(p)
}

// Pending reports data known to be buffered above the socket.
func (c *Conn) Pending() bool {
	return c.pending
}

// Wait polls for the wanted events for at most timeout, a negative timeout
// waits forever. Connections without a descriptor are always ready.
func Wait(c *Conn, want Events, timeout time.Duration) (Events, error) {
	if want.Has(EventRead) && c.pending {
		return EventRead | (want & EventWrite), nil
	}
	if c.poll == nil {
		return want, nil
	}
	return poll(c.poll, want, timeout)
}

// Alive reports whether the peer of c has not closed the connection yet,
// without consuming any data. Connections that can't be peeked at count as
// alive.
func Alive(c net.Conn) bool {
	rc := rawConn(c)
	if rc == nil {
		return true
	}
	return peek(rc)
}

func rawConn(c net.Conn) syscall.RawConn {
	// supports getting passed a *tls.Conn or similar
	for {
		v, ok := c.(interface{ NetConn() net.Conn })
		if !ok {
			break
		}
		c = v.NetConn()
	}
	if sc, ok := c.(syscall.Conn); ok {
		if rc, err := sc.SyscallConn(); err == nil {
			return rc
		}
	}
	return nil
}
