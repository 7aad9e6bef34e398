package sock

// Cursor is an owned buffer of bytes received from a connection but not
// consumed yet, e.g. the start of the next pipelined response.
type Cursor struct {
	buf []byte
	off int
}

func NewCursor(p []byte) Cursor {
	return Cursor{buf: append([]byte(nil), p...)}
}

func (c *Cursor) Len() int {
	return len(c.buf) - c.off
}

// Bytes returns the unread part, valid until the next mutation.
func (c *Cursor) Bytes() []byte {
	return c.buf[c.off:]
}

// Read copies unread bytes into p and advances past them.
func (c *Cursor) Read(p []byte) int {
	n := copy(p, c.buf[c.off:])
	c.off += n
	if c.off == len(c.buf) {
		c.buf, c.off = nil, 0
	}
	return n
}

// Unread puts p in front of the unread bytes.
func (c *Cursor) Unread(p []byte) {
	if len(p) == 0 {
		return
	}
	if c.off >= len(p) && len(c.buf) > 0 {
		c.off -= len(p)
		copy(c.buf[c.off:], p)
		return
	}
	rest := c.buf[c.off:]
	buf := make([]byte, 0, len(p)+len(rest))
	buf = append(append(buf, p...), rest...)
	c.buf, c.off = buf, 0
}

// Take moves the unread bytes out, leaving c empty.
func (c *Cursor) Take() Cursor {
	out := Cursor{buf: c.buf[c.off:]}
	c.buf, c.off = nil, 0
	return out
}
