package chunked

import (
	"io"
)

// NewReader returns a blocking reader of the body decoded from r. It may
// read past the end of the chunked stream, Leftover then returns what it
// over-read.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r, buf: make([]byte, 4096)}
}

type Reader struct {
	r    io.Reader
	d    Decoder
	buf  []byte
	out  []byte
	rest []byte
	err  error
}

func (c *Reader) Read(p []byte) (n int, err error) {
	for len(c.out) == 0 {
		if c.d.Done() {
			return 0, io.EOF
		}
		if c.err != nil {
			return 0, c.err
		}
		m, rerr := c.r.Read(c.buf)
		if m > 0 {
			dn, used, derr := c.d.Decode(c.buf[:m])
			c.out = c.buf[:dn]
			c.rest = c.buf[used:m]
			if derr != nil {
				c.err = derr
			}
		}
		if rerr == io.EOF && !c.d.Done() {
			rerr = io.ErrUnexpectedEOF
		}
		if rerr != nil && rerr != io.EOF && c.err == nil {
			c.err = rerr
		}
	}
	n = copy(p, c.out)
	c.out = c.out[n:]
	return n, nil
}

// Trailer returns the trailer lines, complete once Read returned io.EOF.
func (c *Reader) Trailer() []string {
	return c.d.Trailer
}

// Leftover returns bytes read from the underlying reader after the end of
// the chunked stream.
func (c *Reader) Leftover() []byte {
	return c.rest
}
