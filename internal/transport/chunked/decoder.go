// package chunked implements the chunked transfer coding of RFC9112 7.1.
//
// [Decoder] works incrementally and in place on whatever a single socket
// read returned, the encoding helpers frame upload buffers without copying.
package chunked

import (
	errs "github.com/frankli0324/go-xfer/internal/errors"
)

type state uint8

const (
	stHex       state = iota // chunk size digits
	stExt                    // extensions up to the LF ending the size line
	stData                   // chunk payload
	stDataEnd                // CRLF after the payload
	stTrailer                // start of a trailer line or the final CRLF
	stTrailerLn              // inside a trailer line
	stLastCR                 // LF of the final CRLF
	stStop                   // terminating chunk seen
)

const maxHexDigits = 16

var (
	errIllegalHex = errs.ErrBadChunkedEncoding.With("illegal or missing hexadecimal sequence")
	errTooLarge   = errs.ErrBadChunkedEncoding.With("chunk size too large")
	errBadCRLF    = errs.ErrBadChunkedEncoding.With("missing CRLF after chunk data")
	errBadEnd     = errs.ErrBadChunkedEncoding.With("malformed end of chunked stream")
)

type Decoder struct {
	state  state
	digits int
	left   uint64 // payload bytes remaining in the current chunk
	line   []byte

	// Trailer holds the raw trailer field lines seen after the last chunk.
	Trailer []string
}

// Decode decodes p in place. The first n bytes of p are body data afterwards,
// used is how much of p was taken. used is below len(p) only once the stream
// ended, p[used:] then belongs to whatever follows on the connection.
func (d *Decoder) Decode(p []byte) (n, used int, err error) {
	for used < len(p) && d.state != stStop {
		c := p[used]
		switch d.state {
		case stHex:
			v, ok := unhex(c)
			if ok {
				if d.digits == maxHexDigits {
					return n, used, errTooLarge
				}
				d.left = d.left<<4 | uint64(v)
				d.digits++
				used++
				continue
			}
			if d.digits == 0 {
				return n, used, errIllegalHex
			}
			d.state = stExt
			continue // the byte is looked at again as part of the extension
		case stExt:
			used++
			if c != '\n' {
				continue
			}
			if d.left == 0 {
				d.state = stTrailer
			} else {
				d.state = stData
			}
		case stData:
			k := len(p) - used
			if uint64(k) > d.left {
				k = int(d.left)
			}
			copy(p[n:], p[used:used+k])
			n += k
			used += k
			d.left -= uint64(k)
			if d.left == 0 {
				d.state = stDataEnd
			}
		case stDataEnd:
			used++
			switch c {
			case '\r':
			case '\n':
				d.state, d.digits = stHex, 0
			default:
				return n, used - 1, errBadCRLF
			}
		case stTrailer:
			used++
			switch c {
			case '\r':
				d.state = stLastCR
			case '\n':
				d.state = stStop
			default:
				d.line = append(d.line[:0], c)
				d.state = stTrailerLn
			}
		case stTrailerLn:
			used++
			switch c {
			case '\r':
			case '\n':
				d.Trailer = append(d.Trailer, string(d.line))
				d.state = stTrailer
			default:
				d.line = append(d.line, c)
			}
		case stLastCR:
			used++
			if c != '\n' {
				return n, used - 1, errBadEnd
			}
			d.state = stStop
		}
	}
	return n, used, nil
}

// Done reports whether the terminating chunk and trailer were read.
func (d *Decoder) Done() bool {
	return d.state == stStop
}

func (d *Decoder) Reset() {
	*d = Decoder{line: d.line[:0]}
}

func unhex(c byte) (byte, bool) {
	switch {
	case '0' <= c && c <= '9':
		return c - '0', true
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10, true
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
