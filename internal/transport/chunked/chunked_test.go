package chunked

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "github.com/frankli0324/go-xfer/internal/errors"
)

func TestDecodeWikipedia(t *testing.T) {
	var d Decoder
	p := []byte("4\r\nWiki\r\n5\r\npedia\r\n0\r\n\r\n")
	n, used, err := d.Decode(p)
	require.NoError(t, err)
	assert.Equal(t, "Wikipedia", string(p[:n]))
	assert.Equal(t, len(p), used, "no leftover")
	assert.True(t, d.Done())
}

func TestDecodeByteByByte(t *testing.T) {
	var d Decoder
	in := "1a; name=value\r\nabcdefghijklmnopqrstuvwxyz\r\n3\r\n012\r\n0\r\nX-Sum: 1\r\nX-Other: 2\r\n\r\n"
	var out []byte
	for i := 0; i < len(in); i++ {
		b := []byte{in[i]}
		n, used, err := d.Decode(b)
		require.NoError(t, err, "at %d", i)
		require.Equal(t, 1, used)
		out = append(out, b[:n]...)
	}
	assert.Equal(t, "abcdefghijklmnopqrstuvwxyz012", string(out))
	assert.True(t, d.Done())
	assert.Equal(t, []string{"X-Sum: 1", "X-Other: 2"}, d.Trailer)
}

func TestDecodeLeftover(t *testing.T) {
	var d Decoder
	p := []byte("3\r\nabc\r\n0\r\n\r\nHTTP/1.1 200 OK\r\n")
	n, used, err := d.Decode(p)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(p[:n]))
	assert.Equal(t, "HTTP/1.1 200 OK\r\n", string(p[used:]))

	// nothing more is taken once the stream ended
	n, used, err = d.Decode([]byte("more"))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, used)

	d.Reset()
	assert.False(t, d.Done())
	assert.Empty(t, d.Trailer)
}

func TestDecodeErrors(t *testing.T) {
	for _, in := range []string{
		"zz\r\n",
		"\r\n",
		"11111111111111111\r\n",
		"3\r\nabcX",
		"0\r\n\rX",
	} {
		var d Decoder
		_, _, err := d.Decode([]byte(in))
		assert.ErrorIs(t, err, errs.ErrBadChunkedEncoding, "%q", in)
	}
}

func TestFrame(t *testing.T) {
	assert.Equal(t, "1a\r\nabcdefghijklmnopqrstuvwxyz\r\n", string(Frame(nil, []byte("abcdefghijklmnopqrstuvwxyz"))))
	assert.Equal(t, Last, string(Frame(nil, nil)))
}

func TestWrap(t *testing.T) {
	buf := make([]byte, Reserve+64)
	n := copy(buf[Reserve:], "hello world")
	assert.Equal(t, "b\r\nhello world\r\n", string(Wrap(buf, n)))
	assert.Equal(t, Last, string(Wrap(buf, 0)))
}

func roundTrip(t *testing.T, body []byte, chunk int) {
	var wire []byte
	for rest := body; len(rest) > 0; {
		k := chunk
		if k > len(rest) {
			k = len(rest)
		}
		buf := make([]byte, Reserve+k+2)
		copy(buf[Reserve:], rest[:k])
		wire = append(wire, Wrap(buf, k)...)
		rest = rest[k:]
	}
	wire = append(wire, Last...)

	r := NewReader(iotest.OneByteReader(bytes.NewReader(wire)))
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, body, got)
	assert.Empty(t, r.Leftover())
}

func TestRoundTrip(t *testing.T) {
	roundTrip(t, []byte{}, 7)
	roundTrip(t, []byte("x"), 7)
	roundTrip(t, bytes.Repeat([]byte("0123456789"), 1000), 7)
	roundTrip(t, bytes.Repeat([]byte{0, '\r', '\n'}, 5000), 4096)
}

func TestReaderUnexpectedEOF(t *testing.T) {
	_, err := io.ReadAll(NewReader(strings.NewReader("5\r\nabc")))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, err = io.ReadAll(NewReader(strings.NewReader("5\r\nabcdeX")))
	assert.ErrorIs(t, err, errs.ErrBadChunkedEncoding)
}

func TestReaderLeftover(t *testing.T) {
	r := NewReader(strings.NewReader("2\r\nok\r\n0\r\n\r\nnext"))
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(got))
	assert.Equal(t, "next", string(r.Leftover()))
}
