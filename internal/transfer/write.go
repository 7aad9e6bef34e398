package transfer

import (
	"errors"
	"io"

	"go.uber.org/zap"

	errs "github.com/frankli0324/go-xfer/internal/errors"
	"github.com/frankli0324/go-xfer/internal/sock"
	"github.com/frankli0324/go-xfer/internal/transport/chunked"
)

// WriteStep does one non-blocking write: the request head first, then the
// body as the source provides it.
func (t *Transfer) WriteStep() error {
	if t.send != Active {
		return nil
	}
	if len(t.resend) == 0 {
		if t.exp100 == expAwaiting {
			return nil
		}
		if err := t.fill(); err != nil {
			return t.fail(err)
		}
		if len(t.resend) == 0 {
			return nil
		}
	}

	n, err := t.sock.TryWrite(t.resend)
	if errors.Is(err, sock.ErrWouldBlock) {
		return nil
	}
	if err != nil {
		return t.fail(errs.ErrWriteError.Wrap(err))
	}
	t.resend = t.resend[n:]
	if len(t.resend) > 0 {
		return nil
	}

	if !t.headSent {
		t.headSent = true
		if !t.upload.HasBody() {
			return t.doneSending()
		}
		if t.upload.Expect100 && t.exp100 == expNone {
			t.exp100, t.exp100At = expAwaiting, t.clock.Now()
		}
		return nil
	}
	if t.uploadDone {
		return t.doneSending()
	}
	return nil
}

// fill gets the next upload buffer from the source into resend.
func (t *Transfer) fill() error {
	off := 0
	if t.upload.Chunked {
		off = chunked.Reserve
	}
	// room for the CRLF after the data
	room := t.ubuf[off : len(t.ubuf)-2]
	if t.opts.CRLF {
		// conversion may double the data
		room = room[:len(room)/2]
	}
	if !t.upload.Chunked {
		if left := t.upload.Size - t.sent; left < int64(len(room)) {
			room = room[:left]
		}
	}

	var n int
	var err error
	if t.src == nil || t.srcEOF {
		err = io.EOF
	} else {
		n, err = t.src.Fill(room)
	}
	switch {
	case errors.Is(err, ErrAbort):
		return errs.ErrAbortedByCallback.With("operation aborted by callback")
	case errors.Is(err, ErrPause):
		// nothing is framed yet, the chunk reservation stays as it is
		t.send.pause()
		t.log.Debug("source paused sending")
		return nil
	case err == io.EOF:
		t.srcEOF = true
	case err != nil:
		return errs.ErrAbortedByCallback.Wrap(err)
	}
	t.sent += int64(n)

	if !t.upload.Chunked {
		if t.sent == t.upload.Size {
			t.uploadDone = true
		} else if t.srcEOF {
			return errs.ErrWriteError.With("upload body ended before its declared length")
		}
	} else if n == 0 && t.srcEOF {
		t.uploadDone = true
	}
	if n == 0 && !t.uploadDone {
		return nil
	}

	data := t.ubuf[off : off+n]
	switch {
	case t.opts.CRLF:
		data = t.convert(data)
		if t.upload.Chunked {
			t.frame = chunked.Frame(t.frame[:0], data)
			data = t.frame
		}
		t.resend = data
	case t.upload.Chunked:
		t.resend = chunked.Wrap(t.ubuf, n)
	default:
		t.resend = data
	}
	return nil
}

// convert turns lone LFs into CRLF, into t.conv.
func (t *Transfer) convert(p []byte) []byte {
	if cap(t.conv) < 2*len(t.ubuf) {
		t.conv = make([]byte, 0, 2*len(t.ubuf))
	}
	out := t.conv[:0]
	for _, c := range p {
		if c == '\n' && !t.lastCR {
			out = append(out, '\r')
		}
		out = append(out, c)
		t.lastCR = c == '\r'
	}
	return out
}

func (t *Transfer) doneSending() error {
	t.send.finish()
	t.log.Debug("request sent", zap.Int64("body", t.sent))
	if err := t.proto.DoneSending(); err != nil {
		return t.fail(err)
	}
	if t.upload.RewindAfterSend {
		if err := t.RewindUpload(); err != nil {
			return t.fail(err)
		}
	}
	return nil
}
