package transfer

import (
	"errors"
	"io"

	"go.uber.org/zap"

	errs "github.com/frankli0324/go-xfer/internal/errors"
	"github.com/frankli0324/go-xfer/internal/sock"
	"github.com/frankli0324/go-xfer/internal/transport"
)

// maxReads bounds the reads of one ReadStep so the caller regains control.
const maxReads = 100

// ReadStep reads what the socket has right now. Bytes read past the end of
// the response are returned when pipelining, the connection is marked for
// closing otherwise.
func (t *Transfer) ReadStep() (sock.Cursor, error) {
	var excess sock.Cursor
	t.drain = false
	if t.recv != Active {
		return excess, nil
	}
	for i := 0; ; i++ {
		want := len(t.buf)
		if t.headDone && !t.chunked && t.size >= 0 {
			if left := t.size - t.bodyRead; left < int64(want) {
				want = int(left)
			}
		}
		if want == 0 {
			t.finishRecv()
			break
		}

		n, err := t.sock.TryRead(t.buf[:want])
		if errors.Is(err, sock.ErrWouldBlock) {
			break
		}
		if err == io.EOF || (err == nil && n == 0) {
			return excess, t.peerClosed()
		}
		if err != nil {
			t.mustClose = true
			return excess, errs.ErrReadError.Wrap(err)
		}
		t.wireRead += int64(n)

		rest, err := t.consume(t.buf[:n])
		if err != nil {
			t.mustClose = true
			return excess, err
		}
		if len(rest) > 0 {
			if t.opts.Pipelining {
				// kept even when the connection closes, e.g. past a max download cut
				t.log.Debug("rewinding excess bytes for the next response", zap.Int("bytes", len(rest)))
				excess = sock.NewCursor(rest)
			} else {
				t.log.Debug("excess found in a read, closing connection", zap.Int("bytes", len(rest)))
				t.mustClose = true
			}
		}

		if t.recv != Active || !t.sock.Pending() {
			break
		}
		if i+1 == maxReads {
			t.drain = true
			break
		}
	}
	return excess, nil
}

// consume handles one read and returns the bytes that belong to whatever
// follows the response.
func (t *Transfer) consume(p []byte) ([]byte, error) {
	if !t.headDone {
		var err error
		if p, err = t.splitHead(p); err != nil {
			return nil, err
		}
		if !t.headDone {
			return nil, nil
		}
		if t.recvEnded {
			return p, nil
		}
		if len(p) == 0 {
			return nil, nil
		}
	}
	return t.body(p)
}

func (t *Transfer) splitHead(p []byte) ([]byte, error) {
	for !t.headDone {
		n, h, err := t.proto.Split(p)
		if err != nil {
			return nil, err
		}
		p = p[n:]
		switch h.Progress {
		case transport.HeadPartial:
			return nil, nil
		case transport.HeadInterim:
			t.headerBytes += int64(len(h.Raw))
			if err := t.writeHead(h.Raw); err != nil {
				return nil, err
			}
			if h.Continue && t.exp100 == expAwaiting {
				t.log.Debug("got 100 Continue, sending the body")
				t.exp100 = expDone
			}
			continue
		}

		t.headDone, t.head = true, h
		if h.Body09 {
			// bytes taken for a head are body after all
			if len(h.Raw) > 0 {
				p = append(append([]byte(nil), h.Raw...), p...)
			}
		} else {
			t.headerBytes += int64(len(h.Raw))
			if err := t.writeHead(h.Raw); err != nil {
				return nil, err
			}
		}
		t.onHead(&h)
	}
	return p, nil
}

func (t *Transfer) writeHead(raw []byte) error {
	if err := t.sink.WriteBody(raw, KindHeader); err != nil && !errors.Is(err, ErrPause) {
		return errs.ErrAbortedByCallback.Wrap(err)
	}
	return nil
}

func (t *Transfer) onHead(h *transport.Head) {
	t.size = h.Size
	t.chunked = h.Chunked
	t.ignoreBody = h.Redirect
	if h.Close {
		t.mustClose = true
	}
	if t.opts.MaxDownload > 0 {
		t.maxDownload = t.opts.MaxDownload
	}
	if t.exp100 == expAwaiting {
		t.exp100 = expDone
		if h.StatusCode >= 300 && t.send != Done {
			// the server refused the body before seeing it
			t.log.Debug("final response before 100 Continue, not sending the body", zap.Int("status", h.StatusCode))
			t.send.finish()
			t.mustClose = true
		}
	}
	t.log.Debug("response head",
		zap.Int("status", h.StatusCode), zap.Int64("size", h.Size),
		zap.Bool("chunked", h.Chunked), zap.Bool("close", h.Close))
	if h.NoBody || (!h.Chunked && h.Size == 0) {
		t.finishRecv()
	}
}

// body decodes and delivers body bytes, returning what lies past the end
// of the body.
func (t *Transfer) body(p []byte) (rest []byte, err error) {
	if t.bodyStart.IsZero() {
		t.bodyStart = t.clock.Now()
	}
	orig := p
	switch {
	case t.chunked:
		n, used, err := t.dec.Decode(p)
		if err != nil {
			return nil, err
		}
		t.bodyRead += int64(used)
		rest, p = p[used:], p[:n]
		if t.dec.Done() {
			t.finishRecv()
		}
	case t.size >= 0:
		if left := t.size - t.bodyRead; int64(len(p)) > left {
			rest, p = p[left:], p[:left]
		}
		t.bodyRead += int64(len(p))
		if t.bodyRead == t.size {
			t.finishRecv()
		}
	default:
		t.bodyRead += int64(len(p))
	}

	if t.maxDownload >= 0 && t.received+int64(len(p)) >= t.maxDownload {
		keep := t.maxDownload - t.received
		if !t.chunked {
			// p and rest are adjacent in orig
			rest = orig[keep:]
		}
		p = p[:keep]
		t.maxHit = true
		if !t.recvEnded {
			// the rest of the body stays on the wire
			t.mustClose = true
		}
		t.finishRecv()
	}
	return rest, t.deliver(p)
}

func (t *Transfer) deliver(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	t.received += int64(len(p))
	if t.ignoreBody {
		return nil
	}
	err := t.sink.WriteBody(p, KindBody)
	if errors.Is(err, ErrPause) {
		t.held = append(t.held[:0], p...)
		t.recv = Paused
		t.log.Debug("sink paused receiving", zap.Int("held", len(p)))
		return nil
	}
	if err != nil {
		return errs.ErrAbortedByCallback.Wrap(err)
	}
	return nil
}

func (t *Transfer) finishRecv() {
	t.recvEnded = true
	if t.recv == Active {
		t.recv.finish()
	}
}

// peerClosed ends receiving on an orderly close by the peer. Closing
// before any body byte is an empty body, not an error.
func (t *Transfer) peerClosed() error {
	t.mustClose = true
	if !t.headDone {
		if t.wireRead == 0 {
			return errs.ErrGotNothing.With("empty reply from server")
		}
		return errs.ErrWeirdServerReply.With("connection closed inside the response head")
	}
	t.finishRecv()
	return nil
}
