// package transfer pumps one request and its response through a
// non-blocking connection. A [Transfer] never blocks: the caller polls the
// socket for [Transfer.Want] and calls [Transfer.Step] until it reports the
// transfer inactive.
package transfer

import (
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	errs "github.com/frankli0324/go-xfer/internal/errors"
	"github.com/frankli0324/go-xfer/internal/sock"
	"github.com/frankli0324/go-xfer/internal/transport"
	"github.com/frankli0324/go-xfer/internal/transport/chunked"
)

type Transfer struct {
	sock  Socket
	proto transport.Exchange
	sink  Sink
	src   Source
	opts  *Options
	clock clock.Clock
	log   *zap.Logger

	recv, send State
	start      time.Time
	err        error
	mustClose  bool
	// come back without waiting for readiness
	drain bool

	// receiving
	buf         []byte
	wireRead    int64
	headDone    bool
	head        transport.Head
	headerBytes int64
	size        int64 // body length from the head, -1 unknown
	bodyRead    int64 // raw body bytes, before decoding
	received    int64 // decoded body bytes passed on
	maxDownload int64
	maxHit      bool
	chunked     bool
	dec         chunked.Decoder
	ignoreBody  bool
	bodyStart   time.Time
	recvEnded   bool   // the response is complete, held bytes aside
	held        []byte // body bytes the sink paused on
	excess      sock.Cursor

	// sending
	upload     transport.Upload
	headSent   bool
	resend     []byte // written partially or not at all yet
	ubuf       []byte
	conv       []byte
	frame      []byte
	lastCR     bool
	srcEOF     bool
	uploadDone bool // the last bytes are in resend
	sent       int64
	exp100     exp100
	exp100At   time.Time

	// low speed check
	speedAt    time.Time
	speedBytes int64
	slowSince  time.Time
}

// New prepares the transfer of ex on s. src may be nil when the request
// has no body.
func New(s Socket, ex transport.Exchange, sink Sink, src Source, opts *Options) *Transfer {
	if opts == nil {
		opts = &Options{}
	}
	t := &Transfer{
		sock:        s,
		proto:       ex,
		sink:        sink,
		src:         src,
		opts:        opts,
		clock:       opts.clock(),
		log:         opts.logger(),
		recv:        Active,
		send:        Active,
		buf:         make([]byte, opts.bufferSize()),
		size:        -1,
		maxDownload: -1,
		upload:      ex.Upload(),
	}
	t.start = t.clock.Now()
	t.speedAt = t.start
	t.resend = ex.Head()
	if t.upload.HasBody() {
		t.ubuf = make([]byte, opts.uploadBufferSize())
	}
	if opts.CRLF && !t.upload.Chunked && t.upload.Size > 0 {
		// converted bytes would overrun the announced length
		t.resend = nil
		t.fail(errs.ErrWriteError.With("line end conversion needs a chunked upload"))
	}
	return t
}

func (t *Transfer) RecvState() State { return t.recv }
func (t *Transfer) SendState() State { return t.send }

// Received is the number of body bytes received.
func (t *Transfer) Received() int64 { return t.received }

// Sent is the number of upload body bytes sent.
func (t *Transfer) Sent() int64 { return t.sent }

// MustClose reports that the connection can't carry another request.
func (t *Transfer) MustClose() bool { return t.mustClose }

// Head returns the final response head, ok is false before it arrived.
func (t *Transfer) Head() (h transport.Head, ok bool) { return t.head, t.headDone }

// Trailer returns the trailer lines of a chunked response.
func (t *Transfer) Trailer() []string { return t.dec.Trailer }

// Excess takes the bytes read past the end of the response, to be read
// first by the next transfer on the connection.
func (t *Transfer) Excess() sock.Cursor {
	cur := t.excess.Take()
	if rs, ok := t.sock.(*RewoundSocket); ok {
		if rest := rs.leftover(); rest.Len() > 0 {
			b := append(append([]byte(nil), cur.Bytes()...), rest.Bytes()...)
			cur = sock.NewCursor(b)
		}
	}
	return cur
}

func (t *Transfer) Counters() Counters {
	c := Counters{
		Received:        t.received,
		HeaderBytes:     t.headerBytes,
		Sent:            t.sent,
		ExpectedReceive: t.size,
		ExpectedSend:    t.upload.Size,
	}
	if !t.bodyStart.IsZero() {
		c.StartTransfer = t.bodyStart.Sub(t.start)
	}
	return c
}

// Pause stops the chosen directions until [Transfer.Resume].
func (t *Transfer) Pause(recv, send bool) {
	if recv && t.recv.pause() {
		t.log.Debug("receiving paused")
	}
	if send && t.send.pause() {
		t.log.Debug("sending paused")
	}
}

// Resume restarts paused directions, delivering held body bytes first.
func (t *Transfer) Resume() error {
	t.send.resume()
	if t.recv != Paused {
		return nil
	}
	if len(t.held) > 0 {
		held := t.held
		t.held = nil
		if err := t.sink.WriteBody(held, KindBody); err != nil {
			if errors.Is(err, ErrPause) {
				t.held = held
				return nil
			}
			return t.fail(errs.ErrAbortedByCallback.Wrap(err))
		}
	}
	if t.recvEnded {
		t.recv.finish()
		return nil
	}
	t.recv.resume()
	// a paused sink may have left data in the buffers above the socket
	t.drain = true
	return nil
}

// ShouldRetry reports whether a failed request can be sent again on a
// fresh connection: nothing came back on a reused connection where a
// response was due. The upload is rewound if some of it went out.
func (t *Transfer) ShouldRetry(reused bool) (bool, error) {
	if !reused || t.wireRead > 0 {
		return false, nil
	}
	if !t.opts.AlwaysResponse && t.opts.NoBody {
		return false, nil
	}
	if err := t.RewindUpload(); err != nil {
		return false, err
	}
	t.log.Debug("connection died, retrying on a fresh one", zap.Int64("sent", t.sent))
	return true, nil
}

// RewindUpload makes the source start over, which fails for sources that
// can't when some of the body was consumed.
func (t *Transfer) RewindUpload() error {
	if t.sent == 0 && !t.srcEOF {
		return nil
	}
	rw, ok := t.src.(Rewinder)
	if !ok {
		return errs.ErrSendFailRewind.With("upload body can't be rewound")
	}
	if err := rw.Rewind(); err != nil {
		return errs.ErrSendFailRewind.Wrap(err)
	}
	t.sent, t.srcEOF, t.uploadDone, t.lastCR = 0, false, false, false
	return nil
}

func (t *Transfer) fail(err error) error {
	if err != nil {
		t.err = err
		t.mustClose = true
	}
	return err
}
