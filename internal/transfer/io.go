package transfer

import (
	"errors"
	"io"

	"github.com/frankli0324/go-xfer/internal/sock"
)

// Socket is the non-blocking connection a transfer runs on, reads and
// writes that can't progress return [sock.ErrWouldBlock].
type Socket interface {
	TryRead(p []byte) (int, error)
	TryWrite(p []byte) (int, error)
	// Pending reports data buffered above the socket, which readiness
	// polling would not see.
	Pending() bool
}

type Kind uint8

const (
	KindHeader Kind = iota
	KindBody
)

var (
	// ErrPause is returned by a [Sink] to hold body bytes, or by a [Source]
	// that has nothing to give yet, until [Transfer.Resume].
	ErrPause = errors.New("transfer: pause")
	// ErrAbort is returned by a [Source] to fail the transfer.
	ErrAbort = errors.New("transfer: abort")
)

// Sink receives the response. ErrPause is honoured for body bytes only,
// the held bytes are delivered again on resume.
type Sink interface {
	WriteBody(p []byte, k Kind) error
}

type SinkFunc func(p []byte, k Kind) error

func (f SinkFunc) WriteBody(p []byte, k Kind) error { return f(p, k) }

// Source provides the upload body. Fill returns io.EOF at its end,
// possibly along with the last bytes.
type Source interface {
	Fill(p []byte) (int, error)
}

// Rewinder is implemented by sources that can start over.
type Rewinder interface {
	Rewind() error
}

type readerSource struct{ r io.Reader }

func (s readerSource) Fill(p []byte) (int, error) { return s.r.Read(p) }

// ReaderSource uploads what r reads.
func ReaderSource(r io.Reader) Source { return readerSource{r} }

// BodySource uploads bodies produced by get, each call of get starting the
// body over.
type BodySource struct {
	get  func() (io.ReadCloser, error)
	body io.ReadCloser
	open bool
}

func NewBodySource(get func() (io.ReadCloser, error)) *BodySource {
	return &BodySource{get: get}
}

func (s *BodySource) Fill(p []byte) (int, error) {
	if !s.open {
		body, err := s.get()
		if err != nil {
			return 0, err
		}
		s.body, s.open = body, true
	}
	if s.body == nil {
		return 0, io.EOF
	}
	return s.body.Read(p)
}

func (s *BodySource) Rewind() error {
	if err := s.Close(); err != nil {
		return err
	}
	body, err := s.get()
	if err != nil {
		return err
	}
	s.body, s.open = body, true
	return nil
}

func (s *BodySource) Close() error {
	if s.body == nil {
		return nil
	}
	err := s.body.Close()
	s.body, s.open = nil, false
	return err
}

// RewoundSocket reads bytes a previous transfer read too far before the
// connection itself.
type RewoundSocket struct {
	Socket
	cur sock.Cursor
}

func WithRewound(s Socket, cur sock.Cursor) *RewoundSocket {
	return &RewoundSocket{Socket: s, cur: cur}
}

func (s *RewoundSocket) TryRead(p []byte) (int, error) {
	if s.cur.Len() > 0 {
		return s.cur.Read(p), nil
	}
	return s.Socket.TryRead(p)
}

func (s *RewoundSocket) Pending() bool {
	return s.cur.Len() > 0 || s.Socket.Pending()
}

// leftover takes the rewound bytes not read.
func (s *RewoundSocket) leftover() sock.Cursor {
	return s.cur.Take()
}
