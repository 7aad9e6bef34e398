package transfer

import (
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

const (
	DefaultBufferSize            = 16 << 10
	DefaultUploadBufferSize      = 64 << 10
	DefaultExpectContinueTimeout = time.Second

	// minimal upload buffer, room for the chunk framing around some data
	minUploadBuffer = 64
)

type Options struct {
	BufferSize       int
	UploadBufferSize int

	// Timeout bounds the whole transfer, 0 means no limit.
	Timeout time.Duration
	// ExpectContinueTimeout is how long the body is held back waiting for
	// 100 Continue before it is sent anyway.
	ExpectContinueTimeout time.Duration
	// the transfer fails when slower than LowSpeedLimit bytes per second
	// for LowSpeedTime
	LowSpeedLimit int64
	LowSpeedTime  time.Duration
	// MaxDownload stops the transfer after that many body bytes, 0 means
	// no limit.
	MaxDownload int64

	// CRLF converts lone LF to CRLF in uploads, which changes the length
	// of bodies sent with a Content-Length.
	CRLF bool
	// Pipelining keeps bytes read past the end of the response for the next
	// one instead of closing the connection.
	Pipelining bool

	// AlwaysResponse tells the protocol answers every request, NoBody that
	// no response body is wanted. Both feed [Transfer.ShouldRetry].
	AlwaysResponse bool
	NoBody         bool

	// Progress is called every step, an error aborts the transfer.
	Progress func(Counters) error

	Clock  clock.Clock
	Logger *zap.Logger
}

func (o *Options) Clone() *Options {
	if o == nil {
		return nil
	}
	n := *o
	return &n
}

func (o *Options) bufferSize() int {
	if o.BufferSize <= 0 {
		return DefaultBufferSize
	}
	return o.BufferSize
}

func (o *Options) uploadBufferSize() int {
	switch {
	case o.UploadBufferSize <= 0:
		return DefaultUploadBufferSize
	case o.UploadBufferSize < minUploadBuffer:
		return minUploadBuffer
	}
	return o.UploadBufferSize
}

func (o *Options) expectTimeout() time.Duration {
	if o.ExpectContinueTimeout <= 0 {
		return DefaultExpectContinueTimeout
	}
	return o.ExpectContinueTimeout
}

func (o *Options) clock() clock.Clock {
	if o.Clock == nil {
		return clock.New()
	}
	return o.Clock
}

func (o *Options) logger() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

// Counters is the progress of a transfer.
type Counters struct {
	Received    int64 // body bytes
	HeaderBytes int64
	Sent        int64 // upload body bytes
	// -1 when not known (yet)
	ExpectedReceive int64
	ExpectedSend    int64
	// StartTransfer is the time from the start to the first body byte.
	StartTransfer time.Duration
}
