// package errors holds the error taxonomy shared by the resolver, the
// connection pool and the transfer engine. it is usually imported as errs.
//
// errors are values of [Error]. two errors are considered equal by
// [errors.Is] when their kinds match, so callers could test against the
// exported sentinels no matter what detail or cause was attached.
package errors

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

type Kind uint8

const (
	KindUnknown Kind = iota
	KindResolutionFailed
	KindConnectFailed
	KindNoConnectionCapacity
	KindReadError
	KindWriteError
	KindOperationTimedOut
	KindPartialTransfer
	KindAbortedByCallback
	KindOutOfMemory
	KindUnsupportedProtocol
	KindURLMalformat
	KindTooManyRedirects
	KindGotNothing
	KindSendFailRewind
	KindWeirdServerReply
	KindBadChunkedEncoding
	KindBadContentEncoding
)

var kindMessages = [...]string{
	KindUnknown:              "unknown error",
	KindResolutionFailed:     "could not resolve host",
	KindConnectFailed:        "failed to connect",
	KindNoConnectionCapacity: "no connection available",
	KindReadError:            "failure when receiving data from the peer",
	KindWriteError:           "failure when sending data to the peer",
	KindOperationTimedOut:    "operation timed out",
	KindPartialTransfer:      "transfer closed with outstanding read data remaining",
	KindAbortedByCallback:    "operation aborted by callback",
	KindOutOfMemory:          "out of memory",
	KindUnsupportedProtocol:  "unsupported protocol",
	KindURLMalformat:         "url malformed",
	KindTooManyRedirects:     "maximum redirects followed",
	KindGotNothing:           "empty reply from server",
	KindSendFailRewind:       "send failed since rewinding of the data stream failed",
	KindWeirdServerReply:     "weird server reply",
	KindBadChunkedEncoding:   "malformed chunked encoding",
	KindBadContentEncoding:   "unrecognized or bad content encoding",
}

func (k Kind) String() string {
	if int(k) < len(kindMessages) {
		return kindMessages[k]
	}
	return "error kind " + strconv.Itoa(int(k))
}

type Error struct {
	Kind   Kind
	Detail string
	error
}

func (e Error) Error() string {
	msg := e.Kind.String()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.error != nil {
		msg += ", error: " + e.error.Error()
	}
	return msg
}

func (e Error) Wrap(err error) Error {
	if err == nil {
		return e
	}
	return Error{e.Kind, e.Detail, err}
}

func (e Error) With(detail string) Error {
	return Error{e.Kind, detail, e.error}
}

func (e Error) Unwrap() error {
	return e.error
}

// Is matches errors of the same kind. Bad chunked encoding is a read
// error as well.
func (e Error) Is(err error) bool {
	if err, ok := err.(Error); ok {
		return e.Kind == err.Kind || (e.Kind == KindBadChunkedEncoding && err.Kind == KindReadError)
	}
	return false
}

func reg(k Kind) Error { return Error{Kind: k} }

var (
	ErrResolutionFailed     = reg(KindResolutionFailed)
	ErrConnectFailed        = reg(KindConnectFailed)
	ErrNoConnectionCapacity = reg(KindNoConnectionCapacity)
	ErrReadError            = reg(KindReadError)
	ErrWriteError           = reg(KindWriteError)
	ErrOperationTimedOut    = reg(KindOperationTimedOut)
	ErrPartialTransfer      = reg(KindPartialTransfer)
	ErrAbortedByCallback    = reg(KindAbortedByCallback)
	ErrOutOfMemory          = reg(KindOutOfMemory)
	ErrUnsupportedProtocol  = reg(KindUnsupportedProtocol)
	ErrURLMalformat         = reg(KindURLMalformat)
	ErrTooManyRedirects     = reg(KindTooManyRedirects)
	ErrGotNothing           = reg(KindGotNothing)
	ErrSendFailRewind       = reg(KindSendFailRewind)
	ErrWeirdServerReply     = reg(KindWeirdServerReply)
	ErrBadChunkedEncoding   = reg(KindBadChunkedEncoding)
	ErrBadContentEncoding   = reg(KindBadContentEncoding)
)

// ResolutionFailed reports a failed lookup of host, which is a proxy host
// when proxy is set.
func ResolutionFailed(host string, proxy bool, cause error) error {
	what := "host"
	if proxy {
		what = "proxy"
	}
	return ErrResolutionFailed.With(what + " " + host).Wrap(cause)
}

func ConnectFailed(hostport string, cause error) error {
	return ErrConnectFailed.With(hostport).Wrap(cause)
}

// OperationTimedOut carries the progress made before the deadline hit.
// expected is -1 when the size of the transfer is unknown.
func OperationTimedOut(elapsed time.Duration, received, expected int64) error {
	if expected != -1 {
		return ErrOperationTimedOut.With(fmt.Sprintf("after %d milliseconds with %d out of %d bytes received",
			elapsed.Milliseconds(), received, expected))
	}
	return ErrOperationTimedOut.With(fmt.Sprintf("after %d milliseconds with %d bytes received",
		elapsed.Milliseconds(), received))
}

func PartialTransfer(expected, received int64) error {
	return ErrPartialTransfer.With(fmt.Sprintf("%d bytes remaining to read", expected-received))
}

// KindOf returns the kind of the first [Error] in err's chain.
func KindOf(err error) Kind {
	var e Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Retriable reports whether the caller may simply try the operation again,
// possibly on a fresh connection or after waiting for capacity.
func Retriable(err error) bool {
	switch KindOf(err) {
	case KindNoConnectionCapacity, KindResolutionFailed, KindConnectFailed, KindGotNothing:
		return true
	}
	return false
}

// Fatal reports conditions after which no partial state is usable.
func Fatal(err error) bool {
	return KindOf(err) == KindOutOfMemory
}
