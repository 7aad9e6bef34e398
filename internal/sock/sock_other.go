//go:build !darwin && !linux
// +build !darwin,!linux

package sock

import (
	"errors"
	"syscall"
	"time"
)

// without x/sys/unix every descriptor falls back to the deadline based
// path of Conn.
const rawIO = false

var errNoRawIO = errors.New("sock: raw descriptor io unsupported")

func readRaw(syscall.RawConn, []byte) (int, error)  { return 0, errNoRawIO }
func writeRaw(syscall.RawConn, []byte) (int, error) { return 0, errNoRawIO }

func poll(_ syscall.RawConn, want Events, _ time.Duration) (Events, error) {
	return want, nil
}

func peek(syscall.RawConn) bool { return true }
