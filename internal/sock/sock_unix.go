//go:build darwin || linux
// +build darwin linux

package sock

import (
	"io"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

const rawIO = true

func readRaw(rc syscall.RawConn, p []byte) (n int, err error) {
	if cerr := rc.Read(func(fd uintptr) bool {
		n, err = unix.Read(int(fd), p)
		return true // never park in the poller
	}); cerr != nil {
		return 0, cerr
	}
	switch {
	case err == unix.EAGAIN || err == unix.EINTR:
		return 0, ErrWouldBlock
	case err != nil:
		return 0, err
	case n == 0:
		return 0, io.EOF
	}
	return n, nil
}

func writeRaw(rc syscall.RawConn, p []byte) (n int, err error) {
	if cerr := rc.Write(func(fd uintptr) bool {
		n, err = unix.Write(int(fd), p)
		return true
	}); cerr != nil {
		return 0, cerr
	}
	if err == unix.EAGAIN || err == unix.EINTR {
		return 0, ErrWouldBlock
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}

func poll(rc syscall.RawConn, want Events, timeout time.Duration) (got Events, err error) {
	var ev int16
	if want.Has(EventRead) {
		ev |= unix.POLLIN
	}
	if want.Has(EventWrite) {
		ev |= unix.POLLOUT
	}
	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}
	// the descriptor stays referenced for the duration of Control
	cerr := rc.Control(func(fd uintptr) {
		fds := []unix.PollFd{{Fd: int32(fd), Events: ev}}
		var n int
		for {
			n, err = unix.Poll(fds, ms)
			if err != unix.EINTR {
				break
			}
		}
		if err != nil || n == 0 {
			return
		}
		re := fds[0].Revents
		if re&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
			got |= EventRead & want
		}
		if re&(unix.POLLOUT|unix.POLLERR) != 0 {
			got |= EventWrite & want
		}
		if re&unix.POLLNVAL != 0 {
			got |= EventError
		}
	})
	if cerr != nil {
		return 0, cerr
	}
	return got, err
}

func peek(rc syscall.RawConn) bool {
	alive := false
	var buf [1]byte
	if err := rc.Read(func(fd uintptr) bool {
		n, _, err := unix.Recvfrom(int(fd), buf[:], unix.MSG_PEEK|unix.MSG_DONTWAIT)
		if err == nil {
			// data waiting means alive, zero bytes is an orderly shutdown
			alive = n != 0
		} else if err == unix.EAGAIN {
			alive = true
		}
		return true
	}); err != nil {
		return false
	}
	return alive
}
