//go:build !linux

package dialer

import (
	"errors"
	"syscall"
)

func bindToDevice(string) func(network, address string, c syscall.RawConn) error {
	return func(string, string, syscall.RawConn) error {
		return errors.New("dialer: binding to a device is not supported on this platform")
	}
}
