//go:build !unix

package poller

import (
	"errors"
	"syscall"
)

var errUnsupported = errors.New("readiness polling is only supported on unix")

func New() (Poller, error) {
	return nil, errUnsupported
}

func FD(_ syscall.RawConn) (int, error) {
	return -1, errUnsupported
}

func Readable(_ syscall.RawConn) (int, error) {
	return 0, errUnsupported
}
