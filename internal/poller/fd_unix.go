//go:build unix

package poller

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// FD returns the descriptor number behind rc.
//
// The number is only meaningful while the owning connection is open.
func FD(rc syscall.RawConn) (int, error) {
	fd := -1
	if err := rc.Control(func(s uintptr) { fd = int(s) }); err != nil {
		return -1, err
	}
	return fd, nil
}

// Readable reports how many bytes can be read from rc without blocking
// (FIONREAD). Zero on a descriptor that polled readable means the peer has
// closed its side.
func Readable(rc syscall.RawConn) (int, error) {
	var (
		n    int
		ierr error
	)
	err := rc.Control(func(fd uintptr) {
		n, ierr = unix.IoctlGetInt(int(fd), fionread)
	})
	if err != nil {
		return 0, err
	}
	if ierr != nil {
		return 0, os.NewSyscallError("ioctl FIONREAD", ierr)
	}
	return n, nil
}
