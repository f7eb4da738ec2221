//go:build unix

package proxy

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// ListenTCP binds an IPv4 listening socket on addr with the given accept
// backlog. An empty host in addr means the wildcard address.
func ListenTCP(addr string, backlog int, ka net.KeepAliveConfig) (*KeepAliveListener, error) {
	ta, err := net.ResolveTCPAddr("tcp4", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrListenSetup, err)
	}
	sa := &unix.SockaddrInet4{Port: ta.Port}
	if ip4 := ta.IP.To4(); ip4 != nil {
		copy(sa.Addr[:], ip4)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrListenSetup, os.NewSyscallError("socket", err))
	}
	unix.CloseOnExec(fd)

	// net.FileListener dups the descriptor, so ours is always closed here.
	f := os.NewFile(uintptr(fd), "tcp:"+addr)
	defer f.Close()

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrListenSetup, os.NewSyscallError("setsockopt", err))
	}
	if err := unix.Bind(fd, sa); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrBind, addr, os.NewSyscallError("bind", err))
	}
	if err := unix.Listen(fd, backlog); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrListenSetup, os.NewSyscallError("listen", err))
	}

	ln, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrListenSetup, err)
	}
	tl, ok := ln.(*net.TCPListener)
	if !ok {
		_ = ln.Close()
		return nil, fmt.Errorf("%w: unexpected listener type %T", ErrListenSetup, ln)
	}

	return &KeepAliveListener{TCPListener: tl, KeepAliveConfig: ka}, nil
}
