//go:build !unix

package proxy

import (
	"fmt"
	"net"
)

func ListenTCP(addr string, _ int, _ net.KeepAliveConfig) (*KeepAliveListener, error) {
	return nil, fmt.Errorf("%w: %s: unsupported platform", ErrListenSetup, addr)
}
