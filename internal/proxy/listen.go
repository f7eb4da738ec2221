package proxy

import (
	"errors"
	"net"
)

var (
	// ErrBind means the listen address could not be bound, usually because
	// it is already in use.
	ErrBind = errors.New("bind failed")
	// ErrListenSetup covers every other failure creating the listener.
	ErrListenSetup = errors.New("listener setup failed")
)

// KeepAliveListener is a TCP listener that applies KeepAliveConfig to every
// accepted connection.
type KeepAliveListener struct {
	*net.TCPListener
	net.KeepAliveConfig
}

// AcceptTCP accepts the next connection and applies KeepAliveConfig to it.
func (l *KeepAliveListener) AcceptTCP() (*net.TCPConn, error) {
	tc, err := l.TCPListener.AcceptTCP()
	if err != nil {
		return nil, err
	}
	_ = tc.SetKeepAliveConfig(l.KeepAliveConfig)
	return tc, nil
}

func (l *KeepAliveListener) Accept() (net.Conn, error) {
	tc, err := l.AcceptTCP()
	if err != nil {
		return nil, err
	}
	return tc, nil
}
