package dialer

import (
	"net"
	"time"
)

// Config holds the settings shared by every Dialer.
//
// A zero DialTimeout or NegotiationTimeout means no timeout.
type Config struct {
	DialTimeout        time.Duration
	NegotiationTimeout time.Duration
	KeepAlive          net.KeepAliveConfig
}
