package proxy

import (
	"time"

	"github.com/die-net/proxee/internal/relay"
)

const (
	DefaultListen        = ":9876"
	DefaultBacklog       = 5
	DefaultAcceptTimeout = 50 * time.Millisecond
	DefaultShutdownGrace = 5 * time.Second
)

// Config tunes a Server. The listening socket itself comes from ListenTCP.
type Config struct {
	// BufferSize bounds the single read taken from a ready client. Zero
	// means relay.DefaultBufferSize.
	BufferSize int

	// HalfClose shuts down the write side of a client once its relay ends,
	// so HTTP/1.0 clients see the end of the response.
	HalfClose bool

	// AcceptTimeout bounds an accept after the listener polled readable.
	AcceptTimeout time.Duration

	// ShutdownGrace is how long in-flight workers may keep running after
	// shutdown starts before their connections are torn down.
	ShutdownGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = relay.DefaultBufferSize
	}
	if c.AcceptTimeout <= 0 {
		c.AcceptTimeout = DefaultAcceptTimeout
	}
	return c
}
