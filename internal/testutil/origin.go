package testutil

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"
)

// Origin is a loopback stand-in for an origin web server. Every connection
// gets one read, the bytes returned by respond for it, and a close.
type Origin struct {
	ln      net.Listener
	respond func(req []byte) []byte

	mu       sync.Mutex
	requests [][]byte

	wg sync.WaitGroup
}

// StartOrigin serves connections until the test ends. respond may block to
// simulate a slow origin.
func StartOrigin(t *testing.T, respond func(req []byte) []byte) *Origin {
	t.Helper()

	lc := net.ListenConfig{}
	ln, err := lc.Listen(context.Background(), "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	o := &Origin{ln: ln, respond: respond}
	o.wg.Go(o.serve)
	t.Cleanup(o.Close)
	return o
}

func (o *Origin) serve() {
	for {
		c, err := o.ln.Accept()
		if err != nil {
			return
		}
		o.wg.Go(func() {
			defer c.Close()
			buf := make([]byte, 64*1024)
			n, err := c.Read(buf)
			if err != nil {
				return
			}
			o.mu.Lock()
			o.requests = append(o.requests, buf[:n:n])
			o.mu.Unlock()

			_, _ = c.Write(o.respond(buf[:n:n]))
		})
	}
}

// Reply returns a respond func that always answers resp, after delay.
func Reply(resp []byte, delay time.Duration) func([]byte) []byte {
	return func([]byte) []byte {
		if delay > 0 {
			time.Sleep(delay)
		}
		return resp
	}
}

// AddrPort returns the listening address.
func (o *Origin) AddrPort() netip.AddrPort {
	ap := o.ln.Addr().(*net.TCPAddr).AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// Requests returns the raw bytes of each request received so far.
func (o *Origin) Requests() [][]byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([][]byte, len(o.requests))
	copy(out, o.requests)
	return out
}

// Close stops accepting and waits for in-flight connections.
func (o *Origin) Close() {
	_ = o.ln.Close()
	o.wg.Wait()
}

// RefusedPort returns a loopback port with nothing listening on it.
func RefusedPort(t *testing.T) uint16 {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).AddrPort().Port()
	_ = ln.Close()
	return port
}
