package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strconv"
	"syscall"
	"time"

	"github.com/die-net/proxee/internal/dialer"
	"github.com/die-net/proxee/internal/resolver"
)

const (
	DefaultBufferSize   = 1024
	DefaultUpstreamPort = 80
)

type Config struct {
	// BufferSize bounds both the client read and each upstream read.
	BufferSize int
	// UpstreamPort is the origin port every request is sent to.
	UpstreamPort uint16
}

// Stats describes one relay, filled in as far as it got.
type Stats struct {
	Host      string
	Addr      netip.Addr
	BytesUp   int64
	BytesDown int64
	Resolve   time.Duration
}

// Engine relays one raw request to its origin and streams the response back.
type Engine struct {
	resolver resolver.Resolver
	dialer   dialer.Dialer
	port     uint16
	pool     *BufferPool
}

func NewEngine(cfg Config, r resolver.Resolver, d dialer.Dialer) *Engine {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.UpstreamPort == 0 {
		cfg.UpstreamPort = DefaultUpstreamPort
	}
	return &Engine{
		resolver: r,
		dialer:   d,
		port:     cfg.UpstreamPort,
		pool:     NewBufferPool(cfg.BufferSize),
	}
}

// Relay extracts the target host from request, connects to it, forwards
// request unmodified and copies the response to client until the origin
// closes. Nothing is written to client unless the upstream connection was
// established. The upstream connection is closed before Relay returns, and
// cancelling ctx aborts a relay in progress.
func (e *Engine) Relay(ctx context.Context, request []byte, client io.Writer) (Stats, error) {
	var st Stats

	host, err := ExtractHost(request)
	if err != nil {
		return st, err
	}
	st.Host = host

	start := time.Now()
	addr, err := e.resolver.Resolve(ctx, host)
	st.Resolve = time.Since(start)
	if err != nil {
		return st, fmt.Errorf("%w: %w", ErrHostUnresolved, err)
	}
	st.Addr = addr

	target := net.JoinHostPort(addr.String(), strconv.Itoa(int(e.port)))
	up, err := e.dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		if isSocketCreateErr(err) {
			return st, fmt.Errorf("%w: %s: %w", ErrSocketCreate, target, err)
		}
		return st, fmt.Errorf("%w: %s: %w", ErrUpstreamConnect, target, err)
	}
	defer up.Close()

	// Unblock any pending read or write on cancel.
	stop := context.AfterFunc(ctx, func() {
		_ = up.Close()
	})
	defer stop()

	n, err := up.Write(request)
	st.BytesUp = int64(n)
	if err != nil {
		return st, fmt.Errorf("%w: %s: %w", ErrForward, target, err)
	}

	st.BytesDown, err = e.pump(client, up)
	return st, err
}

// pump copies src to dst one chunk at a time, in order and unmodified.
func (e *Engine) pump(dst io.Writer, src io.Reader) (int64, error) {
	bp := e.pool.Get()
	defer e.pool.Put(bp)
	buf := *bp

	var written int64
	for {
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr == nil && nw != nr {
				werr = io.ErrShortWrite
			}
			if werr != nil {
				return written, fmt.Errorf("%w: %w", ErrClientSend, werr)
			}
		}
		switch {
		case rerr == io.EOF:
			return written, nil
		case rerr != nil:
			return written, fmt.Errorf("%w: %w", ErrUpstreamRecv, rerr)
		}
	}
}

// isSocketCreateErr reports whether a dial failed before any connect was
// attempted, because no socket could be allocated.
func isSocketCreateErr(err error) bool {
	for _, errno := range []syscall.Errno{
		syscall.EMFILE,
		syscall.ENFILE,
		syscall.ENOBUFS,
		syscall.ENOMEM,
		syscall.EAFNOSUPPORT,
	} {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}
