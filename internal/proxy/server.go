package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/die-net/proxee/internal/metrics"
	"github.com/die-net/proxee/internal/poller"
	"github.com/die-net/proxee/internal/relay"
)

// ErrReadinessWait means the readiness wait itself failed. Serve cannot
// continue after it.
var ErrReadinessWait = errors.New("readiness wait failed")

// Relayer carries one raw request to its origin and the response back to
// client.
type Relayer interface {
	Relay(ctx context.Context, request []byte, client io.Writer) (relay.Stats, error)
}

// Server multiplexes one listener and its clients on a single goroutine and
// hands each readable client to a worker goroutine.
type Server struct {
	cfg     Config
	relayer Relayer
	log     *zap.Logger
	metrics *metrics.Collector
	bufs    *relay.BufferPool
}

// NewServer returns a Server. A nil log discards output; a nil m records
// nothing.
func NewServer(cfg Config, r Relayer, log *zap.Logger, m *metrics.Collector) *Server {
	cfg = cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		cfg:     cfg,
		relayer: r,
		log:     log,
		metrics: m,
		bufs:    relay.NewBufferPool(cfg.BufferSize),
	}
}

// Serve runs the multiplexer on ln until ctx is cancelled or the readiness
// wait fails. ln is closed on return. Cancellation is a clean shutdown and
// returns nil once every worker has finished.
func (s *Server) Serve(ctx context.Context, ln *KeepAliveListener) error {
	m, err := s.newMux(ctx, ln)
	if err != nil {
		_ = ln.Close()
		return err
	}
	return m.run(ctx)
}

// mux is the state of one Serve call.
type mux struct {
	*Server

	ln    *KeepAliveListener
	p     poller.Poller
	watch *watchSet

	workers    sync.WaitGroup
	workCtx    context.Context
	cancelWork context.CancelFunc

	mu       sync.Mutex
	finished []*client
}

func (s *Server) newMux(ctx context.Context, ln *KeepAliveListener) (*mux, error) {
	rc, err := ln.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrListenSetup, err)
	}
	lnFD, err := poller.FD(rc)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrListenSetup, err)
	}

	p, err := poller.New()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrListenSetup, err)
	}
	if err := p.Register(lnFD, false); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("%w: register listener: %w", ErrListenSetup, err)
	}

	workCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	return &mux{
		Server:     s,
		ln:         ln,
		p:          p,
		watch:      newWatchSet(lnFD),
		workCtx:    workCtx,
		cancelWork: cancel,
	}, nil
}

func (m *mux) run(ctx context.Context) error {
	stopWake := context.AfterFunc(ctx, func() {
		_ = m.p.Wake()
	})
	defer stopWake()

	m.log.Info("proxy listening", zap.Stringer("addr", m.ln.Addr()), zap.Int("fd", m.watch.listener))

	ready := make([]int, 0, 64)
	for {
		var err error
		ready, err = m.p.Wait(ready[:0])
		if err != nil {
			m.shutdown()
			return fmt.Errorf("%w: %w", ErrReadinessWait, err)
		}
		if ctx.Err() != nil {
			m.shutdown()
			return nil
		}

		m.rearmFinished()

		for _, fd := range ready {
			if fd == m.watch.listener {
				m.accept()
				continue
			}
			if c := m.watch.get(fd); c != nil {
				m.service(c)
			}
		}
	}
}

func (m *mux) accept() {
	_ = m.ln.SetDeadline(time.Now().Add(m.cfg.AcceptTimeout))
	tc, err := m.ln.AcceptTCP()
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			m.log.Debug("listener readiness without a pending connection")
			return
		}
		m.metrics.AcceptFailed()
		m.log.Warn("accept failed", zap.Error(err))
		return
	}

	c, err := m.register(tc)
	if err != nil {
		_ = tc.Close()
		m.metrics.AcceptFailed()
		m.log.Warn("accept failed", zap.Stringer("peer", tc.RemoteAddr()), zap.Error(err))
		return
	}

	m.metrics.ConnAccepted()
	m.log.Info("connection accepted", c.fields()...)
}

func (m *mux) register(tc *net.TCPConn) (*client, error) {
	rc, err := tc.SyscallConn()
	if err != nil {
		return nil, err
	}
	fd, err := poller.FD(rc)
	if err != nil {
		return nil, err
	}

	c := &client{
		conn:  tc,
		rc:    rc,
		fd:    fd,
		id:    uuid.New(),
		peer:  tc.RemoteAddr().String(),
		state: stateAwaiting,
	}
	if err := m.watch.add(c); err != nil {
		return nil, err
	}
	if err := m.p.Register(fd, true); err != nil {
		m.watch.remove(fd)
		return nil, fmt.Errorf("register fd %d: %w", fd, err)
	}
	return c, nil
}

// service handles a readable client: either its peer has closed, or there
// is a request to hand to a worker.
func (m *mux) service(c *client) {
	n, err := poller.Readable(c.rc)
	if err != nil {
		m.log.Error("readable check failed", c.fields(zap.Error(err))...)
		m.remove(c)
		return
	}
	if n == 0 {
		m.remove(c)
		return
	}

	c.state = stateDispatched
	m.metrics.WorkerStarted()
	m.workers.Go(func() {
		m.work(c)
	})
}

// remove deregisters and closes c. Outside of shutdown it is never called
// while a worker holds c.
func (m *mux) remove(c *client) {
	if err := m.p.Deregister(c.fd); err != nil {
		m.log.Debug("deregister failed", c.fields(zap.Error(err))...)
	}
	m.watch.remove(c.fd)
	_ = c.conn.Close()
	c.state = stateClosed

	m.metrics.ConnClosed()
	m.log.Info("connection closed", c.fields()...)
}

// finish queues c for re-arming and wakes the multiplexer. Called by
// workers.
func (m *mux) finish(c *client) {
	m.mu.Lock()
	m.finished = append(m.finished, c)
	m.mu.Unlock()
	_ = m.p.Wake()
}

// rearmFinished returns every client whose worker has completed to
// AwaitingActivity.
func (m *mux) rearmFinished() {
	m.mu.Lock()
	done := m.finished
	m.finished = nil
	m.mu.Unlock()

	for _, c := range done {
		c.state = stateAwaiting
		if err := m.p.Rearm(c.fd); err != nil {
			m.log.Error("rearm failed", c.fields(zap.Error(err))...)
			m.remove(c)
		}
	}
}

func (m *mux) shutdown() {
	m.log.Info("shutting down", zap.Int("clients", m.watch.len()-1))

	_ = m.p.Deregister(m.watch.listener)
	_ = m.ln.Close()

	waited := make(chan struct{})
	go func() {
		m.workers.Wait()
		close(waited)
	}()

	timer := time.NewTimer(m.cfg.ShutdownGrace)
	defer timer.Stop()
	select {
	case <-waited:
	case <-timer.C:
		m.log.Warn("shutdown grace expired, aborting workers")
		m.cancelWork()
		m.removeAll()
		<-waited
	}
	m.cancelWork()

	m.removeAll()
	_ = m.p.Close()
}

func (m *mux) removeAll() {
	for _, fd := range m.watch.fds() {
		if c := m.watch.get(fd); c != nil {
			m.remove(c)
		}
	}
}
