package proxy

import (
	"fmt"
	"net"
	"slices"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type connState int

const (
	stateAwaiting connState = iota
	stateDispatched
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateAwaiting:
		return "awaiting"
	case stateDispatched:
		return "dispatched"
	case stateClosed:
		return "closed"
	default:
		return fmt.Sprintf("connState(%d)", int(s))
	}
}

// client is one accepted connection under observation.
type client struct {
	conn  *net.TCPConn
	rc    syscall.RawConn
	fd    int
	id    uuid.UUID
	peer  string
	state connState
}

func (c *client) fields(extra ...zap.Field) []zap.Field {
	return append([]zap.Field{
		zap.Stringer("conn_id", c.id),
		zap.Int("fd", c.fd),
		zap.String("peer", c.peer),
	}, extra...)
}

// watchSet is the listener plus every client being polled. It is owned by
// the multiplexer goroutine.
type watchSet struct {
	listener int
	clients  map[int]*client
}

func newWatchSet(listener int) *watchSet {
	return &watchSet{listener: listener, clients: make(map[int]*client)}
}

func (w *watchSet) add(c *client) error {
	if c.fd == w.listener {
		return fmt.Errorf("fd %d is the listener", c.fd)
	}
	if _, ok := w.clients[c.fd]; ok {
		return fmt.Errorf("fd %d already watched", c.fd)
	}
	w.clients[c.fd] = c
	return nil
}

func (w *watchSet) get(fd int) *client {
	return w.clients[fd]
}

func (w *watchSet) remove(fd int) *client {
	c, ok := w.clients[fd]
	if !ok {
		return nil
	}
	delete(w.clients, fd)
	return c
}

// len counts the listener too.
func (w *watchSet) len() int {
	return len(w.clients) + 1
}

// fds returns every watched descriptor in ascending order.
func (w *watchSet) fds() []int {
	fds := make([]int, 0, w.len())
	fds = append(fds, w.listener)
	for fd := range w.clients {
		fds = append(fds, fd)
	}
	slices.Sort(fds)
	return fds
}
