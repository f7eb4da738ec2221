//go:build unix

package poller

import (
	"errors"
	"os"
	"slices"
	"sync"

	"golang.org/x/sys/unix"
)

type pollEntry struct {
	oneShot bool
	armed   bool
}

type pollPoller struct {
	wakeR, wakeW int

	entries map[int]*pollEntry
	pfds    []unix.PollFd

	mu     sync.RWMutex
	closed bool
}

// newPollPoller returns a poll(2)-backed Poller. It is the default outside
// Linux.
func newPollPoller() (Poller, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return nil, os.NewSyscallError("pipe", err)
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(fds[0])
			_ = unix.Close(fds[1])
			return nil, os.NewSyscallError("setnonblock", err)
		}
	}
	return &pollPoller{
		wakeR:   fds[0],
		wakeW:   fds[1],
		entries: make(map[int]*pollEntry),
	}, nil
}

func (p *pollPoller) Register(fd int, oneShot bool) error {
	if p.isClosed() {
		return ErrClosed
	}
	if _, ok := p.entries[fd]; ok {
		return os.NewSyscallError("register", unix.EEXIST)
	}
	p.entries[fd] = &pollEntry{oneShot: oneShot, armed: true}
	return nil
}

func (p *pollPoller) Rearm(fd int) error {
	if p.isClosed() {
		return ErrClosed
	}
	e, ok := p.entries[fd]
	if !ok {
		return os.NewSyscallError("rearm", unix.ENOENT)
	}
	e.armed = true
	return nil
}

func (p *pollPoller) Deregister(fd int) error {
	if p.isClosed() {
		return ErrClosed
	}
	if _, ok := p.entries[fd]; !ok {
		return os.NewSyscallError("deregister", unix.ENOENT)
	}
	delete(p.entries, fd)
	return nil
}

func (p *pollPoller) Wait(ready []int) ([]int, error) {
	if p.isClosed() {
		return ready, ErrClosed
	}

	p.pfds = append(p.pfds[:0], unix.PollFd{Fd: int32(p.wakeR), Events: unix.POLLIN})
	for fd, e := range p.entries {
		if e.armed {
			p.pfds = append(p.pfds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
		}
	}

	for {
		_, err := unix.Poll(p.pfds, -1)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return ready, os.NewSyscallError("poll", err)
		}
		break
	}

	start := len(ready)
	for _, pfd := range p.pfds {
		if pfd.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) == 0 {
			continue
		}
		fd := int(pfd.Fd)
		if fd == p.wakeR {
			p.drainWake()
			continue
		}
		if e := p.entries[fd]; e.oneShot {
			e.armed = false
		}
		ready = append(ready, fd)
	}
	slices.Sort(ready[start:])
	return ready, nil
}

func (p *pollPoller) Wake() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	_, err := unix.Write(p.wakeW, []byte{1})
	if errors.Is(err, unix.EAGAIN) {
		return nil
	}
	return os.NewSyscallError("pipe write", err)
}

func (p *pollPoller) drainWake() {
	var b [64]byte
	for {
		n, err := unix.Read(p.wakeR, b[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (p *pollPoller) isClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

func (p *pollPoller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	err := unix.Close(p.wakeR)
	if cerr := unix.Close(p.wakeW); err == nil {
		err = cerr
	}
	return os.NewSyscallError("close", err)
}
