//go:build linux

package poller

import (
	"encoding/binary"
	"errors"
	"os"
	"slices"
	"sync"

	"golang.org/x/sys/unix"
)

const maxEvents = 128

type epoll struct {
	epfd   int
	wakefd int
	events []unix.EpollEvent

	// mu orders Wake against Close so the eventfd is never written after
	// its number has been released.
	mu     sync.RWMutex
	closed bool
}

// New returns an epoll-backed Poller.
func New() (Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}

	wakefd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, os.NewSyscallError("eventfd", err)
	}

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		_ = unix.Close(wakefd)
		_ = unix.Close(epfd)
		return nil, os.NewSyscallError("epoll_ctl", err)
	}

	return &epoll{
		epfd:   epfd,
		wakefd: wakefd,
		events: make([]unix.EpollEvent, maxEvents),
	}, nil
}

func readInterest(oneShot bool) uint32 {
	if oneShot {
		return unix.EPOLLIN | unix.EPOLLONESHOT
	}
	return unix.EPOLLIN
}

func (p *epoll) Register(fd int, oneShot bool) error {
	if p.isClosed() {
		return ErrClosed
	}
	ev := unix.EpollEvent{Events: readInterest(oneShot), Fd: int32(fd)}
	return os.NewSyscallError("epoll_ctl add", unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev))
}

func (p *epoll) Rearm(fd int) error {
	if p.isClosed() {
		return ErrClosed
	}
	ev := unix.EpollEvent{Events: readInterest(true), Fd: int32(fd)}
	return os.NewSyscallError("epoll_ctl mod", unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev))
}

func (p *epoll) Deregister(fd int) error {
	if p.isClosed() {
		return ErrClosed
	}
	return os.NewSyscallError("epoll_ctl del", unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil))
}

func (p *epoll) Wait(ready []int) ([]int, error) {
	if p.isClosed() {
		return ready, ErrClosed
	}

	for {
		n, err := unix.EpollWait(p.epfd, p.events, -1)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return ready, os.NewSyscallError("epoll_wait", err)
		}

		start := len(ready)
		for _, ev := range p.events[:n] {
			fd := int(ev.Fd)
			if fd == p.wakefd {
				p.drainWake()
				continue
			}
			ready = append(ready, fd)
		}
		slices.Sort(ready[start:])
		return ready, nil
	}
}

func (p *epoll) Wake() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	var b [8]byte
	binary.NativeEndian.PutUint64(b[:], 1)
	_, err := unix.Write(p.wakefd, b[:])
	if errors.Is(err, unix.EAGAIN) {
		// Counter saturated; a wakeup is already pending.
		return nil
	}
	return os.NewSyscallError("eventfd write", err)
}

func (p *epoll) drainWake() {
	var b [8]byte
	_, _ = unix.Read(p.wakefd, b[:])
}

func (p *epoll) isClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

func (p *epoll) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	err := unix.Close(p.wakefd)
	if cerr := unix.Close(p.epfd); err == nil {
		err = cerr
	}
	return os.NewSyscallError("close", err)
}
