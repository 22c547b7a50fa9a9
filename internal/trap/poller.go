package trap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Poller wraps an epoll instance in edge-triggered mode. It implements
// Registry for registration and Wait is the event loop's single suspension
// point. Edge triggering means a readiness event is delivered once per
// state change, so every consumer must drain its socket until it would
// block before waiting again.
type Poller struct {
	epfd int
	buf  []unix.EpollEvent
}

func NewPoller() (*Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &Poller{epfd: epfd}, nil
}

func epollEvents(interest Interest) uint32 {
	ev := uint32(unix.EPOLLET)
	if interest&Readable != 0 {
		ev |= unix.EPOLLIN
	}
	if interest&Writable != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func (p *Poller) Add(fd int, token Token, interest Interest) error {
	ev := unix.EpollEvent{Events: epollEvents(interest), Fd: int32(token)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl add fd %d: %w", fd, err)
	}
	return nil
}

func (p *Poller) Modify(fd int, token Token, interest Interest) error {
	ev := unix.EpollEvent{Events: epollEvents(interest), Fd: int32(token)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl mod fd %d: %w", fd, err)
	}
	return nil
}

func (p *Poller) Remove(fd int) error {
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, &unix.EpollEvent{}); err != nil {
		return fmt.Errorf("epoll_ctl del fd %d: %w", fd, err)
	}
	return nil
}

// Wait blocks until at least one registered socket is ready or the timeout
// expires, filling events and returning how many were stored. A negative
// timeout blocks indefinitely; a zero count means the timeout fired first.
// Sub-millisecond timeouts are rounded up, never down: rounding down would
// turn a short pending deadline into a spin.
func (p *Poller) Wait(events []Event, timeout time.Duration) (int, error) {
	msec := -1
	if timeout >= 0 {
		msec = int((timeout + time.Millisecond - 1) / time.Millisecond)
	}
	if len(p.buf) < len(events) {
		p.buf = make([]unix.EpollEvent, len(events))
	}
	for {
		n, err := unix.EpollWait(p.epfd, p.buf[:len(events)], msec)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("epoll_wait: %w", err)
		}
		for i := 0; i < n; i++ {
			events[i] = Event{Token: Token(p.buf[i].Fd)}
		}
		return n, nil
	}
}

func (p *Poller) Close() error {
	return unix.Close(p.epfd)
}

// Waker interrupts a blocked Wait from another goroutine. It is an eventfd
// registered like any other socket; the loop recognizes its token and
// drains the counter.
type Waker struct {
	fd int
}

func NewWaker(r Registry, token Token) (*Waker, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	if err := r.Add(fd, token, Readable); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &Waker{fd: fd}, nil
}

// Wake may be called from any goroutine. A full eventfd counter reports
// would-block, which already guarantees a pending wakeup.
func (w *Waker) Wake() error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(w.fd, buf[:]); err != nil && !IsWouldBlock(err) {
		return fmt.Errorf("wake event loop: %w", err)
	}
	return nil
}

// Drain resets the eventfd counter so the next Wake triggers a fresh event.
func (w *Waker) Drain() {
	var buf [8]byte
	unix.Read(w.fd, buf[:])
}

func (w *Waker) Close() error {
	return unix.Close(w.fd)
}
