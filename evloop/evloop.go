// Package evloop is a minimal single-threaded epoll-based event loop: one
// fd set, edge case free, mid-batch deregistration handled explicitly so a
// handler can close another fd's entry without corrupting the dispatch of
// the batch currently in progress.
package evloop

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Mask bits accepted by AddFd, a subset of epoll's.
const (
	In  uint32 = unix.EPOLLIN
	Hup uint32 = unix.EPOLLHUP
)

const maxBatch = 32

// Handler is invoked with the fd that became ready and the epoll event mask
// that fired, as epoll reported it: the In/Hup bits requested, plus any
// condition epoll always reports, such as EPOLLERR.
type Handler func(fd int, events uint32)

type entry struct {
	fd      int
	handler Handler
}

// Loop is a single-threaded epoll wrapper. It is not safe for concurrent
// use; it is meant to be driven from one goroutine via Run.
type Loop struct {
	epollFD int
	entries map[int]*entry

	// inflight holds the batch epoll_wait just returned; pos/count track
	// the dispatch cursor so DelFd can zero out a not-yet-dispatched
	// entry for an fd deleted mid-batch by another entry's handler.
	inflight []unix.EpollEvent
	pos      int
	count    int
}

// New creates an epoll instance backing a new Loop.
func New() (*Loop, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("evloop: epoll_create1: %w", err)
	}
	return &Loop{
		epollFD:  fd,
		entries:  make(map[int]*entry),
		inflight: make([]unix.EpollEvent, maxBatch),
	}, nil
}

// Close releases the underlying epoll fd. Registered fds are not closed by
// the loop; callers own them.
func (l *Loop) Close() error {
	return unix.Close(l.epollFD)
}

// AddFd registers fd for events in mask (In and/or Hup), invoking handler
// whenever it fires.
func (l *Loop) AddFd(fd int, mask uint32, handler Handler) error {
	ev := unix.EpollEvent{
		Events: mask & (uint32(In) | uint32(Hup)),
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("evloop: epoll_ctl(ADD, %d): %w", fd, err)
	}
	l.entries[fd] = &entry{fd: fd, handler: handler}
	return nil
}

// DelFd deregisters fd. It tolerates being called for an fd that has
// already fired in the current dispatch batch but not yet been handled: any
// such pending entry is zeroed so dispatch skips it instead of calling into
// a handler for an fd the caller just tore down.
func (l *Loop) DelFd(fd int) error {
	if err := unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("evloop: epoll_ctl(DEL, %d): %w", fd, err)
	}

	for i := l.pos + 1; i < l.count; i++ {
		if int(l.inflight[i].Fd) == fd {
			l.inflight[i].Events = 0
		}
	}

	if _, ok := l.entries[fd]; !ok {
		return fmt.Errorf("evloop: fd %d not registered", fd)
	}
	delete(l.entries, fd)
	return nil
}

// Run blocks dispatching events until a fatal epoll_wait error occurs.
func (l *Loop) Run() error {
	for {
		n, err := unix.EpollWait(l.epollFD, l.inflight, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("evloop: epoll_wait: %w", err)
		}

		l.count = n
		for l.pos = 0; l.pos < l.count; l.pos++ {
			ev := l.inflight[l.pos]
			if ev.Events == 0 {
				continue // zeroed by a DelFd call earlier in this batch
			}

			e, ok := l.entries[int(ev.Fd)]
			if !ok {
				continue
			}
			e.handler(e.fd, ev.Events)
		}
	}
}
