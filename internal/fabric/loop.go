// Package fabric implements the netlev event loop (C1), device registry
// (C2), and the RDMA Fabric abstraction itself: a real libibverbs/
// rdma_cm binding for Linux (verbs_cgo.go) and a hardware-free
// in-process simulation (sim.go) used by every test in this repository.
package fabric

import (
	"sync"

	"golang.org/x/sys/unix"
)

// handlerEntry is one registered (fd, handler) pair in a Loop's poll set.
type handlerEntry struct {
	fd      int
	handler func()
}

// Loop is a single dedicated poll-set dispatcher per engine (client or
// server). Registration adds an fd/handler pair under the loop's lock;
// the loop blocks on epoll up to a bounded timeout, drains all ready
// descriptors, invokes each handler synchronously, and repeats until
// Stop is called. Handler invocation must not block on application
// work — long computations belong on caller threads.
type Loop struct {
	epfd int

	mu       sync.Mutex
	handlers map[int]*handlerEntry

	stop chan struct{}
	done chan struct{}
}

// NewLoop creates an event loop backed by an epoll instance.
func NewLoop() (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Loop{
		epfd:     epfd,
		handlers: make(map[int]*handlerEntry),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Register adds fd to the poll set with the given readiness handler.
// Handlers run synchronously on the loop's goroutine.
func (l *Loop) Register(fd int, handler func()) error {
	l.mu.Lock()
	l.handlers[fd] = &handlerEntry{fd: fd, handler: handler}
	l.mu.Unlock()

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	return unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

// Unregister removes fd from the poll set. It does not close fd;
// cleanup runs on the initiating thread per the event-loop design.
func (l *Loop) Unregister(fd int) {
	l.mu.Lock()
	delete(l.handlers, fd)
	l.mu.Unlock()
	_ = unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Run blocks, dispatching readiness events until Stop is called. It is
// meant to be the entire body of the engine's dedicated event thread.
func (l *Loop) Run() {
	defer close(l.done)
	events := make([]unix.EpollEvent, 32)
	for {
		select {
		case <-l.stop:
			return
		default:
		}

		n, err := unix.EpollWait(l.epfd, events, 100)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			l.mu.Lock()
			entry, ok := l.handlers[fd]
			l.mu.Unlock()
			if ok {
				entry.handler()
			}
		}
	}
}

// Stop signals Run to exit after its current batch and waits for it to
// return.
func (l *Loop) Stop() {
	select {
	case <-l.stop:
	default:
		close(l.stop)
	}
	<-l.done
}

// Close releases the underlying epoll descriptor. Call after Stop.
func (l *Loop) Close() error {
	return unix.Close(l.epfd)
}
