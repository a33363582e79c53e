package epoll

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"socks-reactor/internal/domain"
)

const maxEvents = 128

// LinuxEventLoop is a level-triggered epoll reactor. Everything except Stop
// must be called from the goroutine running Run, or after Run returned.
type LinuxEventLoop struct {
	log      *slog.Logger
	epollFD  int
	wakeFD   int
	timeout  time.Duration
	interest map[int]domain.EventType

	// mu keeps Stop from writing to wakeFD after Close.
	mu      sync.Mutex
	closed  bool
	stopped atomic.Bool
}

func New(logger *slog.Logger, timeout time.Duration) (*LinuxEventLoop, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}

	wfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}

	evt := &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wfd)}
	if err := unix.EpollCtl(fd, unix.EPOLL_CTL_ADD, wfd, evt); err != nil {
		unix.Close(wfd)
		unix.Close(fd)
		return nil, fmt.Errorf("register wake fd: %w", err)
	}

	if timeout <= 0 {
		timeout = time.Second
	}

	return &LinuxEventLoop{
		log:      logger,
		epollFD:  fd,
		wakeFD:   wfd,
		timeout:  timeout,
		interest: make(map[int]domain.EventType),
	}, nil
}

func epollMask(events domain.EventType) uint32 {
	var mask uint32
	if events&(domain.EventAccept|domain.EventRead) != 0 {
		mask |= unix.EPOLLIN
	}
	if events&(domain.EventWrite|domain.EventConnect) != 0 {
		mask |= unix.EPOLLOUT
	}
	return mask
}

func (l *LinuxEventLoop) Register(fd int, events domain.EventType) error {
	evt := &unix.EpollEvent{Events: epollMask(events), Fd: int32(fd)}
	if err := unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_ADD, fd, evt); err != nil {
		return fmt.Errorf("epoll add fd %d: %w", fd, err)
	}
	l.interest[fd] = events
	return nil
}

func (l *LinuxEventLoop) Modify(fd int, events domain.EventType) error {
	if cur, ok := l.interest[fd]; ok && cur == events {
		return nil
	}
	evt := &unix.EpollEvent{Events: epollMask(events), Fd: int32(fd)}
	if err := unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_MOD, fd, evt); err != nil {
		return fmt.Errorf("epoll mod fd %d: %w", fd, err)
	}
	l.interest[fd] = events
	return nil
}

func (l *LinuxEventLoop) Unregister(fd int) error {
	if _, ok := l.interest[fd]; !ok {
		return nil
	}
	delete(l.interest, fd)
	if err := unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll del fd %d: %w", fd, err)
	}
	return nil
}

// Interest returns the events currently registered for fd.
func (l *LinuxEventLoop) Interest(fd int) (domain.EventType, bool) {
	ev, ok := l.interest[fd]
	return ev, ok
}

// readiness maps an epoll mask back onto the interests registered for fd.
func readiness(mask uint32, interest domain.EventType) domain.EventType {
	var ev domain.EventType
	failed := mask&(unix.EPOLLERR|unix.EPOLLHUP) != 0
	if mask&unix.EPOLLIN != 0 || failed {
		ev |= interest & (domain.EventAccept | domain.EventRead)
	}
	if mask&unix.EPOLLOUT != 0 || failed {
		ev |= interest & (domain.EventWrite | domain.EventConnect)
	}
	if ev == domain.EventNone && failed {
		ev = domain.EventHangup
	}
	return ev
}

func (l *LinuxEventLoop) Run(handler domain.EventHandler) error {
	events := make([]unix.EpollEvent, maxEvents)
	msec := int(l.timeout / time.Millisecond)
	for !l.stopped.Load() {
		n, err := unix.EpollWait(l.epollFD, events, msec)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("epoll wait: %w", err)
		}

		if n == 0 {
			l.idle(handler)
			continue
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == l.wakeFD {
				l.drainWake()
				continue
			}

			// A previous handler in this batch may have closed fd.
			interest, ok := l.interest[fd]
			if !ok {
				continue
			}
			ev := readiness(events[i].Events, interest)
			if ev == domain.EventNone {
				continue
			}
			l.dispatch(handler, fd, ev)
		}
	}
	return nil
}

func (l *LinuxEventLoop) dispatch(handler domain.EventHandler, fd int, ev domain.EventType) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("Handler panicked", "fd", fd, "event", ev, "panic", r)
		}
	}()

	if err := handler.HandleEvent(fd, ev); err != nil {
		l.log.Warn("Error handling event", "fd", fd, "event", ev, "error", err)
	}
}

func (l *LinuxEventLoop) idle(handler domain.EventHandler) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("Idle handler panicked", "panic", r)
		}
	}()
	handler.HandleIdle()
}

func (l *LinuxEventLoop) drainWake() {
	var buf [8]byte
	_, _ = unix.Read(l.wakeFD, buf[:])
}

// Stop makes Run return after the current batch. Safe for concurrent use.
func (l *LinuxEventLoop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped.Swap(true) {
		return
	}
	var one [8]byte
	one[0] = 1
	_, _ = unix.Write(l.wakeFD, one[:])
}

// Close releases the epoll and wake descriptors and forgets every
// registration. Registered fds stay open. Call it after Run returned.
func (l *LinuxEventLoop) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	l.stopped.Store(true)
	l.interest = make(map[int]domain.EventType)
	return errors.Join(unix.Close(l.wakeFD), unix.Close(l.epollFD))
}
