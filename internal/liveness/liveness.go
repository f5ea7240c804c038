// Package liveness implements the supervisor's instance-counting Unix
// domain socket. The sockets never carry data: a new connection means a
// new tracer instance attached inside the traced process tree, and a
// peer hangup (EPOLLRDHUP) means that instance detached. This is built
// directly on golang.org/x/sys/unix rather than net.Listener because
// net's abstractions do not expose the raw nonblocking-drain-then-block
// epoll semantics the supervisor's shutdown condition depends on (see
// Run below).
package liveness

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultSockPath is the well-known socket path tracer instances
// connect to.
const DefaultSockPath = "/tmp/lktracesock"

const maxEvents = 16

// pollTimeout bounds how long a single epoll_wait blocks before Run
// rechecks ctx.Done(), so the loop can be shut down cleanly on request
// as well as on instance count.
const pollTimeout = 200 * time.Millisecond

// Listener tracks live tracer instances via connection lifecycle.
type Listener struct {
	sockPath string
	sockFD   int
	epFD     int

	mu          sync.Mutex
	count       int
	sawInstance bool
}

// Listen creates and binds the instance-counting socket at path (or
// DefaultSockPath if empty), and sets up its epoll instance.
func Listen(path string) (*Listener, error) {
	if path == "" {
		path = DefaultSockPath
	}
	sockFD, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("liveness: socket: %w", err)
	}
	addr := &unix.SockaddrUnix{Name: path}
	if err := unix.Bind(sockFD, addr); err != nil {
		unix.Close(sockFD)
		return nil, fmt.Errorf("liveness: bind %s: %w", path, err)
	}
	if err := unix.Listen(sockFD, maxEvents); err != nil {
		unix.Close(sockFD)
		return nil, fmt.Errorf("liveness: listen: %w", err)
	}

	epFD, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		unix.Close(sockFD)
		return nil, fmt.Errorf("liveness: epoll_create1: %w", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(sockFD)}
	if err := unix.EpollCtl(epFD, unix.EPOLL_CTL_ADD, sockFD, &ev); err != nil {
		unix.Close(epFD)
		unix.Close(sockFD)
		return nil, fmt.Errorf("liveness: epoll_ctl add listener: %w", err)
	}

	return &Listener{sockPath: path, sockFD: sockFD, epFD: epFD}, nil
}

// Count returns the current number of live tracer instances.
func (l *Listener) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// SawInstance reports whether any tracer instance has ever connected.
// The supervisor uses this to distinguish "every traced process has
// finished" from "the interceptor never loaded at all" when the target
// process itself has already exited.
func (l *Listener) SawInstance() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sawInstance
}

// Run drains connection events until ctx is canceled or the live
// instance count reaches zero after having been nonzero at least once.
// Callers should pair Run with a separate exit-code wait on the target,
// not rely on it alone for processes that never link the interceptor.
func (l *Listener) Run(ctx context.Context) error {
	events := make([]unix.EpollEvent, maxEvents)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := unix.EpollWait(l.epFD, events, int(pollTimeout.Milliseconds()))
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("liveness: epoll_wait: %w", err)
		}
		for i := 0; i < n; i++ {
			ev := events[i]
			if int(ev.Fd) == l.sockFD {
				if err := l.acceptOne(); err != nil {
					return err
				}
				l.mu.Lock()
				l.sawInstance = true
				l.mu.Unlock()
				continue
			}
			l.dropConn(int(ev.Fd))
		}

		// Nonblocking drain in case more events arrived while handling
		// the ones above; only an empty poll may end the loop.
		n2, err := unix.EpollWait(l.epFD, events, 0)
		if err != nil && err != unix.EINTR {
			return fmt.Errorf("liveness: epoll_wait drain: %w", err)
		}
		if l.SawInstance() && l.Count() == 0 && n2 == 0 {
			return nil
		}
	}
}

// Connect opens a client connection to the supervisor's liveness socket
// at path (or DefaultSockPath if empty), to be called by a tracer
// instance at startup. The connection is marked close-on-exec: a bare
// fork() duplicates the fd, keeping the parent's connection alive for
// both processes until each independently exits or execs, while an
// exec() in either drops it, letting a freshly loaded interceptor in
// the new image connect its own instance. It is not an error for no
// supervisor to be listening; callers should treat a failed Connect as
// "run untraced by a supervisor" rather than fatal.
func Connect(path string) (int, error) {
	if path == "" {
		path = DefaultSockPath
	}
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("liveness: socket: %w", err)
	}
	addr := &unix.SockaddrUnix{Name: path}
	if err := unix.Connect(fd, addr); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("liveness: connect %s: %w", path, err)
	}
	return fd, nil
}

// Disconnect closes a connection opened by Connect, signaling to the
// supervisor that this tracer instance has finished. fd < 0 is a no-op,
// so callers can unconditionally defer Disconnect(fd) even when Connect
// failed.
func Disconnect(fd int) {
	if fd >= 0 {
		unix.Close(fd)
	}
}

func (l *Listener) acceptOne() error {
	connFD, _, err := unix.Accept(l.sockFD)
	if err != nil {
		return fmt.Errorf("liveness: accept: %w", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLRDHUP, Fd: int32(connFD)}
	if err := unix.EpollCtl(l.epFD, unix.EPOLL_CTL_ADD, connFD, &ev); err != nil {
		unix.Close(connFD)
		return fmt.Errorf("liveness: epoll_ctl add conn: %w", err)
	}
	l.mu.Lock()
	l.count++
	l.mu.Unlock()
	return nil
}

func (l *Listener) dropConn(fd int) {
	unix.EpollCtl(l.epFD, unix.EPOLL_CTL_DEL, fd, nil)
	unix.Close(fd)
	l.mu.Lock()
	l.count--
	l.mu.Unlock()
}

// Close tears down the epoll instance, the listening socket, and unlinks
// the socket file.
func (l *Listener) Close() error {
	unix.Close(l.epFD)
	unix.Close(l.sockFD)
	return unix.Unlink(l.sockPath)
}
