//go:build linux

package ws

import (
	"io"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Epoll wraps Linux epoll syscalls for efficient WebSocket I/O multiplexing.
// Instead of spawning a goroutine per connection, we register file descriptors
// with the kernel and get notified only when data is ready to read.
//
// Descriptors are registered one-shot: after a connection is reported it stays
// disarmed until Resume, so a frame handler that blocks does not cause the
// same descriptor to be reported over and over.
type Epoll struct {
	fd     int               // epoll file descriptor
	ids    map[int]string    // fd -> connection id
	fds    map[string]int    // connection id -> fd
	mu     sync.RWMutex      // protects ids and fds
	events []unix.EpollEvent // reusable event buffer for Wait
}

const readEvents = unix.EPOLLIN | unix.EPOLLHUP | unix.EPOLLRDHUP | unix.EPOLLONESHOT

// NewEpoll creates a new epoll instance using epoll_create1.
func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	return &Epoll{
		fd:     fd,
		ids:    make(map[int]string),
		fds:    make(map[string]int),
		events: make([]unix.EpollEvent, 128),
	}, nil
}

// newFrameReader returns the source frames are read from. Epoll does not
// consume bytes, so the socket itself is used.
func newFrameReader(conn net.Conn) io.Reader {
	return conn
}

// Add registers conn under id for a read readiness notification.
func (e *Epoll) Add(conn net.Conn, id string, _ io.Reader) error {
	fd := socketFD(conn)
	if fd < 0 {
		return syscall.EINVAL
	}
	if err := unix.EpollCtl(e.fd, syscall.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: readEvents,
		Fd:     int32(fd),
	}); err != nil {
		return err
	}

	e.mu.Lock()
	e.ids[fd] = id
	e.fds[id] = fd
	e.mu.Unlock()
	return nil
}

// Remove unregisters conn from epoll.
func (e *Epoll) Remove(conn net.Conn) error {
	fd := socketFD(conn)
	e.mu.Lock()
	if id, ok := e.ids[fd]; ok {
		delete(e.fds, id)
	}
	delete(e.ids, fd)
	e.mu.Unlock()
	return unix.EpollCtl(e.fd, syscall.EPOLL_CTL_DEL, fd, nil)
}

// Resume re-arms id after its ready report has been handled. Unread data is
// reported again on the next Wait. Unknown ids are ignored.
func (e *Epoll) Resume(id string) {
	e.mu.RLock()
	fd, ok := e.fds[id]
	e.mu.RUnlock()
	if !ok {
		return
	}
	// The connection may be removed concurrently; ENOENT is expected then.
	_ = unix.EpollCtl(e.fd, syscall.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: readEvents,
		Fd:     int32(fd),
	})
}

// Wait blocks for up to timeoutMs milliseconds until one or more registered
// connections are ready for reading, and returns their ids. Connections
// removed between epoll_wait returning and the lookup are skipped.
func (e *Epoll) Wait(timeoutMs int) ([]string, error) {
	n, err := unix.EpollWait(e.fd, e.events, timeoutMs)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		if id, ok := e.ids[int(e.events[i].Fd)]; ok {
			ids = append(ids, id)
		}
	}
	e.mu.RUnlock()
	return ids, nil
}

// Close closes the epoll file descriptor.
func (e *Epoll) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ids = nil
	e.fds = nil
	return unix.Close(e.fd)
}

// socketFD extracts the file descriptor from a net.Conn using the
// SyscallConn interface. This avoids duplicating the file descriptor
// (which File() does), keeping the original fd valid for epoll registration.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}

	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}

	fd := -1
	_ = raw.Control(func(sfd uintptr) {
		fd = int(sfd)
	})
	return fd
}

func isEINTR(err error) bool {
	return err == unix.EINTR
}
