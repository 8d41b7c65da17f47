//go:build !linux

package ws

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"
	"time"
)

// Epoll provides a goroutine-per-connection fallback for non-Linux platforms.
// Each connection is read through a bufio.Reader; a monitor goroutine peeks
// one byte to detect readiness without consuming it, then waits for Resume
// before peeking again.
type Epoll struct {
	mu      sync.Mutex
	resume  map[string]chan struct{}
	readyCh chan string
	done    chan struct{}
	once    sync.Once
}

// NewEpoll creates a new fallback epoll instance.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		resume:  make(map[string]chan struct{}),
		readyCh: make(chan string, 128),
		done:    make(chan struct{}),
	}, nil
}

// newFrameReader wraps conn so the monitor can peek without losing bytes.
func newFrameReader(conn net.Conn) io.Reader {
	return bufio.NewReader(conn)
}

// Add starts monitoring r, the reader returned by newFrameReader for conn.
func (e *Epoll) Add(_ net.Conn, id string, r io.Reader) error {
	br, ok := r.(*bufio.Reader)
	if !ok {
		return errors.New("ws: fallback epoll needs a buffered reader")
	}
	resume := make(chan struct{}, 1)
	e.mu.Lock()
	e.resume[id] = resume
	e.mu.Unlock()

	go e.monitor(id, br, resume)
	return nil
}

func (e *Epoll) monitor(id string, br *bufio.Reader, resume chan struct{}) {
	for {
		// Errors are reported as readiness too so the server's read path
		// observes the closure.
		_, err := br.Peek(1)
		select {
		case e.readyCh <- id:
		case <-e.done:
			return
		}
		if err != nil {
			return
		}
		select {
		case <-resume:
		case <-e.done:
			return
		}
	}
}

// Resume lets the monitor for id look for the next frame.
func (e *Epoll) Resume(id string) {
	e.mu.Lock()
	ch := e.resume[id]
	e.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Remove stops tracking conn. The monitor exits once the socket is closed.
func (e *Epoll) Remove(net.Conn) error {
	return nil
}

// Wait blocks for up to timeoutMs milliseconds until at least one
// connection is ready, then drains whatever else is ready.
func (e *Epoll) Wait(timeoutMs int) ([]string, error) {
	timer := time.NewTimer(time.Duration(timeoutMs) * time.Millisecond)
	defer timer.Stop()

	var first string
	select {
	case first = <-e.readyCh:
	case <-timer.C:
		return nil, nil
	case <-e.done:
		return nil, net.ErrClosed
	}

	ids := []string{first}
	for {
		select {
		case id := <-e.readyCh:
			ids = append(ids, id)
		default:
			return ids, nil
		}
	}
}

// Close shuts down the fallback epoll instance.
func (e *Epoll) Close() error {
	e.once.Do(func() { close(e.done) })
	return nil
}

func isEINTR(error) bool { return false }
