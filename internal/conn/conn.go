package conn

import (
	"bufio"
	"errors"
	"net"
	"sync/atomic"
	"time"
)

// WithBuffered returns c, or a wrapper that first yields whatever br has
// already buffered from c. Use it when a handshake was parsed through a
// bufio.Reader and the peer may have sent payload bytes right behind it.
func WithBuffered(c net.Conn, br *bufio.Reader) net.Conn {
	if br == nil || br.Buffered() == 0 {
		return c
	}
	return &bufferedConn{Conn: c, br: br}
}

type bufferedConn struct {
	net.Conn
	br *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	if c.br.Buffered() > 0 {
		return c.br.Read(p)
	}
	return c.Conn.Read(p)
}

func (c *bufferedConn) CloseWrite() error {
	return CloseWrite(c.Conn)
}

// CloseWrite half-closes c if it supports that, and fully closes it
// otherwise.
func CloseWrite(c net.Conn) error {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return c.Close()
}

// WithIdleTimeout returns a conn whose every Read must complete within d.
// d <= 0 returns c unchanged.
func WithIdleTimeout(c net.Conn, d time.Duration) net.Conn {
	return NewIdleTimer(d).Wrap(c)
}

// IdleTimer is an idle deadline shared by several conns. A Read on any conn
// wrapped by the same IdleTimer counts as activity for all of them, so a
// direction that is quiet only times out once every direction is quiet.
type IdleTimer struct {
	idle time.Duration
	last atomic.Int64 // unix nanos of the last successful read
}

// NewIdleTimer returns a timer that expires after d without reads. d <= 0
// disables it.
func NewIdleTimer(d time.Duration) *IdleTimer {
	t := &IdleTimer{idle: d}
	t.touch()
	return t
}

// Wrap returns c with its reads governed by t. A nil or disabled timer
// returns c unchanged.
func (t *IdleTimer) Wrap(c net.Conn) net.Conn {
	if t == nil || t.idle <= 0 {
		return c
	}
	return &idleConn{Conn: c, timer: t}
}

func (t *IdleTimer) touch() {
	t.last.Store(time.Now().UnixNano())
}

func (t *IdleTimer) deadline() time.Time {
	return time.Unix(0, t.last.Load()).Add(t.idle)
}

type idleConn struct {
	net.Conn
	timer *IdleTimer
}

func (c *idleConn) Read(p []byte) (int, error) {
	for {
		_ = c.Conn.SetReadDeadline(c.timer.deadline())
		n, err := c.Conn.Read(p)
		if n > 0 {
			c.timer.touch()
		}
		if n == 0 && isTimeout(err) && time.Now().Before(c.timer.deadline()) {
			// Another conn on the timer saw traffic meanwhile.
			continue
		}
		return n, err
	}
}

func (c *idleConn) CloseWrite() error {
	return CloseWrite(c.Conn)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
