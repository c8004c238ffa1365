package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/die-net/connectproxy/internal/conn"
	"github.com/die-net/connectproxy/internal/record"
)

// ErrServerClosed is returned by Serve after Close.
var ErrServerClosed = errors.New("proxy: server closed")

// Server is the proxy listener. It owns every accepted connection until the
// connection's handler returns.
type Server struct {
	cfg       Config
	logger    *zap.Logger
	recorder  record.Recorder
	transport *http.Transport
	pool      *bufferPool

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	closed    bool
	listeners map[net.Listener]struct{}
	conns     map[net.Conn]struct{}
	wg        sync.WaitGroup
}

// NewServer constructs a Server. Serve starts accepting on a listener; Close
// stops every listener and connection.
func NewServer(cfg Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:       cfg,
		logger:    cfg.logger(),
		recorder:  cfg.recorder(),
		transport: newTransport(cfg),
		pool:      newBufferPool(relayBufferSize),
		ctx:       ctx,
		cancel:    cancel,
		listeners: make(map[net.Listener]struct{}),
		conns:     make(map[net.Conn]struct{}),
	}
}

// Serve accepts connections on ln until Close. It always returns a non-nil
// error; after Close that error is ErrServerClosed.
func (s *Server) Serve(ln net.Listener) error {
	if !s.trackListener(ln) {
		_ = ln.Close()
		return ErrServerClosed
	}
	defer s.untrackListener(ln)

	var tempDelay time.Duration
	for {
		c, err := ln.Accept()
		if err != nil {
			if s.isClosed() {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay = min(2*tempDelay, time.Second)
				}
				s.logger.Warn("accept error, retrying", zap.Error(err), zap.Duration("delay", tempDelay))
				time.Sleep(tempDelay)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		tempDelay = 0

		if !s.trackConn(c) {
			_ = c.Close()
			return ErrServerClosed
		}
		go func() {
			defer s.wg.Done()
			defer s.untrackConn(c)
			s.handleConn(c)
		}()
	}
}

// Close stops all listeners, closes every client connection, and waits for
// their handlers to return.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	var err error
	for ln := range s.listeners {
		if cerr := ln.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.transport.CloseIdleConnections()
	return err
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) trackListener(ln net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.listeners[ln] = struct{}{}
	return true
}

func (s *Server) untrackListener(ln net.Listener) {
	s.mu.Lock()
	delete(s.listeners, ln)
	s.mu.Unlock()
}

func (s *Server) trackConn(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	// Added under mu so Close never waits on a count that can still grow.
	s.wg.Add(1)
	return true
}

func (s *Server) untrackConn(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	_ = c.Close()
}

// handleConn serves requests on c until the client goes away, a tunnel is
// established and finishes, or a response requires closing.
func (s *Server) handleConn(c net.Conn) {
	hl := &headerLimitReader{r: c}
	br := bufio.NewReaderSize(hl, maxRequestLine)
	bw := bufio.NewWriter(c)
	client := c.RemoteAddr().String()

	wait := s.cfg.NegotiationTimeout
	for {
		setReadTimeout(c, wait)
		hl.limit(maxHeaderBytes)

		raw, err := peekRequestLine(br)
		if err != nil {
			if errors.Is(err, ErrRequestLineTooLong) {
				s.reject(c, bw, http.StatusBadRequest, err)
			} else if !isBenign(err) {
				s.logger.Debug("read request line", zap.String("client", client), zap.Error(err))
			}
			return
		}

		line, err := ParseRequestLine(string(raw))
		if err != nil {
			s.reject(c, bw, http.StatusBadRequest, err)
			return
		}

		setReadTimeout(c, s.cfg.NegotiationTimeout)

		if line.Method == http.MethodConnect {
			s.handleConnect(c, hl, br, bw, line, client)
			return
		}

		if !s.handleForward(c, hl, br, bw, client) {
			return
		}
		wait = s.cfg.HTTPIdleTimeout
	}
}

// rejectLinger bounds how long a rejected client may keep sending before
// the connection is closed.
const rejectLinger = 500 * time.Millisecond

// reject writes an error response and finishes c: the write side is closed
// first and unread input drained, so the client gets the response rather
// than a reset.
func (s *Server) reject(c net.Conn, bw *bufio.Writer, code int, err error) {
	_ = writeError(bw, code, err)
	if bw.Flush() != nil {
		return
	}
	_ = conn.CloseWrite(c)
	_ = c.SetReadDeadline(time.Now().Add(rejectLinger))
	_, _ = io.Copy(io.Discard, io.LimitReader(c, 256<<10))
}

// writeError simulates http.Error() on the raw connection. The connection is
// always closed afterwards.
func writeError(w io.Writer, code int, err error) error {
	_, werr := fmt.Fprintf(w, "HTTP/1.1 %d %s\r\nContent-Type: text/plain; charset=utf-8\r\nConnection: close\r\n\r\n%s\r\n", code, http.StatusText(code), err.Error())
	return werr
}

// setReadTimeout sets a read deadline d from now, or clears it if d <= 0.
func setReadTimeout(c net.Conn, d time.Duration) {
	if d <= 0 {
		_ = c.SetReadDeadline(time.Time{})
		return
	}
	_ = c.SetReadDeadline(time.Now().Add(d))
}

// isBenign reports errors that just mean the peer left or went quiet.
func isBenign(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
