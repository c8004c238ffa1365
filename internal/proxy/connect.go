package proxy

import (
	"bufio"
	"net"
	"net/http"
	"net/textproto"
	"time"

	"go.uber.org/zap"

	"github.com/die-net/connectproxy/internal/conn"
	"github.com/die-net/connectproxy/internal/record"
)

const connectEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"

// handleConnect establishes a tunnel for line and relays until it ends. The
// client connection is always finished when it returns.
func (s *Server) handleConnect(c net.Conn, hl *headerLimitReader, br *bufio.Reader, bw *bufio.Writer, line RequestLine, client string) {
	start := time.Now()
	entry := record.Entry{
		Time:   start,
		Kind:   record.KindConnect,
		Client: client,
		Method: line.Method,
		Target: line.Target,
	}
	defer func() {
		entry.Duration = time.Since(start)
		s.recorder.Record(entry)
	}()

	fail := func(code int, err error) {
		entry.Status = code
		entry.Error = err.Error()
		s.reject(c, bw, code, err)
	}

	// The request line was only peeked; consume it and the headers, which a
	// tunnel has no use for.
	tp := textproto.NewReader(br)
	if _, err := tp.ReadLine(); err != nil {
		return
	}
	if _, err := tp.ReadMIMEHeader(); err != nil {
		fail(headerErrorStatus(err), err)
		return
	}
	hl.unlimit()

	target, err := ParseTarget(line.Target)
	if err != nil {
		fail(http.StatusBadGateway, err)
		return
	}

	origin, err := s.cfg.Dialer.DialContext(s.ctx, "tcp", target)
	if err != nil {
		s.logger.Debug("connect dial failed", zap.String("client", client), zap.String("target", target), zap.Error(err))
		fail(http.StatusBadGateway, err)
		return
	}

	_ = c.SetReadDeadline(time.Time{})
	_, err = bw.WriteString(connectEstablished)
	if err == nil {
		err = bw.Flush()
	}
	if err != nil {
		_ = origin.Close()
		entry.Error = err.Error()
		return
	}
	entry.Status = http.StatusOK

	up, down, err := relay(s.ctx, conn.WithBuffered(c, br), origin, s.pool, s.cfg.TunnelIdleTimeout)
	entry.BytesUp, entry.BytesDown = up, down
	if err != nil && !isBenign(err) {
		s.logger.Debug("tunnel ended", zap.String("client", client), zap.String("target", target), zap.Error(err))
		entry.Error = err.Error()
	}
}
