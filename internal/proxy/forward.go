package proxy

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/die-net/connectproxy/internal/dialer"
	"github.com/die-net/connectproxy/internal/record"
)

// Hop-by-hop headers. These are removed when sent to the backend.
// As of RFC 7230, hop-by-hop headers are required to appear in the
// Connection header field.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// handleForward reads one request from br, re-issues it to the origin and
// writes the response to bw. It reports whether the connection can serve
// another request.
func (s *Server) handleForward(c net.Conn, hl *headerLimitReader, br *bufio.Reader, bw *bufio.Writer, client string) bool {
	req, err := http.ReadRequest(br)
	if err != nil {
		s.reject(c, bw, headerErrorStatus(err), err)
		return false
	}
	hl.unlimit()

	start := time.Now()
	entry := record.Entry{
		Time:   start,
		Kind:   record.KindForward,
		Client: client,
		Method: req.Method,
		Target: req.RequestURI,
	}
	defer func() {
		entry.Duration = time.Since(start)
		s.recorder.Record(entry)
	}()

	fail := func(err error) bool {
		entry.Status = http.StatusBadGateway
		entry.Error = err.Error()
		s.reject(c, bw, http.StatusBadGateway, err)
		return false
	}

	// Request bodies may stream for as long as the origin is willing to read.
	_ = c.SetReadDeadline(time.Time{})

	if !req.URL.IsAbs() || (req.URL.Scheme != "http" && req.URL.Scheme != "https") || req.URL.Host == "" {
		return fail(fmt.Errorf("proxy requires an absolute http URL, got %q", req.RequestURI))
	}

	clientClose := req.Close

	var body *countingBody
	if req.Body != nil && req.Body != http.NoBody {
		body = &countingBody{rc: req.Body}
		req.Body = body
	}

	out := req.WithContext(s.ctx)
	out.RequestURI = ""
	out.Close = false
	removeHopByHop(out.Header)
	if !s.cfg.KeepUserAgent {
		out.Header.Set("User-Agent", s.cfg.UserAgent)
	}

	resp, err := s.transport.RoundTrip(out)
	if err != nil {
		s.logger.Debug("forward failed", zap.String("client", client), zap.String("url", req.URL.String()), zap.Error(err))
		return fail(err)
	}
	defer resp.Body.Close()

	entry.Status = resp.StatusCode
	if body != nil {
		entry.BytesUp = body.n.Load()
	}

	removeHopByHop(resp.Header)
	resp.Proto, resp.ProtoMajor, resp.ProtoMinor = "HTTP/1.1", 1, 1
	keepAlive := !clientClose && !resp.Close
	if resp.ContentLength < 0 && len(resp.TransferEncoding) == 0 && hasBody(resp) {
		// HTTP/2 origins often send no length. Chunking keeps an HTTP/1.1
		// client connection reusable; older clients read until close.
		if req.ProtoAtLeast(1, 1) {
			resp.TransferEncoding = []string{"chunked"}
		} else {
			keepAlive = false
		}
	}
	resp.Close = !keepAlive

	lw := newLatencyWriter(bw, flushInterval)
	err = resp.Write(lw)
	if ferr := lw.Flush(); err == nil {
		err = ferr
	}
	entry.BytesDown = lw.n
	if err != nil {
		entry.Error = err.Error()
		return false
	}

	// The transport may still be reading a body it gave up on; the
	// connection is only reusable once the whole body was consumed.
	if body != nil {
		entry.BytesUp = body.n.Load()
		if !body.eof.Load() {
			return false
		}
	}
	return keepAlive
}

func hasBody(resp *http.Response) bool {
	if resp.Request != nil && resp.Request.Method == http.MethodHead {
		return false
	}
	switch {
	case resp.StatusCode >= 100 && resp.StatusCode <= 199:
		return false
	case resp.StatusCode == http.StatusNoContent, resp.StatusCode == http.StatusNotModified:
		return false
	}
	return true
}

// removeHopByHop deletes hop-by-hop headers and any header named in
// Connection.
func removeHopByHop(h http.Header) {
	for _, f := range h.Values("Connection") {
		for sf := range strings.SplitSeq(f, ",") {
			if sf = textproto.TrimString(sf); sf != "" {
				h.Del(sf)
			}
		}
	}
	for _, k := range hopHeaders {
		h.Del(k)
	}
}

func newTransport(cfg Config) *http.Transport {
	t := &http.Transport{
		DialContext:         cfg.Dialer.DialContext,
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        2048,
		MaxIdleConnsPerHost: 1024,
		IdleConnTimeout:     cfg.HTTPIdleTimeout,
		TLSHandshakeTimeout: cfg.NegotiationTimeout,

		// Bodies are relayed as the origin encoded them.
		DisableCompression: true,
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			ClientSessionCache: tls.NewLRUClientSessionCache(0),
		},
	}

	// For non-CONNECT HTTP proxying, prefer the standard library proxy support when the
	// configured dialer is an HTTP proxy.
	if up, ok := cfg.Dialer.(*dialer.HTTPProxyDialer); ok {
		t.Proxy = http.ProxyURL(up.ProxyURL())
		// When using Transport.Proxy, DialContext is used to connect to the proxy itself.
		t.DialContext = up.Direct().DialContext
	}

	return t
}

// countingBody counts request body bytes and notes when EOF was reached.
// The transport may read it from its own goroutine.
type countingBody struct {
	rc  io.ReadCloser
	n   atomic.Int64
	eof atomic.Bool
}

func (b *countingBody) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	b.n.Add(int64(n))
	if err == io.EOF {
		b.eof.Store(true)
	}
	return n, err
}

func (b *countingBody) Close() error {
	return b.rc.Close()
}

// flushInterval bounds how long response bytes sit in the write buffer, so
// streamed bodies reach the client while the origin is still sending.
const flushInterval = 10 * time.Millisecond

// latencyWriter buffers into bw and flushes at most latency after the first
// unflushed write. The flush timer runs concurrently with writes.
type latencyWriter struct {
	bw      *bufio.Writer
	latency time.Duration

	mu      sync.Mutex
	t       *time.Timer
	pending bool
	err     error
	n       int64
}

func newLatencyWriter(bw *bufio.Writer, latency time.Duration) *latencyWriter {
	return &latencyWriter{bw: bw, latency: latency}
}

func (w *latencyWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.err != nil {
		return 0, w.err
	}
	n, err := w.bw.Write(p)
	w.n += int64(n)
	if n > 0 && !w.pending {
		w.pending = true
		if w.t == nil {
			w.t = time.AfterFunc(w.latency, w.delayedFlush)
		} else {
			w.t.Reset(w.latency)
		}
	}
	return n, err
}

func (w *latencyWriter) delayedFlush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.pending {
		return
	}
	w.pending = false
	if err := w.bw.Flush(); err != nil && w.err == nil {
		w.err = err
	}
}

// Flush stops the timer and writes out anything buffered. It returns the
// first error seen by any flush.
func (w *latencyWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.t != nil {
		w.t.Stop()
	}
	w.pending = false
	if err := w.bw.Flush(); err != nil && w.err == nil {
		w.err = err
	}
	return w.err
}
