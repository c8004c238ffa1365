package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/die-net/connectproxy/internal/conn"
	"github.com/die-net/connectproxy/internal/dialer"
	"github.com/die-net/connectproxy/internal/record"
	"github.com/die-net/connectproxy/internal/testutil"
)

const testUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64)"

type chanRecorder chan record.Entry

func (c chanRecorder) Record(e record.Entry) {
	select {
	case c <- e:
	default:
	}
}

func startProxy(t *testing.T, cfg Config) (*Server, string) {
	t.Helper()

	if cfg.Dialer == nil {
		cfg.Dialer = dialer.NewDirectDialer(dialer.Config{DialTimeout: 2 * time.Second})
	}
	if cfg.NegotiationTimeout == 0 {
		cfg.NegotiationTimeout = 2 * time.Second
	}
	if cfg.HTTPIdleTimeout == 0 {
		cfg.HTTPIdleTimeout = 5 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = testUserAgent
	}

	ln, err := conn.ListenTCP(context.Background(), "tcp", "127.0.0.1:0", conn.ListenOptions{})
	if err != nil {
		t.Fatal(err)
	}

	srv := NewServer(cfg)
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln) }()

	t.Cleanup(func() {
		_ = srv.Close()
		if err := <-done; !errors.Is(err, ErrServerClosed) {
			t.Errorf("expected ErrServerClosed from Serve, got %v", err)
		}
	})
	return srv, ln.Addr().String()
}

// dialTunnel opens a tunnel to target through the proxy at proxyAddr and
// reads the proxy's answer.
func dialTunnel(proxyAddr, target string) (net.Conn, *bufio.Reader, *http.Response, error) {
	c, err := net.Dial("tcp", proxyAddr)
	if err != nil {
		return nil, nil, nil, err
	}
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))

	if _, err := fmt.Fprintf(c, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", target, target); err != nil {
		_ = c.Close()
		return nil, nil, nil, err
	}

	br := bufio.NewReader(c)
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodConnect})
	if err != nil {
		_ = c.Close()
		return nil, nil, nil, err
	}
	return c, br, resp, nil
}

func connect(t *testing.T, proxyAddr, target string) (net.Conn, *bufio.Reader, *http.Response) {
	t.Helper()

	c, br, resp, err := dialTunnel(proxyAddr, target)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, br, resp
}

// rawExchange writes req verbatim and returns the parsed response.
func rawExchange(t *testing.T, proxyAddr, req string) *http.Response {
	t.Helper()

	c, err := net.Dial("tcp", proxyAddr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))

	if _, err := io.WriteString(c, req); err != nil {
		t.Fatal(err)
	}
	resp, err := http.ReadResponse(bufio.NewReader(c), nil)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func proxyClient(t *testing.T, proxyAddr string, base *http.Transport) *http.Client {
	t.Helper()

	var tr *http.Transport
	if base != nil {
		tr = base.Clone()
	} else {
		tr = &http.Transport{}
	}
	tr.Proxy = http.ProxyURL(&url.URL{Scheme: "http", Host: proxyAddr})
	t.Cleanup(tr.CloseIdleConnections)
	return &http.Client{Transport: tr, Timeout: 5 * time.Second}
}

func TestConnectEcho(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(ctx, t)
	entries := make(chanRecorder, 4)
	_, proxyAddr := startProxy(t, Config{Recorder: entries})

	c, br, resp := connect(t, proxyAddr, echoLn.Addr().String())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 got %d", resp.StatusCode)
	}
	testutil.AssertEcho(t, c, br, []byte("hello"))
	testutil.AssertEcho(t, c, br, []byte("world!"))
	_ = c.Close()

	select {
	case e := <-entries:
		if e.Kind != record.KindConnect || e.Status != http.StatusOK {
			t.Fatalf("unexpected entry %+v", e)
		}
		if e.BytesUp != 11 || e.BytesDown != 11 {
			t.Fatalf("expected 11 bytes each way, got up=%d down=%d", e.BytesUp, e.BytesDown)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for tunnel record")
	}
}

func TestConnectTLS(t *testing.T) {
	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "secure hello")
	}))
	defer ts.Close()

	_, proxyAddr := startProxy(t, Config{})
	client := proxyClient(t, proxyAddr, ts.Client().Transport.(*http.Transport))

	resp, err := client.Get(ts.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "secure hello" {
		t.Fatalf("unexpected body %q", body)
	}
	if resp.TLS == nil || len(resp.TLS.PeerCertificates) == 0 {
		t.Fatal("expected a TLS connection to the origin")
	}
	if !resp.TLS.PeerCertificates[0].Equal(ts.Certificate()) {
		t.Fatal("origin certificate does not match; the tunnel must not terminate TLS")
	}
}

func TestConnectUnreachable(t *testing.T) {
	_, proxyAddr := startProxy(t, Config{})

	start := time.Now()
	c, br, resp := connect(t, proxyAddr, testutil.UnusedAddr(t))
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502 got %d", resp.StatusCode)
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	if _, err := br.ReadByte(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected client connection closed, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("502 took %v, longer than the dial timeout", elapsed)
	}
	_ = c.Close()
}

func TestConnectDialTimeout(t *testing.T) {
	// An origin dialer that never answers stands in for a blackholed host.
	hang := dialerFunc(func(ctx context.Context, _, _ string) (net.Conn, error) {
		dctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		defer cancel()
		<-dctx.Done()
		return nil, fmt.Errorf("dial: %w", dctx.Err())
	})
	_, proxyAddr := startProxy(t, Config{Dialer: hang})

	start := time.Now()
	_, _, resp := connect(t, proxyAddr, "192.0.2.1:443")
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502 got %d", resp.StatusCode)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("502 took %v", elapsed)
	}
}

type dialerFunc func(ctx context.Context, network, address string) (net.Conn, error)

func (f dialerFunc) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return f(ctx, network, address)
}

func TestConnectMalformedTarget(t *testing.T) {
	dialed := make(chan string, 8)
	never := dialerFunc(func(_ context.Context, _, address string) (net.Conn, error) {
		dialed <- address
		return nil, errors.New("unexpected dial")
	})
	_, proxyAddr := startProxy(t, Config{Dialer: never})

	tests := []struct {
		name   string
		target string
	}{
		{"no_port", "example.com"},
		{"non_numeric_port", "example.com:https"},
		{"port_zero", "example.com:0"},
		{"port_too_large", "example.com:65536"},
		{"empty_host", ":443"},
		{"garbage", "%%%"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, br, resp := connect(t, proxyAddr, tt.target)
			if resp.StatusCode != http.StatusBadGateway {
				t.Fatalf("expected 502 got %d", resp.StatusCode)
			}
			_, _ = io.Copy(io.Discard, resp.Body)
			if _, err := br.ReadByte(); !errors.Is(err, io.EOF) {
				t.Fatalf("expected close after 502, got %v", err)
			}
		})
	}

	select {
	case addr := <-dialed:
		t.Fatalf("malformed target must not be dialed, got %q", addr)
	default:
	}
}

func TestMalformedRequestLine(t *testing.T) {
	_, proxyAddr := startProxy(t, Config{})

	tests := []struct {
		name string
		req  string
	}{
		{"one_word", "GARBAGE\r\n\r\n"},
		{"missing_proto", "GET http://example.com/\r\n\r\n"},
		{"bad_proto", "GET http://example.com/ FTP/1.0\r\n\r\n"},
		{"too_long", "GET http://example.com/" + strings.Repeat("a", maxRequestLine) + " HTTP/1.1\r\n\r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := rawExchange(t, proxyAddr, tt.req)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("expected 400 got %d", resp.StatusCode)
			}
		})
	}
}

func TestConnectPipelinedBytes(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(ctx, t)
	_, proxyAddr := startProxy(t, Config{})

	c, err := net.Dial("tcp", proxyAddr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))

	target := echoLn.Addr().String()
	if _, err := fmt.Fprintf(c, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\nearly", target, target); err != nil {
		t.Fatal(err)
	}

	br := bufio.NewReader(c)
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodConnect})
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 got %d", resp.StatusCode)
	}

	buf := make([]byte, len("early"))
	if _, err := io.ReadFull(br, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "early" {
		t.Fatalf("expected pipelined bytes echoed, got %q", buf)
	}
}

func TestConnectHalfClose(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// The origin reads until EOF, then answers; the answer must still reach
	// the client after the client stopped writing.
	originLn := testutil.StartTCPServer(ctx, t, func(c net.Conn) {
		n, _ := io.Copy(io.Discard, c)
		_, _ = fmt.Fprintf(c, "got %d bytes", n)
	})
	_, proxyAddr := startProxy(t, Config{})

	c, br, resp := connect(t, proxyAddr, originLn.Addr().String())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 got %d", resp.StatusCode)
	}

	payload := strings.Repeat("x", 100_000)
	if _, err := io.WriteString(c, payload); err != nil {
		t.Fatal(err)
	}
	if err := c.(*net.TCPConn).CloseWrite(); err != nil {
		t.Fatal(err)
	}

	reply, err := io.ReadAll(br)
	if err != nil {
		t.Fatal(err)
	}
	if want := "got 100000 bytes"; string(reply) != want {
		t.Fatalf("expected %q got %q", want, reply)
	}
}

func TestConcurrentTunnels(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(ctx, t)
	_, proxyAddr := startProxy(t, Config{})

	var g errgroup.Group
	for i := range 16 {
		g.Go(func() error {
			c, br, resp, err := dialTunnel(proxyAddr, echoLn.Addr().String())
			if err != nil {
				return err
			}
			defer c.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("tunnel %d: status %d", i, resp.StatusCode)
			}
			for j := range 20 {
				msg := fmt.Sprintf("tunnel-%d-msg-%d", i, j)
				if _, err := io.WriteString(c, msg); err != nil {
					return err
				}
				buf := make([]byte, len(msg))
				if _, err := io.ReadFull(br, buf); err != nil {
					return err
				}
				if string(buf) != msg {
					return fmt.Errorf("tunnel %d: expected %q got %q", i, msg, buf)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestTunnelIdleTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(ctx, t)
	_, proxyAddr := startProxy(t, Config{TunnelIdleTimeout: 100 * time.Millisecond})

	c, br, resp := connect(t, proxyAddr, echoLn.Addr().String())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 got %d", resp.StatusCode)
	}
	testutil.AssertEcho(t, c, br, []byte("hi"))

	if _, err := br.ReadByte(); err == nil {
		t.Fatal("expected idle tunnel to be closed")
	}
}

func TestServerCloseEndsTunnels(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(ctx, t)
	srv, proxyAddr := startProxy(t, Config{})

	c, br, resp := connect(t, proxyAddr, echoLn.Addr().String())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 got %d", resp.StatusCode)
	}
	testutil.AssertEcho(t, c, br, []byte("hi"))

	if err := srv.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := br.ReadByte(); err == nil {
		t.Fatal("expected tunnel closed by shutdown")
	}

	if _, err := net.DialTimeout("tcp", proxyAddr, time.Second); err == nil {
		t.Fatal("expected listener closed")
	}
}

func TestForwardGET(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Seen-User-Agent", r.UserAgent())
		w.Header().Set("X-Origin", "yes")
		w.WriteHeader(http.StatusTeapot)
		_, _ = io.WriteString(w, "short and stout")
	}))
	defer origin.Close()

	entries := make(chanRecorder, 4)
	_, proxyAddr := startProxy(t, Config{Recorder: entries})
	client := proxyClient(t, proxyAddr, nil)

	req, err := http.NewRequest(http.MethodGet, origin.URL+"/pot", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("User-Agent", "python-requests/2.31")

	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusTeapot {
		t.Fatalf("expected 418 got %d", resp.StatusCode)
	}
	if string(body) != "short and stout" {
		t.Fatalf("unexpected body %q", body)
	}
	if resp.Header.Get("X-Origin") != "yes" {
		t.Fatal("origin header not passed through")
	}
	if got := resp.Header.Get("X-Seen-User-Agent"); got != testUserAgent {
		t.Fatalf("expected origin to see %q, got %q", testUserAgent, got)
	}

	select {
	case e := <-entries:
		if e.Kind != record.KindForward || e.Status != http.StatusTeapot || e.Method != http.MethodGet {
			t.Fatalf("unexpected entry %+v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for forward record")
	}
}

func TestForwardKeepUserAgent(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, r.UserAgent())
	}))
	defer origin.Close()

	_, proxyAddr := startProxy(t, Config{KeepUserAgent: true})
	client := proxyClient(t, proxyAddr, nil)

	req, err := http.NewRequest(http.MethodGet, origin.URL, nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("User-Agent", "curl/8.0")

	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != "curl/8.0" {
		t.Fatalf("expected client User-Agent kept, got %q", body)
	}
}

func TestForwardPOSTBody(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		_, _ = fmt.Fprintf(w, "%s:%s", r.Method, b)
	}))
	defer origin.Close()

	_, proxyAddr := startProxy(t, Config{})
	client := proxyClient(t, proxyAddr, nil)

	for range 2 {
		resp, err := client.Post(origin.URL, "text/plain", strings.NewReader("payload"))
		if err != nil {
			t.Fatal(err)
		}
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if string(body) != "POST:payload" {
			t.Fatalf("unexpected body %q", body)
		}
	}
}

func TestForwardUnreachableRepeats(t *testing.T) {
	_, proxyAddr := startProxy(t, Config{})
	client := proxyClient(t, proxyAddr, nil)

	target := "http://" + testutil.UnusedAddr(t) + "/"
	for i := range 2 {
		resp, err := client.Get(target)
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusBadGateway {
			t.Fatalf("request %d: expected 502 got %d", i, resp.StatusCode)
		}
	}
}

func TestForwardOriginFormRejected(t *testing.T) {
	_, proxyAddr := startProxy(t, Config{})

	resp := rawExchange(t, proxyAddr, "GET /index.html HTTP/1.1\r\nHost: example.com\r\n\r\n")
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502 got %d", resp.StatusCode)
	}
}

func TestForwardKeepAliveAndHopHeaders(t *testing.T) {
	var mu sync.Mutex
	var seen []http.Header
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Header.Clone())
		mu.Unlock()
		w.Header().Set("Keep-Alive", "timeout=5")
		_, _ = io.WriteString(w, r.URL.Path)
	}))
	defer origin.Close()

	_, proxyAddr := startProxy(t, Config{})

	c, err := net.Dial("tcp", proxyAddr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))
	br := bufio.NewReader(c)

	host := strings.TrimPrefix(origin.URL, "http://")
	for _, path := range []string{"/one", "/two"} {
		_, err := fmt.Fprintf(c, "GET http://%s%s HTTP/1.1\r\nHost: %s\r\nProxy-Connection: keep-alive\r\nProxy-Authorization: Basic Zm9vOmJhcg==\r\nConnection: X-Hop\r\nX-Hop: secret\r\nX-End: kept\r\n\r\n", host, path, host)
		if err != nil {
			t.Fatal(err)
		}
		resp, err := http.ReadResponse(br, nil)
		if err != nil {
			t.Fatalf("%s: %v", path, err)
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Fatal(err)
		}
		_ = resp.Body.Close()
		if string(body) != path {
			t.Fatalf("expected %q got %q", path, body)
		}
		if resp.Header.Get("Keep-Alive") != "" {
			t.Fatal("hop-by-hop response header passed through")
		}
		if resp.Close {
			t.Fatalf("%s: proxy asked to close a keep-alive connection", path)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Fatalf("expected 2 origin requests, got %d", len(seen))
	}
	for _, h := range seen {
		for _, k := range []string{"X-Hop", "Proxy-Connection", "Proxy-Authorization"} {
			if h.Get(k) != "" {
				t.Fatalf("hop-by-hop header %s reached the origin", k)
			}
		}
		if h.Get("X-End") != "kept" {
			t.Fatal("end-to-end header dropped")
		}
	}
}

func TestForwardThroughHTTPUpstream(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "via upstream")
	}))
	defer origin.Close()

	// A second proxy instance plays the upstream.
	_, upstreamAddr := startProxy(t, Config{})
	up, err := dialer.New(dialer.Config{DialTimeout: 2 * time.Second, NegotiationTimeout: 2 * time.Second}, "http://"+upstreamAddr)
	if err != nil {
		t.Fatal(err)
	}
	_, proxyAddr := startProxy(t, Config{Dialer: up})

	client := proxyClient(t, proxyAddr, nil)
	resp, err := client.Get(origin.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != "via upstream" {
		t.Fatalf("unexpected body %q", body)
	}

	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "tls via upstream")
	}))
	defer ts.Close()

	tlsClient := proxyClient(t, proxyAddr, ts.Client().Transport.(*http.Transport))
	resp2, err := tlsClient.Get(ts.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	body, _ = io.ReadAll(resp2.Body)
	if string(body) != "tls via upstream" {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestForwardStreamsBody(t *testing.T) {
	release := make(chan struct{})
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "first-event\n")
		w.(http.Flusher).Flush()
		<-release
		_, _ = io.WriteString(w, "second-event\n")
	}))
	defer origin.Close()
	defer close(release)

	_, proxyAddr := startProxy(t, Config{})

	c, err := net.Dial("tcp", proxyAddr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	_ = c.SetDeadline(time.Now().Add(2 * time.Second))

	host := strings.TrimPrefix(origin.URL, "http://")
	if _, err := fmt.Fprintf(c, "GET %s/ HTTP/1.1\r\nHost: %s\r\n\r\n", origin.URL, host); err != nil {
		t.Fatal(err)
	}

	br := bufio.NewReader(c)
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		t.Fatalf("no response head while the origin is still streaming: %v", err)
	}
	defer resp.Body.Close()

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	if err != nil {
		t.Fatalf("first event not delivered while the origin is still streaming: %v", err)
	}
	if line != "first-event\n" {
		t.Fatalf("unexpected first line %q", line)
	}
}

func TestRequestHeaderTooLarge(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(ctx, t)
	dialed := make(chan string, 4)
	recording := dialerFunc(func(ctx context.Context, network, address string) (net.Conn, error) {
		dialed <- address
		var d net.Dialer
		return d.DialContext(ctx, network, address)
	})
	_, proxyAddr := startProxy(t, Config{Dialer: recording})

	target := echoLn.Addr().String()
	pad := "X-Pad: " + strings.Repeat("p", 1000) + "\r\n"
	tests := []struct {
		name string
		head string
	}{
		{"connect", fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", target, target)},
		{"forward", fmt.Sprintf("GET http://%s/ HTTP/1.1\r\nHost: %s\r\n", target, target)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := net.Dial("tcp", proxyAddr)
			if err != nil {
				t.Fatal(err)
			}
			defer c.Close()
			_ = c.SetDeadline(time.Now().Add(5 * time.Second))

			// Twice the limit; the writer stops once the proxy gives up.
			go func() {
				if _, err := io.WriteString(c, tt.head); err != nil {
					return
				}
				for written := 0; written < 2*maxHeaderBytes; written += len(pad) {
					if _, err := io.WriteString(c, pad); err != nil {
						return
					}
				}
				_, _ = io.WriteString(c, "\r\n")
			}()

			resp, err := http.ReadResponse(bufio.NewReader(c), &http.Request{Method: http.MethodConnect})
			if err == nil && resp.StatusCode != http.StatusRequestHeaderFieldsTooLarge {
				t.Fatalf("expected 431 got %d", resp.StatusCode)
			}
		})
	}

	select {
	case addr := <-dialed:
		t.Fatalf("oversized request must not be dialed, got %q", addr)
	default:
	}
}

func TestConnectOriginHalfClose(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// The origin answers and stops writing at once, then keeps reading.
	received := make(chan string, 1)
	originLn := testutil.StartTCPServer(ctx, t, func(c net.Conn) {
		_, _ = io.WriteString(c, "origin done")
		if err := c.(*net.TCPConn).CloseWrite(); err != nil {
			received <- "close write: " + err.Error()
			return
		}
		b, _ := io.ReadAll(c)
		received <- string(b)
	})
	_, proxyAddr := startProxy(t, Config{})

	c, br, resp := connect(t, proxyAddr, originLn.Addr().String())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 got %d", resp.StatusCode)
	}

	reply, err := io.ReadAll(br)
	if err != nil {
		t.Fatal(err)
	}
	if string(reply) != "origin done" {
		t.Fatalf("unexpected reply %q", reply)
	}

	// The client still sends after seeing EOF from the origin.
	if _, err := io.WriteString(c, "client after EOF"); err != nil {
		t.Fatal(err)
	}
	if err := c.(*net.TCPConn).CloseWrite(); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-received:
		if got != "client after EOF" {
			t.Fatalf("origin received %q", got)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for the origin")
	}
}

func TestTunnelIdleTimeoutOneWayUpload(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// The origin never writes; only the upload keeps the tunnel busy.
	received := make(chan int64, 1)
	originLn := testutil.StartTCPServer(ctx, t, func(c net.Conn) {
		n, _ := io.Copy(io.Discard, c)
		received <- n
	})
	_, proxyAddr := startProxy(t, Config{TunnelIdleTimeout: 150 * time.Millisecond})

	c, _, resp := connect(t, proxyAddr, originLn.Addr().String())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 got %d", resp.StatusCode)
	}

	chunk := strings.Repeat("u", 100)
	var sent int64
	for range 12 {
		n, err := io.WriteString(c, chunk)
		if err != nil {
			t.Fatalf("upload interrupted after %d bytes: %v", sent, err)
		}
		sent += int64(n)
		time.Sleep(50 * time.Millisecond)
	}
	if err := c.(*net.TCPConn).CloseWrite(); err != nil {
		t.Fatal(err)
	}

	select {
	case n := <-received:
		if n != sent {
			t.Fatalf("origin received %d of %d bytes", n, sent)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for the origin")
	}
}
