package dialer

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	txsocks5 "github.com/txthinking/socks5"

	"github.com/die-net/connectproxy/internal/socks5"
	"github.com/die-net/connectproxy/internal/testutil"
)

func startSOCKS5Server(ctx context.Context, t *testing.T, auth socks5.Auth) net.Listener {
	t.Helper()

	return testutil.StartTCPServer(ctx, t, func(c net.Conn) {
		dst, err := socks5.Accept(c, auth)
		if err != nil {
			return
		}

		up, err := net.Dial("tcp", dst)
		if err != nil {
			socks5.Reject(c, txsocks5.RepConnectionRefused)
			return
		}
		defer up.Close()

		if err := socks5.Succeed(c, up.LocalAddr()); err != nil {
			return
		}

		go func() {
			_, _ = io.Copy(up, c)
			_ = up.Close()
		}()
		_, _ = io.Copy(c, up)
	})
}

func TestSOCKS5ProxyDialerDialSuccess(t *testing.T) {
	tests := []struct {
		name string
		user string
		pass string
	}{
		{name: "no_auth"},
		{name: "user_pass", user: "user", pass: "pass"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()

			echoLn := testutil.StartEchoTCPServer(ctx, t)
			upLn := startSOCKS5Server(ctx, t, socks5.Auth{Username: tt.user, Password: tt.pass})

			f := NewSOCKS5ProxyDialer(Config{DialTimeout: 2 * time.Second, NegotiationTimeout: 2 * time.Second}, upLn.Addr().String(), tt.user, tt.pass)

			c, err := f.DialContext(ctx, "tcp", echoLn.Addr().String())
			if err != nil {
				t.Fatal(err)
			}
			defer c.Close()

			testutil.AssertEcho(t, c, c, []byte("hello"))
		})
	}
}

func TestSOCKS5ProxyDialerRefused(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	upLn := startSOCKS5Server(ctx, t, socks5.Auth{})
	f := NewSOCKS5ProxyDialer(Config{DialTimeout: 2 * time.Second}, upLn.Addr().String(), "", "")

	if _, err := f.DialContext(ctx, "tcp", testutil.UnusedAddr(t)); err == nil {
		t.Fatal("expected refused destination to fail")
	}
}

func TestSOCKS5ProxyDialerContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// An upstream that accepts but never answers the handshake.
	upLn := testutil.StartTCPServer(ctx, t, func(c net.Conn) {
		_, _ = io.Copy(io.Discard, c)
	})

	f := NewSOCKS5ProxyDialer(Config{DialTimeout: 2 * time.Second}, upLn.Addr().String(), "", "")

	time.AfterFunc(50*time.Millisecond, cancel)
	start := time.Now()
	if _, err := f.DialContext(ctx, "tcp", "127.0.0.1:80"); err == nil {
		t.Fatal("expected error after cancel")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("cancel took %v", elapsed)
	}
}
