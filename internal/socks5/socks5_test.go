package socks5

import (
	"net"
	"testing"

	txsocks5 "github.com/txthinking/socks5"
	"golang.org/x/sync/errgroup"
)

func TestConnectAccept(t *testing.T) {
	tests := []struct {
		name    string
		client  Auth
		server  Auth
		target  string
		wantErr bool
	}{
		{name: "no_auth_ipv4", target: "127.0.0.1:80"},
		{name: "no_auth_domain", target: "example.test:443"},
		{name: "user_pass", client: Auth{"user", "pass"}, server: Auth{"user", "pass"}, target: "[2001:db8::1]:8080"},
		{name: "bad_password", client: Auth{"user", "nope"}, server: Auth{"user", "pass"}, target: "127.0.0.1:80", wantErr: true},
		{name: "missing_credentials", server: Auth{"user", "pass"}, target: "127.0.0.1:80", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clientConn, serverConn := net.Pipe()
			defer clientConn.Close()
			defer serverConn.Close()

			var got string
			var g errgroup.Group
			g.Go(func() error {
				// Unblock the client if the server side bails early.
				defer serverConn.Close()

				dst, err := Accept(serverConn, tt.server)
				if err != nil {
					return err
				}
				got = dst
				return Succeed(serverConn, &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 12345})
			})

			err := Connect(clientConn, tt.client, tt.target)
			serr := g.Wait()

			if tt.wantErr {
				if err == nil {
					t.Fatal("expected client error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if serr != nil {
				t.Fatal(serr)
			}
			if got != tt.target {
				t.Fatalf("server saw %q, want %q", got, tt.target)
			}
		})
	}
}

func TestConnectRejected(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	var g errgroup.Group
	g.Go(func() error {
		if _, err := Accept(serverConn, Auth{}); err != nil {
			return err
		}
		Reject(serverConn, txsocks5.RepConnectionRefused)
		return nil
	})

	if err := Connect(clientConn, Auth{}, "127.0.0.1:1"); err == nil {
		t.Fatal("expected refused connect to fail")
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}
