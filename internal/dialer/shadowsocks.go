package dialer

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/shadowsocks/go-shadowsocks2/core"
	"github.com/shadowsocks/go-shadowsocks2/socks"
)

// ShadowsocksDialer dials through a Shadowsocks server. The target address
// travels encrypted as the first bytes of the stream, so no round trip is
// spent on negotiation.
type ShadowsocksDialer struct {
	server string
	cipher core.StreamConnCipher
	direct Dialer
}

// NewShadowsocksDialer picks the cipher by name (e.g. AEAD_CHACHA20_POLY1305,
// aes-256-gcm). When password is empty, method is tried as SIP002 base64
// "method:password" userinfo.
func NewShadowsocksDialer(cfg Config, server, method, password string) (*ShadowsocksDialer, error) {
	if password == "" {
		var err error
		method, password, err = decodeSIP002(method)
		if err != nil {
			return nil, fmt.Errorf("shadowsocks dialer: %w", err)
		}
	}

	ciph, err := core.PickCipher(method, nil, password)
	if err != nil {
		return nil, fmt.Errorf("shadowsocks dialer: %w", err)
	}

	return &ShadowsocksDialer{
		server: server,
		cipher: ciph,
		direct: NewDirectDialer(cfg),
	}, nil
}

func decodeSIP002(userinfo string) (method, password string, err error) {
	if userinfo == "" {
		return "", "", errors.New("missing cipher and password")
	}
	trimmed := strings.TrimRight(userinfo, "=")
	raw, err := base64.RawURLEncoding.DecodeString(trimmed)
	if err != nil {
		raw, err = base64.RawStdEncoding.DecodeString(trimmed)
	}
	if err != nil {
		return "", "", errors.New("missing password")
	}
	method, password, ok := strings.Cut(string(raw), ":")
	if !ok || password == "" {
		return "", "", errors.New("missing password")
	}
	return method, password, nil
}

func (f *ShadowsocksDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("shadowsocks dial %s %s: unsupported network", network, address)
	}

	tgt := socks.ParseAddr(address)
	if tgt == nil {
		return nil, fmt.Errorf("shadowsocks dial %s: invalid address", address)
	}

	c, err := f.direct.DialContext(ctx, "tcp", f.server)
	if err != nil {
		return nil, fmt.Errorf("shadowsocks: %w", err)
	}

	sc := f.cipher.StreamConn(c)
	if _, err := sc.Write(tgt); err != nil {
		_ = sc.Close()
		return nil, fmt.Errorf("shadowsocks %s: write target: %w", f.server, err)
	}
	return sc, nil
}
