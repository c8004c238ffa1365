package dialer

import (
	"context"
	"fmt"
	"net"
)

// DirectDialer opens plain TCP connections to the requested address.
type DirectDialer struct {
	d net.Dialer
}

func NewDirectDialer(cfg Config) *DirectDialer {
	return &DirectDialer{d: net.Dialer{
		Timeout:         cfg.DialTimeout,
		KeepAliveConfig: cfg.KeepAlive,
	}}
}

func (f *DirectDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	c, err := f.d.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("dial %s %s: %w", network, address, err)
	}
	return c, nil
}
