package dialer

import (
	"context"
	"net"
	"net/url"

	"golang.org/x/net/http/httpproxy"
)

// BypassDialer routes addresses matching a NO_PROXY style list to direct and
// everything else to upstream. Loopback addresses and "localhost" always go
// direct.
type BypassDialer struct {
	upstream Dialer
	direct   Dialer
	proxyFor func(*url.URL) (*url.URL, error)
}

func NewBypassDialer(upstream, direct Dialer, noUpstream string) *BypassDialer {
	// Only the NoProxy matching is used; the proxy URLs are placeholders.
	pc := &httpproxy.Config{
		HTTPProxy:  "upstream.invalid",
		HTTPSProxy: "upstream.invalid",
		NoProxy:    noUpstream,
	}
	return &BypassDialer{upstream: upstream, direct: direct, proxyFor: pc.ProxyFunc()}
}

// UsesUpstream reports whether address (host:port) is sent via upstream.
func (d *BypassDialer) UsesUpstream(address string) bool {
	u, err := d.proxyFor(&url.URL{Scheme: "https", Host: address})
	return err == nil && u != nil
}

func (d *BypassDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if d.UsesUpstream(address) {
		return d.upstream.DialContext(ctx, network, address)
	}
	return d.direct.DialContext(ctx, network, address)
}
