// Package dialer provides the outbound side of connectproxy: how the proxy
// reaches an origin once a client has asked for one.
//
// Every implementation satisfies Dialer (DialContext, like net.Dialer). The
// direct dialer opens plain TCP connections; the others chain through an
// upstream proxy so that traffic egresses from the upstream's address:
//   - HTTP or HTTPS proxies, via CONNECT
//   - SOCKS5 proxies
//   - Shadowsocks servers (AEAD ciphers)
//   - SSH servers, via direct-tcpip channels over one shared transport
//
// New builds the right one from an upstream URL.
package dialer
