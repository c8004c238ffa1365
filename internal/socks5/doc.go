// Package socks5 is a thin layer over github.com/txthinking/socks5 covering
// the parts of RFC 1928/1929 connectproxy needs: the client side of a CONNECT
// handshake for socks5:// upstreams, and the matching server side used to
// stand up in-process SOCKS5 servers.
package socks5
