// Package conn holds net.Conn and net.Listener plumbing shared by the proxy
// and the outbound dialers: keepalive-applying listeners, optional
// SO_REUSEPORT, replaying bytes buffered during a handshake, half-close and
// idle deadlines shared across conns.
package conn
