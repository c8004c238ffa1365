package dialer

import (
	"net"
	"time"

	"go.uber.org/zap"
)

// Config carries the settings shared by all dialers.
type Config struct {
	// DialTimeout bounds DNS lookup plus TCP connect.
	DialTimeout time.Duration

	// NegotiationTimeout bounds upstream handshakes (TLS, CONNECT, SSH).
	NegotiationTimeout time.Duration

	KeepAlive net.KeepAliveConfig

	// NoUpstream lists hosts that skip the upstream, in NO_PROXY syntax.
	NoUpstream string

	SSHKeyPath        string
	SSHKnownHostsPath string

	Logger *zap.Logger
}

func (c Config) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}
