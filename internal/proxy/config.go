package proxy

import (
	"time"

	"go.uber.org/zap"

	"github.com/die-net/connectproxy/internal/dialer"
	"github.com/die-net/connectproxy/internal/record"
)

type Config struct {
	// Dialer reaches origins, directly or through an upstream proxy. Its
	// own timeouts bound every dial.
	Dialer dialer.Dialer

	// NegotiationTimeout bounds reading a request line and its headers.
	NegotiationTimeout time.Duration

	// HTTPIdleTimeout bounds the wait for the next request on a kept-alive
	// connection, and idle pooled origin connections.
	HTTPIdleTimeout time.Duration

	// TunnelIdleTimeout ends a tunnel direction that saw no bytes for this
	// long. Zero disables it.
	TunnelIdleTimeout time.Duration

	// UserAgent replaces the client's User-Agent on forwarded requests
	// unless KeepUserAgent is set.
	UserAgent     string
	KeepUserAgent bool

	Logger   *zap.Logger
	Recorder record.Recorder
}

func (c *Config) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

func (c *Config) recorder() record.Recorder {
	if c.Recorder == nil {
		return record.Nop{}
	}
	return c.Recorder
}
