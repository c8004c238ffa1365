package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/die-net/connectproxy/internal/ssh"
)

// DefaultUserAgent is sent to origin servers on forwarded requests. Some
// origins reject requests carrying a library's default client identifier.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64)"

// Config is the complete proxy configuration.
type Config struct {
	// Listen is the proxy listen address.
	Listen string `yaml:"listen"`

	// Upstream selects how origins are reached: direct:// or an upstream
	// proxy URL (http, https, socks5, ss, ssh).
	Upstream string `yaml:"upstream"`

	// NoUpstream is a NO_PROXY style list of hosts that bypass Upstream.
	NoUpstream string `yaml:"no_upstream"`

	DialTimeout        time.Duration `yaml:"dial_timeout"`
	NegotiationTimeout time.Duration `yaml:"negotiation_timeout"`
	HTTPIdleTimeout    time.Duration `yaml:"http_idle_timeout"`

	// TunnelIdleTimeout ends a tunnel direction that has been silent this
	// long. Zero disables it.
	TunnelIdleTimeout time.Duration `yaml:"tunnel_idle_timeout"`

	UserAgent string `yaml:"user_agent"`

	// KeepUserAgent forwards the client's User-Agent instead of UserAgent.
	KeepUserAgent bool `yaml:"keep_user_agent"`

	// TCPKeepAlive is on|off|idle:interval:count, see ParseKeepAlive.
	TCPKeepAlive string `yaml:"tcp_keepalive"`

	ReusePort bool `yaml:"reuse_port"`

	SSHKey        string `yaml:"ssh_key"`
	SSHKnownHosts string `yaml:"ssh_known_hosts"`

	Record RecordConfig `yaml:"record"`

	Verbose bool `yaml:"verbose"`
}

// RecordConfig configures session recording to MongoDB. An empty MongoURI
// disables it.
type RecordConfig struct {
	MongoURI      string        `yaml:"mongo_uri"`
	Database      string        `yaml:"database"`
	Collection    string        `yaml:"collection"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// Default returns a Config populated with the built-in defaults.
func Default() Config {
	c := Config{
		Upstream:      DefaultUpstream(),
		SSHKey:        defaultSSHKey(),
		SSHKnownHosts: defaultSSHKnownHosts(),
	}
	c.ApplyDefaults()
	return c
}

// Load reads and parses the YAML file at path. Relative key and known_hosts
// paths are resolved against the file's directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // Path is from user config.
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	if absDir, err := filepath.Abs(dir); err == nil {
		dir = absDir
	}
	cfg.ResolveRelativePaths(dir)

	return cfg, nil
}

// Parse decodes YAML. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	return &cfg, nil
}

// ResolveRelativePaths makes file paths absolute against contextDir.
func (c *Config) ResolveRelativePaths(contextDir string) {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(contextDir, p)
	}

	if c.SSHKey != ssh.AgentAuthType {
		c.SSHKey = resolve(c.SSHKey)
	}
	c.SSHKnownHosts = resolve(c.SSHKnownHosts)
}

// ApplyDefaults fills in zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.Listen == "" {
		c.Listen = "0.0.0.0:8888"
	}
	if c.Upstream == "" {
		c.Upstream = "direct://"
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.NegotiationTimeout == 0 {
		c.NegotiationTimeout = 10 * time.Second
	}
	if c.HTTPIdleTimeout == 0 {
		c.HTTPIdleTimeout = 4 * time.Minute
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.TCPKeepAlive == "" {
		c.TCPKeepAlive = "45:45:3"
	}
	if c.Record.Database == "" {
		c.Record.Database = "connectproxy"
	}
	if c.Record.Collection == "" {
		c.Record.Collection = "sessions"
	}
	if c.Record.FlushInterval == 0 {
		c.Record.FlushInterval = time.Second
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("listen %q: %w", c.Listen, err)
	}
	if _, err := ParseKeepAlive(c.TCPKeepAlive); err != nil {
		return fmt.Errorf("tcp_keepalive: %w", err)
	}

	durations := []struct {
		name string
		d    time.Duration
	}{
		{"dial_timeout", c.DialTimeout},
		{"negotiation_timeout", c.NegotiationTimeout},
		{"http_idle_timeout", c.HTTPIdleTimeout},
		{"tunnel_idle_timeout", c.TunnelIdleTimeout},
		{"record.flush_interval", c.Record.FlushInterval},
	}
	for _, d := range durations {
		if d.d < 0 {
			return fmt.Errorf("%s: must be >= 0", d.name)
		}
	}

	return nil
}

// KeepAlive returns the parsed TCPKeepAlive setting. Call Validate first.
func (c *Config) KeepAlive() net.KeepAliveConfig {
	ka, _ := ParseKeepAlive(c.TCPKeepAlive)
	return ka
}

// DefaultUpstream returns $ALL_PROXY (or $all_proxy) when set, else direct://.
func DefaultUpstream() string {
	if p := os.Getenv("ALL_PROXY"); p != "" {
		return p
	}

	if p := os.Getenv("all_proxy"); p != "" {
		return p
	}

	return "direct://"
}

func defaultSSHKnownHosts() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".ssh", "known_hosts")
}

func defaultSSHKey() string {
	if ssh.AgentAvailable() {
		return ssh.AgentAuthType
	}
	return ""
}
