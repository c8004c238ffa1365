package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// NewHostKeyCallback verifies host keys against the known_hosts file at path.
//
// Unknown hosts are appended to the file on first contact. A host that is
// already listed with a different key is rejected. An empty path disables
// verification entirely. The file and its directory are created if missing.
func NewHostKeyCallback(path string, logger *zap.Logger) (ssh.HostKeyCallback, error) {
	if path == "" {
		return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec // User explicitly disabled host key checking.
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("known_hosts dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o600) //nolint:gosec // Path is from user config.
	if err != nil {
		return nil, fmt.Errorf("known_hosts: %w", err)
	}
	_ = f.Close()

	th := &tofuHosts{path: path, logger: logger}
	if err := th.reload(); err != nil {
		return nil, err
	}
	return th.check, nil
}

type tofuHosts struct {
	path   string
	logger *zap.Logger

	mu     sync.Mutex
	verify ssh.HostKeyCallback
}

func (th *tofuHosts) reload() error {
	cb, err := knownhosts.New(th.path)
	if err != nil {
		return fmt.Errorf("known_hosts load: %w", err)
	}
	th.verify = cb
	return nil
}

func (th *tofuHosts) check(hostname string, remote net.Addr, key ssh.PublicKey) error {
	th.mu.Lock()
	defer th.mu.Unlock()

	err := th.verify(hostname, remote, key)
	if err == nil {
		return nil
	}

	var keyErr *knownhosts.KeyError
	if !errors.As(err, &keyErr) {
		return err
	}
	if len(keyErr.Want) > 0 {
		return fmt.Errorf("host key mismatch for %s: %w", hostname, err)
	}

	f, err := os.OpenFile(th.path, os.O_APPEND|os.O_WRONLY, 0o600) //nolint:gosec // Path is from user config.
	if err != nil {
		return fmt.Errorf("known_hosts append: %w", err)
	}
	line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
	_, werr := f.WriteString(line + "\n")
	cerr := f.Close()
	if werr != nil {
		return fmt.Errorf("known_hosts append: %w", werr)
	}
	if cerr != nil {
		return fmt.Errorf("known_hosts append: %w", cerr)
	}

	th.logger.Info("ssh host key added",
		zap.String("host", hostname),
		zap.String("type", key.Type()),
		zap.String("file", th.path))

	return th.reload()
}
