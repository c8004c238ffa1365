package proxy

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

var ErrInvalidTarget = errors.New("invalid CONNECT target")

// ParseTarget validates a CONNECT authority. It must be host:port with a
// non-empty host and a decimal port in 1..65535. The canonical host:port is
// returned.
func ParseTarget(target string) (string, error) {
	host, port, err := net.SplitHostPort(target)
	if err != nil {
		return "", fmt.Errorf("%w %q: %w", ErrInvalidTarget, target, err)
	}
	if host == "" {
		return "", fmt.Errorf("%w %q: missing host", ErrInvalidTarget, target)
	}

	for i := 0; i < len(port); i++ {
		if port[i] < '0' || port[i] > '9' {
			return "", fmt.Errorf("%w %q: non-numeric port", ErrInvalidTarget, target)
		}
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return "", fmt.Errorf("%w %q: port out of range", ErrInvalidTarget, target)
	}

	return net.JoinHostPort(host, strconv.Itoa(n)), nil
}
