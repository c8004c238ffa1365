package proxy

import (
	"errors"
	"io"
	"net/http"
)

// maxHeaderBytes bounds a request line plus its headers, matching what
// http.Server allows by default.
const maxHeaderBytes = http.DefaultMaxHeaderBytes

var errHeaderTooLarge = errors.New("request header too large")

// headerLimitReader sits under the connection's bufio.Reader. While limited
// it hands out at most the remaining budget and then fails with
// errHeaderTooLarge; bodies and tunnels are read after unlimit.
type headerLimitReader struct {
	r         io.Reader
	limited   bool
	remaining int64
}

func (l *headerLimitReader) Read(p []byte) (int, error) {
	if !l.limited {
		return l.r.Read(p)
	}
	if l.remaining <= 0 {
		return 0, errHeaderTooLarge
	}
	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	return n, err
}

// limit starts a new header budget of n bytes.
func (l *headerLimitReader) limit(n int64) {
	l.limited = true
	l.remaining = n
}

func (l *headerLimitReader) unlimit() {
	l.limited = false
}

// headerErrorStatus maps a header read failure to its response status.
func headerErrorStatus(err error) int {
	if errors.Is(err, errHeaderTooLarge) {
		return http.StatusRequestHeaderFieldsTooLarge
	}
	return http.StatusBadRequest
}
