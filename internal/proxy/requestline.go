package proxy

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// maxRequestLine bounds the request line, and is the size of the
// per-connection read buffer.
const maxRequestLine = 4096

var (
	ErrMalformedRequestLine = errors.New("malformed request line")
	ErrRequestLineTooLong   = errors.New("request line too long")
)

// RequestLine is the first line of an HTTP/1.x request.
type RequestLine struct {
	Method string
	Target string
	Proto  string
}

// ParseRequestLine parses "METHOD SP TARGET SP HTTP/x.y", with or without
// the trailing CRLF.
func ParseRequestLine(line string) (RequestLine, error) {
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")

	method, rest, ok1 := strings.Cut(line, " ")
	target, proto, ok2 := strings.Cut(rest, " ")
	if !ok1 || !ok2 || method == "" || target == "" || !validMethod(method) {
		return RequestLine{}, fmt.Errorf("%w: %q", ErrMalformedRequestLine, line)
	}
	if _, _, ok := http.ParseHTTPVersion(proto); !ok {
		return RequestLine{}, fmt.Errorf("%w: %q", ErrMalformedRequestLine, line)
	}

	return RequestLine{Method: method, Target: target, Proto: proto}, nil
}

// validMethod reports whether m is an RFC 9110 token.
func validMethod(m string) bool {
	for i := 0; i < len(m); i++ {
		c := m[i]
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		case strings.IndexByte("!#$%&'*+-.^_`|~", c) >= 0:
		default:
			return false
		}
	}
	return true
}

// peekRequestLine returns the first line buffered in br, including its
// newline, without consuming it.
func peekRequestLine(br *bufio.Reader) ([]byte, error) {
	n := 1
	for {
		if _, err := br.Peek(n); err != nil {
			if errors.Is(err, bufio.ErrBufferFull) {
				return nil, ErrRequestLineTooLong
			}
			return nil, err
		}

		b, _ := br.Peek(br.Buffered())
		if i := bytes.IndexByte(b, '\n'); i >= 0 {
			return b[:i+1], nil
		}
		if len(b) >= br.Size() {
			return nil, ErrRequestLineTooLong
		}
		n = len(b) + 1
	}
}
