//go:build !(linux || darwin || freebsd || openbsd || netbsd)

package conn

import "syscall"

// ReusePortSupported reports whether ListenOptions.ReusePort can be honored.
const ReusePortSupported = false

func reusePortControl(_, _ string, _ syscall.RawConn) error {
	return nil
}
