// Package ssh holds the SSH plumbing behind ssh:// upstreams: loading client
// credentials, verifying host keys against a known_hosts file with
// trust-on-first-use, and performing the client handshake over an
// already-dialed connection.
//
// Channel multiplexing lives in the dialer package; this package only
// produces an authenticated *ssh.Client.
package ssh
