// Package proxy implements the forward HTTP proxy listener.
//
// Each accepted connection is inspected one request line at a time. CONNECT
// requests are answered with "200 Connection Established" once the origin is
// dialed, after which bytes are relayed opaquely in both directions with
// half-close. Any other method must carry an absolute URL and is re-issued to
// the origin with a fixed User-Agent; the response is streamed back.
// Forwarding and tunnel failures are reported as 502 Bad Gateway.
package proxy
