package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/die-net/connectproxy/internal/conn"
)

// relay copies client->origin and origin->client concurrently until both
// directions finish. A direction that reaches EOF half-closes its
// destination so the peer sees EOF while the other direction keeps flowing.
// Any other error, or ctx ending, closes both conns, which unblocks the
// remaining direction. Both conns are closed on return.
//
// up counts client->origin bytes and down origin->client. err is the first
// non-EOF error from either direction.
func relay(ctx context.Context, client, origin net.Conn, pool *bufferPool, idleTimeout time.Duration) (up, down int64, err error) {
	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = client.Close()
			_ = origin.Close()
		})
	}
	defer closeBoth()

	// Traffic in either direction keeps the whole tunnel alive.
	idle := conn.NewIdleTimer(idleTimeout)
	src, dst := idle.Wrap(client), idle.Wrap(origin)

	g, gctx := errgroup.WithContext(ctx)

	// Closing is what unblocks a Read parked in the other direction.
	stop := context.AfterFunc(gctx, closeBoth)
	defer stop()

	g.Go(func() error {
		var err error
		up, err = copyHalf(dst, src, pool)
		return err
	})
	g.Go(func() error {
		var err error
		down, err = copyHalf(src, dst, pool)
		return err
	})

	err = g.Wait()
	return up, down, err
}

// copyHalf copies src to dst and half-closes dst on EOF.
func copyHalf(dst, src net.Conn, pool *bufferPool) (int64, error) {
	buf := pool.get()
	defer pool.put(buf)

	n, err := io.CopyBuffer(dst, src, *buf)
	if err != nil {
		return n, err
	}
	if err := conn.CloseWrite(dst); err != nil && !errors.Is(err, net.ErrClosed) {
		return n, err
	}
	return n, nil
}
