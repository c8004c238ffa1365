package proxy

import "sync"

// relayBufferSize is the chunk size of each relay direction.
const relayBufferSize = 32 * 1024

// bufferPool hands out fixed-size relay buffers. They travel as *[]byte so
// returning one to the pool does not allocate.
type bufferPool struct {
	size int
	pool sync.Pool
}

func newBufferPool(size int) *bufferPool {
	bp := &bufferPool{size: size}
	bp.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}

	return bp
}

func (p *bufferPool) get() *[]byte {
	return p.pool.Get().(*[]byte)
}

// put returns b to the pool. Buffers of another capacity are dropped.
func (p *bufferPool) put(b *[]byte) {
	if cap(*b) != p.size {
		return
	}
	*b = (*b)[:p.size]
	p.pool.Put(b)
}
