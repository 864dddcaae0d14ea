package chunk

import (
	"sync"
	"sync/atomic"
)

// bodyPoolSize covers a default FastCDC max-size chunk plus packing overhead.
const bodyPoolSize = 128*1024 + 512

// BufferPool provides thread-safe pooling of chunk-sized scratch buffers to
// reduce allocation churn on the read path. Buffers are zeroized before being
// returned to the pool so stale chunk bodies never leak between reads.
type BufferPool struct {
	bodies *sync.Pool

	hits, misses int64
}

var globalBufferPool = &BufferPool{
	bodies: &sync.Pool{
		New: func() interface{} { return make([]byte, bodyPoolSize) },
	},
}

// GetGlobalBufferPool returns the shared buffer pool instance.
func GetGlobalBufferPool() *BufferPool {
	return globalBufferPool
}

// Get returns a buffer of the requested size, pooled when the size fits the
// body size class.
func (p *BufferPool) Get(size int) []byte {
	if size <= bodyPoolSize {
		buf := p.bodies.Get().([]byte)
		if cap(buf) >= size {
			atomic.AddInt64(&p.hits, 1)
			return buf[:size]
		}
	}
	atomic.AddInt64(&p.misses, 1)
	return make([]byte, size)
}

// Put zeroizes buf and returns it to the pool if it belongs to the body size
// class; other buffers are left to the garbage collector.
func (p *BufferPool) Put(buf []byte) {
	if cap(buf) != bodyPoolSize {
		return
	}
	buf = buf[:cap(buf)]
	for i := range buf {
		buf[i] = 0
	}
	p.bodies.Put(buf)
}

// Stats returns the pool's hit and miss counters.
func (p *BufferPool) Stats() (hits, misses int64) {
	return atomic.LoadInt64(&p.hits), atomic.LoadInt64(&p.misses)
}
