package pool

import (
	"bytes"
	"sync"
	"sync/atomic"

	"github.com/slyt3/guardstats/internal/assert"
)

// Metrics tracks buffer pool usage for the /metrics endpoint.
type Metrics struct {
	BufferGets   uint64
	BufferMisses uint64
	Discarded    uint64
}

var (
	bufferGets   atomic.Uint64
	bufferMisses atomic.Uint64
	discarded    atomic.Uint64
)

// GetMetrics returns a copy of the current pool counters.
func GetMetrics() Metrics {
	return Metrics{
		BufferGets:   bufferGets.Load(),
		BufferMisses: bufferMisses.Load(),
		Discarded:    discarded.Load(),
	}
}

var bufferPool = sync.Pool{
	New: func() interface{} {
		bufferMisses.Add(1)
		return bytes.NewBuffer(make([]byte, 0, 4096))
	},
}

// Buffers larger than this are dropped instead of pooled; a full session
// export can be several megabytes.
const maxBufferSize = 1024 * 1024

// GetBuffer acquires an empty buffer from the pool.
func GetBuffer() *bytes.Buffer {
	if err := assert.Check(bufferPool.New != nil, "bufferPool.New must be defined"); err != nil {
		return bytes.NewBuffer(nil)
	}
	bufferGets.Add(1)
	b := bufferPool.Get().(*bytes.Buffer)
	b.Reset()
	return b
}

// PutBuffer returns b to the pool. Oversized buffers are discarded.
func PutBuffer(b *bytes.Buffer) {
	if b == nil {
		return
	}
	if b.Cap() > maxBufferSize {
		discarded.Add(1)
		return
	}
	b.Reset()
	bufferPool.Put(b)
}
