// Package bufpool is the relay core's buffer pool: a sync.Pool of byte
// slices lent out to sessions and returned on release, with the buffer
// size fixed once at startup. The pool has no fixed capacity. It plays the same role as the teacher's common/buf pool but
// without that package's MultiBuffer machinery, since this design's relay
// loop only ever needs one contiguous buffer per read.
package bufpool

import "sync"

// Pool lends fixed-size byte buffers. Get/Put are safe for concurrent use
// and never block. The number of pooled buffers is not bounded: Put never
// drops a buffer for lack of room, and the runtime may discard pooled
// buffers at any garbage collection.
type Pool struct {
	size int
	sp   sync.Pool
}

// New creates a Pool of buffers sized bufSize, with a hint capacity of
// capacityHint entries (sync.Pool itself has no hard capacity; the hint
// only pre-warms it so the first wave of sessions doesn't all miss).
func New(bufSize, capacityHint int) *Pool {
	p := &Pool{size: bufSize}
	p.sp.New = func() interface{} {
		return make([]byte, bufSize)
	}
	for i := 0; i < capacityHint; i++ {
		p.sp.Put(make([]byte, bufSize))
	}
	return p
}

// Get lends a buffer of the pool's configured size.
func (p *Pool) Get() []byte {
	return p.sp.Get().([]byte)[:p.size]
}

// Put returns a buffer to the pool. A buffer whose capacity is smaller
// than the configured size is dropped rather than stored; a larger one is
// kept and re-sliced to the configured size by the next Get.
func (p *Pool) Put(b []byte) {
	if cap(b) < p.size {
		return
	}
	p.sp.Put(b[:cap(b)])
}

// Size returns the configured buffer size.
func (p *Pool) Size() int {
	return p.size
}
