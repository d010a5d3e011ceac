package pool

import (
	"math/bits"
	"sync"
)

// MaxPooledBufSize is the largest buffer served from the pools.
// Bigger requests are allocated directly and dropped on Release.
const MaxPooledBufSize = 64 * 1024

// Pools are indexed by the bit length of (size - 1), so pool i
// holds buffers with a capacity of exactly 1 << i.
var bufPools [bits.UintSize]sync.Pool

type Buffer struct {
	b   []byte
	idx int
}

// GetBuf returns a buffer whose Bytes() has exactly size bytes.
// Contents are not zeroed. The caller should call Release when done.
func GetBuf(size int) *Buffer {
	if size <= 0 {
		size = 1
	}
	if size > MaxPooledBufSize {
		return &Buffer{b: make([]byte, size), idx: -1}
	}

	idx := bits.Len(uint(size - 1))
	if v := bufPools[idx].Get(); v != nil {
		buf := v.(*Buffer)
		buf.b = buf.b[:size]
		return buf
	}
	return &Buffer{b: make([]byte, size, 1<<idx), idx: idx}
}

func (b *Buffer) Bytes() []byte {
	return b.b
}

// Release puts the buffer back. b must not be used after Release.
func (b *Buffer) Release() {
	if b == nil || b.idx < 0 {
		return
	}
	bufPools[b.idx].Put(b)
}
