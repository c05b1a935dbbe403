// File: pool/bytepool.go
// Author: momentics <momentics@gmail.com>

package pool

import (
	"math/bits"
	"sync"
)

const (
	minShift = 6  // 64 B
	maxShift = 20 // 1 MiB
)

// BytePool recycles byte slices in power-of-two size classes. Requests above
// the largest class are allocated directly and never pooled.
type BytePool struct {
	classes [maxShift - minShift + 1]sync.Pool
}

// NewBytePool returns an empty pool.
func NewBytePool() *BytePool {
	p := &BytePool{}
	for i := range p.classes {
		size := 1 << (minShift + i)
		p.classes[i].New = func() any {
			b := make([]byte, 0, size)
			return &b
		}
	}
	return p
}

// classOf returns the index of the smallest class holding n bytes, or -1.
func classOf(n int) int {
	if n <= 1<<minShift {
		return 0
	}
	shift := bits.Len(uint(n - 1))
	if shift > maxShift {
		return -1
	}
	return shift - minShift
}

// Get returns an empty slice with capacity of at least n.
func (p *BytePool) Get(n int) []byte {
	c := classOf(n)
	if c < 0 {
		return make([]byte, 0, n)
	}
	return (*p.classes[c].Get().(*[]byte))[:0]
}

// Put returns b to the pool. Slices whose capacity is not exactly a class
// size are dropped. b must not be used afterwards.
func (p *BytePool) Put(b []byte) {
	n := cap(b)
	if n < 1<<minShift || n > 1<<maxShift || n&(n-1) != 0 {
		return
	}
	b = b[:0]
	p.classes[classOf(n)].Put(&b)
}
