package pool_test

import (
	"testing"

	"github.com/momentics/wsengine/pool"
)

func TestGetCapacity(t *testing.T) {
	p := pool.NewBytePool()
	tests := []struct {
		n, wantCap int
	}{
		{0, 64},
		{1, 64},
		{64, 64},
		{65, 128},
		{1000, 1024},
		{1 << 20, 1 << 20},
		{1<<20 + 1, 1<<20 + 1},
	}
	for _, tt := range tests {
		b := p.Get(tt.n)
		if len(b) != 0 || cap(b) != tt.wantCap {
			t.Errorf("Get(%d): len %d cap %d, want 0 and %d", tt.n, len(b), cap(b), tt.wantCap)
		}
	}
}

func TestPutResetsLength(t *testing.T) {
	p := pool.NewBytePool()
	b := append(p.Get(100), "payload"...)
	p.Put(b)
	// sync.Pool may drop the buffer; whatever comes back must be empty
	if got := p.Get(100); len(got) != 0 || cap(got) != 128 {
		t.Fatalf("Get after Put: len %d cap %d", len(got), cap(got))
	}
}

func TestPutDropsOddSizes(t *testing.T) {
	p := pool.NewBytePool()
	p.Put(make([]byte, 0, 100))
	p.Put(make([]byte, 0, 1<<21))
	p.Put(nil)
	if got := p.Get(100); cap(got) != 128 {
		t.Fatalf("cap = %d, want 128", cap(got))
	}
}
