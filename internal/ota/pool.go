package ota

import (
	"context"

	"github.com/bigbag/gateway-ota/internal/manifest"
)

// block is one pool buffer holding a downloaded chunk.
type block struct {
	buf   []byte
	n     int
	chunk manifest.Chunk
}

func (b *block) data() []byte {
	return b.buf[:b.n]
}

// pool hands out a fixed set of preallocated blocks.
type pool struct {
	free chan *block
}

func newPool(count, size int) *pool {
	p := &pool{free: make(chan *block, count)}
	for i := 0; i < count; i++ {
		p.free <- &block{buf: make([]byte, size)}
	}
	return p
}

// get waits for a free block.
func (p *pool) get(ctx context.Context) (*block, error) {
	select {
	case b := <-p.free:
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// put returns b to the pool.
func (p *pool) put(b *block) {
	b.n = 0
	b.chunk = manifest.Chunk{}
	p.free <- b
}

func (p *pool) available() int {
	return len(p.free)
}
