// Package blockpool implements C2: a process-wide pool of reusable
// fixed-size byte buffers that back Frame payloads without a per-frame
// allocation.
//
// Blocks are keyed by an index tag (the shared-memory buffer index the
// upstream detector readout reuses, so consecutive frames landing on the
// same hardware buffer slot reuse the same backing memory). Within a tag,
// Get reuses the largest currently-free block if it is big enough, grows
// it in place if it is not, and otherwise allocates a new one. The pool
// caps the number of distinct tags it remembers with an LRU so a tag space
// that grows over a long run does not retain unbounded memory for tags
// that are no longer in use.
package blockpool

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultMaxTags bounds the number of distinct index tags the pool
// tracks free lists for.
const DefaultMaxTags = 4096

// Block is a reusable backing buffer for one Frame's payload.
type Block struct {
	tag string
	buf []byte
	pool *Pool
}

// Bytes returns the block's current payload view.
func (b *Block) Bytes() []byte { return b.buf }

// Size returns the current logical size of the block.
func (b *Block) Size() int { return len(b.buf) }

func (b *Block) resize(n int) {
	if cap(b.buf) >= n {
		b.buf = b.buf[:n]
		return
	}
	b.buf = make([]byte, n)
}

// Grow ensures the block is at least n bytes, growing it in place
// (reallocating) if its current capacity is insufficient.
func (b *Block) Grow(n int) { b.resize(n) }

// Release returns the block to its owning pool's free list for its tag.
// It is safe to call Release more than once; subsequent calls are no-ops.
func (b *Block) Release() {
	if b.pool == nil {
		return
	}
	p := b.pool
	b.pool = nil
	p.put(b)
}

// Pool is the process-wide block pool. The zero value is not usable; use
// New.
type Pool struct {
	mu   sync.Mutex
	tags *lru.Cache[string, *freeList]
}

type freeList struct {
	mu    sync.Mutex
	blocks []*Block
}

// New creates a pool that remembers free lists for at most maxTags
// distinct index tags.
func New(maxTags int) *Pool {
	if maxTags <= 0 {
		maxTags = DefaultMaxTags
	}
	c, err := lru.New[string, *freeList](maxTags)
	if err != nil {
		// maxTags > 0 was already checked above; lru.New only fails for
		// non-positive sizes.
		panic(err)
	}
	return &Pool{tags: c}
}

func (p *Pool) listFor(tag string) *freeList {
	p.mu.Lock()
	defer p.mu.Unlock()

	if fl, ok := p.tags.Get(tag); ok {
		return fl
	}
	fl := &freeList{}
	p.tags.Add(tag, fl)
	return fl
}

// Get acquires a block of at least nbytes for the given index tag,
// reusing the largest free block for that tag if one exists.
func (p *Pool) Get(tag string, nbytes int) *Block {
	fl := p.listFor(tag)

	fl.mu.Lock()
	defer fl.mu.Unlock()

	if len(fl.blocks) == 0 {
		b := &Block{tag: tag, pool: p}
		b.resize(nbytes)
		return b
	}

	best := 0
	for i := 1; i < len(fl.blocks); i++ {
		if cap(fl.blocks[i].buf) > cap(fl.blocks[best].buf) {
			best = i
		}
	}

	b := fl.blocks[best]
	fl.blocks[best] = fl.blocks[len(fl.blocks)-1]
	fl.blocks = fl.blocks[:len(fl.blocks)-1]

	b.pool = p
	b.resize(nbytes)
	return b
}

func (p *Pool) put(b *Block) {
	fl := p.listFor(b.tag)
	fl.mu.Lock()
	fl.blocks = append(fl.blocks, b)
	fl.mu.Unlock()
}
