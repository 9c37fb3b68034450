package jbfs

import (
	"fmt"
	"sort"
	"sync"

	"github.com/julian-blaauboer/jbfs/backend"
)

// buffer is a pinned, dirty-trackable view of one disk block. Buffers
// are shared through the cache and reference-counted; a holder must
// release on every exit path, marking dirty before release when it
// mutated the data.
type buffer struct {
	cache   *bufferCache
	blockNo uint64
	data    []byte

	// mu doubles as the page lock for directory chunk mutation
	mu sync.Mutex

	refs  int
	dirty bool
}

func (b *buffer) markDirty() {
	b.cache.mu.Lock()
	b.dirty = true
	b.cache.mu.Unlock()
}

func (b *buffer) lock()   { b.mu.Lock() }
func (b *buffer) unlock() { b.mu.Unlock() }

// bufferCache hands out block buffers backed by a Storage. Dirty
// buffers are written back on sync; clean unreferenced buffers may be
// evicted at any time.
type bufferCache struct {
	backend   backend.Storage
	blockSize uint32

	mu      sync.Mutex
	buffers map[uint64]*buffer
}

func newBufferCache(b backend.Storage, blockSize uint32) *bufferCache {
	return &bufferCache{
		backend:   b,
		blockSize: blockSize,
		buffers:   make(map[uint64]*buffer),
	}
}

// get returns the buffer for block, reading it from the backend if it
// is not resident. The returned buffer is pinned until release.
func (c *bufferCache) get(block uint64) (*buffer, error) {
	c.mu.Lock()
	if buf, ok := c.buffers[block]; ok {
		buf.refs++
		c.mu.Unlock()
		return buf, nil
	}
	c.mu.Unlock()

	data := make([]byte, c.blockSize)
	if _, err := c.backend.ReadAt(data, int64(block)*int64(c.blockSize)); err != nil {
		return nil, fmt.Errorf("%w: unable to read block %d: %v", ErrIO, block, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// lost the race; someone else read it meanwhile
	if buf, ok := c.buffers[block]; ok {
		buf.refs++
		return buf, nil
	}
	buf := &buffer{
		cache:   c,
		blockNo: block,
		data:    data,
		refs:    1,
	}
	c.buffers[block] = buf
	return buf, nil
}

// getZero returns a pinned buffer for block without reading the
// backend, with zeroed contents, marked dirty. Used for freshly
// allocated metadata blocks.
func (c *bufferCache) getZero(block uint64) *buffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if buf, ok := c.buffers[block]; ok {
		buf.refs++
		for i := range buf.data {
			buf.data[i] = 0
		}
		buf.dirty = true
		return buf
	}
	buf := &buffer{
		cache:   c,
		blockNo: block,
		data:    make([]byte, c.blockSize),
		refs:    1,
		dirty:   true,
	}
	c.buffers[block] = buf
	return buf
}

// release unpins the buffer. Clean unreferenced buffers are dropped;
// dirty ones stay resident until sync.
func (c *bufferCache) release(buf *buffer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if buf.refs > 0 {
		buf.refs--
	}
	if buf.refs == 0 && !buf.dirty {
		delete(c.buffers, buf.blockNo)
	}
}

// invalidate drops the buffer without writing it back, even if dirty.
// Used when a chunk fails structural checks.
func (c *bufferCache) invalidate(buf *buffer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if buf.refs > 0 {
		buf.refs--
	}
	buf.dirty = false
	if buf.refs == 0 {
		delete(c.buffers, buf.blockNo)
	}
}

// sync writes all dirty buffers back to the backend in block order.
func (c *bufferCache) sync() error {
	w, err := c.backend.Writable()
	if err != nil {
		return err
	}

	c.mu.Lock()
	dirty := make([]*buffer, 0, len(c.buffers))
	for _, buf := range c.buffers {
		if buf.dirty {
			dirty = append(dirty, buf)
		}
	}
	sort.Slice(dirty, func(i, j int) bool { return dirty[i].blockNo < dirty[j].blockNo })
	c.mu.Unlock()

	for _, buf := range dirty {
		if _, err := w.WriteAt(buf.data, int64(buf.blockNo)*int64(c.blockSize)); err != nil {
			return fmt.Errorf("%w: unable to write block %d: %v", ErrIO, buf.blockNo, err)
		}
		c.mu.Lock()
		buf.dirty = false
		if buf.refs == 0 {
			delete(c.buffers, buf.blockNo)
		}
		c.mu.Unlock()
	}

	if err := w.Sync(); err != nil {
		return fmt.Errorf("%w: unable to flush written blocks: %v", ErrIO, err)
	}
	return nil
}
