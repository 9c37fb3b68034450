package jbfs

import (
	"encoding/binary"
	"fmt"
)

// extent is a half-open run [start, end) of physically contiguous data
// blocks. The empty extent has start == 0.
type extent struct {
	start uint64
	end   uint64
}

func (e extent) empty() bool {
	return e.start == 0
}

func (e extent) size() uint64 {
	return e.end - e.start
}

// Continuation nodes hold the extents of a file beyond the 12 direct
// slots in the inode. A node is one block: a 16-byte header of
// {length, next} followed by a dense array of raw extents. length is
// the sum of the sizes of the node's extents; next chains to the next
// node, 0 terminating the chain.
const contHeaderSize = 16

func contSlots(blockSize uint32) int {
	return int(blockSize-contHeaderSize) / 16
}

func contLength(b []byte) uint64 {
	return binary.LittleEndian.Uint64(b[0:8])
}

func setContLength(b []byte, v uint64) {
	binary.LittleEndian.PutUint64(b[0:8], v)
}

func contNext(b []byte) uint64 {
	return binary.LittleEndian.Uint64(b[8:16])
}

func setContNext(b []byte, v uint64) {
	binary.LittleEndian.PutUint64(b[8:16], v)
}

func contExtent(b []byte, i int) extent {
	base := contHeaderSize + i*16
	return extent{
		start: binary.LittleEndian.Uint64(b[base : base+8]),
		end:   binary.LittleEndian.Uint64(b[base+8 : base+16]),
	}
}

func setContExtent(b []byte, i int, e extent) {
	base := contHeaderSize + i*16
	binary.LittleEndian.PutUint64(b[base:base+8], e.start)
	binary.LittleEndian.PutUint64(b[base+8:base+16], e.end)
}

// allocExtent grows ext by up to n blocks: a fresh run if the extent is
// empty (at least one block), else a contiguous extension of its end
// (possibly zero blocks). Returns the first block of the newly mapped
// region and how many blocks were added.
func (fs *FileSystem) allocExtent(in *Inode, n int, ext *extent) (uint64, int, error) {
	if ext.empty() {
		start, size, err := fs.allocBlocks(in, 0, 1, n)
		if err != nil {
			return 0, 0, err
		}
		ext.start = start
		ext.end = start + uint64(size)
		return start, size, nil
	}

	bno := ext.end
	sb := fs.sb
	if g := sb.blockExtractGroup(bno); g >= sb.numGroups || sb.blockExtractLocal(bno) >= sb.dataLimit(g) {
		// the extent ends at its group's last data block
		return bno, 0, nil
	}
	start, size, err := fs.allocBlocks(in, ext.end, 0, n)
	if err != nil {
		return 0, 0, err
	}
	_ = start // extension is contiguous: the run begins at the old end
	ext.end += uint64(size)
	return bno, size, nil
}

// allocCont allocates and zeroes a fresh continuation node block.
// Returns the block number and a pinned dirty buffer for it.
func (fs *FileSystem) allocCont(in *Inode) (uint64, *buffer, error) {
	bno, n, err := fs.allocBlocks(in, 0, 1, 1)
	if err != nil {
		return 0, nil, err
	}
	if n < 1 {
		return 0, nil, ErrNoSpace
	}
	return bno, fs.bufc.getZero(bno), nil
}

// newBlocksCont grows the file through a continuation node's extent
// array, chaining fresh nodes as arrays fill up. slot is where the
// previous scan stopped (the first empty slot); the slot before it is
// retried first so a trailing extent can be extended in place. The
// buffer is released before return. remaining is how many logical
// blocks precede the one being mapped.
func (fs *FileSystem) newBlocksCont(in *Inode, remaining uint64, max int, buf *buffer, slot int) (uint64, int, error) {
	if slot > 0 {
		slot--
	}

	slots := contSlots(fs.sb.blockSize)
	for {
		buf.markDirty()

		for ; slot < slots; slot++ {
			e := contExtent(buf.data, slot)
			bno, size, err := fs.allocExtent(in, int(remaining)+max, &e)
			setContExtent(buf.data, slot, e)
			setContLength(buf.data, contLength(buf.data)+uint64(size))

			if err != nil {
				fs.bufc.release(buf)
				return 0, 0, err
			}

			if uint64(size) > remaining {
				fs.bufc.release(buf)
				n := size - int(remaining)
				if n > max {
					n = max
				}
				return bno + remaining, n, nil
			}
			remaining -= uint64(size)
		}

		next, nextBuf, err := fs.allocCont(in)
		if err != nil {
			fs.bufc.release(buf)
			return 0, 0, err
		}
		setContNext(buf.data, next)
		fs.bufc.release(buf)

		buf = nextBuf
		slot = 0
	}
}

// newBlocksLocal grows the file through the inode's direct extent
// slots, starting at slot i (the first empty one; the slot before it
// is retried first for in-place extension). Overflow past the last
// slot allocates the first continuation node.
func (fs *FileSystem) newBlocksLocal(in *Inode, remaining uint64, max, i int) (uint64, int, error) {
	if i > 0 {
		i--
	}

	for ; i < inodeExtents; i++ {
		bno, size, err := fs.allocExtent(in, int(remaining)+max, &in.extents[i])
		if err != nil {
			return 0, 0, err
		}

		if uint64(size) > remaining {
			n := size - int(remaining)
			if n > max {
				n = max
			}
			return bno + remaining, n, nil
		}
		remaining -= uint64(size)
	}

	cont, buf, err := fs.allocCont(in)
	if err != nil {
		return 0, 0, err
	}
	in.cont = cont

	return fs.newBlocksCont(in, remaining, max, buf, 0)
}

// getBlocks maps the logical block lbn of a file to its physical block
// number, walking the direct extents and then the continuation chain.
// It returns the physical block, how many blocks starting there are
// contiguous (at most max), whether blocks were freshly allocated, and
// whether the run ends at or before max blocks (so the caller knows it
// has reached the end of a contiguous span).
//
// Reads past the mapped range fail with ErrIO. With create set, the
// missing tail is allocated; the caller must hold the inode's mutex.
func (fs *FileSystem) getBlocks(in *Inode, lbn uint64, max int, create bool) (bno uint64, count int, isNew, boundary bool, err error) {
	if max < 1 {
		return 0, 0, false, false, fmt.Errorf("%w: max %d blocks", ErrInvalid, max)
	}

	remaining := lbn

	i := 0
	for ; i < inodeExtents; i++ {
		e := in.extents[i]
		if e.empty() {
			break
		}

		size := e.size()
		if size > remaining {
			return mapped(e.start+remaining, size-remaining, max)
		}
		remaining -= size
	}

	if in.cont == 0 {
		if !create {
			return 0, 0, false, false, fmt.Errorf("%w: block %d beyond mapped range of inode %d", ErrIO, lbn, in.num)
		}
		bno, count, err = fs.newBlocksLocal(in, remaining, max, i)
		return bno, count, count > 0, false, err
	}

	cont := in.cont
	for cont != 0 {
		buf, berr := fs.bufc.get(cont)
		if berr != nil {
			return 0, 0, false, false, berr
		}

		next := contNext(buf.data)
		length := contLength(buf.data)

		// whole node is before lbn; skip it when a next node exists
		if length <= remaining && next != 0 {
			remaining -= length
			fs.bufc.release(buf)
			cont = next
			continue
		}

		slots := contSlots(fs.sb.blockSize)
		slot := 0
		for ; slot < slots; slot++ {
			e := contExtent(buf.data, slot)
			if e.empty() {
				break
			}

			size := e.size()
			if size > remaining {
				fs.bufc.release(buf)
				return mapped(e.start+remaining, size-remaining, max)
			}
			remaining -= size
		}

		if next == 0 {
			if !create {
				fs.bufc.release(buf)
				return 0, 0, false, false, fmt.Errorf("%w: block %d beyond mapped range of inode %d", ErrIO, lbn, in.num)
			}
			bno, count, err = fs.newBlocksCont(in, remaining, max, buf, slot)
			return bno, count, count > 0, false, err
		}

		fs.bufc.release(buf)
		cont = next
	}

	return 0, 0, false, false, fmt.Errorf("%w: inode %d continuation chain ended unexpectedly", ErrIO, in.num)
}

// mapped packages a hit in an extent: rest is how many contiguous
// blocks remain from the mapped one to the end of the extent.
func mapped(bno, rest uint64, max int) (uint64, int, bool, bool, error) {
	if rest <= uint64(max) {
		return bno, int(rest), false, true, nil
	}
	return bno, max, false, false, nil
}

// GetBlock maps (inode, logical block) to a physical block, allocating
// when create is set. Mutation is serialized on the inode's mutex;
// plain lookups run lock-free against committed state.
func (fs *FileSystem) GetBlock(in *Inode, lbn uint64, max int, create bool) (bno uint64, count int, isNew, boundary bool, err error) {
	if create {
		in.mu.Lock()
		defer in.mu.Unlock()
	}

	bno, count, isNew, boundary, err = fs.getBlocks(in, lbn, max, create)
	if create {
		// partial growth also mutates the extent arrays
		in.markDirty()
	}
	return bno, count, isNew, boundary, err
}
