package jbfs

import (
	"fmt"
)

// truncateInode shrinks (or administratively grows) the file to
// newSize bytes, releasing every data block past the last kept one and
// unwinding the continuation chain. Extents are shortened or cleared
// before their tails go back to the reference map, so a concurrent
// reader sees a consistent prefix. Serialized with growth on the
// inode's mutex.
func (fs *FileSystem) truncateInode(in *Inode, newSize uint64) error {
	blockSize := uint64(fs.sb.blockSize)
	blocks := (newSize + blockSize - 1) / blockSize

	in.mu.Lock()
	defer in.mu.Unlock()

	cont := in.cont

	for i := 0; i < inodeExtents; i++ {
		e := in.extents[i]
		if e.empty() {
			break
		}

		size := e.size()
		switch {
		case blocks >= size:
			blocks -= size
		case blocks > 0:
			// split: keep the head, free the tail
			in.extents[i].end = e.start + blocks
			fs.deallocBlocks(e.start+blocks, size-blocks)
			blocks = 0
		default:
			in.extents[i] = extent{}
			fs.deallocBlocks(e.start, size)
		}
	}

	if blocks == 0 {
		in.cont = 0
	}

	for cont != 0 {
		buf, err := fs.bufc.get(cont)
		if err != nil {
			in.size = newSize
			in.touch()
			return fmt.Errorf("unable to read continuation node %d: %w", cont, err)
		}

		// the node itself goes away when nothing before it survives
		empty := blocks == 0

		next := contNext(buf.data)
		length := contLength(buf.data)

		if blocks >= length {
			blocks -= length
		} else {
			slots := contSlots(fs.sb.blockSize)
			var kept uint64

			for slot := 0; slot < slots; slot++ {
				e := contExtent(buf.data, slot)
				if e.empty() {
					break
				}

				size := e.size()
				switch {
				case blocks >= size:
					blocks -= size
					kept += size
				case blocks > 0:
					setContExtent(buf.data, slot, extent{start: e.start, end: e.start + blocks})
					fs.deallocBlocks(e.start+blocks, size-blocks)
					kept += blocks
					blocks = 0
				default:
					setContExtent(buf.data, slot, extent{})
					fs.deallocBlocks(e.start, size)
				}
			}

			setContLength(buf.data, kept)
			buf.markDirty()
		}

		if blocks == 0 && contNext(buf.data) != 0 && !empty {
			setContNext(buf.data, 0)
			buf.markDirty()
		}

		fs.bufc.release(buf)

		if empty {
			fs.deallocBlocks(cont, 1)
		}
		cont = next
	}

	in.size = newSize
	in.touch()
	return nil
}

// Truncate sets the size of the file backing in to newSize, releasing
// any blocks past the end.
func (fs *FileSystem) Truncate(in *Inode, newSize uint64) error {
	return fs.truncateInode(in, newSize)
}
