package jbfs

import (
	"fmt"

	"github.com/julian-blaauboer/jbfs/util/bitmap"
)

// allocInode claims a free inode slot, preferring the group of the
// parent directory and wrapping through all groups from there. Returns
// the composed inode number.
func (fs *FileSystem) allocInode(parent uint64) (uint64, error) {
	sb := fs.sb
	group := sb.inodeExtractGroup(parent)
	first := group

	bitsPerBlock := int(sb.blockSize) * 8

	for {
		lk := fs.groupLock(group)
		lk.Lock()

		block := sb.groupBitmapStart(group)
		for local := 0; local < int(sb.groupInodes); local, block = local+bitsPerBlock, block+1 {
			buf, err := fs.bufc.get(block)
			if err != nil {
				continue
			}

			bm := bitmap.FromBytes(buf.data)
			index := bm.FirstFree(0)

			if index < 0 {
				// bitmap block exhausted
				fs.bufc.release(buf)
				continue
			}
			if local+index >= int(sb.groupInodes) {
				fs.bufc.release(buf)
				break
			}

			_ = bm.Set(index)
			copy(buf.data, bm.ToBytes())
			buf.markDirty()
			fs.bufc.release(buf)

			fs.adjustCounters(group, -1, 0)
			lk.Unlock()

			return sb.inodeCompose(group, uint64(local+index)), nil
		}

		lk.Unlock()
		if group++; group >= sb.numGroups {
			group = 0
		}
		if group == first {
			return 0, ErrNoSpace
		}
	}
}

// freeInode clears the bitmap bit of an inode slot.
func (fs *FileSystem) freeInode(ino uint64) error {
	sb := fs.sb
	if !sb.validInode(ino) {
		return fmt.Errorf("%w: inode %d out of range", ErrInvalid, ino)
	}

	group := sb.inodeExtractGroup(ino)
	local := sb.inodeExtractLocal(ino)
	bitsPerBlock := uint64(sb.blockSize) * 8
	block := sb.groupBitmapStart(group) + local/bitsPerBlock
	local %= bitsPerBlock

	lk := fs.groupLock(group)
	lk.Lock()
	defer lk.Unlock()

	buf, err := fs.bufc.get(block)
	if err != nil {
		return err
	}

	bm := bitmap.FromBytes(buf.data)
	_ = bm.Clear(int(local))
	copy(buf.data, bm.ToBytes())
	buf.markDirty()
	fs.bufc.release(buf)

	fs.adjustCounters(group, 1, 0)
	return nil
}
