package jbfs

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
)

// groupNLocks is how many group locks exist; groups share locks by
// group mod groupNLocks. Co-resident groups therefore contend on the
// same lock, which bounds memory at the price of false sharing.
const groupNLocks = 32

func (fs *FileSystem) groupLock(group uint64) *sync.Mutex {
	return &fs.groupLocks[group%groupNLocks]
}

// adjustCounters applies deltas to the cached free counts and to the
// group's descriptor. The caller must hold the group lock.
func (fs *FileSystem) adjustCounters(group uint64, dInodes, dBlocks int64) {
	fs.countersMu.Lock()
	fs.freeInodes = addClamped(fs.freeInodes, dInodes)
	fs.freeBlocks = addClamped(fs.freeBlocks, dBlocks)
	fs.countersMu.Unlock()

	buf, err := fs.bufc.get(fs.sb.groupDescBlock(group))
	if err != nil {
		log.Warnf("jbfs: unable to update descriptor of group %d: %v", group, err)
		return
	}
	gd, err := groupDescriptorFromBytes(buf.data)
	if err == nil {
		gd.freeInodes = uint32(addClamped(uint64(gd.freeInodes), dInodes))
		gd.freeBlocks = uint32(addClamped(uint64(gd.freeBlocks), dBlocks))
		copy(buf.data[:groupDescriptorSize], gd.toBytes())
		buf.markDirty()
	}
	fs.bufc.release(buf)
}

func addClamped(v uint64, d int64) uint64 {
	if d < 0 && uint64(-d) > v {
		return 0
	}
	return uint64(int64(v) + d)
}

// allocBlocksLocal searches one group's reference map for a free run of
// at least min and at most max blocks, starting the scan at local.
// When hinted, the run must begin exactly at local (contiguous
// extension), so the scan stops at the first used byte. On success the
// run's bytes are set to 1 and its start (as a local index) and length
// are returned. The caller must hold the group lock.
func (fs *FileSystem) allocBlocksLocal(hinted bool, group, local uint64, min, max int) (uint64, int, error) {
	var (
		blockSize = uint64(fs.sb.blockSize)
		limit     = fs.sb.dataLimit(group)
		bestStart = local
		bestN     uint64
		n         uint64
	)

	if local >= limit {
		return 0, 0, fmt.Errorf("%w: block %d outside group %d", ErrInvalid, local, group)
	}

	block := fs.sb.groupRefmapStart(group) + local/blockSize
	i := local % blockSize

	buf, err := fs.bufc.get(block)
	if err != nil {
		return 0, 0, err
	}

	for ; local < limit; local, i = local+1, i+1 {
		if i == blockSize {
			i = 0
			fs.bufc.release(buf)
			block++
			if buf, err = fs.bufc.get(block); err != nil {
				return 0, 0, err
			}
		}

		if buf.data[i] != 0 {
			if n > bestN {
				bestStart = local - n
				bestN = n
			}
			if hinted {
				break
			}
			n = 0
		} else {
			n++
		}

		if n >= uint64(max) {
			bestStart = local - n + 1
			bestN = n
			break
		}
	}
	fs.bufc.release(buf)

	// commit a run that reached the end of the scan
	if n > bestN {
		bestStart = local - n
		bestN = n
	}

	if bestN < uint64(min) {
		return 0, 0, ErrNoSpace
	}

	// mark the run
	local = bestStart
	i = local % blockSize
	block = fs.sb.groupRefmapStart(group) + local/blockSize

	if buf, err = fs.bufc.get(block); err != nil {
		return 0, 0, err
	}
	buf.markDirty()

	for ; local < bestStart+bestN; local, i = local+1, i+1 {
		if i == blockSize {
			i = 0
			fs.bufc.release(buf)
			block++
			// some of the run is already marked; we don't unwind on
			// a failed read, matching the refmap-leak tolerance of
			// the growth path
			if buf, err = fs.bufc.get(block); err != nil {
				return 0, 0, err
			}
			buf.markDirty()
		}
		buf.data[i] = 1
	}
	fs.bufc.release(buf)

	fs.adjustCounters(group, 0, -int64(bestN))

	return bestStart, int(bestN), nil
}

// allocBlocks finds and marks a run of free blocks of size between min
// and max. A nonzero hint requests contiguous extension beginning at
// exactly that block; otherwise the search starts in the group derived
// from the inode number and wraps through all groups.
func (fs *FileSystem) allocBlocks(in *Inode, hint uint64, min, max int) (uint64, int, error) {
	sb := fs.sb

	if hint != 0 {
		group := sb.blockExtractGroup(hint)
		local := sb.blockExtractLocal(hint)
		if group >= sb.numGroups || local >= sb.dataLimit(group) {
			return 0, 0, fmt.Errorf("%w: block %d out of range", ErrInvalid, hint)
		}

		lk := fs.groupLock(group)
		lk.Lock()
		start, n, err := fs.allocBlocksLocal(true, group, local, min, max)
		lk.Unlock()
		if err != nil {
			return 0, 0, err
		}
		return sb.blockCompose(group, start), n, nil
	}

	group := sb.inodeExtractGroup(in.num)
	first := group

	for {
		lk := fs.groupLock(group)
		lk.Lock()
		start, n, err := fs.allocBlocksLocal(false, group, 0, min, max)
		lk.Unlock()

		if err == nil && n >= min {
			return sb.blockCompose(group, start), n, nil
		}
		if err != nil && err != ErrNoSpace {
			return 0, 0, err
		}

		if group++; group >= sb.numGroups {
			group = 0
		}
		if group == first {
			return 0, 0, ErrNoSpace
		}
	}
}

// deallocBlocks returns a run of blocks to the reference map,
// decrementing each byte and saturating at zero. Out-of-range runs are
// ignored, double frees are clamped; neither is worth a panic.
func (fs *FileSystem) deallocBlocks(start, size uint64) {
	sb := fs.sb
	if start+size > sb.numBlocks || start < sb.groupDataStart(0) {
		return
	}

	var (
		blockSize = uint64(sb.blockSize)
		group     = sb.blockExtractGroup(start)
		local     = sb.blockExtractLocal(start)
		limit     = sb.dataLimit(group)
		freed     int64
	)

	block := sb.groupRefmapStart(group) + local/blockSize
	i := local % blockSize

	lk := fs.groupLock(group)
	lk.Lock()
	defer lk.Unlock()

	buf, err := fs.bufc.get(block)
	if err != nil {
		return
	}
	buf.markDirty()

	for ; local < limit && size > 0; local, i, size = local+1, i+1, size-1 {
		if i == blockSize {
			i = 0
			fs.bufc.release(buf)
			block++
			if buf, err = fs.bufc.get(block); err != nil {
				return
			}
			buf.markDirty()
		}

		if buf.data[i] == 0 {
			log.Warnf("jbfs: freeing unallocated block in group %d", group)
			continue
		}
		buf.data[i]--
		if buf.data[i] == 0 {
			freed++
		}
	}
	fs.bufc.release(buf)

	fs.adjustCounters(group, 0, freed)
}
