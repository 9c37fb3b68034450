package jbfs

import (
	"errors"
	"testing"
)

func TestAllocPrefersLargestRun(t *testing.T) {
	fs, _ := testFS(t)

	in, err := fs.GetInode(fs.effectiveRoot)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = fs.PutInode(in) }()

	// carve group 0 into a 3-run and a longer tail:
	// local 0 is the root chunk; block local 4 splits 1..3 from 5..
	markBlockUsed(t, fs, fs.sb.blockCompose(0, 4))

	lk := fs.groupLock(0)
	lk.Lock()
	start, n, err := fs.allocBlocksLocal(false, 0, 0, 1, 10)
	lk.Unlock()
	if err != nil {
		t.Fatal(err)
	}
	if start != 5 || n != 10 {
		t.Errorf("allocated (%d,%d), expected the 10-block run at 5", start, n)
	}
}

func TestAllocPartialRun(t *testing.T) {
	fs, _ := testFS(t)

	in, err := fs.GetInode(fs.effectiveRoot)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = fs.PutInode(in) }()

	// free space in group 0: exactly locals 1..3
	markBlockUsed(t, fs, fs.sb.blockCompose(0, 4))
	for local := uint64(5); local < fs.sb.dataLimit(0); local++ {
		markBlockUsed(t, fs, fs.sb.blockCompose(0, local))
	}

	lk := fs.groupLock(0)
	lk.Lock()
	start, n, err := fs.allocBlocksLocal(false, 0, 0, 1, 10)
	lk.Unlock()
	if err != nil {
		t.Fatalf("partial allocation failed: %v", err)
	}
	if start != 1 || n != 3 {
		t.Errorf("allocated (%d,%d), expected the partial run (1,3)", start, n)
	}
}

func TestAllocNoSpaceInGroup(t *testing.T) {
	fs, _ := testFS(t)

	for local := uint64(1); local < fs.sb.dataLimit(0); local++ {
		markBlockUsed(t, fs, fs.sb.blockCompose(0, local))
	}

	lk := fs.groupLock(0)
	lk.Lock()
	_, _, err := fs.allocBlocksLocal(false, 0, 0, 1, 1)
	lk.Unlock()
	if !errors.Is(err, ErrNoSpace) {
		t.Errorf("full group returned %v, expected ErrNoSpace", err)
	}
}

func TestAllocFallsOverToNextGroup(t *testing.T) {
	fs, _ := testFS(t)

	in, err := fs.GetInode(fs.effectiveRoot)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = fs.PutInode(in) }()

	for local := uint64(1); local < fs.sb.dataLimit(0); local++ {
		markBlockUsed(t, fs, fs.sb.blockCompose(0, local))
	}

	bno, n, err := fs.allocBlocks(in, 0, 1, 2)
	if err != nil {
		t.Fatalf("wrap allocation: %v", err)
	}
	if fs.sb.blockExtractGroup(bno) != 1 || n != 2 {
		t.Errorf("allocated %d (n=%d), expected group 1", bno, n)
	}
}

func TestHintedExtensionStopsAtUsedByte(t *testing.T) {
	fs, _ := testFS(t)

	in, err := fs.GetInode(fs.effectiveRoot)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = fs.PutInode(in) }()

	// hint at a free run of exactly 2 before a used byte
	markBlockUsed(t, fs, fs.sb.blockCompose(0, 3))
	bno, n, err := fs.allocBlocks(in, fs.sb.blockCompose(0, 1), 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if bno != fs.sb.blockCompose(0, 1) || n != 2 {
		t.Errorf("hinted extension gave (%d,%d), expected (%d,2)", bno, n, fs.sb.blockCompose(0, 1))
	}

	// hint at a used byte extends by nothing
	bno2, n2, err := fs.allocBlocks(in, fs.sb.blockCompose(0, 3), 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if n2 != 0 {
		t.Errorf("hinted extension over a used byte gave (%d,%d), expected 0 blocks", bno2, n2)
	}
}

func TestDeallocDecrementsAndClamps(t *testing.T) {
	fs, _ := testFS(t)

	blk := fs.sb.blockCompose(0, 2)
	markBlockUsed(t, fs, blk)

	fs.deallocBlocks(blk, 1)
	if got := refmapByte(t, fs, blk); got != 0 {
		t.Errorf("refmap %d after free, expected 0", got)
	}

	// double free clamps silently
	fs.deallocBlocks(blk, 1)
	if got := refmapByte(t, fs, blk); got != 0 {
		t.Errorf("refmap %d after double free, expected 0", got)
	}
}

func TestInodeAllocatorWraps(t *testing.T) {
	fs, _ := testFS(t)

	// exhaust group 0's inode slots
	sb := fs.sb
	buf, err := fs.bufc.get(sb.groupBitmapStart(0))
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < int(sb.groupInodes)/8; i++ {
		buf.data[i] = 0xff
	}
	buf.markDirty()
	fs.bufc.release(buf)

	ino, err := fs.allocInode(1)
	if err != nil {
		t.Fatalf("allocation with full first group: %v", err)
	}
	if got := sb.inodeExtractGroup(ino); got != 1 {
		t.Errorf("inode %d allocated in group %d, expected 1", ino, got)
	}
}
