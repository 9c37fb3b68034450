package jbfs

import (
	"bytes"
	"errors"
	"io"
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/julian-blaauboer/jbfs/backend/file"
	"github.com/julian-blaauboer/jbfs/testhelper"
)

func TestCreateGeometry(t *testing.T) {
	fs, _ := testFS(t)
	sb := fs.sb

	if sb.numBlocks != 512 {
		t.Errorf("numBlocks %d, expected 512", sb.numBlocks)
	}
	if sb.numGroups != 4 {
		t.Errorf("numGroups %d, expected 4", sb.numGroups)
	}
	if sb.offsetInodes != 2 || sb.offsetRefmap != 18 || sb.offsetData != 19 {
		t.Errorf("group offsets (%d,%d,%d), expected (2,18,19)", sb.offsetInodes, sb.offsetRefmap, sb.offsetData)
	}
	if sb.groupDataBlocks != 109 {
		t.Errorf("groupDataBlocks %d, expected 109", sb.groupDataBlocks)
	}
	if got := sb.dataLimit(3); got != 107 {
		t.Errorf("last group data limit %d, expected 107", got)
	}
	if sb.groupDataBlocks != uint32(sb.dataLimit(0)) {
		t.Errorf("first group clamped to %d unexpectedly", sb.dataLimit(0))
	}
}

func TestBlockComposeExtractRoundTrip(t *testing.T) {
	fs, _ := testFS(t)
	sb := fs.sb

	for _, block := range []uint64{21, 22, 129, 130, 149, 255, 405, 511} {
		group := sb.blockExtractGroup(block)
		local := sb.blockExtractLocal(block)
		if got := sb.blockCompose(group, local); got != block {
			t.Errorf("compose(extract(%d)) = %d", block, got)
		}
	}
}

func TestCreateWriteRead(t *testing.T) {
	fs, _ := testFS(t)

	f := createFile(t, fs, "/a")
	if f.in.num != 2 {
		t.Fatalf("first file got inode %d, expected 2", f.in.num)
	}
	writeBlocks(t, f, 3)

	want := extent{start: testDataStart + 1, end: testDataStart + 4}
	if diff := cmp.Diff(want, f.in.extents[0], cmp.AllowUnexported(extent{})); diff != "" {
		t.Errorf("slot 0 mismatch (-want +got):\n%s", diff)
	}

	// map the first block
	pbn, count, isNew, boundary, err := fs.GetBlock(f.in, 0, 1, false)
	if err != nil {
		t.Fatalf("get block 0: %v", err)
	}
	if pbn != testDataStart+1 || count != 1 || isNew || boundary {
		t.Errorf("block 0 mapped to (%d,%d,%v,%v)", pbn, count, isNew, boundary)
	}

	// the last mapped block is a boundary
	pbn, count, _, boundary, err = fs.GetBlock(f.in, 2, 1, false)
	if err != nil {
		t.Fatalf("get block 2: %v", err)
	}
	if pbn != testDataStart+3 || count != 1 || !boundary {
		t.Errorf("block 2 mapped to (%d,%d,boundary=%v)", pbn, count, boundary)
	}

	// one past the end is an I/O error without create
	if _, _, _, _, err := fs.GetBlock(f.in, 3, 1, false); !errors.Is(err, ErrIO) {
		t.Errorf("read past mapped range returned %v, expected ErrIO", err)
	}

	// read the data back through the file
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		t.Fatal(err)
	}
	block := make([]byte, fs.sb.blockSize)
	for i := 0; i < 3; i++ {
		if _, err := io.ReadFull(f, block); err != nil {
			t.Fatalf("unable to read block %d back: %v", i, err)
		}
		if block[0] != byte(i) || block[len(block)-1] != byte(i) {
			t.Errorf("block %d holds %d..%d, expected %d", i, block[0], block[len(block)-1], i)
		}
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestContiguousExtension(t *testing.T) {
	fs, _ := testFS(t)

	f := createFile(t, fs, "/a")
	writeBlocks(t, f, 3)
	writeBlocks(t, f, 2)

	// extension reuses slot 0 instead of opening a new extent
	want := extent{start: testDataStart + 1, end: testDataStart + 6}
	if diff := cmp.Diff(want, f.in.extents[0], cmp.AllowUnexported(extent{})); diff != "" {
		t.Errorf("slot 0 mismatch (-want +got):\n%s", diff)
	}
	if !f.in.extents[1].empty() {
		t.Errorf("slot 1 unexpectedly used: %+v", f.in.extents[1])
	}

	for block := uint64(testDataStart + 1); block < testDataStart+6; block++ {
		if got := refmapByte(t, fs, block); got != 1 {
			t.Errorf("refmap[%d] = %d, expected 1", block, got)
		}
	}
	_ = f.Close()
}

func TestNonContiguousNewExtent(t *testing.T) {
	fs, _ := testFS(t)

	f := createFile(t, fs, "/a")
	writeBlocks(t, f, 5)

	// block the extension point, forcing a fresh extent
	markBlockUsed(t, fs, testDataStart+6)
	writeBlocks(t, f, 1)

	want := extent{start: testDataStart + 7, end: testDataStart + 8}
	if diff := cmp.Diff(want, f.in.extents[1], cmp.AllowUnexported(extent{})); diff != "" {
		t.Errorf("slot 1 mismatch (-want +got):\n%s", diff)
	}
	_ = f.Close()
}

// fragmentFile fills all twelve direct slots with single-block
// extents, blocking the extension point after every write.
func fragmentFile(t *testing.T, fs *FileSystem, f *File) {
	t.Helper()
	for i := 0; i < inodeExtents; i++ {
		writeBlocks(t, f, 1)
		markBlockUsed(t, fs, f.in.extents[i].end)
	}
	for i := 0; i < inodeExtents; i++ {
		if f.in.extents[i].empty() {
			t.Fatalf("slot %d still empty after fragmenting", i)
		}
	}
}

func TestOverflowToContinuation(t *testing.T) {
	fs, _ := testFS(t)

	f := createFile(t, fs, "/a")
	fragmentFile(t, fs, f)
	if f.in.cont != 0 {
		t.Fatalf("cont %d before overflow", f.in.cont)
	}

	writeBlocks(t, f, 1)

	if f.in.cont == 0 {
		t.Fatal("thirteenth extent did not open a continuation node")
	}

	buf, err := fs.bufc.get(f.in.cont)
	if err != nil {
		t.Fatalf("unable to read continuation node: %v", err)
	}
	defer fs.bufc.release(buf)

	if got := contLength(buf.data); got != 1 {
		t.Errorf("continuation length %d, expected 1", got)
	}
	if got := contNext(buf.data); got != 0 {
		t.Errorf("continuation next %d, expected 0", got)
	}
	first := contExtent(buf.data, 0)
	if first.empty() || first.size() != 1 {
		t.Errorf("first continuation extent %+v, expected a single block", first)
	}

	// the mapped block is reachable through the chain
	pbn, _, _, _, err := fs.GetBlock(f.in, inodeExtents, 1, false)
	if err != nil {
		t.Fatalf("unable to map block %d: %v", inodeExtents, err)
	}
	if pbn != first.start {
		t.Errorf("block %d mapped to %d, expected %d", inodeExtents, pbn, first.start)
	}
	_ = f.Close()
}

func TestContinuationLengthInvariant(t *testing.T) {
	fs, _ := testFS(t)

	f := createFile(t, fs, "/a")
	fragmentFile(t, fs, f)
	writeBlocks(t, f, 4)

	buf, err := fs.bufc.get(f.in.cont)
	if err != nil {
		t.Fatalf("unable to read continuation node: %v", err)
	}
	defer fs.bufc.release(buf)

	var sum uint64
	for slot := 0; slot < contSlots(fs.sb.blockSize); slot++ {
		e := contExtent(buf.data, slot)
		if e.empty() {
			break
		}
		sum += e.size()
	}
	if got := contLength(buf.data); got != sum {
		t.Errorf("continuation length %d, extents sum to %d", got, sum)
	}
	_ = f.Close()
}

func TestTruncateSplit(t *testing.T) {
	fs, _ := testFS(t)

	f := createFile(t, fs, "/a")
	writeBlocks(t, f, 5)
	markBlockUsed(t, fs, testDataStart+6)
	writeBlocks(t, f, 1)

	before := f.in.mtime

	if err := fs.Truncate(f.in, 4*uint64(fs.sb.blockSize)); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	want := extent{start: testDataStart + 1, end: testDataStart + 5}
	if diff := cmp.Diff(want, f.in.extents[0], cmp.AllowUnexported(extent{})); diff != "" {
		t.Errorf("slot 0 mismatch (-want +got):\n%s", diff)
	}
	if !f.in.extents[1].empty() {
		t.Errorf("slot 1 not cleared: %+v", f.in.extents[1])
	}
	if got := refmapByte(t, fs, testDataStart+5); got != 0 {
		t.Errorf("refmap for freed tail = %d, expected 0", got)
	}
	if got := refmapByte(t, fs, testDataStart+7); got != 0 {
		t.Errorf("refmap for freed extent = %d, expected 0", got)
	}
	if got := refmapByte(t, fs, testDataStart+4); got != 1 {
		t.Errorf("refmap for kept block = %d, expected 1", got)
	}
	if f.in.mtime.Before(before) {
		t.Error("mtime not updated by truncate")
	}
	_ = f.Close()
}

func TestTruncateAtExtentBoundaryFreesNothing(t *testing.T) {
	fs, _ := testFS(t)

	f := createFile(t, fs, "/a")
	writeBlocks(t, f, 4)

	if err := fs.Truncate(f.in, 4*uint64(fs.sb.blockSize)); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	want := extent{start: testDataStart + 1, end: testDataStart + 5}
	if diff := cmp.Diff(want, f.in.extents[0], cmp.AllowUnexported(extent{})); diff != "" {
		t.Errorf("slot 0 mismatch (-want +got):\n%s", diff)
	}
	for block := uint64(testDataStart + 1); block < testDataStart+5; block++ {
		if got := refmapByte(t, fs, block); got != 1 {
			t.Errorf("refmap[%d] = %d, expected 1", block, got)
		}
	}
	_ = f.Close()
}

func TestTruncateToZeroReleasesChain(t *testing.T) {
	fs, _ := testFS(t)

	f := createFile(t, fs, "/a")
	fragmentFile(t, fs, f)
	writeBlocks(t, f, 3)

	cont := f.in.cont
	if cont == 0 {
		t.Fatal("no continuation chain to release")
	}
	mapped := make([]uint64, 0, 16)
	for i := 0; i < inodeExtents; i++ {
		mapped = append(mapped, f.in.extents[i].start)
	}

	if err := fs.Truncate(f.in, 0); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	if f.in.cont != 0 {
		t.Errorf("cont %d after truncate to zero", f.in.cont)
	}
	for i := 0; i < inodeExtents; i++ {
		if !f.in.extents[i].empty() {
			t.Errorf("slot %d not cleared: %+v", i, f.in.extents[i])
		}
	}
	for _, block := range mapped {
		if got := refmapByte(t, fs, block); got != 0 {
			t.Errorf("refmap[%d] = %d after truncate to zero", block, got)
		}
	}
	if got := refmapByte(t, fs, cont); got != 0 {
		t.Errorf("continuation block %d still allocated (refmap %d)", cont, got)
	}
	_ = f.Close()
}

func TestUnlinkAndReuse(t *testing.T) {
	fs, _ := testFS(t)

	f := createFile(t, fs, "/a")
	writeBlocks(t, f, 3)
	firstBlock := f.in.extents[0].start
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	free := fs.Statfs().FreeInodes
	if err := fs.Remove("/a"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if got := fs.Statfs().FreeInodes; got != free+1 {
		t.Errorf("free inodes %d after unlink, expected %d", got, free+1)
	}
	if got := refmapByte(t, fs, firstBlock); got != 0 {
		t.Errorf("refmap[%d] = %d after unlink", firstBlock, got)
	}
	if _, err := fs.FindEntry(fs.Root(), "a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("find after unlink returned %v, expected ErrNotFound", err)
	}

	// the slot and the blocks come right back
	g := createFile(t, fs, "/b")
	writeBlocks(t, g, 1)
	if g.in.num != 2 {
		t.Errorf("new file got inode %d, expected reused 2", g.in.num)
	}
	if g.in.extents[0].start != firstBlock {
		t.Errorf("new file data at %d, expected reused %d", g.in.extents[0].start, firstBlock)
	}
	_ = g.Close()
}

func TestLastGroupClamp(t *testing.T) {
	fs, _ := testFS(t)

	in, err := fs.GetInode(fs.effectiveRoot)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = fs.PutInode(in) }()

	lk := fs.groupLock(3)
	lk.Lock()
	start, n, err := fs.allocBlocksLocal(false, 3, 0, 1, 1000)
	lk.Unlock()
	if err != nil {
		t.Fatalf("allocation in last group: %v", err)
	}
	if start != 0 || n != 107 {
		t.Errorf("last group handed out (%d,%d), expected (0,107)", start, n)
	}
}

func TestStatfs(t *testing.T) {
	fs, _ := testFS(t)
	st := fs.Statfs()

	// 512 blocks minus 2 reserved minus 4 groups of 19 metadata blocks
	if st.Blocks != 512-2-4*19 {
		t.Errorf("blocks %d, expected %d", st.Blocks, 512-2-4*19)
	}
	if st.Files != 4*testGroupInodes {
		t.Errorf("files %d, expected %d", st.Files, 4*testGroupInodes)
	}
	// root uses one inode and one chunk
	if st.FreeInodes != st.Files-1 {
		t.Errorf("free inodes %d, expected %d", st.FreeInodes, st.Files-1)
	}
	usable := uint64(3*109 + 107)
	if st.FreeBlocks != usable-1 {
		t.Errorf("free blocks %d, expected %d", st.FreeBlocks, usable-1)
	}
	if st.BlockSize != 1024 || st.NameLen != 255 {
		t.Errorf("blocksize %d namelen %d", st.BlockSize, st.NameLen)
	}
}

func TestWriteBeyondEndOfFile(t *testing.T) {
	fs, _ := testFS(t)

	f := createFile(t, fs, "/a")
	if _, err := f.Seek(2048, io.SeekStart); err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write([]byte("hole")); !errors.Is(err, ErrInvalid) {
		t.Errorf("write past EOF returned %v, expected ErrInvalid", err)
	}
	_ = f.Close()
}

func TestSyncFlushesBackend(t *testing.T) {
	data := make([]byte, testVolumeSize)
	flushes := 0
	f := &testhelper.FileImpl{
		Reader: func(b []byte, offset int64) (int, error) {
			return copy(b, data[offset:]), nil
		},
		Writer: func(b []byte, offset int64) (int, error) {
			return copy(data[offset:], b), nil
		},
		Syncer: func() error {
			flushes++
			return nil
		},
	}

	fs, err := Create(file.New(f, false), testVolumeSize, 0, &Params{
		LogBlockSize: 10,
		GroupSize:    testGroupSize,
		GroupInodes:  testGroupInodes,
	})
	if err != nil {
		t.Fatal(err)
	}
	if flushes == 0 {
		t.Fatal("mkfs never flushed the backend")
	}

	before := flushes
	g := createFile(t, fs, "/a")
	writeBlocks(t, g, 1)
	_ = g.Close()
	if err := fs.Sync(); err != nil {
		t.Fatal(err)
	}
	if flushes != before+1 {
		t.Errorf("sync flushed %d times, expected %d", flushes, before+1)
	}
}

func TestFileReadWriteRoundTrip(t *testing.T) {
	fs, _ := testFS(t)

	payload := make([]byte, 3000)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	f := createFile(t, fs, "/data.bin")
	if n, err := f.Write(payload); err != nil || n != len(payload) {
		t.Fatalf("write returned (%d, %v)", n, err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	g, err := fs.OpenFile("/data.bin", os.O_RDONLY)
	if err != nil {
		t.Fatal(err)
	}
	got, err := io.ReadAll(g)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(payload, got) {
		t.Errorf("read back %d bytes, differs from written %d", len(got), len(payload))
	}
	_ = g.Close()
}
