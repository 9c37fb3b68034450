package jbfs

import (
	"fmt"
	"os"
	"testing"

	"github.com/julian-blaauboer/jbfs/backend"
	"github.com/julian-blaauboer/jbfs/backend/file"
	"github.com/julian-blaauboer/jbfs/testhelper"
)

// The end-to-end tests run on a small volume: 512 blocks of 1024
// bytes, four groups of 128 blocks. With 64 inodes per group the
// group layout comes out as:
//
//	descriptor at +0, inode bitmap at +1, inode table at +2..17,
//	refmap at +18, data region at +19 (109 blocks, last group
//	clamped to 107)
//
// so group 0's data region starts at block 21, holding the root
// directory's first chunk, and the first file block lands at 22.
const (
	testVolumeSize  = 512 * 1024
	testGroupSize   = 128
	testGroupInodes = 64

	testDataStart = 21 // block of group 0's first data block
)

// memoryBackend returns a writable Storage over an in-memory image.
func memoryBackend(size int64) (backend.Storage, []byte) {
	data := make([]byte, size)
	f := &testhelper.FileImpl{
		Reader: func(b []byte, offset int64) (int, error) {
			if offset < 0 || offset >= int64(len(data)) {
				return 0, fmt.Errorf("read at %d beyond end of image", offset)
			}
			return copy(b, data[offset:]), nil
		},
		Writer: func(b []byte, offset int64) (int, error) {
			if offset < 0 || offset+int64(len(b)) > int64(len(data)) {
				return 0, fmt.Errorf("write at %d beyond end of image", offset)
			}
			return copy(data[offset:], b), nil
		},
	}
	return file.New(f, false), data
}

// testFS creates a fresh filesystem on an in-memory image.
func testFS(t *testing.T) (*FileSystem, []byte) {
	t.Helper()
	b, data := memoryBackend(testVolumeSize)
	fs, err := Create(b, testVolumeSize, 0, &Params{
		LogBlockSize: 10,
		GroupSize:    testGroupSize,
		GroupInodes:  testGroupInodes,
		Label:        "jbfs_test",
	})
	if err != nil {
		t.Fatalf("unable to create filesystem: %v", err)
	}
	return fs, data
}

// createFile creates a regular file and returns it open for reading
// and writing.
func createFile(t *testing.T, fs *FileSystem, pathname string) *File {
	t.Helper()
	f, err := fs.OpenFile(pathname, os.O_CREATE|os.O_RDWR)
	if err != nil {
		t.Fatalf("unable to create %s: %v", pathname, err)
	}
	return f.(*File)
}

// writeBlocks appends n blocks of patterned data to the file.
func writeBlocks(t *testing.T, f *File, n int) {
	t.Helper()
	block := make([]byte, f.fs.sb.blockSize)
	for i := 0; i < n; i++ {
		for j := range block {
			block[j] = byte(i)
		}
		if _, err := f.Write(block); err != nil {
			t.Fatalf("unable to write block %d: %v", i, err)
		}
	}
}

// refmapByte reads the refmap byte for a data block straight from the
// filesystem's buffers.
func refmapByte(t *testing.T, fs *FileSystem, block uint64) byte {
	t.Helper()
	sb := fs.sb
	group := sb.blockExtractGroup(block)
	local := sb.blockExtractLocal(block)
	buf, err := fs.bufc.get(sb.groupRefmapStart(group) + local/uint64(sb.blockSize))
	if err != nil {
		t.Fatalf("unable to read refmap of group %d: %v", group, err)
	}
	defer fs.bufc.release(buf)
	return buf.data[local%uint64(sb.blockSize)]
}

// markBlockUsed sets the refmap byte for a data block, simulating a
// foreign allocation.
func markBlockUsed(t *testing.T, fs *FileSystem, block uint64) {
	t.Helper()
	sb := fs.sb
	group := sb.blockExtractGroup(block)
	local := sb.blockExtractLocal(block)
	buf, err := fs.bufc.get(sb.groupRefmapStart(group) + local/uint64(sb.blockSize))
	if err != nil {
		t.Fatalf("unable to read refmap of group %d: %v", group, err)
	}
	buf.data[local%uint64(sb.blockSize)] = 1
	buf.markDirty()
	fs.bufc.release(buf)
}
