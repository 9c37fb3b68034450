package jbfs

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	// inodeSize is the fixed on-disk inode record size
	inodeSize = 256
	// inodeExtents is the number of direct extent slots in an inode
	inodeExtents = 12
	// linkMax is the maximum number of hard links to an inode
	linkMax = 65535

	// file type bits in the mode field
	modeTypeMask  uint16 = 0xF000
	modeFifo      uint16 = 0x1000
	modeCharDev   uint16 = 0x2000
	modeDirectory uint16 = 0x4000
	modeBlockDev  uint16 = 0x6000
	modeRegular   uint16 = 0x8000
	modeSymlink   uint16 = 0xA000
	modeSocket    uint16 = 0xC000
)

// Inode is the in-memory state of one inode: the decoded on-disk
// record plus the mutex that serializes block-map mutation. Instances
// are shared through the filesystem's inode cache; hold a reference
// via iget and return it with iput.
type Inode struct {
	fs  *FileSystem
	num uint64

	mode   uint16
	nlinks uint16
	uid    uint32
	gid    uint32
	flags  uint32
	size   uint64
	mtime  time.Time
	atime  time.Time
	ctime  time.Time

	extents [inodeExtents]extent
	cont    uint64

	// rdev is the packed device number for character/block specials;
	// on disk it occupies extents[0].start
	rdev uint64

	// version counts directory mutations, the iversion of the original
	version uint64

	// mu serializes block-map mutation (grow, truncate) for this inode
	mu sync.Mutex

	refs  int
	dirty bool
}

// Number returns the inode number.
func (in *Inode) Number() uint64 { return in.num }

// Size returns the file size in bytes.
func (in *Inode) Size() uint64 { return in.size }

// Nlinks returns the link count.
func (in *Inode) Nlinks() uint16 { return in.nlinks }

// Mode returns the raw mode bits.
func (in *Inode) Mode() uint16 { return in.mode }

func (in *Inode) isDir() bool     { return in.mode&modeTypeMask == modeDirectory }
func (in *Inode) isRegular() bool { return in.mode&modeTypeMask == modeRegular }
func (in *Inode) isSymlink() bool { return in.mode&modeTypeMask == modeSymlink }
func (in *Inode) isDevice() bool {
	t := in.mode & modeTypeMask
	return t == modeCharDev || t == modeBlockDev
}

func (in *Inode) markDirty() { in.dirty = true }

// touch updates mtime and ctime and marks the inode dirty.
func (in *Inode) touch() {
	now := time.Now()
	in.mtime = now
	in.ctime = now
	in.dirty = true
}

// encodeTime packs a timestamp as seconds<<10 | milliseconds. The
// seconds field is 54 bits wide.
func encodeTime(t time.Time) uint64 {
	return uint64(t.Unix())<<10 | uint64(t.Nanosecond()/1000000)
}

// decodeTime unpacks a seconds<<10 | milliseconds timestamp.
func decodeTime(v uint64) time.Time {
	return time.Unix(int64(v>>10), int64(v&0x3ff)*1000000)
}

// Mkdev packs a (major, minor) pair into the device number format
// stored on disk: minor&0xff | major<<8 | (minor&^0xff)<<12.
func Mkdev(major, minor uint32) int {
	return int(uint64(minor&0xff) | uint64(major)<<8 | uint64(minor&^0xff)<<12)
}

// DevMajor extracts the major number from a packed device number.
func DevMajor(dev int) uint32 {
	return uint32(dev>>8) & 0xfff
}

// DevMinor extracts the minor number from a packed device number.
func DevMinor(dev int) uint32 {
	return uint32(dev&0xff) | uint32(dev>>12)&^0xff
}

// inodePosition returns the block number and in-block offset of the
// raw inode record.
func (sb *superblock) inodePosition(ino uint64) (block uint64, offset uint32) {
	group := sb.inodeExtractGroup(ino)
	local := sb.inodeExtractLocal(ino)
	pos := sb.groupInodesStart(group)*uint64(sb.blockSize) + local*inodeSize
	return pos / uint64(sb.blockSize), uint32(pos % uint64(sb.blockSize))
}

// inodeFromBytes decodes a raw inode record.
func (fs *FileSystem) inodeFromBytes(b []byte, ino uint64) *Inode {
	in := &Inode{
		fs:     fs,
		num:    ino,
		mode:   binary.LittleEndian.Uint16(b[0:2]),
		nlinks: binary.LittleEndian.Uint16(b[2:4]),
		uid:    binary.LittleEndian.Uint32(b[4:8]),
		gid:    binary.LittleEndian.Uint32(b[8:12]),
		flags:  binary.LittleEndian.Uint32(b[12:16]),
		size:   binary.LittleEndian.Uint64(b[16:24]),
		mtime:  decodeTime(binary.LittleEndian.Uint64(b[24:32])),
		atime:  decodeTime(binary.LittleEndian.Uint64(b[32:40])),
		ctime:  decodeTime(binary.LittleEndian.Uint64(b[40:48])),
		cont:   binary.LittleEndian.Uint64(b[240:248]),
	}
	for i := 0; i < inodeExtents; i++ {
		base := 48 + i*16
		in.extents[i] = extent{
			start: binary.LittleEndian.Uint64(b[base : base+8]),
			end:   binary.LittleEndian.Uint64(b[base+8 : base+16]),
		}
	}
	if in.isDevice() {
		in.rdev = in.extents[0].start
	}
	return in
}

// toBytes encodes the inode record ready to be written to disk. Device
// nodes store their packed rdev in the first extent slot; everything
// else carries the extent array and continuation pointer.
func (in *Inode) toBytes() []byte {
	b := make([]byte, inodeSize)

	binary.LittleEndian.PutUint16(b[0:2], in.mode)
	binary.LittleEndian.PutUint16(b[2:4], in.nlinks)
	binary.LittleEndian.PutUint32(b[4:8], in.uid)
	binary.LittleEndian.PutUint32(b[8:12], in.gid)
	binary.LittleEndian.PutUint32(b[12:16], in.flags)
	binary.LittleEndian.PutUint64(b[16:24], in.size)
	binary.LittleEndian.PutUint64(b[24:32], encodeTime(in.mtime))
	binary.LittleEndian.PutUint64(b[32:40], encodeTime(in.atime))
	binary.LittleEndian.PutUint64(b[40:48], encodeTime(in.ctime))
	if in.isDevice() {
		binary.LittleEndian.PutUint64(b[48:56], in.rdev)
	} else {
		for i := 0; i < inodeExtents; i++ {
			base := 48 + i*16
			binary.LittleEndian.PutUint64(b[base:base+8], in.extents[i].start)
			binary.LittleEndian.PutUint64(b[base+8:base+16], in.extents[i].end)
		}
	}
	binary.LittleEndian.PutUint64(b[240:248], in.cont)

	return b
}

// readInode reads and decodes an inode from disk, bypassing the cache.
func (fs *FileSystem) readInode(ino uint64) (*Inode, error) {
	if !fs.sb.validInode(ino) {
		return nil, fmt.Errorf("%w: inode %d out of range", ErrInvalid, ino)
	}

	block, offset := fs.sb.inodePosition(ino)
	buf, err := fs.bufc.get(block)
	if err != nil {
		return nil, fmt.Errorf("unable to read inode %d: %w", ino, err)
	}
	defer fs.bufc.release(buf)

	in := fs.inodeFromBytes(buf.data[offset:offset+inodeSize], ino)
	if in.nlinks == 0 {
		log.Warnf("jbfs: deleted inode referenced: %d", ino)
		return nil, fmt.Errorf("%w: inode %d", ErrStale, ino)
	}
	return in, nil
}

// writeInode serializes the inode back into its table slot.
func (fs *FileSystem) writeInode(in *Inode) error {
	block, offset := fs.sb.inodePosition(in.num)
	buf, err := fs.bufc.get(block)
	if err != nil {
		return fmt.Errorf("unable to get raw inode %d: %w", in.num, err)
	}
	copy(buf.data[offset:offset+inodeSize], in.toBytes())
	buf.markDirty()
	fs.bufc.release(buf)
	in.dirty = false
	return nil
}

// iget returns the cached inode for ino, reading it from disk on first
// use. Every iget is paired with an iput.
func (fs *FileSystem) iget(ino uint64) (*Inode, error) {
	fs.icacheMu.Lock()
	if in, ok := fs.icache[ino]; ok {
		in.refs++
		fs.icacheMu.Unlock()
		return in, nil
	}
	fs.icacheMu.Unlock()

	in, err := fs.readInode(ino)
	if err != nil {
		return nil, err
	}

	fs.icacheMu.Lock()
	defer fs.icacheMu.Unlock()
	if cached, ok := fs.icache[ino]; ok {
		cached.refs++
		return cached, nil
	}
	in.refs = 1
	fs.icache[ino] = in
	return in, nil
}

// iput drops one reference. When the last reference goes away the
// inode is written back if dirty; if its link count reached zero it is
// truncated to nothing and its slot and blocks are released first.
func (fs *FileSystem) iput(in *Inode) error {
	fs.icacheMu.Lock()
	in.refs--
	if in.refs > 0 {
		fs.icacheMu.Unlock()
		return nil
	}
	delete(fs.icache, in.num)
	fs.icacheMu.Unlock()

	if in.nlinks == 0 {
		if err := fs.truncateInode(in, 0); err != nil {
			return err
		}
		if err := fs.writeInode(in); err != nil {
			return err
		}
		return fs.freeInode(in.num)
	}
	if in.dirty {
		return fs.writeInode(in)
	}
	return nil
}

// fileInfo adapts an inode to os.FileInfo for ReadDir.
type fileInfo struct {
	name    string
	size    int64
	mode    os.FileMode
	modTime time.Time
	isDir   bool
}

func (fi fileInfo) Name() string       { return fi.name }
func (fi fileInfo) Size() int64        { return fi.size }
func (fi fileInfo) Mode() os.FileMode  { return fi.mode }
func (fi fileInfo) ModTime() time.Time { return fi.modTime }
func (fi fileInfo) IsDir() bool        { return fi.isDir }
func (fi fileInfo) Sys() interface{}   { return nil }

// osMode converts raw mode bits to an os.FileMode.
func osMode(mode uint16) os.FileMode {
	m := os.FileMode(mode & 0o777)
	switch mode & modeTypeMask {
	case modeDirectory:
		m |= os.ModeDir
	case modeSymlink:
		m |= os.ModeSymlink
	case modeCharDev:
		m |= os.ModeDevice | os.ModeCharDevice
	case modeBlockDev:
		m |= os.ModeDevice
	case modeFifo:
		m |= os.ModeNamedPipe
	case modeSocket:
		m |= os.ModeSocket
	}
	return m
}
