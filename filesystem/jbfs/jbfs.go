// Package jbfs implements the jbfs filesystem: a Unix-style volume of
// fixed-size blocks cut into self-contained groups, each with its own
// inode table, inode bitmap, byte-per-block reference map, and data
// region. File bodies are extent runs held in twelve direct slots per
// inode, overflowing into a chain of continuation nodes.
package jbfs

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/julian-blaauboer/jbfs/backend"
	"github.com/julian-blaauboer/jbfs/filesystem"
)

// Params controls geometry derivation in Create. Zero values pick
// defaults.
type Params struct {
	// UUID for the volume; random if nil
	UUID *uuid.UUID
	// Label for the volume, at most 48 bytes
	Label string
	// LogBlockSize is log2 of the block size; default 10 (1024 bytes)
	LogBlockSize uint32
	// GroupSize is the number of blocks per group; default 8 * blocksize
	GroupSize uint32
	// GroupInodes is the number of inode slots per group; default
	// GroupSize/4 rounded up to a multiple of 8
	GroupInodes uint32
}

// FileSystem is a mounted jbfs volume.
type FileSystem struct {
	backend backend.Storage
	size    int64
	start   int64

	sb   *superblock
	bufc *bufferCache

	// groupLocks are shared by group number mod groupNLocks; they
	// guard all refmap and inode-bitmap access for their groups
	groupLocks [groupNLocks]sync.Mutex

	// countersMu guards the cached free counts
	countersMu sync.Mutex
	freeBlocks uint64
	freeInodes uint64

	icacheMu sync.Mutex
	icache   map[uint64]*Inode

	// effectiveRoot is defaultRoot unless overridden by root=
	effectiveRoot uint64
	root          *Inode
}

// interface guard
var _ filesystem.FileSystem = (*FileSystem)(nil)

// Statfs reports volume-wide usage.
type Statfs struct {
	BlockSize  uint32
	Blocks     uint64
	FreeBlocks uint64
	Files      uint64
	FreeInodes uint64
	NameLen    uint32
}

// Create builds a jbfs filesystem on the given storage. size is the
// filesystem size in bytes, start is its byte offset into the storage
// (for filesystems inside partitions). Returns a mounted FileSystem
// rooted at a fresh empty directory, inode 1.
func Create(b backend.Storage, size, start int64, p *Params) (*FileSystem, error) {
	if p == nil {
		p = &Params{}
	}

	logBlockSize := p.LogBlockSize
	if logBlockSize == 0 {
		logBlockSize = minLogBlockSize
	}
	if logBlockSize < minLogBlockSize || logBlockSize > maxLogBlockSize {
		return nil, fmt.Errorf("%w: bad block size 2^%d", ErrInvalid, logBlockSize)
	}
	blockSize := uint32(1) << logBlockSize

	numBlocks := uint64(size) / uint64(blockSize)

	groupSize := p.GroupSize
	if groupSize == 0 {
		groupSize = 8 * blockSize
	}

	groupInodes := p.GroupInodes
	if groupInodes == 0 {
		groupInodes = groupSize / 4
	}
	groupInodes = (groupInodes + 7) &^ 7

	bitmapBlocks := ceilDiv(uint64(groupInodes), uint64(blockSize)*8)
	tableBlocks := ceilDiv(uint64(groupInodes)*inodeSize, uint64(blockSize))

	offsetInodes := 1 + uint32(bitmapBlocks)
	offsetRefmap := offsetInodes + uint32(tableBlocks)
	if offsetRefmap >= groupSize {
		return nil, fmt.Errorf("%w: group of %d blocks cannot hold %d inodes", ErrInvalid, groupSize, groupInodes)
	}

	// one refmap byte per data block; grow the refmap until it covers
	// what remains of the group
	refmapBlocks := uint32(1)
	for uint64(refmapBlocks)*uint64(blockSize) < uint64(groupSize-offsetRefmap-refmapBlocks) {
		refmapBlocks++
	}
	offsetData := offsetRefmap + refmapBlocks
	groupDataBlocks := groupSize - offsetData

	localInodeBits := uint32(bits.Len32(groupInodes - 1))

	offsetGroup := uint32(2)
	if uint64(offsetGroup)+uint64(offsetData) >= numBlocks {
		return nil, fmt.Errorf("%w: volume of %d blocks too small for one group", ErrInvalid, numBlocks)
	}
	// groups fit while their data region begins inside the volume; the
	// last group's data region may be cut short
	numGroups := (numBlocks - uint64(offsetGroup) - uint64(offsetData) - 1) / uint64(groupSize)
	numGroups++

	fsuuid := p.UUID
	if fsuuid == nil {
		u, _ := uuid.NewRandom()
		fsuuid = &u
	}

	sb := &superblock{
		magic:           Magic,
		logBlockSize:    logBlockSize,
		numBlocks:       numBlocks,
		numGroups:       numGroups,
		localInodeBits:  localInodeBits,
		groupSize:       groupSize,
		groupDataBlocks: groupDataBlocks,
		groupInodes:     groupInodes,
		offsetGroup:     offsetGroup,
		offsetInodes:    offsetInodes,
		offsetRefmap:    offsetRefmap,
		offsetData:      offsetData,
		label:           p.Label,
		uuid:            fsuuid,
		defaultRoot:     1,
		blockSize:       blockSize,
	}
	if err := sb.sanityCheck(); err != nil {
		return nil, err
	}

	fs := &FileSystem{
		backend:       backend.Sub(b, start, size),
		size:          size,
		start:         start,
		sb:            sb,
		bufc:          newBufferCache(backend.Sub(b, start, size), blockSize),
		icache:        make(map[uint64]*Inode),
		effectiveRoot: sb.defaultRoot,
	}

	// zero the metadata of every group and write its descriptor
	for g := uint64(0); g < numGroups; g++ {
		usable := sb.dataLimit(g)
		for blk := sb.groupDescBlock(g); blk < sb.groupDataStart(g); blk++ {
			buf := fs.bufc.getZero(blk)
			fs.bufc.release(buf)
		}
		gd := groupDescriptor{
			magic:      Magic,
			freeInodes: groupInodes,
			freeBlocks: uint32(usable),
		}
		buf, err := fs.bufc.get(sb.groupDescBlock(g))
		if err != nil {
			return nil, err
		}
		copy(buf.data[:groupDescriptorSize], gd.toBytes())
		buf.markDirty()
		fs.bufc.release(buf)

		fs.freeBlocks += usable
		fs.freeInodes += uint64(groupInodes)
	}

	// superblock lives at byte 1024
	sbBlock := uint64(superblockOffset) / uint64(blockSize)
	sbOffset := superblockOffset % blockSize
	buf := fs.bufc.getZero(sbBlock)
	copy(buf.data[sbOffset:], sb.toBytes())
	fs.bufc.release(buf)

	// build the root directory, inode 1
	root, err := fs.NewInode(nil, modeDirectory|0o755)
	if err != nil {
		return nil, fmt.Errorf("could not initialize root directory: %w", err)
	}
	root.nlinks = 2
	if err := fs.MakeEmpty(root, root); err != nil {
		return nil, fmt.Errorf("could not initialize root directory: %w", err)
	}
	if err := fs.writeInode(root); err != nil {
		return nil, err
	}
	fs.root = root

	if err := fs.Sync(); err != nil {
		return nil, err
	}
	return fs, nil
}

// Read mounts an existing jbfs filesystem of size bytes located start
// bytes into the storage.
func Read(b backend.Storage, size, start int64) (*FileSystem, error) {
	return ReadWithOptions(b, size, start, "")
}

// ReadWithOptions mounts a filesystem with mount options, a
// comma-separated list. Recognized: root=<inode> overriding the
// default root. Unknown options fail the mount.
func ReadWithOptions(b backend.Storage, size, start int64, options string) (*FileSystem, error) {
	sub := backend.Sub(b, start, size)

	// probe at the smallest block size, then re-read the superblock at
	// the size it declares
	probe := make([]byte, superblockSize)
	if _, err := sub.ReadAt(probe, superblockOffset); err != nil {
		return nil, fmt.Errorf("%w: unable to read superblock: %v", ErrIO, err)
	}
	sb, err := superblockFromBytes(probe)
	if err != nil {
		return nil, err
	}
	if sb.blockSize != 1<<minLogBlockSize {
		if _, err := sub.ReadAt(probe, superblockOffset); err != nil {
			return nil, fmt.Errorf("%w: unable to re-read superblock: %v", ErrIO, err)
		}
		if sb, err = superblockFromBytes(probe); err != nil {
			return nil, err
		}
	}

	if err := sb.sanityCheck(); err != nil {
		return nil, err
	}
	if sb.numBlocks*uint64(sb.blockSize) > uint64(size) {
		return nil, fmt.Errorf("%w: volume of %d blocks does not fit in %d bytes", ErrInvalid, sb.numBlocks, size)
	}

	fs := &FileSystem{
		backend:       sub,
		size:          size,
		start:         start,
		sb:            sb,
		bufc:          newBufferCache(sub, sb.blockSize),
		icache:        make(map[uint64]*Inode),
		effectiveRoot: sb.defaultRoot,
	}

	if err := fs.parseOptions(options); err != nil {
		return nil, err
	}

	// free counts are cached from the group descriptors and written
	// back through them as allocations happen
	for g := uint64(0); g < sb.numGroups; g++ {
		buf, err := fs.bufc.get(sb.groupDescBlock(g))
		if err != nil {
			return nil, err
		}
		gd, err := groupDescriptorFromBytes(buf.data)
		fs.bufc.release(buf)
		if err != nil {
			return nil, fmt.Errorf("group %d: %w", g, err)
		}
		fs.freeBlocks += uint64(gd.freeBlocks)
		fs.freeInodes += uint64(gd.freeInodes)
	}

	if !sb.validInode(fs.effectiveRoot) {
		return nil, fmt.Errorf("%w: root inode %d out of range", ErrInvalid, fs.effectiveRoot)
	}
	root, err := fs.iget(fs.effectiveRoot)
	if err != nil {
		log.Errorf("jbfs: cannot get root inode %d: %v", fs.effectiveRoot, err)
		return nil, err
	}
	if !root.isDir() {
		_ = fs.iput(root)
		return nil, fmt.Errorf("%w: root inode %d is not a directory", ErrInvalid, fs.effectiveRoot)
	}
	fs.root = root

	return fs, nil
}

func (fs *FileSystem) parseOptions(options string) error {
	for _, opt := range strings.Split(options, ",") {
		if opt == "" {
			continue
		}
		switch {
		case strings.HasPrefix(opt, "root="):
			root, err := strconv.ParseUint(opt[len("root="):], 10, 64)
			if err != nil {
				return fmt.Errorf("%w: bad mount option %q", ErrInvalid, opt)
			}
			fs.effectiveRoot = root
		default:
			return fmt.Errorf("%w: unknown mount option %q", ErrInvalid, opt)
		}
	}
	return nil
}

// Type returns the type of filesystem
func (fs *FileSystem) Type() filesystem.Type {
	return filesystem.TypeJBFS
}

// Label returns the volume label
func (fs *FileSystem) Label() string {
	return fs.sb.label
}

// SetLabel changes the volume label
func (fs *FileSystem) SetLabel(label string) error {
	if len(label) > labelLength {
		return ErrNameTooLong
	}
	fs.sb.label = label
	return fs.writeSuperblock()
}

// UUID returns the volume UUID
func (fs *FileSystem) UUID() string {
	if fs.sb.uuid == nil {
		return ""
	}
	return fs.sb.uuid.String()
}

// Root returns the root inode of the mount.
func (fs *FileSystem) Root() *Inode {
	return fs.root
}

func (fs *FileSystem) writeSuperblock() error {
	sbBlock := uint64(superblockOffset) / uint64(fs.sb.blockSize)
	sbOffset := superblockOffset % fs.sb.blockSize
	buf, err := fs.bufc.get(sbBlock)
	if err != nil {
		return err
	}
	copy(buf.data[sbOffset:], fs.sb.toBytes())
	buf.markDirty()
	fs.bufc.release(buf)
	return fs.bufc.sync()
}

// Statfs reports block and inode usage for the volume.
func (fs *FileSystem) Statfs() Statfs {
	fs.countersMu.Lock()
	defer fs.countersMu.Unlock()
	sb := fs.sb
	return Statfs{
		BlockSize:  sb.blockSize,
		Blocks:     sb.numBlocks - uint64(sb.offsetGroup) - uint64(sb.offsetData)*sb.numGroups,
		FreeBlocks: fs.freeBlocks,
		Files:      sb.numGroups * uint64(sb.groupInodes),
		FreeInodes: fs.freeInodes,
		NameLen:    maxNameLen,
	}
}

// Sync writes all cached dirty state back to the storage.
func (fs *FileSystem) Sync() error {
	fs.icacheMu.Lock()
	dirty := make([]*Inode, 0, len(fs.icache))
	for _, in := range fs.icache {
		if in.dirty {
			dirty = append(dirty, in)
		}
	}
	fs.icacheMu.Unlock()

	for _, in := range dirty {
		if err := fs.writeInode(in); err != nil {
			return err
		}
	}
	return fs.bufc.sync()
}

// NewInode allocates a fresh inode near the parent directory, with
// zeroed extents and a link count of one. The returned inode is held;
// pair with PutInode.
func (fs *FileSystem) NewInode(parent *Inode, mode uint16) (*Inode, error) {
	parentIno := uint64(1)
	if parent != nil {
		parentIno = parent.num
	}

	ino, err := fs.allocInode(parentIno)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	in := &Inode{
		fs:     fs,
		num:    ino,
		mode:   mode,
		nlinks: 1,
		mtime:  now,
		atime:  now,
		ctime:  now,
		refs:   1,
	}
	if parent != nil {
		in.uid = parent.uid
		in.gid = parent.gid
	}

	fs.icacheMu.Lock()
	fs.icache[ino] = in
	fs.icacheMu.Unlock()

	if err := fs.writeInode(in); err != nil {
		return nil, err
	}
	return in, nil
}

// GetInode returns a held reference to the inode. Pair with PutInode.
func (fs *FileSystem) GetInode(ino uint64) (*Inode, error) {
	return fs.iget(ino)
}

// PutInode drops a reference obtained from GetInode, NewInode, or
// resolution. The final put of an unlinked inode releases its blocks
// and its slot.
func (fs *FileSystem) PutInode(in *Inode) error {
	return fs.iput(in)
}

// WriteInode serializes the inode to its slot in the inode table.
func (fs *FileSystem) WriteInode(in *Inode) error {
	return fs.writeInode(in)
}

// DeleteInode returns an inode's slot to its group's bitmap. The final
// PutInode of an unlinked inode does this itself; callers managing
// inode lifecycles by hand use it after truncating to zero.
func (fs *FileSystem) DeleteInode(in *Inode) error {
	return fs.freeInode(in.num)
}

func ceilDiv(a, b uint64) uint64 {
	return (a + b - 1) / b
}
