package jbfs

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/google/uuid"
)

const (
	// Magic identifies a jbfs superblock
	Magic uint32 = 0x12050109

	// superblockOffset is the fixed byte offset of the superblock on disk
	superblockOffset = 1024
	// superblockSize is the encoded size of the superblock in bytes
	superblockSize = 140

	// groupDescriptorSize is the encoded size of a group descriptor
	groupDescriptorSize = 16

	labelLength = 48

	timeSecondBits = 54

	minLogBlockSize uint32 = 10 /* 1024 */
	maxLogBlockSize uint32 = 12 /* 4096 */
)

// superblock holds the decoded volume geometry. All offsets are in
// blocks; offsetInodes/offsetRefmap/offsetData are relative to the
// start of a group.
type superblock struct {
	magic           uint32
	logBlockSize    uint32
	flags           uint64
	numBlocks       uint64
	numGroups       uint64
	localInodeBits  uint32
	groupSize       uint32
	groupDataBlocks uint32
	groupInodes     uint32
	offsetGroup     uint32
	offsetInodes    uint32
	offsetRefmap    uint32
	offsetData      uint32
	label           string
	uuid            *uuid.UUID
	defaultRoot     uint64
	checksum        uint32

	// derived
	blockSize uint32
}

func (sb *superblock) equal(a *superblock) bool {
	if sb == nil || a == nil {
		return sb == a
	}
	b1, b2 := *sb, *a
	b1.uuid, b2.uuid = nil, nil
	if b1 != b2 {
		return false
	}
	if sb.uuid == nil || a.uuid == nil {
		return sb.uuid == a.uuid
	}
	return *sb.uuid == *a.uuid
}

// superblockFromBytes decodes a superblock, checking the magic.
func superblockFromBytes(b []byte) (*superblock, error) {
	if len(b) < superblockSize {
		return nil, fmt.Errorf("superblock data too short: %d bytes, must be min %d bytes", len(b), superblockSize)
	}

	magic := binary.LittleEndian.Uint32(b[0:4])
	if magic != Magic {
		return nil, fmt.Errorf("%w: magic doesn't match (expected 0x%08x, got 0x%08x)", ErrInvalid, Magic, magic)
	}

	fsuuid, err := uuid.FromBytes(b[112:128])
	if err != nil {
		return nil, fmt.Errorf("unable to read volume UUID: %v", err)
	}

	sb := superblock{
		magic:           magic,
		logBlockSize:    binary.LittleEndian.Uint32(b[4:8]),
		flags:           binary.LittleEndian.Uint64(b[8:16]),
		numBlocks:       binary.LittleEndian.Uint64(b[16:24]),
		numGroups:       binary.LittleEndian.Uint64(b[24:32]),
		localInodeBits:  binary.LittleEndian.Uint32(b[32:36]),
		groupSize:       binary.LittleEndian.Uint32(b[36:40]),
		groupDataBlocks: binary.LittleEndian.Uint32(b[40:44]),
		groupInodes:     binary.LittleEndian.Uint32(b[44:48]),
		offsetGroup:     binary.LittleEndian.Uint32(b[48:52]),
		offsetInodes:    binary.LittleEndian.Uint32(b[52:56]),
		offsetRefmap:    binary.LittleEndian.Uint32(b[56:60]),
		offsetData:      binary.LittleEndian.Uint32(b[60:64]),
		label:           cstring(b[64:112]),
		uuid:            &fsuuid,
		defaultRoot:     binary.LittleEndian.Uint64(b[128:136]),
		checksum:        binary.LittleEndian.Uint32(b[136:140]),
	}

	if sb.logBlockSize < minLogBlockSize || sb.logBlockSize > maxLogBlockSize {
		return nil, fmt.Errorf("%w: bad block size 2^%d", ErrInvalid, sb.logBlockSize)
	}
	sb.blockSize = 1 << sb.logBlockSize

	// checksums are optional; a zero value means unchecksummed
	if sb.checksum != 0 {
		if got := superblockChecksum(b); got != sb.checksum {
			return nil, fmt.Errorf("%w: superblock checksum mismatch (on-disk %#x, calculated %#x)", ErrInvalid, sb.checksum, got)
		}
	}

	return &sb, nil
}

// superblockChecksum is CRC-32C over the encoded superblock with the
// checksum field zeroed.
func superblockChecksum(b []byte) uint32 {
	scratch := make([]byte, superblockSize)
	copy(scratch, b[:superblockSize])
	binary.LittleEndian.PutUint32(scratch[136:140], 0)
	return crc32.Checksum(scratch, crc32.MakeTable(crc32.Castagnoli))
}

// toBytes encodes the superblock ready to be written to disk
func (sb *superblock) toBytes() []byte {
	b := make([]byte, superblockSize)

	binary.LittleEndian.PutUint32(b[0:4], sb.magic)
	binary.LittleEndian.PutUint32(b[4:8], sb.logBlockSize)
	binary.LittleEndian.PutUint64(b[8:16], sb.flags)
	binary.LittleEndian.PutUint64(b[16:24], sb.numBlocks)
	binary.LittleEndian.PutUint64(b[24:32], sb.numGroups)
	binary.LittleEndian.PutUint32(b[32:36], sb.localInodeBits)
	binary.LittleEndian.PutUint32(b[36:40], sb.groupSize)
	binary.LittleEndian.PutUint32(b[40:44], sb.groupDataBlocks)
	binary.LittleEndian.PutUint32(b[44:48], sb.groupInodes)
	binary.LittleEndian.PutUint32(b[48:52], sb.offsetGroup)
	binary.LittleEndian.PutUint32(b[52:56], sb.offsetInodes)
	binary.LittleEndian.PutUint32(b[56:60], sb.offsetRefmap)
	binary.LittleEndian.PutUint32(b[60:64], sb.offsetData)
	label := []byte(sb.label)
	if len(label) > labelLength {
		label = label[:labelLength]
	}
	copy(b[64:112], label)
	if sb.uuid != nil {
		copy(b[112:128], sb.uuid[:])
	}
	binary.LittleEndian.PutUint64(b[128:136], sb.defaultRoot)
	binary.LittleEndian.PutUint32(b[136:140], sb.checksum)

	return b
}

// sanityCheck validates the geometry invariants before the volume is
// used. The last group may be cut short by the end of the device; the
// allocator clamps its scan accordingly.
func (sb *superblock) sanityCheck() error {
	var msg string
	switch {
	case sb.offsetInodes < 2:
		msg = "bitmap begins after inodes"
	case sb.offsetInodes >= sb.offsetRefmap:
		msg = "inodes begin after refmap"
	case sb.offsetRefmap >= sb.offsetData:
		msg = "refmap begins after data"
	case uint64(sb.offsetData)+uint64(sb.groupDataBlocks) > uint64(sb.groupSize):
		msg = "data blocks don't fit within a group"
	case sb.numGroups == 0:
		msg = "no groups"
	case uint64(sb.offsetGroup)+(sb.numGroups-1)*uint64(sb.groupSize)+uint64(sb.offsetData) >= sb.numBlocks:
		msg = "last group begins after end of volume"
	case sb.groupInodes > 1<<sb.localInodeBits:
		msg = "more inodes per group than the inode numbering can address"
	case uint64(sb.offsetInodes-1)*uint64(sb.blockSize)*8 < uint64(sb.groupInodes):
		msg = "inode bitmap too small for the group's inodes"
	case uint64(sb.offsetRefmap-sb.offsetInodes)*uint64(sb.blockSize) < uint64(sb.groupInodes)*inodeSize:
		msg = "inode table too small for the group's inodes"
	case uint64(sb.offsetData-sb.offsetRefmap)*uint64(sb.blockSize) < uint64(sb.groupDataBlocks):
		msg = "refmap too small for the group's data blocks"
	default:
		return nil
	}
	return fmt.Errorf("%w: inconsistent superblock (%s)", ErrInvalid, msg)
}

// Geometry helpers. These are pure functions over the decoded geometry;
// everything else in the package addresses the disk through them.

func (sb *superblock) groupDescBlock(group uint64) uint64 {
	return uint64(sb.offsetGroup) + group*uint64(sb.groupSize)
}

func (sb *superblock) groupBitmapStart(group uint64) uint64 {
	return sb.groupDescBlock(group) + 1
}

func (sb *superblock) groupInodesStart(group uint64) uint64 {
	return sb.groupDescBlock(group) + uint64(sb.offsetInodes)
}

func (sb *superblock) groupRefmapStart(group uint64) uint64 {
	return sb.groupDescBlock(group) + uint64(sb.offsetRefmap)
}

func (sb *superblock) groupDataStart(group uint64) uint64 {
	return sb.groupDescBlock(group) + uint64(sb.offsetData)
}

func (sb *superblock) blockCompose(group, local uint64) uint64 {
	return sb.groupDataStart(group) + local
}

func (sb *superblock) blockExtractGroup(block uint64) uint64 {
	return (block - uint64(sb.offsetGroup)) / uint64(sb.groupSize)
}

func (sb *superblock) blockExtractLocal(block uint64) uint64 {
	return (block-uint64(sb.offsetGroup))%uint64(sb.groupSize) - uint64(sb.offsetData)
}

func (sb *superblock) inodeExtractGroup(ino uint64) uint64 {
	return (ino - 1) >> sb.localInodeBits
}

func (sb *superblock) inodeExtractLocal(ino uint64) uint64 {
	return (ino - 1) & ((1 << sb.localInodeBits) - 1)
}

func (sb *superblock) inodeCompose(group, local uint64) uint64 {
	return (group << sb.localInodeBits) + local + 1
}

// dataLimit is how many refmap bytes of group are valid: the usual
// group_data_blocks, clamped on the last group when the device ends
// mid-group.
func (sb *superblock) dataLimit(group uint64) uint64 {
	limit := uint64(sb.groupDataBlocks)
	if group == sb.numGroups-1 {
		end := sb.blockExtractLocal(sb.numBlocks-1) + 1
		if end < limit {
			limit = end
		}
	}
	return limit
}

// validInode reports whether ino addresses an inode slot on this volume.
func (sb *superblock) validInode(ino uint64) bool {
	if ino == 0 {
		return false
	}
	return sb.inodeExtractGroup(ino) < sb.numGroups &&
		sb.inodeExtractLocal(ino) < uint64(sb.groupInodes)
}

// groupDescriptor mirrors the single descriptor at the head of each
// group. The checksum is carried as read and written back unchanged;
// it is never verified.
type groupDescriptor struct {
	magic      uint32
	freeInodes uint32
	freeBlocks uint32
	checksum   uint32
}

func groupDescriptorFromBytes(b []byte) (*groupDescriptor, error) {
	if len(b) < groupDescriptorSize {
		return nil, fmt.Errorf("group descriptor data too short: %d bytes, must be min %d bytes", len(b), groupDescriptorSize)
	}
	gd := groupDescriptor{
		magic:      binary.LittleEndian.Uint32(b[0:4]),
		freeInodes: binary.LittleEndian.Uint32(b[4:8]),
		freeBlocks: binary.LittleEndian.Uint32(b[8:12]),
		checksum:   binary.LittleEndian.Uint32(b[12:16]),
	}
	if gd.magic != Magic {
		return nil, fmt.Errorf("%w: group descriptor magic doesn't match (expected 0x%08x, got 0x%08x)", ErrInvalid, Magic, gd.magic)
	}
	return &gd, nil
}

func (gd *groupDescriptor) toBytes() []byte {
	b := make([]byte, groupDescriptorSize)
	binary.LittleEndian.PutUint32(b[0:4], gd.magic)
	binary.LittleEndian.PutUint32(b[4:8], gd.freeInodes)
	binary.LittleEndian.PutUint32(b[8:12], gd.freeBlocks)
	binary.LittleEndian.PutUint32(b[12:16], gd.checksum)
	return b
}

// cstring extracts a NUL-terminated string from a fixed field
func cstring(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
