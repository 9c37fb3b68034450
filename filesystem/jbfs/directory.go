package jbfs

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// A directory is a regular block-mapped file whose chunks (one block
// each) hold dirent records. All mutation of a single chunk happens
// under that chunk's buffer lock.

// DirEntry is one live directory entry as seen by readdir.
type DirEntry struct {
	Ino  uint64
	Name string
}

// dirChunks is how many chunks the directory file spans. Directory
// sizes are always whole chunks.
func (fs *FileSystem) dirChunks(dir *Inode) uint64 {
	return dir.size / uint64(fs.sb.blockSize)
}

// dirGetChunk maps chunk n of the directory and returns its pinned
// buffer after structural validation. A chunk that fails validation is
// logged, invalidated, and surfaced as an I/O error.
func (fs *FileSystem) dirGetChunk(dir *Inode, n uint64) (*buffer, error) {
	pbn, _, _, _, err := fs.getBlocks(dir, n, 1, false)
	if err != nil {
		return nil, err
	}
	buf, err := fs.bufc.get(pbn)
	if err != nil {
		return nil, err
	}
	if err := checkChunk(buf.data); err != nil {
		log.Errorf("jbfs: corrupted directory %d: %v", dir.num, err)
		fs.bufc.invalidate(buf)
		return nil, fmt.Errorf("%w: directory %d chunk %d: %v", ErrIO, dir.num, n, err)
	}
	return buf, nil
}

// findEntry scans the directory for name. Returns the inode number it
// maps to and the (chunk, offset) of the record.
func (fs *FileSystem) findEntry(dir *Inode, name string) (ino, chunk uint64, offset int, err error) {
	if len(name) > maxNameLen {
		return 0, 0, 0, ErrNameTooLong
	}

	chunks := fs.dirChunks(dir)
	for n := uint64(0); n < chunks; n++ {
		buf, err := fs.dirGetChunk(dir, n)
		if err != nil {
			return 0, 0, 0, err
		}

		for off := 0; off <= len(buf.data)-minDirentSize; {
			de := direntAt(buf.data, off)
			if de.ino != 0 && int(de.nameLen) == len(name) && de.name == name {
				fs.bufc.release(buf)
				return de.ino, n, off, nil
			}
			off += int(de.size)
		}
		fs.bufc.release(buf)
	}

	return 0, 0, 0, ErrNotFound
}

// FindEntry returns the inode number name maps to in dir.
func (fs *FileSystem) FindEntry(dir *Inode, name string) (uint64, error) {
	ino, _, _, err := fs.findEntry(dir, name)
	return ino, err
}

// addLink inserts a (name, ino) record into the directory: a tombstone
// big enough is reused, a live record with enough slack is split, and
// otherwise the file grows by one chunk whose first record spans it.
func (fs *FileSystem) addLink(dir *Inode, name string, ino uint64) error {
	if len(name) == 0 {
		return fmt.Errorf("%w: empty name", ErrInvalid)
	}
	if len(name) > maxNameLen {
		return ErrNameTooLong
	}

	needed := direntSize(len(name))
	chunks := fs.dirChunks(dir)

	for n := uint64(0); n < chunks; n++ {
		buf, err := fs.dirGetChunk(dir, n)
		if err != nil {
			return err
		}
		buf.lock()

		for off := 0; off <= len(buf.data)-needed; {
			de := direntAt(buf.data, off)
			if de.ino != 0 && int(de.nameLen) == len(name) && de.name == name {
				buf.unlock()
				fs.bufc.release(buf)
				return ErrExists
			}
			if de.ino == 0 && int(de.size) >= needed {
				// reuse the tombstone, keeping its size
				writeDirent(buf.data, off, dirent{
					ino:     ino,
					size:    de.size,
					nameLen: uint8(len(name)),
					name:    name,
				})
				fs.commitChunk(dir, buf)
				return nil
			}
			minSize := direntSize(int(de.nameLen))
			if de.ino != 0 && int(de.size) >= needed+minSize {
				// split: shrink the live record, put the new one in
				// the slack
				setDirentSize(buf.data, off, minSize)
				writeDirent(buf.data, off+minSize, dirent{
					ino:     ino,
					size:    de.size - uint16(minSize),
					nameLen: uint8(len(name)),
					name:    name,
				})
				fs.commitChunk(dir, buf)
				return nil
			}
			off += int(de.size)
		}
		buf.unlock()
		fs.bufc.release(buf)
	}

	// no room anywhere; extend the directory by one chunk whose first
	// record spans all of it
	pbn, _, _, _, err := fs.GetBlock(dir, chunks, 1, true)
	if err != nil {
		return err
	}
	buf := fs.bufc.getZero(pbn)
	buf.lock()
	writeDirent(buf.data, 0, dirent{
		ino:     ino,
		size:    uint16(fs.sb.blockSize),
		nameLen: uint8(len(name)),
		name:    name,
	})
	dir.size += uint64(fs.sb.blockSize)
	fs.commitChunk(dir, buf)
	return nil
}

// AddLink inserts name → ino into dir.
func (fs *FileSystem) AddLink(dir *Inode, name string, ino uint64) error {
	return fs.addLink(dir, name, ino)
}

// commitChunk finishes a chunk mutation: dirty the buffer, bump the
// directory's version, stamp times, and write the inode back. The
// caller holds the chunk lock; it is released here.
func (fs *FileSystem) commitChunk(dir *Inode, buf *buffer) {
	buf.markDirty()
	buf.unlock()
	fs.bufc.release(buf)
	dir.version++
	dir.touch()
	if err := fs.writeInode(dir); err != nil {
		log.Warnf("jbfs: unable to write directory inode %d: %v", dir.num, err)
	}
}

// deleteEntry removes the record at (chunk, offset): its predecessor
// in the same chunk absorbs its size, and its inode field is zeroed.
// Records never merge across chunks.
func (fs *FileSystem) deleteEntry(dir *Inode, chunk uint64, offset int) error {
	buf, err := fs.dirGetChunk(dir, chunk)
	if err != nil {
		return err
	}
	buf.lock()

	prev := -1
	for off := 0; off < offset; {
		size := direntRecLen(buf.data, off)
		if size == 0 {
			buf.unlock()
			fs.bufc.release(buf)
			log.Errorf("jbfs: zero-length directory entry in inode %d", dir.num)
			return fmt.Errorf("%w: directory %d", ErrIO, dir.num)
		}
		prev = off
		off += size
	}

	end := offset + direntRecLen(buf.data, offset)
	if prev >= 0 {
		setDirentSize(buf.data, prev, end-prev)
	}
	setDirentIno(buf.data, offset, 0)

	fs.commitChunk(dir, buf)
	return nil
}

// DeleteEntry removes name from dir.
func (fs *FileSystem) DeleteEntry(dir *Inode, name string) error {
	_, chunk, offset, err := fs.findEntry(dir, name)
	if err != nil {
		return err
	}
	return fs.deleteEntry(dir, chunk, offset)
}

// setLink rewrites the inode number of the record at (chunk, offset).
func (fs *FileSystem) setLink(dir *Inode, chunk uint64, offset int, ino uint64) error {
	buf, err := fs.dirGetChunk(dir, chunk)
	if err != nil {
		return err
	}
	buf.lock()
	setDirentIno(buf.data, offset, ino)
	fs.commitChunk(dir, buf)
	return nil
}

// SetLink repoints the existing record for name at ino.
func (fs *FileSystem) SetLink(dir *Inode, name string, ino uint64) error {
	_, chunk, offset, err := fs.findEntry(dir, name)
	if err != nil {
		return err
	}
	return fs.setLink(dir, chunk, offset, ino)
}

// dotdot returns the (chunk, offset) of the `..` record: the second
// record of chunk 0.
func (fs *FileSystem) dotdot(dir *Inode) (chunk uint64, offset int, de dirent, err error) {
	buf, err := fs.dirGetChunk(dir, 0)
	if err != nil {
		return 0, 0, dirent{}, err
	}
	defer fs.bufc.release(buf)

	first := direntAt(buf.data, 0)
	offset = int(first.size)
	if offset > len(buf.data)-minDirentSize {
		return 0, 0, dirent{}, fmt.Errorf("%w: directory %d has no `..` entry", ErrIO, dir.num)
	}
	return 0, offset, direntAt(buf.data, offset), nil
}

// MakeEmpty writes the initial `.` and `..` records into a fresh
// directory, growing it by its first chunk.
func (fs *FileSystem) MakeEmpty(dir, parent *Inode) error {
	pbn, _, _, _, err := fs.GetBlock(dir, 0, 1, true)
	if err != nil {
		return err
	}
	buf := fs.bufc.getZero(pbn)
	buf.lock()

	writeDirent(buf.data, 0, dirent{
		ino:     dir.num,
		size:    16,
		nameLen: 1,
		name:    ".",
	})
	writeDirent(buf.data, 16, dirent{
		ino:     parent.num,
		size:    uint16(fs.sb.blockSize - 16),
		nameLen: 2,
		name:    "..",
	})

	dir.size = uint64(fs.sb.blockSize)
	fs.commitChunk(dir, buf)
	return nil
}

// EmptyDir reports whether the directory holds nothing but `.`
// pointing at itself and `..`.
func (fs *FileSystem) EmptyDir(dir *Inode) (bool, error) {
	chunks := fs.dirChunks(dir)
	for n := uint64(0); n < chunks; n++ {
		buf, err := fs.dirGetChunk(dir, n)
		if err != nil {
			return false, err
		}

		for off := 0; off <= len(buf.data)-minDirentSize; {
			de := direntAt(buf.data, off)
			if de.ino != 0 {
				switch {
				case de.nameLen == 0 || de.nameLen > 2 || de.name[0] != '.':
					fs.bufc.release(buf)
					return false, nil
				case de.nameLen == 1:
					if de.ino != dir.num {
						fs.bufc.release(buf)
						return false, nil
					}
				case de.name[1] != '.':
					fs.bufc.release(buf)
					return false, nil
				}
			}
			off += int(de.size)
		}
		fs.bufc.release(buf)
	}
	return true, nil
}

// ReadDirInode streams the live entries of a directory in file order.
func (fs *FileSystem) ReadDirInode(dir *Inode) ([]DirEntry, error) {
	if !dir.isDir() {
		return nil, ErrNotDirectory
	}

	var entries []DirEntry
	chunks := fs.dirChunks(dir)
	for n := uint64(0); n < chunks; n++ {
		buf, err := fs.dirGetChunk(dir, n)
		if err != nil {
			return nil, err
		}
		for off := 0; off <= len(buf.data)-minDirentSize; {
			de := direntAt(buf.data, off)
			if de.ino != 0 {
				entries = append(entries, DirEntry{Ino: de.ino, Name: de.name})
			}
			off += int(de.size)
		}
		fs.bufc.release(buf)
	}
	return entries, nil
}

// inodeByName resolves name in dir to an inode number, 0 if absent.
func (fs *FileSystem) inodeByName(dir *Inode, name string) uint64 {
	ino, _, _, err := fs.findEntry(dir, name)
	if err != nil {
		return 0
	}
	return ino
}
