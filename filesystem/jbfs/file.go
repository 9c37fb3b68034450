package jbfs

import (
	"fmt"
	"io"
)

// File is an open handle on a regular file. Reads and writes run
// through the extent walker; writes allocate on demand. Writes must be
// dense — the format has no holes — so writing cannot begin past the
// current end of file.
type File struct {
	fs *FileSystem
	in *Inode

	isReadWrite bool
	isAppend    bool
	offset      int64
}

// Inode exposes the file's inode to callers that need it.
func (fl *File) Inode() *Inode {
	return fl.in
}

// Read reads up to len(p) bytes from the file at the current offset.
// At end of file, Read returns 0, io.EOF.
func (fl *File) Read(p []byte) (int, error) {
	var (
		fs        = fl.fs
		blockSize = int64(fs.sb.blockSize)
		fileSize  = int64(fl.in.size)
	)

	if fl.offset >= fileSize {
		return 0, io.EOF
	}

	toRead := int64(len(p))
	if fl.offset+toRead > fileSize {
		toRead = fileSize - fl.offset
	}

	var read int64
	for read < toRead {
		lbn := uint64(fl.offset / blockSize)
		inBlock := fl.offset % blockSize

		pbn, _, _, _, err := fs.getBlocks(fl.in, lbn, 1, false)
		if err != nil {
			return int(read), err
		}

		buf, err := fs.bufc.get(pbn)
		if err != nil {
			return int(read), err
		}

		n := blockSize - inBlock
		if n > toRead-read {
			n = toRead - read
		}
		copy(p[read:], buf.data[inBlock:inBlock+n])
		fs.bufc.release(buf)

		read += n
		fl.offset += n
	}

	if fl.offset >= fileSize {
		return int(read), io.EOF
	}
	return int(read), nil
}

// Write writes len(p) bytes at the current offset, allocating blocks
// as the file grows.
func (fl *File) Write(p []byte) (int, error) {
	var (
		fs        = fl.fs
		blockSize = int64(fs.sb.blockSize)
	)

	if !fl.isReadWrite {
		return 0, fmt.Errorf("%w: file not open for write", ErrInvalid)
	}
	if fl.isAppend {
		fl.offset = int64(fl.in.size)
	}
	if fl.offset > int64(fl.in.size) {
		return 0, fmt.Errorf("%w: write at %d beyond end of file %d", ErrInvalid, fl.offset, fl.in.size)
	}

	var written int64
	for written < int64(len(p)) {
		lbn := uint64(fl.offset / blockSize)
		inBlock := fl.offset % blockSize

		pbn, _, _, _, err := fs.GetBlock(fl.in, lbn, 1, true)
		if err != nil {
			return int(written), err
		}

		buf, err := fs.bufc.get(pbn)
		if err != nil {
			return int(written), err
		}

		n := blockSize - inBlock
		if n > int64(len(p))-written {
			n = int64(len(p)) - written
		}
		copy(buf.data[inBlock:inBlock+n], p[written:written+n])
		buf.markDirty()
		fs.bufc.release(buf)

		written += n
		fl.offset += n
		if fl.offset > int64(fl.in.size) {
			fl.in.size = uint64(fl.offset)
		}
	}

	fl.in.touch()
	if err := fs.writeInode(fl.in); err != nil {
		return int(written), err
	}
	return int(written), nil
}

// Seek sets the offset for the next Read or Write.
func (fl *File) Seek(offset int64, whence int) (int64, error) {
	var newOffset int64
	switch whence {
	case io.SeekStart:
		newOffset = offset
	case io.SeekEnd:
		newOffset = int64(fl.in.size) + offset
	case io.SeekCurrent:
		newOffset = fl.offset + offset
	}
	if newOffset < 0 {
		return fl.offset, fmt.Errorf("%w: cannot set offset %d before start of file", ErrInvalid, offset)
	}
	fl.offset = newOffset
	return fl.offset, nil
}

// Close releases the file's inode reference.
func (fl *File) Close() error {
	if fl.in == nil {
		return nil
	}
	err := fl.fs.iput(fl.in)
	*fl = File{}
	return err
}
