// Package backend abstracts the device a jbfs volume lives on. A
// Storage hands out read access by default; Writable() upgrades to a
// writable handle when the backing file or device was opened for
// writing.
//
// The filesystem core does its I/O through ReadAt/WriteAt as whole
// blocks at block-aligned offsets, apart from the superblock record
// read at byte 1024 during mount; nothing in it seeks or streams. Dirty blocks are held in a write-back cache and land on the
// storage only at sync time, so a WritableFile must be able to flush
// its own buffers to stable media: that is what Sync is for. Storages
// without anything to flush (memory-backed test files) implement it as
// a no-op.
package backend

import (
	"errors"
	"io"
	"io/fs"
	"os"
)

var (
	ErrIncorrectOpenMode = errors.New("disk file or device not open for write")
	ErrNotSuitable       = errors.New("backing file is not suitable")
	ErrOutsideWindow     = errors.New("i/o outside the storage window")
)

type File interface {
	fs.File
	io.ReaderAt
	io.Seeker
	io.Closer
}

type WritableFile interface {
	File
	io.WriterAt
	// Sync flushes everything written so far to stable storage. The
	// write-back cache calls it at the end of every sync pass.
	Sync() error
}

type Storage interface {
	File
	// OS-specific file for ioctl calls via fd
	Sys() (*os.File, error)
	// file for read-write operations
	Writable() (WritableFile, error)
}
