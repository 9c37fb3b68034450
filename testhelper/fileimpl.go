// Package testhelper stubs out the storage a filesystem runs on, so
// tests can serve a volume from a byte slice or fail I/O on purpose.
package testhelper

import (
	"fmt"
	"os"
)

type reader func(b []byte, offset int64) (int, error)
type writer func(b []byte, offset int64) (int, error)
type syncer func() error

// FileImpl is a backing file made of callbacks. Reader and Writer
// serve ReadAt/WriteAt; Syncer, when set, observes the flush the
// buffer cache issues at the end of every sync pass (leave it nil for
// a no-op flush).
type FileImpl struct {
	Reader reader
	Writer writer
	Syncer syncer
}

func (f *FileImpl) Stat() (os.FileInfo, error) {
	return nil, nil
}

func (f *FileImpl) Read(b []byte) (int, error) {
	return f.Reader(b, 0)
}

func (f *FileImpl) Close() error {
	return nil
}

// ReadAt read at a particular offset
func (f *FileImpl) ReadAt(b []byte, offset int64) (int, error) {
	return f.Reader(b, offset)
}

// WriteAt write at a particular offset
func (f *FileImpl) WriteAt(b []byte, offset int64) (int, error) {
	return f.Writer(b, offset)
}

// Sync flushes nothing unless a Syncer was installed
func (f *FileImpl) Sync() error {
	if f.Syncer != nil {
		return f.Syncer()
	}
	return nil
}

// Seek seek a particular offset - does not actually work
//
//nolint:unused,revive // to implement the interface
func (f *FileImpl) Seek(offset int64, whence int) (int64, error) {
	return 0, fmt.Errorf("FileImpl does not implement Seek()")
}
