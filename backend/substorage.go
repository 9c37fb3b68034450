package backend

import (
	"io"
	"io/fs"
	"os"
)

// SubStorage is a window into an underlying Storage, shifted by offset
// and limited to size. A volume created inside a partition sees the
// partition as a storage of its own; the superblock's block count is
// validated against the window size at mount, and the window fences
// every access so a corrupted block number can never reach a
// neighboring partition: reads past the window report io.EOF, writes
// that would leave it fail with ErrOutsideWindow.
type SubStorage struct {
	underlying Storage
	offset     int64
	size       int64
}

func Sub(u Storage, offset, size int64) Storage {
	return SubStorage{
		underlying: u,
		offset:     offset,
		size:       size,
	}
}

func (s SubStorage) Stat() (fs.FileInfo, error) {
	return s.underlying.Stat()
}

func (s SubStorage) Read(b []byte) (int, error) {
	return s.underlying.Read(b)
}

func (s SubStorage) Close() error {
	return s.underlying.Close()
}

func (s SubStorage) ReadAt(p []byte, off int64) (n int, err error) {
	q, err := clampToWindow(p, off, s.size)
	if err != nil {
		return 0, err
	}
	n, err = s.underlying.ReadAt(q, s.offset+off)
	if err == nil && n < len(p) {
		err = io.EOF
	}
	return n, err
}

func (s SubStorage) Seek(offset int64, whence int) (int64, error) {
	var (
		pos int64
		err error
	)

	switch whence {
	case io.SeekStart:
		pos, err = s.underlying.Seek(offset+s.offset, io.SeekStart)
	case io.SeekCurrent:
		pos, err = s.underlying.Seek(offset, io.SeekCurrent)
	case io.SeekEnd:
		pos, err = s.underlying.Seek(s.offset+s.size+offset, io.SeekStart)
	default:
		return -1, ErrNotSuitable
	}

	if err != nil {
		return -1, err
	}

	return pos - s.offset, nil
}

func (s SubStorage) Sys() (*os.File, error) {
	return s.underlying.Sys()
}

func (s SubStorage) Writable() (WritableFile, error) {
	uw, err := s.underlying.Writable()
	if err != nil {
		return nil, err
	}
	return subWritable{
		underlying: uw,
		offset:     s.offset,
		size:       s.size,
	}, nil
}

type subWritable struct {
	underlying WritableFile
	offset     int64
	size       int64
}

func (sw subWritable) Stat() (fs.FileInfo, error) {
	return sw.underlying.Stat()
}

func (sw subWritable) Read(b []byte) (int, error) {
	return sw.underlying.Read(b)
}

func (sw subWritable) Close() error {
	return sw.underlying.Close()
}

func (sw subWritable) ReadAt(p []byte, off int64) (n int, err error) {
	q, err := clampToWindow(p, off, sw.size)
	if err != nil {
		return 0, err
	}
	n, err = sw.underlying.ReadAt(q, sw.offset+off)
	if err == nil && n < len(p) {
		err = io.EOF
	}
	return n, err
}

func (sw subWritable) Seek(offset int64, whence int) (int64, error) {
	var (
		pos int64
		err error
	)

	switch whence {
	case io.SeekStart:
		pos, err = sw.underlying.Seek(offset+sw.offset, io.SeekStart)
	case io.SeekCurrent:
		pos, err = sw.underlying.Seek(offset, io.SeekCurrent)
	case io.SeekEnd:
		pos, err = sw.underlying.Seek(sw.offset+sw.size+offset, io.SeekStart)
	default:
		return -1, ErrNotSuitable
	}

	if err != nil {
		return -1, err
	}

	return pos - sw.offset, nil
}

// WriteAt refuses to touch anything outside the window. A block write
// is all-or-nothing, so unlike reads there is no short-write clamping.
func (sw subWritable) WriteAt(p []byte, off int64) (n int, err error) {
	if off < 0 || off+int64(len(p)) > sw.size {
		return 0, ErrOutsideWindow
	}
	return sw.underlying.WriteAt(p, sw.offset+off)
}

func (sw subWritable) Sync() error {
	return sw.underlying.Sync()
}

// clampToWindow bounds a read buffer to what the window can serve.
func clampToWindow(p []byte, off, size int64) ([]byte, error) {
	if off < 0 {
		return nil, ErrOutsideWindow
	}
	if off >= size {
		return nil, io.EOF
	}
	if max := size - off; int64(len(p)) > max {
		p = p[:max]
	}
	return p, nil
}
