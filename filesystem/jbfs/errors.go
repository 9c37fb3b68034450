package jbfs

import "errors"

// Error kinds surfaced by the core. Callers test with errors.Is; most
// sites wrap these with fmt.Errorf("...: %w", ...) for context.
var (
	// ErrNoSpace reference map or inode bitmap exhausted
	ErrNoSpace = errors.New("no space left on device")
	// ErrIO buffer read/write failure, or read beyond the mapped range
	ErrIO = errors.New("i/o error")
	// ErrInvalid out-of-range block/inode or malformed request
	ErrInvalid = errors.New("invalid argument")
	// ErrStale inode with zero links referenced on disk
	ErrStale = errors.New("stale inode")
	// ErrNotEmpty rmdir on a non-empty directory
	ErrNotEmpty = errors.New("directory not empty")
	// ErrExists link name already present in the directory
	ErrExists = errors.New("entry already exists")
	// ErrNotFound name lookup failed
	ErrNotFound = errors.New("no such file or directory")
	// ErrNameTooLong name over 255 bytes, or symlink target over a chunk
	ErrNameTooLong = errors.New("name too long")
	// ErrCorruptDirectory directory chunk failed structural checks
	ErrCorruptDirectory = errors.New("corrupted directory")
	// ErrNotDirectory path component is not a directory
	ErrNotDirectory = errors.New("not a directory")
	// ErrIsDirectory file operation on a directory
	ErrIsDirectory = errors.New("is a directory")
)
