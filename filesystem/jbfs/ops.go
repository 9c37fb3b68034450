package jbfs

import (
	"errors"
	"fmt"
	"os"
	"path"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/julian-blaauboer/jbfs/filesystem"
)

// Path-level operations. These are thin glue over the core: every one
// of them resolves names through the directory engine and hands the
// real work to the allocators, the extent walker, and truncate.

const maxSymlinkDepth = 8

// splitPath normalizes a path into its components.
func splitPath(pathname string) []string {
	cleaned := path.Clean("/" + strings.ReplaceAll(pathname, `\`, "/"))
	if cleaned == "/" {
		return nil
	}
	return strings.Split(strings.TrimPrefix(cleaned, "/"), "/")
}

// lookup resolves one name inside a held directory inode, returning a
// held inode.
func (fs *FileSystem) lookup(dir *Inode, name string) (*Inode, error) {
	if !dir.isDir() {
		return nil, ErrNotDirectory
	}
	if len(name) > maxNameLen {
		return nil, ErrNameTooLong
	}
	ino, _, _, err := fs.findEntry(dir, name)
	if err != nil {
		return nil, err
	}
	return fs.iget(ino)
}

// resolveParent walks to the directory containing the last path
// component. Returns a held parent inode and the final name.
func (fs *FileSystem) resolveParent(pathname string) (*Inode, string, error) {
	parts := splitPath(pathname)
	if len(parts) == 0 {
		return nil, "", fmt.Errorf("%w: no name in path %q", ErrInvalid, pathname)
	}

	dir, err := fs.iget(fs.effectiveRoot)
	if err != nil {
		return nil, "", err
	}
	for _, name := range parts[:len(parts)-1] {
		next, err := fs.lookup(dir, name)
		_ = fs.iput(dir)
		if err != nil {
			return nil, "", err
		}
		dir = next
	}
	if !dir.isDir() {
		_ = fs.iput(dir)
		return nil, "", ErrNotDirectory
	}
	return dir, parts[len(parts)-1], nil
}

// resolve walks a full path to a held inode. With follow set, a
// symlink in the final position is chased, up to maxSymlinkDepth.
func (fs *FileSystem) resolve(pathname string, follow bool) (*Inode, error) {
	parts := splitPath(pathname)
	if len(parts) == 0 {
		return fs.iget(fs.effectiveRoot)
	}

	dir, err := fs.iget(fs.effectiveRoot)
	if err != nil {
		return nil, err
	}

	depth := 0
	for i := 0; i < len(parts); i++ {
		in, err := fs.lookup(dir, parts[i])
		if err != nil {
			_ = fs.iput(dir)
			return nil, err
		}

		final := i == len(parts)-1
		if in.isSymlink() && (follow || !final) {
			if depth++; depth > maxSymlinkDepth {
				_ = fs.iput(in)
				_ = fs.iput(dir)
				return nil, fmt.Errorf("%w: too many levels of symbolic links", ErrInvalid)
			}
			target, err := fs.readSymlink(in)
			_ = fs.iput(in)
			if err != nil {
				_ = fs.iput(dir)
				return nil, err
			}
			rest := append(splitPath(target), parts[i+1:]...)
			if strings.HasPrefix(target, "/") {
				_ = fs.iput(dir)
				if dir, err = fs.iget(fs.effectiveRoot); err != nil {
					return nil, err
				}
			}
			parts = rest
			i = -1
			continue
		}

		if final {
			_ = fs.iput(dir)
			return in, nil
		}
		_ = fs.iput(dir)
		dir = in
	}
	return dir, nil
}

// Mkdir makes a directory at pathname.
func (fs *FileSystem) Mkdir(pathname string) error {
	parent, name, err := fs.resolveParent(pathname)
	if err != nil {
		return err
	}
	defer func() { _ = fs.iput(parent) }()

	if fs.inodeByName(parent, name) != 0 {
		return ErrExists
	}
	if parent.nlinks >= linkMax {
		return fmt.Errorf("%w: too many links in directory %d", ErrInvalid, parent.num)
	}

	parent.nlinks++

	in, err := fs.NewInode(parent, modeDirectory|0o755)
	if err != nil {
		parent.nlinks--
		return err
	}
	in.nlinks++ // its own `.`

	if err := fs.MakeEmpty(in, parent); err == nil {
		err = fs.addLink(parent, name, in.num)
	}
	if err != nil {
		in.nlinks = 0
		parent.nlinks--
		_ = fs.iput(in)
		return err
	}

	if err := fs.writeInode(in); err != nil {
		return err
	}
	parent.touch()
	if err := fs.writeInode(parent); err != nil {
		return err
	}
	return fs.iput(in)
}

// Mknod creates a filesystem node at pathname. mode carries the file
// type bits; without any, a regular file is created. dev is the packed
// device number for character and block specials (see Mkdev).
func (fs *FileSystem) Mknod(pathname string, mode uint32, dev int) error {
	m := uint16(mode)
	if m&modeTypeMask == 0 {
		m |= modeRegular
	}

	parent, name, err := fs.resolveParent(pathname)
	if err != nil {
		return err
	}
	defer func() { _ = fs.iput(parent) }()

	if fs.inodeByName(parent, name) != 0 {
		return ErrExists
	}

	in, err := fs.NewInode(parent, m)
	if err != nil {
		return err
	}
	if in.isDevice() {
		in.rdev = uint64(dev)
		if err := fs.writeInode(in); err != nil {
			_ = fs.iput(in)
			return err
		}
	}

	if err := fs.addLink(parent, name, in.num); err != nil {
		in.nlinks = 0
		_ = fs.iput(in)
		return err
	}
	return fs.iput(in)
}

// OpenFile opens a regular file for reading or writing. Supported
// flags: os.O_RDONLY, os.O_RDWR, os.O_WRONLY, os.O_CREATE, os.O_TRUNC,
// os.O_APPEND, os.O_EXCL.
func (fs *FileSystem) OpenFile(pathname string, flag int) (filesystem.File, error) {
	write := flag&(os.O_RDWR|os.O_WRONLY) != 0

	in, err := fs.resolve(pathname, true)
	switch {
	case err == nil:
		if flag&os.O_CREATE != 0 && flag&os.O_EXCL != 0 {
			_ = fs.iput(in)
			return nil, ErrExists
		}
	case errors.Is(err, ErrNotFound) && flag&os.O_CREATE != 0:
		parent, name, perr := fs.resolveParent(pathname)
		if perr != nil {
			return nil, perr
		}
		in, err = fs.NewInode(parent, modeRegular|0o644)
		if err == nil {
			if err = fs.addLink(parent, name, in.num); err != nil {
				in.nlinks = 0
				_ = fs.iput(in)
			}
		}
		_ = fs.iput(parent)
		if err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	if in.isDir() {
		_ = fs.iput(in)
		return nil, ErrIsDirectory
	}
	if !in.isRegular() {
		_ = fs.iput(in)
		return nil, fmt.Errorf("%w: not a regular file", ErrInvalid)
	}

	if write && flag&os.O_TRUNC != 0 && in.size > 0 {
		if err := fs.truncateInode(in, 0); err != nil {
			_ = fs.iput(in)
			return nil, err
		}
		if err := fs.writeInode(in); err != nil {
			_ = fs.iput(in)
			return nil, err
		}
	}

	return &File{
		fs:          fs,
		in:          in,
		isReadWrite: write,
		isAppend:    flag&os.O_APPEND != 0,
	}, nil
}

// Link creates a hard link newpath referring to the same inode as
// oldpath.
func (fs *FileSystem) Link(oldpath, newpath string) error {
	in, err := fs.resolve(oldpath, false)
	if err != nil {
		return err
	}
	if in.isDir() {
		_ = fs.iput(in)
		return ErrIsDirectory
	}
	if in.nlinks >= linkMax {
		_ = fs.iput(in)
		return fmt.Errorf("%w: too many links to inode %d", ErrInvalid, in.num)
	}

	parent, name, err := fs.resolveParent(newpath)
	if err != nil {
		_ = fs.iput(in)
		return err
	}

	in.nlinks++
	in.ctime = in.mtime
	err = fs.addLink(parent, name, in.num)
	if err != nil {
		in.nlinks--
	} else {
		err = fs.writeInode(in)
	}

	_ = fs.iput(parent)
	if perr := fs.iput(in); err == nil {
		err = perr
	}
	return err
}

// Symlink creates a symbolic link at linkpath holding target. The
// target is stored in the link's first chunk, so it must fit in one
// block.
func (fs *FileSystem) Symlink(target, linkpath string) error {
	if len(target)+1 > int(fs.sb.blockSize) {
		return ErrNameTooLong
	}

	parent, name, err := fs.resolveParent(linkpath)
	if err != nil {
		return err
	}
	defer func() { _ = fs.iput(parent) }()

	if fs.inodeByName(parent, name) != 0 {
		return ErrExists
	}

	in, err := fs.NewInode(parent, modeSymlink|0o777)
	if err != nil {
		return err
	}

	if err := fs.writeSymlink(in, target); err == nil {
		err = fs.addLink(parent, name, in.num)
	}
	if err != nil {
		in.nlinks = 0
		_ = fs.iput(in)
		return err
	}
	if err := fs.writeInode(in); err != nil {
		return err
	}
	return fs.iput(in)
}

// writeSymlink stores the target string in the link's single chunk.
func (fs *FileSystem) writeSymlink(in *Inode, target string) error {
	pbn, _, _, _, err := fs.GetBlock(in, 0, 1, true)
	if err != nil {
		return err
	}
	buf := fs.bufc.getZero(pbn)
	copy(buf.data, target)
	fs.bufc.release(buf)
	in.size = uint64(len(target))
	in.markDirty()
	return nil
}

// readSymlink returns the target stored in a symlink inode.
func (fs *FileSystem) readSymlink(in *Inode) (string, error) {
	if in.size == 0 {
		return "", nil
	}
	pbn, _, _, _, err := fs.getBlocks(in, 0, 1, false)
	if err != nil {
		return "", err
	}
	buf, err := fs.bufc.get(pbn)
	if err != nil {
		return "", err
	}
	defer fs.bufc.release(buf)
	return string(buf.data[:in.size]), nil
}

// Readlink returns the target of the symbolic link at pathname.
func (fs *FileSystem) Readlink(pathname string) (string, error) {
	in, err := fs.resolve(pathname, false)
	if err != nil {
		return "", err
	}
	defer func() { _ = fs.iput(in) }()
	if !in.isSymlink() {
		return "", fmt.Errorf("%w: not a symlink", ErrInvalid)
	}
	return fs.readSymlink(in)
}

// Remove unlinks the file or removes the (empty) directory at
// pathname. The inode's blocks and slot are released when the last
// link and the last reference are gone.
func (fs *FileSystem) Remove(pathname string) error {
	parent, name, err := fs.resolveParent(pathname)
	if err != nil {
		return err
	}
	defer func() { _ = fs.iput(parent) }()

	in, err := fs.lookup(parent, name)
	if err != nil {
		return err
	}

	if in.isDir() {
		empty, eerr := fs.EmptyDir(in)
		if eerr != nil {
			_ = fs.iput(in)
			return eerr
		}
		if !empty {
			_ = fs.iput(in)
			return ErrNotEmpty
		}
	}

	if err := fs.DeleteEntry(parent, name); err != nil {
		_ = fs.iput(in)
		return err
	}

	in.ctime = parent.ctime
	in.nlinks--
	if in.isDir() {
		in.nlinks-- // its own `.`
		parent.nlinks--
		parent.touch()
		if err := fs.writeInode(parent); err != nil {
			_ = fs.iput(in)
			return err
		}
	}
	in.markDirty()
	return fs.iput(in)
}

// Rename moves oldpath to newpath, replacing a non-directory or empty
// directory already at newpath.
//
//nolint:gocyclo // the replace/new-entry and directory/non-directory combinations are inherent
func (fs *FileSystem) Rename(oldpath, newpath string) error {
	oldParent, oldName, err := fs.resolveParent(oldpath)
	if err != nil {
		return err
	}
	newParent, newName, err := fs.resolveParent(newpath)
	if err != nil {
		_ = fs.iput(oldParent)
		return err
	}
	release := func() {
		_ = fs.iput(newParent)
		_ = fs.iput(oldParent)
	}

	if oldParent.num == newParent.num && oldName == newName {
		release()
		return nil
	}

	in, err := fs.lookup(oldParent, oldName)
	if err != nil {
		release()
		return err
	}
	isDir := in.isDir()

	existingIno := fs.inodeByName(newParent, newName)
	if existingIno != 0 {
		existing, eerr := fs.iget(existingIno)
		if eerr != nil {
			_ = fs.iput(in)
			release()
			return eerr
		}
		if existing.isDir() {
			empty, eerr := fs.EmptyDir(existing)
			if eerr != nil || !empty {
				_ = fs.iput(existing)
				_ = fs.iput(in)
				release()
				if eerr != nil {
					return eerr
				}
				return ErrNotEmpty
			}
		}
		if err := fs.SetLink(newParent, newName, in.num); err != nil {
			_ = fs.iput(existing)
			_ = fs.iput(in)
			release()
			return err
		}
		existing.touch()
		existing.nlinks--
		if existing.isDir() {
			existing.nlinks--
			newParent.nlinks--
		}
		if err := fs.iput(existing); err != nil {
			log.Warnf("jbfs: unable to release replaced inode %d: %v", existingIno, err)
		}
	} else {
		if err := fs.addLink(newParent, newName, in.num); err != nil {
			_ = fs.iput(in)
			release()
			return err
		}
	}
	if isDir && oldParent.num != newParent.num {
		newParent.nlinks++
		newParent.markDirty()
		if err := fs.writeInode(newParent); err != nil {
			_ = fs.iput(in)
			release()
			return err
		}
	}

	in.touch()
	if err := fs.DeleteEntry(oldParent, oldName); err != nil {
		_ = fs.iput(in)
		release()
		return err
	}

	if isDir {
		chunk, offset, _, derr := fs.dotdot(in)
		if derr == nil {
			derr = fs.setLink(in, chunk, offset, newParent.num)
		}
		if derr != nil {
			_ = fs.iput(in)
			release()
			return derr
		}
		if oldParent.num != newParent.num {
			oldParent.nlinks--
			oldParent.markDirty()
			if err := fs.writeInode(oldParent); err != nil {
				_ = fs.iput(in)
				release()
				return err
			}
		}
	}

	err = fs.writeInode(in)
	if perr := fs.iput(in); err == nil {
		err = perr
	}
	release()
	return err
}

// ReadDir lists the directory at pathname in file order, `.` and `..`
// included.
func (fs *FileSystem) ReadDir(pathname string) ([]os.FileInfo, error) {
	dir, err := fs.resolve(pathname, true)
	if err != nil {
		return nil, err
	}
	defer func() { _ = fs.iput(dir) }()

	entries, err := fs.ReadDirInode(dir)
	if err != nil {
		return nil, err
	}

	infos := make([]os.FileInfo, 0, len(entries))
	for _, de := range entries {
		in, err := fs.iget(de.Ino)
		if err != nil {
			log.Warnf("jbfs: unreadable inode %d for entry %q: %v", de.Ino, de.Name, err)
			continue
		}
		infos = append(infos, fileInfo{
			name:    de.Name,
			size:    int64(in.size),
			mode:    osMode(in.mode),
			modTime: in.mtime,
			isDir:   in.isDir(),
		})
		_ = fs.iput(in)
	}
	return infos, nil
}

// Chmod changes the permission bits of the file at name.
func (fs *FileSystem) Chmod(name string, mode os.FileMode) error {
	in, err := fs.resolve(name, true)
	if err != nil {
		return err
	}
	in.mode = in.mode&modeTypeMask | uint16(mode.Perm())
	in.ctime = in.mtime
	in.markDirty()
	err = fs.writeInode(in)
	if perr := fs.iput(in); err == nil {
		err = perr
	}
	return err
}

// Chown changes the owner and group of the file at name. A uid or gid
// of -1 leaves that value unchanged.
func (fs *FileSystem) Chown(name string, uid, gid int) error {
	in, err := fs.resolve(name, true)
	if err != nil {
		return err
	}
	if uid >= 0 {
		in.uid = uint32(uid)
	}
	if gid >= 0 {
		in.gid = uint32(gid)
	}
	in.markDirty()
	err = fs.writeInode(in)
	if perr := fs.iput(in); err == nil {
		err = perr
	}
	return err
}
