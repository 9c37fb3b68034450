//go:build aix || darwin || dragonfly || freebsd || linux || netbsd || openbsd || solaris
// +build aix darwin dragonfly freebsd linux netbsd openbsd solaris

package file

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// blkgetsize64 is the BLKGETSIZE64 ioctl request, _IOR(0x12, 114, size_t)
const blkgetsize64 = 0x80081272

// deviceSize asks the kernel for the size of a block device in bytes.
func deviceSize(f *os.File) (int64, error) {
	size, err := unix.IoctlGetInt(int(f.Fd()), blkgetsize64)
	if err != nil {
		return 0, fmt.Errorf("unable to get block device size: %v", err)
	}
	return int64(size), nil
}
