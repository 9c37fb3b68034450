//go:build !aix && !darwin && !dragonfly && !freebsd && !linux && !netbsd && !openbsd && !solaris
// +build !aix,!darwin,!dragonfly,!freebsd,!linux,!netbsd,!openbsd,!solaris

package file

import (
	"os"

	"github.com/julian-blaauboer/jbfs/backend"
)

//nolint:revive // signature fixed by the unix variant
func deviceSize(f *os.File) (int64, error) {
	return 0, backend.ErrNotSuitable
}
