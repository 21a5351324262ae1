//go:build unix

package local

import (
	"errors"

	"golang.org/x/sys/unix"
)

// syscallNotDir is returned when a path component is not a directory.
var syscallNotDir = unix.ENOTDIR

// isDirNotEmpty reports whether err came from removing a non-empty directory.
// Some systems report EEXIST instead of ENOTEMPTY.
func isDirNotEmpty(err error) bool {
	return errors.Is(err, unix.ENOTEMPTY) || errors.Is(err, unix.EEXIST)
}
