//go:build windows

package local

import (
	"errors"

	"golang.org/x/sys/windows"
)

// syscallNotDir is returned when a path component is not a directory.
var syscallNotDir = windows.ERROR_DIRECTORY

// isDirNotEmpty reports whether err came from removing a non-empty directory.
func isDirNotEmpty(err error) bool {
	return errors.Is(err, windows.ERROR_DIR_NOT_EMPTY)
}
