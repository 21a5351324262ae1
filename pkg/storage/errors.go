package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a path does not exist on the backend.
	ErrNotFound = errors.New("not found")

	// ErrDirectoryNotEmpty is returned by a non-recursive removal of a
	// directory that still has children.
	ErrDirectoryNotEmpty = errors.New("directory not empty")

	// ErrHashUnsupported is returned by Backend.Hash when no digest can be
	// produced for the object.
	ErrHashUnsupported = errors.New("hash unsupported")

	// ErrNotDirectory is returned when a directory operation targets a file.
	ErrNotDirectory = errors.New("not a directory")

	// ErrIsDirectory is returned when a file operation targets a directory.
	ErrIsDirectory = errors.New("is a directory")
)

// BackendError records a failed backend call together with the backend and
// path it was made against.
type BackendError struct {
	Op      string
	Backend string
	Path    string
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s %s %s: %v", e.Backend, e.Op, e.Path, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// Wrap converts err into a *BackendError. Nil stays nil and an existing
// *BackendError is returned unchanged.
func Wrap(op, backend, path string, err error) error {
	if err == nil {
		return nil
	}
	var be *BackendError
	if errors.As(err, &be) {
		return err
	}
	return &BackendError{Op: op, Backend: backend, Path: path, Err: err}
}

// IsNotFound reports whether err means the path is absent.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
