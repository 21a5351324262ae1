// Package storage defines the Backend capability interface that every
// storage driver implements, and the metadata and error types shared by the
// artefact manager and the drivers.
package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/multierr"
)

// Backend is the capability contract for a physical store.
// Paths are always normalized and absolute ("/", "/a/b"); drivers map them
// onto their own namespace (an OS directory, a bucket prefix, ...).
type Backend interface {
	// Stat returns metadata for path, or an error wrapping ErrNotFound.
	Stat(ctx context.Context, path string) (Metadata, error)

	// List returns the direct children of the directory at path.
	List(ctx context.Context, path string) ([]Entry, error)

	// Read opens the object at path for reading.
	Read(ctx context.Context, path string) (io.ReadCloser, error)

	// Write opens the object at path for writing, replacing any existing
	// content. The object becomes visible once Close returns nil.
	Write(ctx context.Context, path string) (io.WriteCloser, error)

	// Mkdir creates the directory at path and any missing parents.
	Mkdir(ctx context.Context, path string) error

	// Remove deletes path. Removing a non-empty directory without recursive
	// returns an error wrapping ErrDirectoryNotEmpty.
	Remove(ctx context.Context, path string, recursive bool) error

	// Move renames oldPath to newPath, creating missing parents of newPath.
	Move(ctx context.Context, oldPath, newPath string) error

	// Hash returns a content digest, or ErrHashUnsupported when the backend
	// cannot produce one.
	Hash(ctx context.Context, path string) (Digest, error)

	// Type returns the backend type identifier ("local", "memfs", "s3").
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}

// Metadata describes a backend object.
type Metadata struct {
	IsDir   bool
	Size    int64
	ModTime time.Time
}

// Entry is a single child reported by Backend.List.
type Entry struct {
	Path     string
	Metadata Metadata
}

// Digest is a content hash tagged with the algorithm that produced it.
type Digest struct {
	Algorithm string
	Sum       string
}

// Equal reports whether both digests were produced by the same algorithm and
// carry the same sum.
func (d Digest) Equal(other Digest) bool {
	return d.Algorithm != "" && d.Algorithm == other.Algorithm && d.Sum == other.Sum
}

func (d Digest) String() string {
	return d.Algorithm + ":" + d.Sum
}

// AlgorithmMD5 identifies hex-encoded md5 digests.
const AlgorithmMD5 = "md5"

// Mode selects the direction of a stream opened on a file.
type Mode int

const (
	ModeRead Mode = iota
	ModeWrite
)

// ParseMode accepts the conventional open mode strings ("r", "rb", "w", "wb").
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "r", "rb", "rt":
		return ModeRead, nil
	case "w", "wb", "wt":
		return ModeWrite, nil
	default:
		return 0, fmt.Errorf("unsupported open mode %q", s)
	}
}

func (m Mode) String() string {
	if m == ModeWrite {
		return "w"
	}
	return "r"
}

// Aborter is implemented by writers returned from Backend.Write that can
// discard an unfinished write instead of committing it.
type Aborter interface {
	Abort() error
}

// Commit copies r into w and closes w, which commits the object. If the copy
// fails the write is aborted when w supports it, and closed otherwise.
func Commit(w io.WriteCloser, r io.Reader) (int64, error) {
	n, err := io.Copy(w, r)
	if err != nil {
		return n, multierr.Append(err, Discard(w))
	}
	return n, w.Close()
}

// Discard aborts w when it supports it and closes it otherwise.
func Discard(w io.WriteCloser) error {
	if a, ok := w.(Aborter); ok {
		return a.Abort()
	}
	return w.Close()
}
