// Package local provides a local filesystem storage backend.
package local

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/fruitsalade/stow/pkg/pathutil"
	"github.com/fruitsalade/stow/pkg/retry"
	"github.com/fruitsalade/stow/pkg/storage"
)

// Config holds local filesystem backend settings.
type Config struct {
	RootPath   string `json:"root_path" yaml:"root_path"`
	CreateDirs bool   `json:"create_dirs" yaml:"create_dirs"`
}

// Backend implements storage.Backend on a directory of the local filesystem.
type Backend struct {
	rootPath   string
	createDirs bool
}

var _ storage.Backend = (*Backend)(nil)

// OpenDir creates a Backend rooted at dir, creating dir when missing.
func OpenDir(dir string) (storage.Backend, error) {
	b, err := New(Config{RootPath: dir, CreateDirs: true})
	if err != nil {
		return nil, err
	}
	return b, nil
}

// New creates a new local filesystem backend.
func New(cfg Config) (*Backend, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root_path is required")
	}
	rootPath, err := filepath.Abs(cfg.RootPath)
	if err != nil {
		return nil, fmt.Errorf("resolve root path %s: %w", cfg.RootPath, err)
	}

	// Ensure root exists
	info, err := os.Stat(rootPath)
	if err != nil {
		if os.IsNotExist(err) && cfg.CreateDirs {
			if mkErr := os.MkdirAll(rootPath, 0755); mkErr != nil {
				return nil, fmt.Errorf("create root path %s: %w", rootPath, mkErr)
			}
		} else {
			return nil, fmt.Errorf("stat root path %s: %w", rootPath, err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("root path %s is not a directory", rootPath)
	}

	return &Backend{
		rootPath:   rootPath,
		createDirs: cfg.CreateDirs,
	}, nil
}

// NewFromJSON creates a Backend from raw JSON config.
func NewFromJSON(raw json.RawMessage) (*Backend, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse local config: %w", err)
	}
	return New(cfg)
}

// Root returns the absolute OS path the backend is rooted at.
func (b *Backend) Root() string { return b.rootPath }

func (b *Backend) fullPath(p string) string {
	return filepath.Join(b.rootPath, filepath.FromSlash(p))
}

// Stat returns metadata for p.
func (b *Backend) Stat(_ context.Context, p string) (storage.Metadata, error) {
	info, err := os.Stat(b.fullPath(p))
	if err != nil {
		return storage.Metadata{}, mapErr(p, err)
	}
	return metadataOf(info), nil
}

// List returns the direct children of the directory at p.
func (b *Backend) List(_ context.Context, p string) ([]storage.Entry, error) {
	entries, err := os.ReadDir(b.fullPath(p))
	if err != nil {
		return nil, mapErr(p, err)
	}

	out := make([]storage.Entry, 0, len(entries))
	for _, e := range entries {
		if isTemp(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				// removed between ReadDir and Info
				continue
			}
			return nil, mapErr(p, err)
		}
		out = append(out, storage.Entry{
			Path:     pathutil.Join(p, e.Name()),
			Metadata: metadataOf(info),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// Read opens the file at p.
func (b *Backend) Read(_ context.Context, p string) (io.ReadCloser, error) {
	f, err := os.Open(b.fullPath(p))
	if err != nil {
		return nil, mapErr(p, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, mapErr(p, err)
	}
	if info.IsDir() {
		f.Close()
		return nil, fmt.Errorf("read %s: %w", p, storage.ErrIsDirectory)
	}
	return f, nil
}

// Write returns a writer that stages content in a temp file next to p and
// renames it into place on Close.
func (b *Backend) Write(_ context.Context, p string) (io.WriteCloser, error) {
	path := b.fullPath(p)
	dir := filepath.Dir(path)

	if b.createDirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create dirs for %s: %w", p, mapErr(p, err))
		}
	}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return nil, fmt.Errorf("write %s: %w", p, storage.ErrIsDirectory)
	}

	// Write to temp file then rename for atomicity
	tmp, err := os.CreateTemp(dir, tempPattern)
	if err != nil {
		return nil, fmt.Errorf("create temp for %s: %w", p, mapErr(p, err))
	}
	return &atomicWriter{tmp: tmp, target: path, key: p}, nil
}

// Mkdir creates the directory at p and any missing parents.
func (b *Backend) Mkdir(_ context.Context, p string) error {
	if err := os.MkdirAll(b.fullPath(p), 0755); err != nil {
		if errors.Is(err, syscallNotDir) {
			return fmt.Errorf("mkdir %s: %w", p, storage.ErrNotDirectory)
		}
		return fmt.Errorf("mkdir %s: %w", p, mapErr(p, err))
	}
	return nil
}

// Remove deletes p. Directories are only removed when empty unless recursive
// is set.
func (b *Backend) Remove(_ context.Context, p string, recursive bool) error {
	path := b.fullPath(p)
	if _, err := os.Lstat(path); err != nil {
		return mapErr(p, err)
	}
	if recursive {
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("remove %s: %w", p, mapErr(p, err))
		}
		return nil
	}
	if err := os.Remove(path); err != nil {
		if isDirNotEmpty(err) {
			return fmt.Errorf("remove %s: %w", p, storage.ErrDirectoryNotEmpty)
		}
		return fmt.Errorf("remove %s: %w", p, mapErr(p, err))
	}
	return nil
}

// Move renames oldPath to newPath, creating missing parents of newPath. An
// existing file at newPath is replaced.
func (b *Backend) Move(_ context.Context, oldPath, newPath string) error {
	src := b.fullPath(oldPath)
	dst := b.fullPath(newPath)

	if _, err := os.Lstat(src); err != nil {
		return mapErr(oldPath, err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("create dirs for %s: %w", newPath, mapErr(newPath, err))
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("rename %s -> %s: %w", oldPath, newPath, retry.Transient(err))
	}
	return nil
}

// Hash returns the md5 digest of the file at p.
func (b *Backend) Hash(_ context.Context, p string) (storage.Digest, error) {
	f, err := os.Open(b.fullPath(p))
	if err != nil {
		return storage.Digest{}, mapErr(p, err)
	}
	defer f.Close()

	if info, err := f.Stat(); err == nil && info.IsDir() {
		return storage.Digest{}, fmt.Errorf("hash %s: %w", p, storage.ErrIsDirectory)
	}
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return storage.Digest{}, fmt.Errorf("hash %s: %w", p, retry.Transient(err))
	}
	return storage.Digest{Algorithm: storage.AlgorithmMD5, Sum: hex.EncodeToString(h.Sum(nil))}, nil
}

// Type returns "local".
func (b *Backend) Type() string { return "local" }

// Close is a no-op for local backends.
func (b *Backend) Close() error { return nil }

const tempPattern = ".stow-*.tmp"

func isTemp(name string) bool {
	ok, _ := filepath.Match(tempPattern, name)
	return ok
}

func metadataOf(info os.FileInfo) storage.Metadata {
	md := storage.Metadata{IsDir: info.IsDir(), ModTime: info.ModTime()}
	if !md.IsDir {
		md.Size = info.Size()
	}
	return md
}

// mapErr translates OS errors into storage errors.
func mapErr(p string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%s: %w", p, storage.ErrNotFound)
	case errors.Is(err, syscallNotDir):
		// a path component is a file
		return fmt.Errorf("%s: %w", p, storage.ErrNotFound)
	default:
		return retry.Transient(err)
	}
}

// atomicWriter stages writes in a temp file.
type atomicWriter struct {
	tmp    *os.File
	target string
	key    string
	done   bool
}

func (w *atomicWriter) Write(p []byte) (int, error) {
	if w.done {
		return 0, os.ErrClosed
	}
	return w.tmp.Write(p)
}

// Close renames the temp file over the target.
func (w *atomicWriter) Close() error {
	if w.done {
		return nil
	}
	w.done = true

	tmpName := w.tmp.Name()
	if err := w.tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp for %s: %w", w.key, err)
	}
	if err := os.Rename(tmpName, w.target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp to %s: %w", w.key, err)
	}
	return nil
}

// Abort discards the temp file, leaving the target untouched.
func (w *atomicWriter) Abort() error {
	if w.done {
		return nil
	}
	w.done = true

	tmpName := w.tmp.Name()
	closeErr := w.tmp.Close()
	if err := os.Remove(tmpName); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove temp for %s: %w", w.key, err)
	}
	if closeErr != nil && !errors.Is(closeErr, os.ErrClosed) {
		return fmt.Errorf("close temp for %s: %w", w.key, closeErr)
	}
	return nil
}
