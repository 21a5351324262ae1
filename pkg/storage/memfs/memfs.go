// Package memfs provides a storage backend over a go-billy filesystem,
// in memory by default.
package memfs

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"

	"github.com/fruitsalade/stow/pkg/pathutil"
	"github.com/fruitsalade/stow/pkg/storage"
)

// Backend implements storage.Backend on a billy.Filesystem.
//
// Modification times are tracked by the backend itself so that they are
// stable across stats regardless of the underlying filesystem.
type Backend struct {
	mu     sync.RWMutex
	fs     billy.Filesystem
	mtimes map[string]time.Time
	now    func() time.Time
	closed bool
}

var _ storage.Backend = (*Backend)(nil)

// Option configures a Backend.
type Option func(*Backend)

// WithClock sets the clock used for modification times.
func WithClock(now func() time.Time) Option {
	return func(b *Backend) { b.now = now }
}

// New creates a Backend over fsys. A nil fsys means a fresh in-memory tree.
func New(fsys billy.Filesystem, opts ...Option) *Backend {
	if fsys == nil {
		fsys = memfs.New()
	}
	b := &Backend{
		fs:     fsys,
		mtimes: make(map[string]time.Time),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	_ = fsys.MkdirAll(pathutil.Separator, 0755)
	return b
}

// NewMemory creates a Backend over a fresh in-memory tree.
func NewMemory(opts ...Option) *Backend {
	return New(memfs.New(), opts...)
}

// NewOS creates a Backend over the OS directory root through billy's osfs.
func NewOS(root string, opts ...Option) *Backend {
	return New(osfs.New(root), opts...)
}

// Stat returns metadata for p.
func (b *Backend) Stat(_ context.Context, p string) (storage.Metadata, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.checkOpen(); err != nil {
		return storage.Metadata{}, err
	}
	return b.stat(p)
}

func (b *Backend) stat(p string) (storage.Metadata, error) {
	info, err := b.fs.Stat(p)
	if err != nil {
		if p == pathutil.Separator && os.IsNotExist(err) {
			return storage.Metadata{IsDir: true, ModTime: b.mtime(p, time.Time{})}, nil
		}
		return storage.Metadata{}, mapErr("stat", p, err)
	}
	return b.metadataOf(p, info), nil
}

// List returns the direct children of the directory at p.
func (b *Backend) List(_ context.Context, p string) ([]storage.Entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	md, err := b.stat(p)
	if err != nil {
		return nil, err
	}
	if !md.IsDir {
		return nil, fmt.Errorf("billy: readdir %q: %w", p, storage.ErrNotDirectory)
	}

	infos, err := b.fs.ReadDir(p)
	if err != nil {
		if p == pathutil.Separator && os.IsNotExist(err) {
			return nil, nil
		}
		return nil, mapErr("readdir", p, err)
	}
	out := make([]storage.Entry, 0, len(infos))
	for _, info := range infos {
		child := pathutil.Join(p, info.Name())
		out = append(out, storage.Entry{Path: child, Metadata: b.metadataOf(child, info)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// Read returns the content of the file at p. The content is copied out of
// the filesystem when the reader is opened.
func (b *Backend) Read(_ context.Context, p string) (io.ReadCloser, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	data, err := b.readFile(p)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *Backend) readFile(p string) ([]byte, error) {
	md, err := b.stat(p)
	if err != nil {
		return nil, err
	}
	if md.IsDir {
		return nil, fmt.Errorf("billy: open %q: %w", p, storage.ErrIsDirectory)
	}
	data, err := util.ReadFile(b.fs, p)
	if err != nil {
		return nil, mapErr("readfile", p, err)
	}
	return data, nil
}

// Write returns a writer that buffers content and stores it on Close.
func (b *Backend) Write(_ context.Context, p string) (io.WriteCloser, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	if md, err := b.stat(p); err == nil && md.IsDir {
		return nil, fmt.Errorf("billy: create %q: %w", p, storage.ErrIsDirectory)
	}
	return &bufferedWriter{b: b, path: p}, nil
}

func (b *Backend) commit(p string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkOpen(); err != nil {
		return err
	}
	if err := b.ensureParent(p); err != nil {
		return err
	}
	if err := util.WriteFile(b.fs, p, data, 0644); err != nil {
		return mapErr("writefile", p, err)
	}
	b.mtimes[p] = b.now()
	return nil
}

// ensureParent creates the parents of p, refusing to descend through a file.
func (b *Backend) ensureParent(p string) error {
	parent := pathutil.Dirname(p)
	md, err := b.stat(parent)
	switch {
	case err == nil && !md.IsDir:
		return fmt.Errorf("billy: mkdirall %q: %w", parent, storage.ErrNotDirectory)
	case err == nil:
		return nil
	case storage.IsNotFound(err):
		return b.mkdirAll(parent)
	default:
		return err
	}
}

// Mkdir creates the directory at p and any missing parents.
func (b *Backend) Mkdir(_ context.Context, p string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.mkdirAll(p)
}

func (b *Backend) mkdirAll(p string) error {
	// find the deepest existing ancestor so that a file in the way is
	// reported and new directories get a fresh modification time
	var missing []string
	for cur := p; ; cur = pathutil.Dirname(cur) {
		md, err := b.stat(cur)
		if err == nil {
			if !md.IsDir {
				return fmt.Errorf("billy: mkdirall %q: %w", cur, storage.ErrNotDirectory)
			}
			break
		}
		if !storage.IsNotFound(err) {
			return err
		}
		missing = append(missing, cur)
		if cur == pathutil.Separator {
			break
		}
	}
	if len(missing) == 0 {
		return nil
	}
	if err := b.fs.MkdirAll(p, 0755); err != nil {
		return mapErr("mkdirall", p, err)
	}
	now := b.now()
	for _, dir := range missing {
		b.mtimes[dir] = now
	}
	return nil
}

// Remove deletes p. Directories are only removed when empty unless recursive
// is set.
func (b *Backend) Remove(_ context.Context, p string, recursive bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.remove(p, recursive)
}

func (b *Backend) remove(p string, recursive bool) error {
	md, err := b.stat(p)
	if err != nil {
		return err
	}
	if md.IsDir {
		infos, err := b.fs.ReadDir(p)
		if err != nil {
			return mapErr("readdir", p, err)
		}
		if len(infos) > 0 && !recursive {
			return fmt.Errorf("billy: remove %q: %w", p, storage.ErrDirectoryNotEmpty)
		}
		if err := util.RemoveAll(b.fs, p); err != nil {
			return mapErr("removeall", p, err)
		}
	} else if err := b.fs.Remove(p); err != nil {
		return mapErr("remove", p, err)
	}
	b.forget(p)
	return nil
}

// forget drops the tracked modification times for p and its descendants.
func (b *Backend) forget(p string) {
	for key := range b.mtimes {
		if pathutil.IsWithin(key, p) {
			delete(b.mtimes, key)
		}
	}
}

// Move renames oldPath to newPath, creating missing parents of newPath. An
// existing file at newPath is replaced.
//
// The move is a copy followed by a removal so that siblings sharing a name
// prefix are never touched.
func (b *Backend) Move(_ context.Context, oldPath, newPath string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkOpen(); err != nil {
		return err
	}
	if oldPath == newPath {
		return nil
	}
	if pathutil.IsWithin(newPath, oldPath) {
		return fmt.Errorf("billy: rename %q -> %q: destination is inside source", oldPath, newPath)
	}
	if _, err := b.stat(oldPath); err != nil {
		return err
	}
	if err := b.ensureParent(newPath); err != nil {
		return err
	}
	if err := b.copyTree(oldPath, newPath); err != nil {
		return err
	}
	return b.remove(oldPath, true)
}

func (b *Backend) copyTree(from, to string) error {
	md, err := b.stat(from)
	if err != nil {
		return err
	}
	mtime := md.ModTime

	if !md.IsDir {
		data, err := b.readFile(from)
		if err != nil {
			return err
		}
		if existing, err := b.stat(to); err == nil && existing.IsDir {
			return fmt.Errorf("billy: rename %q -> %q: %w", from, to, storage.ErrIsDirectory)
		}
		if err := util.WriteFile(b.fs, to, data, 0644); err != nil {
			return mapErr("writefile", to, err)
		}
		b.mtimes[to] = mtime
		return nil
	}

	if err := b.mkdirAll(to); err != nil {
		return err
	}
	b.mtimes[to] = mtime
	infos, err := b.fs.ReadDir(from)
	if err != nil {
		return mapErr("readdir", from, err)
	}
	for _, info := range infos {
		if err := b.copyTree(pathutil.Join(from, info.Name()), pathutil.Join(to, info.Name())); err != nil {
			return err
		}
	}
	return nil
}

// Hash returns the md5 digest of the file at p.
func (b *Backend) Hash(_ context.Context, p string) (storage.Digest, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.checkOpen(); err != nil {
		return storage.Digest{}, err
	}

	data, err := b.readFile(p)
	if err != nil {
		return storage.Digest{}, err
	}
	sum := md5.Sum(data)
	return storage.Digest{Algorithm: storage.AlgorithmMD5, Sum: hex.EncodeToString(sum[:])}, nil
}

// Type returns "memfs".
func (b *Backend) Type() string { return "memfs" }

// Close marks the backend closed. The in-memory tree is released with it.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// ErrClosed is returned by every call made after Close.
var ErrClosed = errors.New("memfs: backend closed")

func (b *Backend) checkOpen() error {
	if b.closed {
		return ErrClosed
	}
	return nil
}

func (b *Backend) mtime(p string, fallback time.Time) time.Time {
	if t, ok := b.mtimes[p]; ok {
		return t
	}
	return fallback
}

func (b *Backend) metadataOf(p string, info os.FileInfo) storage.Metadata {
	md := storage.Metadata{IsDir: info.IsDir(), ModTime: b.mtime(p, info.ModTime())}
	if !md.IsDir {
		md.Size = info.Size()
	}
	return md
}

func mapErr(op, p string, err error) error {
	if os.IsNotExist(err) {
		return fmt.Errorf("billy: %s %q: %w", op, p, storage.ErrNotFound)
	}
	return fmt.Errorf("billy: %s %q: %w", op, p, err)
}

// bufferedWriter collects a whole object before storing it.
type bufferedWriter struct {
	b    *Backend
	path string
	buf  bytes.Buffer
	done bool
}

func (w *bufferedWriter) Write(p []byte) (int, error) {
	if w.done {
		return 0, os.ErrClosed
	}
	return w.buf.Write(p)
}

// Close stores the buffered content.
func (w *bufferedWriter) Close() error {
	if w.done {
		return nil
	}
	w.done = true
	return w.b.commit(w.path, w.buf.Bytes())
}

// Abort drops the buffered content.
func (w *bufferedWriter) Abort() error {
	w.done = true
	w.buf.Reset()
	return nil
}
