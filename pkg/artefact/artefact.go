// Package artefact provides handles onto files and directories held by a
// storage backend, and the Manager that owns them.
//
// A Manager keeps one canonical handle per path. Handles are views: the
// backend is the source of truth and the Manager only changes a handle after
// the backend has confirmed the corresponding operation. Once the Manager
// learns that a backend object is gone it retires the handle, and from then on
// every method except Exists and String fails with ErrStaleHandle.
package artefact

import (
	"context"
	"fmt"
	"io"
	"iter"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/fruitsalade/stow/pkg/storage"
)

// Artefact is a file or directory handle. It is implemented by *File and
// *Directory only.
type Artefact interface {
	// Manager returns the owning manager.
	Manager() (*Manager, error)

	// Path returns the manager-relative absolute path.
	Path() (string, error)

	// SetPath moves the artefact on the backend. On failure the handle
	// keeps its old path.
	SetPath(ctx context.Context, path string) error

	// Exists reports whether the handle is still live.
	Exists() bool

	// Save materializes the artefact onto the local filesystem at localPath.
	Save(ctx context.Context, localPath string) error

	String() string

	base() *handle
}

// handle carries the identity shared by files and directories. Its fields
// are guarded by the owning Manager's mutex.
type handle struct {
	m      *Manager
	path   string
	exists bool
}

func (h *handle) base() *handle { return h }

// live returns the current path, or a *StaleHandleError.
func (h *handle) live() (string, error) {
	h.m.mu.RLock()
	defer h.m.mu.RUnlock()
	if !h.exists {
		return "", &StaleHandleError{Path: h.path}
	}
	return h.path, nil
}

func (h *handle) Manager() (*Manager, error) {
	if _, err := h.live(); err != nil {
		return nil, err
	}
	return h.m, nil
}

func (h *handle) Path() (string, error) {
	return h.live()
}

func (h *handle) Exists() bool {
	h.m.mu.RLock()
	defer h.m.mu.RUnlock()
	return h.exists
}

func (h *handle) snapshot() (string, bool) {
	h.m.mu.RLock()
	defer h.m.mu.RUnlock()
	return h.path, h.exists
}

// File is a handle onto a backend object holding bytes.
type File struct {
	handle
	size    int64
	modTime time.Time
}

// Size returns the size recorded at the last stat, listing or write.
func (f *File) Size() (int64, error) {
	f.m.mu.RLock()
	defer f.m.mu.RUnlock()
	if !f.exists {
		return 0, &StaleHandleError{Path: f.path}
	}
	return f.size, nil
}

// ModTime returns the modification time recorded at the last stat, listing
// or write.
func (f *File) ModTime() (time.Time, error) {
	f.m.mu.RLock()
	defer f.m.mu.RUnlock()
	if !f.exists {
		return time.Time{}, &StaleHandleError{Path: f.path}
	}
	return f.modTime, nil
}

// Content reads the whole object. Nothing is cached between calls.
func (f *File) Content(ctx context.Context) ([]byte, error) {
	var data []byte
	err := f.Open(ctx, storage.ModeRead, func(s *Stream) error {
		var err error
		data, err = io.ReadAll(s)
		return err
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Open runs fn with a stream onto the object. The stream is released on
// every exit path, including a panic in fn. In write mode the content is
// committed only when fn returns nil; otherwise the write is aborted.
func (f *File) Open(ctx context.Context, mode storage.Mode, fn func(*Stream) error) (err error) {
	s, err := f.m.Open(ctx, f, mode)
	if err != nil {
		return err
	}

	committed := false
	defer func() {
		if !committed {
			err = multierr.Append(err, s.Abort())
		}
	}()

	if err := fn(s); err != nil {
		return err
	}
	committed = true
	return s.Close()
}

// Hash returns the backend digest of the object.
func (f *File) Hash(ctx context.Context) (storage.Digest, error) {
	return f.m.Hash(ctx, f)
}

func (f *File) SetPath(ctx context.Context, path string) error {
	return f.m.Mv(ctx, f, path)
}

func (f *File) Save(ctx context.Context, localPath string) error {
	return f.m.Localise(ctx, f, localPath)
}

func (f *File) String() string {
	f.m.mu.RLock()
	defer f.m.mu.RUnlock()
	if !f.exists {
		return fmt.Sprintf("<File %s (gone)>", f.path)
	}
	return fmt.Sprintf("<File %s modified(%s) size(%d bytes)>", f.path, f.modTime.Format(time.RFC3339), f.size)
}

// update copies freshly stat'd metadata onto the handle. Callers hold the
// manager lock.
func (f *File) update(md storage.Metadata) {
	f.size = md.Size
	f.modTime = md.ModTime
}

// Directory is a handle onto a backend directory. Its children are held as
// paths into the manager's arena and are loaded on first use.
type Directory struct {
	handle
	children  map[string]struct{}
	collected bool

	// collectMu serializes JIT listings of this directory. listing is
	// non-nil while one is in flight and is guarded by the manager mutex.
	collectMu sync.Mutex
	listing   *listDelta
}

// listDelta records the child changes the manager confirmed while a listing
// of the directory was in flight, so the listing cannot undo them.
type listDelta struct {
	added   map[string]struct{}
	removed map[string]struct{}
	// uncached children that received a write beneath them
	deep map[string]struct{}
}

func newListDelta() *listDelta {
	return &listDelta{
		added:   map[string]struct{}{},
		removed: map[string]struct{}{},
		deep:    map[string]struct{}{},
	}
}

// Collected reports whether the child set reflects a backend listing.
func (d *Directory) Collected() (bool, error) {
	d.m.mu.RLock()
	defer d.m.mu.RUnlock()
	if !d.exists {
		return false, &StaleHandleError{Path: d.path}
	}
	return d.collected, nil
}

// Ls lists the directory, collecting it from the backend first if needed.
// Children are ordered by path; with recursive, each directory is followed
// by its descendants.
func (d *Directory) Ls(ctx context.Context, recursive bool) ([]Artefact, error) {
	return d.m.Ls(ctx, d, recursive)
}

// Walk is the lazy form of Ls: subdirectories are only collected when the
// iteration reaches them. The sequence can be ranged over more than once.
func (d *Directory) Walk(ctx context.Context, recursive bool) iter.Seq2[Artefact, error] {
	return func(yield func(Artefact, error) bool) {
		d.m.walk(ctx, d, recursive, yield)
	}
}

// Len returns the number of direct children.
func (d *Directory) Len(ctx context.Context) (int, error) {
	children, err := d.Ls(ctx, false)
	if err != nil {
		return 0, err
	}
	return len(children), nil
}

// Mkdir creates a directory at relpath beneath this directory.
func (d *Directory) Mkdir(ctx context.Context, relpath string) (*Directory, error) {
	p, err := d.live()
	if err != nil {
		return nil, err
	}
	return d.m.Mkdir(ctx, d.m.Join(p, relpath))
}

// Touch creates an empty file at relpath beneath this directory.
func (d *Directory) Touch(ctx context.Context, relpath string) (*File, error) {
	p, err := d.live()
	if err != nil {
		return nil, err
	}
	return d.m.Touch(ctx, d.m.Join(p, relpath))
}

// Rm removes relpath beneath this directory.
func (d *Directory) Rm(ctx context.Context, relpath string, recursive bool) error {
	p, err := d.live()
	if err != nil {
		return err
	}
	return d.m.Rm(ctx, d.m.Join(p, relpath), recursive)
}

func (d *Directory) SetPath(ctx context.Context, path string) error {
	return d.m.Mv(ctx, d, path)
}

func (d *Directory) Save(ctx context.Context, localPath string) error {
	return d.m.Localise(ctx, d, localPath)
}

func (d *Directory) String() string {
	path, exists := d.snapshot()
	if !exists {
		return fmt.Sprintf("<Directory %s (gone)>", path)
	}
	return fmt.Sprintf("<Directory %s>", path)
}
