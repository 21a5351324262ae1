package artefact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/stow/internal/logging"
	"github.com/fruitsalade/stow/internal/metrics"
	"github.com/fruitsalade/stow/pkg/pathutil"
	"github.com/fruitsalade/stow/pkg/retry"
	"github.com/fruitsalade/stow/pkg/storage"
)

const root = pathutil.Separator

// Manager owns the artefact handles for one backend and dispatches every
// path operation to it.
//
// The arena maps each path to its single live handle; directories refer to
// their children by path. All handle fields are guarded by mu. Backend calls
// are made without holding mu, and the arena is only changed after the
// backend confirmed the operation.
type Manager struct {
	backend storage.Backend
	name    string
	logger  *zap.Logger
	timeout time.Duration
	retry   retry.Config
	localFS LocalFS

	mu    sync.RWMutex
	arena map[string]Artefact
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger used for backend call diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithTimeout bounds every backend call. For streams the bound covers the
// whole time the stream is open. Zero disables the timeout.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) { m.timeout = d }
}

// WithName sets the name used in logs and metrics. It defaults to the
// backend type.
func WithName(name string) Option {
	return func(m *Manager) { m.name = name }
}

// WithRetry sets the retry policy for backend calls.
func WithRetry(cfg retry.Config) Option {
	return func(m *Manager) { m.retry = cfg }
}

// New creates a Manager over backend.
func New(backend storage.Backend, opts ...Option) *Manager {
	m := &Manager{
		backend: backend,
		name:    backend.Type(),
		retry:   retry.DefaultConfig(),
		arena:   make(map[string]Artefact),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = logging.L()
	}
	m.logger = m.logger.With(zap.String("manager", m.name))
	return m
}

// Name returns the manager name.
func (m *Manager) Name() string { return m.name }

// Backend returns the underlying backend.
func (m *Manager) Backend() storage.Backend { return m.backend }

func (m *Manager) String() string {
	return fmt.Sprintf("<Manager %s>", m.name)
}

// Close closes the backend. Handles stay in place but further backend calls
// fail.
func (m *Manager) Close() error {
	return m.backend.Close()
}

// Join joins path elements. The result is not normalized.
func (m *Manager) Join(elem ...string) string {
	return pathutil.Join(elem...)
}

// Relpath returns p relative to start.
func (m *Manager) Relpath(p, start string) (string, error) {
	return pathutil.Relpath(p, start)
}

// Abs normalizes p to a manager-relative absolute path.
func (m *Manager) Abs(p string) (string, error) {
	return pathutil.Abs(p)
}

// Root returns the root directory.
func (m *Manager) Root(ctx context.Context) (*Directory, error) {
	a, err := m.Get(ctx, root)
	if err != nil {
		return nil, err
	}
	d, ok := a.(*Directory)
	if !ok {
		return nil, fmt.Errorf("root: %w", storage.ErrNotDirectory)
	}
	return d, nil
}

// Get returns the live handle for p. A cached handle is returned as is;
// otherwise the backend is asked and a handle is constructed.
func (m *Manager) Get(ctx context.Context, p string) (Artefact, error) {
	p, err := pathutil.Abs(p)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	a, ok := m.arena[p]
	m.mu.RUnlock()
	if ok {
		return a, nil
	}
	return m.Stat(ctx, p)
}

// Stat asks the backend for p and refreshes (or replaces) its handle.
func (m *Manager) Stat(ctx context.Context, p string) (Artefact, error) {
	p, err := pathutil.Abs(p)
	if err != nil {
		return nil, err
	}

	var md storage.Metadata
	err = m.call(ctx, "stat", p, func(ctx context.Context) error {
		var err error
		md, err = m.backend.Stat(ctx, p)
		return err
	})
	if err != nil {
		if storage.IsNotFound(err) {
			m.mu.Lock()
			m.retire(p)
			m.mu.Unlock()
		}
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upsert(p, md), nil
}

// Ls lists d, collecting it first when needed.
func (m *Manager) Ls(ctx context.Context, d *Directory, recursive bool) ([]Artefact, error) {
	if err := m.owns(d); err != nil {
		return nil, err
	}
	if err := m.collect(ctx, d); err != nil {
		return nil, err
	}

	children, err := m.childrenOf(d)
	if err != nil {
		return nil, err
	}
	if !recursive {
		return children, nil
	}

	out := make([]Artefact, 0, len(children))
	for _, child := range children {
		out = append(out, child)
		sub, ok := child.(*Directory)
		if !ok {
			continue
		}
		descendants, err := m.Ls(ctx, sub, true)
		if err != nil {
			return nil, err
		}
		out = append(out, descendants...)
	}
	return out, nil
}

func (m *Manager) walk(ctx context.Context, d *Directory, recursive bool, yield func(Artefact, error) bool) bool {
	children, err := m.Ls(ctx, d, false)
	if err != nil {
		yield(nil, err)
		return false
	}
	for _, child := range children {
		if !yield(child, nil) {
			return false
		}
		if sub, ok := child.(*Directory); ok && recursive && sub.Exists() {
			if !m.walk(ctx, sub, true, yield) {
				return false
			}
		}
	}
	return true
}

// Mkdir creates the directory p and any missing parents.
func (m *Manager) Mkdir(ctx context.Context, p string) (*Directory, error) {
	p, err := pathutil.Abs(p)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	cached, ok := m.arena[p].(*Directory)
	m.mu.RUnlock()
	if ok {
		return cached, nil
	}

	err = m.call(ctx, "mkdir", p, func(ctx context.Context) error {
		return m.backend.Mkdir(ctx, p)
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.upsert(p, storage.Metadata{IsDir: true, ModTime: time.Now()}).(*Directory)
	if !ok {
		return nil, fmt.Errorf("mkdir %s: %w", p, storage.ErrNotDirectory)
	}
	return d, nil
}

// Touch returns the file at p, creating it empty when absent.
func (m *Manager) Touch(ctx context.Context, p string) (*File, error) {
	a, err := m.Stat(ctx, p)
	switch {
	case err == nil:
		f, ok := a.(*File)
		if !ok {
			return nil, fmt.Errorf("touch %s: %w", p, storage.ErrIsDirectory)
		}
		return f, nil
	case storage.IsNotFound(err):
		return m.Put(ctx, p, strings.NewReader(""))
	default:
		return nil, err
	}
}

// Put writes the content of r to p and returns the refreshed file handle.
// Nothing in the arena changes unless the backend committed the write.
func (m *Manager) Put(ctx context.Context, p string, r io.Reader) (*File, error) {
	p, err := pathutil.Abs(p)
	if err != nil {
		return nil, err
	}

	if err := m.write(ctx, p, r); err != nil {
		return nil, err
	}

	a, err := m.Stat(ctx, p)
	if err != nil {
		return nil, err
	}
	f, ok := a.(*File)
	if !ok {
		return nil, fmt.Errorf("put %s: %w", p, storage.ErrIsDirectory)
	}
	return f, nil
}

func (m *Manager) write(ctx context.Context, p string, r io.Reader) (err error) {
	ctx, cancel := m.callContext(ctx)
	defer cancel()

	start := time.Now()
	defer func() {
		metrics.RecordBackendOperation(m.backend.Type(), "write", time.Since(start), err == nil)
	}()

	w, err := retry.DoWithResult(ctx, m.retry, func() (io.WriteCloser, error) {
		return m.backend.Write(ctx, p)
	})
	if err != nil {
		return storage.Wrap("write", m.backend.Type(), p, err)
	}

	if _, err := storage.Commit(w, r); err != nil {
		return storage.Wrap("write", m.backend.Type(), p, err)
	}
	return nil
}

// Open opens a stream on f. The caller must Close (or Abort) it.
func (m *Manager) Open(ctx context.Context, f *File, mode storage.Mode) (*Stream, error) {
	if err := m.owns(f); err != nil {
		return nil, err
	}
	p, err := f.live()
	if err != nil {
		return nil, err
	}

	callCtx, cancel := m.callContext(ctx)
	s := &Stream{m: m, file: f, path: p, mode: mode, ctx: callCtx, cancel: cancel}

	start := time.Now()
	switch mode {
	case storage.ModeRead:
		s.r, err = retry.DoWithResult(callCtx, m.retry, func() (io.ReadCloser, error) {
			return m.backend.Read(callCtx, p)
		})
	case storage.ModeWrite:
		s.w, err = retry.DoWithResult(callCtx, m.retry, func() (io.WriteCloser, error) {
			return m.backend.Write(callCtx, p)
		})
	default:
		err = fmt.Errorf("unsupported mode %d", mode)
	}
	metrics.RecordBackendOperation(m.backend.Type(), "open_"+mode.String(), time.Since(start), err == nil)
	if err != nil {
		cancel()
		if storage.IsNotFound(err) {
			m.mu.Lock()
			m.retire(p)
			m.mu.Unlock()
		}
		return nil, storage.Wrap("open", m.backend.Type(), p, err)
	}
	return s, nil
}

// Hash returns the backend digest for f.
func (m *Manager) Hash(ctx context.Context, f *File) (storage.Digest, error) {
	if err := m.owns(f); err != nil {
		return storage.Digest{}, err
	}
	p, err := f.live()
	if err != nil {
		return storage.Digest{}, err
	}

	var digest storage.Digest
	err = m.call(ctx, "hash", p, func(ctx context.Context) error {
		var err error
		digest, err = m.backend.Hash(ctx, p)
		return err
	})
	return digest, err
}

// Mv renames a on the backend to newPath. On success the handle and every
// cached descendant are re-keyed and relinked; on failure nothing changes.
func (m *Manager) Mv(ctx context.Context, a Artefact, newPath string) error {
	if err := m.owns(a); err != nil {
		return err
	}
	oldPath, err := a.base().live()
	if err != nil {
		return err
	}
	newPath, err = pathutil.Abs(newPath)
	if err != nil {
		return err
	}
	if newPath == oldPath {
		return nil
	}
	if oldPath == root || pathutil.IsWithin(newPath, oldPath) {
		return fmt.Errorf("mv %s -> %s: cannot move a directory into itself", oldPath, newPath)
	}

	err = m.call(ctx, "move", oldPath, func(ctx context.Context) error {
		return m.backend.Move(ctx, oldPath, newPath)
	})
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.retire(newPath)
	m.unlink(oldPath)

	var moved []string
	for key := range m.arena {
		if pathutil.IsWithin(key, oldPath) {
			moved = append(moved, key)
		}
	}
	rekey := func(p string) string { return newPath + strings.TrimPrefix(p, oldPath) }

	handles := make(map[string]Artefact, len(moved))
	for _, key := range moved {
		handles[rekey(key)] = m.arena[key]
		delete(m.arena, key)
	}
	for key, h := range handles {
		h.base().path = key
		if d, ok := h.(*Directory); ok && d.children != nil {
			children := make(map[string]struct{}, len(d.children))
			for c := range d.children {
				children[rekey(c)] = struct{}{}
			}
			d.children = children
		}
		m.arena[key] = h
	}
	m.link(newPath)

	m.logger.Debug("moved", zap.String("from", oldPath), zap.String("to", newPath))
	return nil
}

// Rm removes p from the backend and retires its handle together with every
// cached descendant.
func (m *Manager) Rm(ctx context.Context, p string, recursive bool) error {
	p, err := pathutil.Abs(p)
	if err != nil {
		return err
	}
	if p == root {
		return fmt.Errorf("rm %s: refusing to remove the root", p)
	}

	if !recursive {
		m.mu.RLock()
		d, ok := m.arena[p].(*Directory)
		nonEmpty := ok && d.collected && len(d.children) > 0
		m.mu.RUnlock()
		if nonEmpty {
			return storage.Wrap("remove", m.backend.Type(), p, storage.ErrDirectoryNotEmpty)
		}
	}

	err = m.call(ctx, "remove", p, func(ctx context.Context) error {
		return m.backend.Remove(ctx, p, recursive)
	})
	if err != nil {
		if storage.IsNotFound(err) {
			m.mu.Lock()
			m.retire(p)
			m.mu.Unlock()
		}
		return err
	}

	m.mu.Lock()
	m.retire(p)
	m.mu.Unlock()
	return nil
}

// refresh re-stats f after a write. A missing object retires f.
func (m *Manager) refresh(ctx context.Context, f *File) error {
	p, err := f.live()
	if err != nil {
		return err
	}
	_, err = m.Stat(ctx, p)
	return err
}

// collect performs the JIT listing of d if it has not been collected yet.
// Listings of one directory are serialized on d.collectMu. Writes confirmed
// while the backend call is in flight are recorded in d.listing and win over
// the listing result.
func (m *Manager) collect(ctx context.Context, d *Directory) error {
	if _, err := d.live(); err != nil {
		return err
	}

	d.collectMu.Lock()
	defer d.collectMu.Unlock()

	m.mu.Lock()
	collected, exists, current := d.collected, d.exists, d.path
	if exists && !collected {
		d.listing = newListDelta()
	}
	m.mu.Unlock()
	if !exists {
		return &StaleHandleError{Path: current}
	}
	if collected {
		return nil
	}

	var entries []storage.Entry
	err := m.call(ctx, "list", current, func(ctx context.Context) error {
		var err error
		entries, err = m.backend.List(ctx, current)
		return err
	})

	m.mu.Lock()
	defer m.mu.Unlock()

	delta := d.listing
	d.listing = nil
	if err != nil {
		if storage.IsNotFound(err) && d.exists && d.path == current && len(delta.added) == 0 {
			m.retire(current)
		}
		return err
	}
	metrics.RecordDirectoryListing(m.name)

	if !d.exists {
		return &StaleHandleError{Path: d.path}
	}
	if d.path != current {
		// moved while listing; the next Ls lists the new location
		return nil
	}

	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		child, err := pathutil.Abs(e.Path)
		if err != nil || pathutil.Dirname(child) != current {
			m.logger.Warn("ignoring listing entry outside directory",
				zap.String("dir", current), zap.String("entry", e.Path))
			continue
		}
		if _, ok := delta.removed[child]; ok {
			continue
		}
		seen[child] = struct{}{}
		if _, ok := delta.added[child]; ok {
			continue
		}
		m.upsert(child, e.Metadata)
	}
	for child := range delta.added {
		if _, ok := m.arena[child]; ok {
			seen[child] = struct{}{}
		}
	}

	// a cached descendant whose top-level child vanished is gone as well
	for key := range m.arena {
		if key == current || !pathutil.IsWithin(key, current) {
			continue
		}
		child := childBelow(current, key)
		if _, ok := seen[child]; ok {
			continue
		}
		if _, ok := delta.deep[child]; ok {
			continue
		}
		m.retire(child)
	}

	d.children = seen
	d.collected = len(delta.deep) == 0
	metrics.SetCachedArtefacts(m.name, len(m.arena))
	return nil
}

func (m *Manager) childrenOf(d *Directory) ([]Artefact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !d.exists {
		return nil, &StaleHandleError{Path: d.path}
	}
	keys := make([]string, 0, len(d.children))
	for k := range d.children {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	children := make([]Artefact, 0, len(keys))
	for _, k := range keys {
		if a, ok := m.arena[k]; ok {
			children = append(children, a)
		}
	}
	return children, nil
}

// upsert installs metadata for p, reusing the cached handle when its kind
// still matches. Callers hold mu.
func (m *Manager) upsert(p string, md storage.Metadata) Artefact {
	if existing, ok := m.arena[p]; ok {
		switch h := existing.(type) {
		case *File:
			if !md.IsDir {
				h.update(md)
				return h
			}
		case *Directory:
			if md.IsDir {
				return h
			}
		}
		m.retire(p)
	}

	var a Artefact
	if md.IsDir {
		a = &Directory{handle: handle{m: m, path: p, exists: true}}
	} else {
		f := &File{handle: handle{m: m, path: p, exists: true}}
		f.update(md)
		a = f
	}
	m.arena[p] = a
	m.link(p)
	return a
}

// link records p in its parent's child set. When the parent is not cached,
// the nearest cached ancestor is marked uncollected so its next listing picks
// up the new subtree. Callers hold mu.
func (m *Manager) link(p string) {
	if p == root {
		return
	}
	parent := pathutil.Dirname(p)
	if d, ok := m.arena[parent].(*Directory); ok {
		if d.collected {
			d.children[p] = struct{}{}
		}
		if d.listing != nil {
			d.listing.added[p] = struct{}{}
			delete(d.listing.removed, p)
		}
		return
	}
	for anc := parent; anc != root; {
		anc = pathutil.Dirname(anc)
		if d, ok := m.arena[anc].(*Directory); ok {
			d.collected = false
			if d.listing != nil {
				d.listing.deep[childBelow(anc, p)] = struct{}{}
			}
			return
		}
	}
}

// unlink removes p from its parent's child set. Callers hold mu.
func (m *Manager) unlink(p string) {
	if p == root {
		return
	}
	d, ok := m.arena[pathutil.Dirname(p)].(*Directory)
	if !ok {
		return
	}
	if d.children != nil {
		delete(d.children, p)
	}
	if d.listing != nil {
		delete(d.listing.added, p)
		d.listing.removed[p] = struct{}{}
	}
}

// retire flips the existence flag of p and of every cached descendant and
// drops them from the arena. Descendants are swept even when p itself is not
// cached. Callers hold mu.
func (m *Manager) retire(p string) {
	for key, a := range m.arena {
		if key != p && pathutil.IsWithin(key, p) {
			a.base().exists = false
			delete(m.arena, key)
		}
	}
	if a, ok := m.arena[p]; ok {
		a.base().exists = false
		delete(m.arena, p)
	}
	m.unlink(p)
	metrics.SetCachedArtefacts(m.name, len(m.arena))
}

// childBelow returns the direct child of dir on the way to p.
func childBelow(dir, p string) string {
	rest := strings.TrimPrefix(strings.TrimPrefix(p, dir), pathutil.Separator)
	name, _, _ := strings.Cut(rest, pathutil.Separator)
	return pathutil.Join(dir, name)
}

func (m *Manager) owns(a Artefact) error {
	if a == nil || a.base().m != m {
		return ErrForeignArtefact
	}
	return nil
}

func (m *Manager) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.timeout > 0 {
		return context.WithTimeout(ctx, m.timeout)
	}
	return context.WithCancel(ctx)
}

// call runs one backend operation with the manager's timeout and retry
// policy, records it, and wraps any failure in a *storage.BackendError.
func (m *Manager) call(ctx context.Context, op, p string, fn func(context.Context) error) error {
	ctx, cancel := m.callContext(ctx)
	defer cancel()

	start := time.Now()
	err := retry.Do(ctx, m.retry, func() error { return fn(ctx) })
	metrics.RecordBackendOperation(m.backend.Type(), op, time.Since(start), err == nil || storage.IsNotFound(err))
	if err == nil {
		return nil
	}

	if !storage.IsNotFound(err) && !errors.Is(err, storage.ErrDirectoryNotEmpty) {
		logging.WithContext(ctx, m.logger).Debug("backend call failed",
			zap.String("op", op),
			zap.String("path", p),
			zap.Error(err))
	}
	return storage.Wrap(op, m.backend.Type(), p, err)
}
