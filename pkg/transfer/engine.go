// Package transfer reconciles a source artefact against a destination path
// on any Manager. It implements cp, mv and sync with per-artefact failure
// isolation.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fruitsalade/stow/internal/logging"
	"github.com/fruitsalade/stow/internal/metrics"
	"github.com/fruitsalade/stow/pkg/artefact"
	"github.com/fruitsalade/stow/pkg/pathutil"
	"github.com/fruitsalade/stow/pkg/storage"
)

// Op names a transfer operation.
type Op string

const (
	OpCopy Op = "cp"
	OpMove Op = "mv"
	OpSync Op = "sync"
)

// DefaultWorkers is the number of concurrent file transfers per operation.
const DefaultWorkers = 4

// Report summarizes a completed operation. In dry-run mode it counts what
// would have happened.
type Report struct {
	Transferred int
	Skipped     int
	Deleted     int
	Bytes       int64
}

// Engine runs cp, mv and sync. It holds no state between calls and is safe
// for concurrent use.
type Engine struct {
	workers  int
	checksum bool
	dryRun   bool
	logger   *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithWorkers bounds the number of file transfers running at once.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithChecksum enables digest comparison when sizes match. Digests come from
// Backend.Hash: the S3 driver reads them from object ETags, while the local
// and memfs drivers read the whole file, so a same-size pair costs a full
// read of both sides. Disable it to decide on size and mtime alone.
func WithChecksum(enabled bool) Option {
	return func(e *Engine) { e.checksum = enabled }
}

// WithDryRun makes the engine report what it would do without writing,
// moving or deleting anything.
func WithDryRun(enabled bool) Option {
	return func(e *Engine) { e.dryRun = enabled }
}

// WithLogger sets the engine logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// New creates an Engine.
func New(opts ...Option) *Engine {
	e := &Engine{workers: DefaultWorkers, checksum: true}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = logging.L()
	}
	return e
}

// Cp copies src to dstPath on dst. Existing destination content that has no
// source counterpart is left alone.
func (e *Engine) Cp(ctx context.Context, src artefact.Artefact, dst *artefact.Manager, dstPath string) (Report, error) {
	return e.run(ctx, OpCopy, src, dst, dstPath)
}

// Mv moves src to dstPath on dst. A source file is removed only once its
// destination is confirmed, and a source directory only once every child
// moved.
func (e *Engine) Mv(ctx context.Context, src artefact.Artefact, dst *artefact.Manager, dstPath string) (Report, error) {
	return e.run(ctx, OpMove, src, dst, dstPath)
}

// Sync makes dstPath on dst mirror src, deleting destination entries that
// have no source counterpart.
func (e *Engine) Sync(ctx context.Context, src artefact.Artefact, dst *artefact.Manager, dstPath string) (Report, error) {
	return e.run(ctx, OpSync, src, dst, dstPath)
}

func (e *Engine) run(ctx context.Context, op Op, src artefact.Artefact, dst *artefact.Manager, dstPath string) (Report, error) {
	if src == nil || dst == nil {
		return Report{}, fmt.Errorf("%s: source and destination are required", op)
	}
	srcPath, err := src.Path()
	if err != nil {
		return Report{}, fmt.Errorf("%s: %w: %w", op, storage.ErrNotFound, err)
	}
	srcM, err := src.Manager()
	if err != nil {
		return Report{}, fmt.Errorf("%s: %w: %w", op, storage.ErrNotFound, err)
	}
	dstPath, err = pathutil.Abs(dstPath)
	if err != nil {
		return Report{}, fmt.Errorf("%s: destination: %w", op, err)
	}

	ctx = logging.WithOperation(ctx, e.logger, string(op))
	logger := logging.WithContext(ctx, e.logger)
	start := time.Now()
	defer func() { metrics.RecordTransferRun(string(op), time.Since(start)) }()

	r := &runner{
		e:      e,
		op:     op,
		src:    srcM,
		dst:    dst,
		logger: logger,
		mkdirs: make(map[string]*dirOnce),
	}
	r.group.SetLimit(e.workers)

	logger.Info("transfer started",
		zap.String("source", srcM.Name()+":"+srcPath),
		zap.String("destination", dst.Name()+":"+dstPath),
		zap.Bool("dry_run", e.dryRun))

	existing, err := r.resolve(ctx, dstPath)

	switch s := src.(type) {
	case *artefact.File:
		if err != nil {
			te := r.fail(srcPath, dstPath, err)
			return r.report, te
		}
		if isDirectory(existing) {
			dstPath = pathutil.Join(dstPath, pathutil.Basename(srcPath))
			if existing, err = r.resolve(ctx, dstPath); err != nil {
				te := r.fail(srcPath, dstPath, err)
				return r.report, te
			}
		}
		switch {
		case srcM == dst && dstPath == srcPath:
			r.skipped()
		case op == OpMove && srcM == dst && !isDirectory(existing):
			r.rename(ctx, s, srcPath, dstPath)
		default:
			r.file(ctx, s, srcPath, existing, dstPath)
		}
		r.finish(start)
		if len(r.errs) > 0 {
			return r.report, r.errs[0]
		}
		return r.report, nil

	case *artefact.Directory:
		switch {
		case srcM == dst && dstPath == srcPath:
			r.skipped()
		case srcM == dst && pathutil.IsWithin(dstPath, srcPath):
			r.fail(srcPath, dstPath, errors.New("cannot transfer a directory into itself"))
		case err != nil:
			r.fail(srcPath, dstPath, err)
		case op == OpMove && srcM == dst && existing == nil:
			r.rename(ctx, s, srcPath, dstPath)
		default:
			if dstDir, ok := r.prepareDir(ctx, srcPath, existing, dstPath); ok {
				r.dirs = append(r.dirs, srcPath)
				r.visit(ctx, s, srcPath, dstPath, dstDir)
			}
			_ = r.group.Wait()
			if op == OpMove {
				r.removeSourceDirs(ctx)
			}
		}
		r.finish(start)
		if len(r.errs) > 0 {
			sort.Slice(r.errs, func(i, j int) bool { return r.errs[i].Source < r.errs[j].Source })
			return r.report, &PartialSyncError{Op: op, Errors: r.errs}
		}
		return r.report, nil

	default:
		return Report{}, artefact.ErrForeignArtefact
	}
}

// IsStale reports whether dst needs to be rewritten from src.
//
// Unequal sizes are always stale. With checksums enabled and digests of the
// same algorithm on both sides, the digests decide. Otherwise dst is stale
// when it was modified before src.
func (e *Engine) IsStale(ctx context.Context, src, dst *artefact.File) (bool, error) {
	srcSize, err := src.Size()
	if err != nil {
		return false, err
	}
	dstSize, err := dst.Size()
	if err != nil {
		return false, err
	}
	if srcSize != dstSize {
		return true, nil
	}

	if e.checksum {
		srcSum, srcErr := src.Hash(ctx)
		dstSum, dstErr := dst.Hash(ctx)
		switch {
		case srcErr == nil && dstErr == nil && srcSum.Algorithm == dstSum.Algorithm:
			return !srcSum.Equal(dstSum), nil
		case srcErr != nil && !errors.Is(srcErr, storage.ErrHashUnsupported):
			return false, srcErr
		case dstErr != nil && !errors.Is(dstErr, storage.ErrHashUnsupported):
			return false, dstErr
		}
	}

	srcTime, err := src.ModTime()
	if err != nil {
		return false, err
	}
	dstTime, err := dst.ModTime()
	if err != nil {
		return false, err
	}
	return dstTime.Before(srcTime), nil
}

func isDirectory(a artefact.Artefact) bool {
	_, ok := a.(*artefact.Directory)
	return ok
}

type dirOnce struct {
	once sync.Once
	err  error
}

// runner holds the state of one operation.
type runner struct {
	e      *Engine
	op     Op
	src    *artefact.Manager
	dst    *artefact.Manager
	logger *zap.Logger
	group  errgroup.Group

	mu     sync.Mutex
	report Report
	errs   []*TransferError
	mkdirs map[string]*dirOnce
	// visited source directories, removed after a successful mv
	dirs []string
}

// resolve stats p on the destination. A missing path yields nil.
func (r *runner) resolve(ctx context.Context, p string) (artefact.Artefact, error) {
	a, err := r.dst.Stat(ctx, p)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return a, nil
}

func (r *runner) fail(src, dst string, err error) *TransferError {
	te := &TransferError{Op: r.op, Source: src, Destination: dst, Err: err}
	r.mu.Lock()
	r.errs = append(r.errs, te)
	r.mu.Unlock()
	metrics.RecordTransfer(string(r.op), metrics.ResultFailed, 0)
	r.logger.Warn("transfer failed",
		zap.String("source", src),
		zap.String("destination", dst),
		zap.Error(err))
	return te
}

func (r *runner) transferred(n int64) {
	r.mu.Lock()
	r.report.Transferred++
	r.report.Bytes += n
	r.mu.Unlock()
	metrics.RecordTransfer(string(r.op), metrics.ResultTransferred, n)
}

func (r *runner) skipped() {
	r.mu.Lock()
	r.report.Skipped++
	r.mu.Unlock()
	metrics.RecordTransfer(string(r.op), metrics.ResultSkipped, 0)
}

func (r *runner) deleted() {
	r.mu.Lock()
	r.report.Deleted++
	r.mu.Unlock()
	metrics.RecordTransfer(string(r.op), metrics.ResultDeleted, 0)
}

func (r *runner) finish(start time.Time) {
	r.logger.Info("transfer finished",
		zap.Int("transferred", r.report.Transferred),
		zap.Int("skipped", r.report.Skipped),
		zap.Int("deleted", r.report.Deleted),
		zap.Int64("bytes", r.report.Bytes),
		zap.Int("failed", len(r.errs)),
		zap.Duration("elapsed", time.Since(start)))
}

// rename moves src within one manager with a single backend call.
func (r *runner) rename(ctx context.Context, src artefact.Artefact, srcPath, dstPath string) {
	if err := ctx.Err(); err != nil {
		r.fail(srcPath, dstPath, err)
		return
	}
	var size int64
	if f, ok := src.(*artefact.File); ok {
		size, _ = f.Size()
	}
	if !r.e.dryRun {
		if err := src.SetPath(ctx, dstPath); err != nil {
			r.fail(srcPath, dstPath, err)
			return
		}
	}
	r.logger.Debug("renamed", zap.String("source", srcPath), zap.String("destination", dstPath))
	r.transferred(size)
}

// prepareDir settles the top-level destination of a tree operation. It
// returns the existing destination directory, or nil when the destination is
// absent, and false when the tree must not be visited.
func (r *runner) prepareDir(ctx context.Context, srcPath string, existing artefact.Artefact, dstPath string) (*artefact.Directory, bool) {
	switch d := existing.(type) {
	case nil:
		return nil, true
	case *artefact.Directory:
		return d, true
	default:
		if r.op != OpSync {
			r.fail(srcPath, dstPath, fmt.Errorf("destination: %w", storage.ErrNotDirectory))
			return nil, false
		}
		if err := r.remove(ctx, dstPath); err != nil {
			r.fail(srcPath, dstPath, err)
			return nil, false
		}
		return nil, true
	}
}

// visit reconciles one source directory against dstPath. File transfers
// and sync deletions are handed to the worker group; subdirectories are
// visited in turn.
func (r *runner) visit(ctx context.Context, src *artefact.Directory, srcPath, dstPath string, dst *artefact.Directory) {
	if err := ctx.Err(); err != nil {
		r.fail(srcPath, dstPath, err)
		return
	}

	children, err := src.Ls(ctx, false)
	if err != nil {
		r.fail(srcPath, dstPath, err)
		return
	}

	existing := make(map[string]artefact.Artefact)
	if dst != nil {
		dstChildren, err := dst.Ls(ctx, false)
		if err != nil {
			r.fail(srcPath, dstPath, err)
			return
		}
		for _, c := range dstChildren {
			p, err := c.Path()
			if err != nil {
				continue
			}
			existing[pathutil.Basename(p)] = c
		}
	}

	for _, child := range children {
		childPath, err := child.Path()
		if err != nil {
			// retired by a concurrent operation since the listing
			continue
		}
		name := pathutil.Basename(childPath)
		target := pathutil.Join(dstPath, name)
		ex := existing[name]
		delete(existing, name)

		switch c := child.(type) {
		case *artefact.File:
			r.group.Go(func() error {
				r.file(ctx, c, childPath, ex, target)
				return nil
			})
		case *artefact.Directory:
			sub, ok := r.prepareDir(ctx, childPath, ex, target)
			if !ok {
				continue
			}
			r.mu.Lock()
			r.dirs = append(r.dirs, childPath)
			r.mu.Unlock()
			r.visit(ctx, c, childPath, target, sub)
		}
	}

	if r.op != OpSync {
		return
	}
	names := make([]string, 0, len(existing))
	for name := range existing {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		target := pathutil.Join(dstPath, name)
		r.group.Go(func() error {
			if err := ctx.Err(); err != nil {
				r.fail(pathutil.Join(srcPath, name), target, err)
				return nil
			}
			if err := r.remove(ctx, target); err != nil {
				r.fail(pathutil.Join(srcPath, name), target, err)
			}
			return nil
		})
	}
}

// remove deletes a destination artefact recursively.
func (r *runner) remove(ctx context.Context, p string) error {
	if !r.e.dryRun {
		if err := r.dst.Rm(ctx, p, true); err != nil && !storage.IsNotFound(err) {
			return err
		}
	}
	r.logger.Debug("deleted", zap.String("destination", p))
	r.deleted()
	return nil
}

// file reconciles one source file against target. existing is the current
// destination artefact, or nil.
func (r *runner) file(ctx context.Context, src *artefact.File, srcPath string, existing artefact.Artefact, target string) {
	if err := ctx.Err(); err != nil {
		r.fail(srcPath, target, err)
		return
	}

	switch d := existing.(type) {
	case *artefact.Directory:
		if r.op != OpSync {
			r.fail(srcPath, target, fmt.Errorf("destination: %w", storage.ErrIsDirectory))
			return
		}
		if err := r.remove(ctx, target); err != nil {
			r.fail(srcPath, target, err)
			return
		}
		existing = nil
	case *artefact.File:
		stale, err := r.e.IsStale(ctx, src, d)
		if err != nil {
			r.fail(srcPath, target, err)
			return
		}
		if !stale {
			r.logger.Debug("up to date", zap.String("source", srcPath), zap.String("destination", target))
			if r.op == OpMove && !r.e.dryRun {
				if err := r.src.Rm(ctx, srcPath, false); err != nil {
					r.fail(srcPath, target, err)
					return
				}
			}
			r.skipped()
			return
		}
	}

	if r.e.dryRun {
		size, _ := src.Size()
		r.transferred(size)
		return
	}

	if err := r.mkdirLazy(ctx, pathutil.Dirname(target)); err != nil {
		r.fail(srcPath, target, err)
		return
	}

	n, err := r.copy(ctx, src, target)
	if err != nil {
		r.fail(srcPath, target, err)
		return
	}

	if r.op == OpMove {
		if err := r.src.Rm(ctx, srcPath, false); err != nil {
			r.fail(srcPath, target, fmt.Errorf("destination written, source kept: %w", err))
			return
		}
	}
	r.logger.Debug("transferred",
		zap.String("source", srcPath),
		zap.String("destination", target),
		zap.Int64("bytes", n))
	r.transferred(n)
}

// copy streams src into target through the destination manager.
func (r *runner) copy(ctx context.Context, src *artefact.File, target string) (int64, error) {
	var n int64
	err := src.Open(ctx, storage.ModeRead, func(s *artefact.Stream) error {
		cr := &countingReader{r: s}
		if _, err := r.dst.Put(ctx, target, cr); err != nil {
			return err
		}
		n = cr.n
		return nil
	})
	return n, err
}

// mkdirLazy creates p on the destination at most once per operation.
func (r *runner) mkdirLazy(ctx context.Context, p string) error {
	r.mu.Lock()
	d, ok := r.mkdirs[p]
	if !ok {
		d = &dirOnce{}
		r.mkdirs[p] = d
	}
	r.mu.Unlock()

	d.once.Do(func() {
		_, d.err = r.dst.Mkdir(ctx, p)
	})
	return d.err
}

// removeSourceDirs deletes moved source directories, deepest first. A
// directory is kept when any transfer beneath it failed.
func (r *runner) removeSourceDirs(ctx context.Context) {
	if r.e.dryRun {
		return
	}
	r.mu.Lock()
	failed := make([]string, 0, len(r.errs))
	for _, te := range r.errs {
		failed = append(failed, te.Source)
	}
	dirs := append([]string(nil), r.dirs...)
	r.mu.Unlock()

	// descending order puts every directory after its descendants
	sort.Sort(sort.Reverse(sort.StringSlice(dirs)))
	for _, dir := range dirs {
		if dir == pathutil.Separator || hasFailureWithin(failed, dir) {
			continue
		}
		if err := r.src.Rm(ctx, dir, false); err != nil && !storage.IsNotFound(err) {
			r.fail(dir, "", err)
			failed = append(failed, dir)
		}
	}
}

func hasFailureWithin(failed []string, dir string) bool {
	for _, p := range failed {
		if pathutil.IsWithin(p, dir) {
			return true
		}
	}
	return false
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
