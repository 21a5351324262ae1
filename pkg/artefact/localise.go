package artefact

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/fruitsalade/stow/pkg/pathutil"
	"github.com/fruitsalade/stow/pkg/storage"
)

// ErrNoLocalFS is returned by Save when the manager was created without
// WithLocalFS.
var ErrNoLocalFS = errors.New("no local filesystem configured")

// LocalFS opens a backend rooted at the OS directory dir, creating it when
// needed. Save uses it to reach the local filesystem.
type LocalFS func(dir string) (storage.Backend, error)

// WithLocalFS sets how Save reaches the local filesystem.
func WithLocalFS(open LocalFS) Option {
	return func(m *Manager) { m.localFS = open }
}

// Localise copies a onto the local filesystem at localPath. Files are
// written through the backend's commit-on-close; directories are copied
// recursively and created as needed.
func (m *Manager) Localise(ctx context.Context, a Artefact, localPath string) error {
	if err := m.owns(a); err != nil {
		return err
	}
	if _, err := a.base().live(); err != nil {
		return err
	}
	if m.localFS == nil {
		return ErrNoLocalFS
	}
	target, err := filepath.Abs(localPath)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", localPath, err)
	}

	dir, dstPath := target, root
	if _, ok := a.(*File); ok {
		dir, dstPath = filepath.Dir(target), pathutil.Join(root, filepath.Base(target))
	}
	dst, err := m.localFS(dir)
	if err != nil {
		return err
	}
	return m.Export(ctx, a, dst, dstPath)
}

// Export copies a to dstPath on dst. Directories are copied recursively.
func (m *Manager) Export(ctx context.Context, a Artefact, dst storage.Backend, dstPath string) error {
	if err := m.owns(a); err != nil {
		return err
	}
	switch v := a.(type) {
	case *File:
		return exportFile(ctx, v, dst, dstPath)
	case *Directory:
		base, err := v.live()
		if err != nil {
			return err
		}
		if err := dst.Mkdir(ctx, dstPath); err != nil {
			return err
		}
		return m.exportDir(ctx, v, base, dst, dstPath)
	default:
		return ErrForeignArtefact
	}
}

func (m *Manager) exportDir(ctx context.Context, d *Directory, base string, dst storage.Backend, dstBase string) error {
	children, err := m.Ls(ctx, d, false)
	if err != nil {
		return err
	}
	for _, child := range children {
		p, err := child.Path()
		if err != nil {
			return err
		}
		rel, err := pathutil.Relpath(p, base)
		if err != nil {
			return err
		}
		target := pathutil.Join(dstBase, rel)

		switch v := child.(type) {
		case *File:
			if err := exportFile(ctx, v, dst, target); err != nil {
				return err
			}
		case *Directory:
			if err := dst.Mkdir(ctx, target); err != nil {
				return err
			}
			if err := m.exportDir(ctx, v, base, dst, dstBase); err != nil {
				return err
			}
		}
	}
	return nil
}

func exportFile(ctx context.Context, f *File, dst storage.Backend, target string) error {
	return f.Open(ctx, storage.ModeRead, func(s *Stream) error {
		w, err := dst.Write(ctx, target)
		if err != nil {
			return err
		}
		_, err = storage.Commit(w, s)
		return err
	})
}
