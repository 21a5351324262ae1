package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/fruitsalade/stow/pkg/artefact"
	"github.com/fruitsalade/stow/pkg/storage"
	"github.com/fruitsalade/stow/pkg/transfer"
)

type execFunc func(ctx context.Context, a *app, args []string) error

type command struct {
	usage   string
	summary string
	minArgs int
	maxArgs int // -1 for unbounded
	setup   func(fs *pflag.FlagSet) execFunc
}

var commandOrder = []string{"ls", "cp", "mv", "sync", "rm", "mkdir", "touch", "cat", "get", "put", "md5"}

var commands = map[string]command{
	"ls": {
		usage: "[-r] <url>", summary: "list a directory or describe a file",
		minArgs: 1, maxArgs: 1, setup: setupLs,
	},
	"cp": {
		usage: "[-n] <src> <dst>", summary: "copy files or trees",
		minArgs: 2, maxArgs: 2, setup: transferSetup(transfer.OpCopy),
	},
	"mv": {
		usage: "[-n] <src> <dst>", summary: "move files or trees",
		minArgs: 2, maxArgs: 2, setup: transferSetup(transfer.OpMove),
	},
	"sync": {
		usage: "[-n] <src> <dst>", summary: "mirror src onto dst, deleting extras",
		minArgs: 2, maxArgs: 2, setup: transferSetup(transfer.OpSync),
	},
	"rm": {
		usage: "[-r] <url>...", summary: "remove files or directories",
		minArgs: 1, maxArgs: -1, setup: setupRm,
	},
	"mkdir": {
		usage: "<url>...", summary: "create directories and their parents",
		minArgs: 1, maxArgs: -1, setup: setupMkdir,
	},
	"touch": {
		usage: "<url>...", summary: "create empty files",
		minArgs: 1, maxArgs: -1, setup: setupTouch,
	},
	"cat": {
		usage: "<url>...", summary: "write file content to stdout",
		minArgs: 1, maxArgs: -1, setup: setupCat,
	},
	"get": {
		usage: "<url> <local-path>", summary: "save an artefact to the local filesystem",
		minArgs: 2, maxArgs: 2, setup: setupGet,
	},
	"put": {
		usage: "<local-file> <url>", summary: "upload a local file",
		minArgs: 2, maxArgs: 2, setup: setupPut,
	},
	"md5": {
		usage: "<url>...", summary: "print backend digests",
		minArgs: 1, maxArgs: -1, setup: setupMd5,
	},
}

func setupLs(fs *pflag.FlagSet) execFunc {
	recursive := fs.BoolP("recursive", "r", false, "list subdirectories recursively")
	return func(ctx context.Context, a *app, args []string) error {
		target, err := a.resolver.Artefact(ctx, args[0])
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(a.stdout, 0, 0, 2, ' ', 0)
		defer w.Flush()

		dir, ok := target.(*artefact.Directory)
		if !ok {
			return printEntry(w, target)
		}
		for child, err := range dir.Walk(ctx, *recursive) {
			if err != nil {
				return err
			}
			if err := printEntry(w, child); err != nil {
				return err
			}
		}
		return nil
	}
}

func printEntry(w io.Writer, a artefact.Artefact) error {
	p, err := a.Path()
	if err != nil {
		return err
	}
	switch v := a.(type) {
	case *artefact.File:
		size, err := v.Size()
		if err != nil {
			return err
		}
		mod, err := v.ModTime()
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "-\t%d\t%s\t%s\n", size, mod.Local().Format(time.DateTime), p)
	case *artefact.Directory:
		fmt.Fprintf(w, "d\t-\t-\t%s/\n", p)
	}
	return nil
}

func transferSetup(op transfer.Op) func(fs *pflag.FlagSet) execFunc {
	return func(fs *pflag.FlagSet) execFunc {
		dryRun := fs.BoolP("dry-run", "n", false, "report what would change without changing it")
		return func(ctx context.Context, a *app, args []string) error {
			src, err := a.resolver.Artefact(ctx, args[0])
			if err != nil {
				return err
			}
			dst, dstPath, err := a.resolver.Resolve(ctx, args[1])
			if err != nil {
				return err
			}

			engine := transfer.New(
				transfer.WithWorkers(a.cfg.Workers),
				transfer.WithChecksum(a.cfg.Checksum),
				transfer.WithDryRun(*dryRun),
				transfer.WithLogger(a.logger))

			var report transfer.Report
			switch op {
			case transfer.OpCopy:
				report, err = engine.Cp(ctx, src, dst, dstPath)
			case transfer.OpMove:
				report, err = engine.Mv(ctx, src, dst, dstPath)
			default:
				report, err = engine.Sync(ctx, src, dst, dstPath)
			}

			prefix := ""
			if *dryRun {
				prefix = "(dry run) "
			}
			fmt.Fprintf(a.stdout, "%s%s: %d transferred, %d skipped, %d deleted, %d bytes\n",
				prefix, op, report.Transferred, report.Skipped, report.Deleted, report.Bytes)
			return err
		}
	}
}

func setupRm(fs *pflag.FlagSet) execFunc {
	recursive := fs.BoolP("recursive", "r", false, "remove directories and their contents")
	return func(ctx context.Context, a *app, args []string) error {
		for _, raw := range args {
			m, p, err := a.resolver.Resolve(ctx, raw)
			if err != nil {
				return err
			}
			if err := m.Rm(ctx, p, *recursive); err != nil {
				if errors.Is(err, storage.ErrDirectoryNotEmpty) {
					return fmt.Errorf("%w (use -r)", err)
				}
				return err
			}
		}
		return nil
	}
}

func setupMkdir(fs *pflag.FlagSet) execFunc {
	return func(ctx context.Context, a *app, args []string) error {
		for _, raw := range args {
			m, p, err := a.resolver.Resolve(ctx, raw)
			if err != nil {
				return err
			}
			if _, err := m.Mkdir(ctx, p); err != nil {
				return err
			}
		}
		return nil
	}
}

func setupTouch(fs *pflag.FlagSet) execFunc {
	return func(ctx context.Context, a *app, args []string) error {
		for _, raw := range args {
			m, p, err := a.resolver.Resolve(ctx, raw)
			if err != nil {
				return err
			}
			if _, err := m.Touch(ctx, p); err != nil {
				return err
			}
		}
		return nil
	}
}

func setupCat(fs *pflag.FlagSet) execFunc {
	return func(ctx context.Context, a *app, args []string) error {
		for _, raw := range args {
			f, err := resolveFile(ctx, a, raw)
			if err != nil {
				return err
			}
			err = f.Open(ctx, storage.ModeRead, func(s *artefact.Stream) error {
				_, err := io.Copy(a.stdout, s)
				return err
			})
			if err != nil {
				return err
			}
		}
		return nil
	}
}

func setupGet(fs *pflag.FlagSet) execFunc {
	return func(ctx context.Context, a *app, args []string) error {
		target, err := a.resolver.Artefact(ctx, args[0])
		if err != nil {
			return err
		}
		return target.Save(ctx, args[1])
	}
}

func setupPut(fs *pflag.FlagSet) execFunc {
	return func(ctx context.Context, a *app, args []string) error {
		in, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer in.Close()

		m, p, err := a.resolver.Resolve(ctx, args[1])
		if err != nil {
			return err
		}
		if existing, err := m.Stat(ctx, p); err == nil {
			if _, ok := existing.(*artefact.Directory); ok {
				p = m.Join(p, filepath.Base(args[0]))
			}
		}
		f, err := m.Put(ctx, p, in)
		if err != nil {
			return err
		}
		a.logger.Debug("uploaded", zap.Stringer("file", f))
		return nil
	}
}

func setupMd5(fs *pflag.FlagSet) execFunc {
	return func(ctx context.Context, a *app, args []string) error {
		for _, raw := range args {
			f, err := resolveFile(ctx, a, raw)
			if err != nil {
				return err
			}
			d, err := f.Hash(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "%s  %s\n", d.Sum, raw)
		}
		return nil
	}
}

func resolveFile(ctx context.Context, a *app, raw string) (*artefact.File, error) {
	target, err := a.resolver.Artefact(ctx, raw)
	if err != nil {
		return nil, err
	}
	f, ok := target.(*artefact.File)
	if !ok {
		return nil, fmt.Errorf("%s: %w", raw, storage.ErrIsDirectory)
	}
	return f, nil
}

// reportError prints err, listing each failed transfer of a partial failure
// on its own line.
func reportError(w io.Writer, name string, err error) {
	var partial *transfer.PartialSyncError
	if errors.As(err, &partial) {
		fmt.Fprintf(w, "stow %s: %d transfer(s) failed\n", name, len(partial.Errors))
		for _, te := range partial.Errors {
			fmt.Fprintf(w, "  %v\n", te)
		}
		return
	}
	fmt.Fprintf(w, "stow %s: %v\n", name, err)
}
