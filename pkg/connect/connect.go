// Package connect resolves location URLs to artefact managers.
//
// Supported forms:
//
//	/abs/path, rel/path, file:///abs/path   local filesystem
//	osfs:///abs/path                         local filesystem through go-billy
//	mem://name/path                          named in-memory tree
//	s3://bucket/key/path                     S3 bucket
package connect

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/fruitsalade/stow/internal/config"
	"github.com/fruitsalade/stow/internal/logging"
	"github.com/fruitsalade/stow/pkg/artefact"
	"github.com/fruitsalade/stow/pkg/pathutil"
	"github.com/fruitsalade/stow/pkg/retry"
	"github.com/fruitsalade/stow/pkg/storage"
	"github.com/fruitsalade/stow/pkg/storage/local"
	"github.com/fruitsalade/stow/pkg/storage/memfs"
	s3backend "github.com/fruitsalade/stow/pkg/storage/s3"
)

// URL schemes.
const (
	SchemeFile = "file"
	SchemeOS   = "osfs"
	SchemeMem  = "mem"
	SchemeS3   = "s3"
)

// Location is a parsed URL: which backend, and the manager-relative path.
type Location struct {
	Scheme    string
	Namespace string // mem tree name or bucket; the volume for file and osfs
	Path      string // normalized absolute path within the namespace
}

// Key identifies the manager serving the location.
func (l Location) Key() string {
	return l.Scheme + "://" + l.Namespace
}

func (l Location) String() string {
	if l.Scheme == SchemeFile {
		return l.Path
	}
	return l.Key() + l.Path
}

// Parse parses rawURL. Plain paths are local and resolved against the
// working directory.
func Parse(rawURL string) (Location, error) {
	if rawURL == "" {
		return Location{}, pathutil.ErrEmptyPath
	}

	scheme, _, ok := strings.Cut(rawURL, "://")
	if !ok || strings.ContainsAny(scheme, `/\`) || len(scheme) < 2 {
		// plain path; a one-letter scheme is a Windows drive
		return localLocation(rawURL)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return Location{}, fmt.Errorf("parse %q: %w", rawURL, err)
	}
	switch strings.ToLower(scheme) {
	case SchemeFile, SchemeOS:
		if u.Host != "" && u.Host != "localhost" {
			return Location{}, fmt.Errorf("parse %q: remote file hosts are not supported", rawURL)
		}
		loc, err := localLocation(u.Path)
		if err != nil {
			return Location{}, err
		}
		loc.Scheme = strings.ToLower(scheme)
		return loc, nil
	case SchemeMem, SchemeS3:
		if u.Host == "" {
			return Location{}, fmt.Errorf("parse %q: missing %s name", rawURL, scheme)
		}
		p, err := pathutil.Abs(u.Path)
		if err != nil {
			p = pathutil.Separator
		}
		return Location{Scheme: strings.ToLower(scheme), Namespace: u.Host, Path: p}, nil
	default:
		return Location{}, fmt.Errorf("parse %q: unsupported scheme %q", rawURL, scheme)
	}
}

func localLocation(p string) (Location, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return Location{}, fmt.Errorf("resolve %q: %w", p, err)
	}
	vol := filepath.VolumeName(abs)
	rel := filepath.ToSlash(strings.TrimPrefix(abs, vol))
	norm, err := pathutil.Abs(rel)
	if err != nil {
		return Location{}, err
	}
	return Location{Scheme: SchemeFile, Namespace: vol, Path: norm}, nil
}

// Resolver creates managers on demand and reuses them, so that every URL on
// one backend shares one arena of canonical handles.
type Resolver struct {
	cfg    *config.Config
	logger *zap.Logger

	mu       sync.Mutex
	managers map[string]*artefact.Manager
}

// NewResolver creates a Resolver. A nil cfg means config.Default().
func NewResolver(cfg *config.Config, logger *zap.Logger) *Resolver {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = logging.L()
	}
	return &Resolver{
		cfg:      cfg,
		logger:   logger,
		managers: make(map[string]*artefact.Manager),
	}
}

// Manager returns the manager serving loc, creating it when needed.
func (r *Resolver) Manager(ctx context.Context, loc Location) (*artefact.Manager, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := loc.Key()
	if m, ok := r.managers[key]; ok {
		return m, nil
	}

	backend, err := r.newBackend(ctx, loc)
	if err != nil {
		return nil, err
	}

	m := artefact.New(backend,
		artefact.WithName(key),
		artefact.WithLogger(r.logger),
		artefact.WithTimeout(r.cfg.Timeout),
		artefact.WithRetry(r.retryConfig()),
		artefact.WithLocalFS(local.OpenDir))
	r.managers[key] = m
	r.logger.Debug("manager created", zap.String("manager", key), zap.String("backend", backend.Type()))
	return m, nil
}

// Resolve parses rawURL and returns its manager and manager-relative path.
func (r *Resolver) Resolve(ctx context.Context, rawURL string) (*artefact.Manager, string, error) {
	loc, err := Parse(rawURL)
	if err != nil {
		return nil, "", err
	}
	m, err := r.Manager(ctx, loc)
	if err != nil {
		return nil, "", err
	}
	return m, loc.Path, nil
}

// Artefact resolves rawURL to an existing artefact.
func (r *Resolver) Artefact(ctx context.Context, rawURL string) (artefact.Artefact, error) {
	m, p, err := r.Resolve(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	return m.Get(ctx, p)
}

// Close closes every manager created by the resolver.
func (r *Resolver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var err error
	for key, m := range r.managers {
		err = multierr.Append(err, m.Close())
		delete(r.managers, key)
	}
	return err
}

func (r *Resolver) retryConfig() retry.Config {
	cfg := retry.DefaultConfig()
	if r.cfg.RetryAttempts > 0 {
		cfg.MaxAttempts = r.cfg.RetryAttempts
	}
	return cfg
}

func (r *Resolver) newBackend(ctx context.Context, loc Location) (storage.Backend, error) {
	switch loc.Scheme {
	case SchemeFile:
		return local.New(local.Config{RootPath: loc.Namespace + string(filepath.Separator), CreateDirs: true})
	case SchemeOS:
		return memfs.NewOS(loc.Namespace + string(filepath.Separator)), nil
	case SchemeMem:
		return memfs.NewMemory(), nil
	case SchemeS3:
		ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		return s3backend.New(ctx, s3backend.Config{
			Endpoint:  r.cfg.S3.Endpoint,
			Bucket:    loc.Namespace,
			AccessKey: r.cfg.S3.AccessKey,
			SecretKey: r.cfg.S3.SecretKey,
			Region:    r.cfg.S3.Region,
			UseSSL:    r.cfg.S3.UseSSL,
		})
	default:
		return nil, fmt.Errorf("unsupported scheme %q", loc.Scheme)
	}
}
