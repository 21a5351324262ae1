package transfer

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fruitsalade/stow/pkg/artefact"
	"github.com/fruitsalade/stow/pkg/retry"
	"github.com/fruitsalade/stow/pkg/storage"
	"github.com/fruitsalade/stow/pkg/storage/memfs"
)

const dirMarker = "<dir>"

var errInjected = errors.New("injected write failure")

// faultyBackend fails writes to selected paths and counts digest requests.
type faultyBackend struct {
	storage.Backend
	failWrite map[string]bool
	hashes    atomic.Int64
}

func (f *faultyBackend) Hash(ctx context.Context, p string) (storage.Digest, error) {
	f.hashes.Add(1)
	return f.Backend.Hash(ctx, p)
}

func (f *faultyBackend) Write(ctx context.Context, p string) (io.WriteCloser, error) {
	if f.failWrite[p] {
		return nil, errInjected
	}
	return f.Backend.Write(ctx, p)
}

func seed(t *testing.T, b storage.Backend, files map[string]string) {
	t.Helper()
	for p, content := range files {
		if content == dirMarker {
			require.NoError(t, b.Mkdir(context.Background(), p))
			continue
		}
		w, err := b.Write(context.Background(), p)
		require.NoError(t, err)
		_, err = storage.Commit(w, strings.NewReader(content))
		require.NoError(t, err)
	}
}

func newManager(t *testing.T, name string, files map[string]string, opts ...memfs.Option) (*artefact.Manager, *faultyBackend) {
	t.Helper()
	backend := &faultyBackend{Backend: memfs.NewMemory(opts...), failWrite: map[string]bool{}}
	seed(t, backend, files)
	m := artefact.New(backend,
		artefact.WithName(name),
		artefact.WithLogger(zaptest.NewLogger(t)),
		artefact.WithRetry(retry.Once()))
	return m, backend
}

func newEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	return New(append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)...)
}

func get(t *testing.T, m *artefact.Manager, p string) artefact.Artefact {
	t.Helper()
	a, err := m.Get(context.Background(), p)
	require.NoError(t, err)
	return a
}

// tree returns every path below the root of m's backend mapped to its
// content, with directories mapped to dirMarker. It bypasses the manager
// cache.
func tree(t *testing.T, m *artefact.Manager) map[string]string {
	t.Helper()
	ctx := context.Background()
	out := map[string]string{}
	var walk func(p string)
	walk = func(p string) {
		entries, err := m.Backend().List(ctx, p)
		require.NoError(t, err)
		for _, e := range entries {
			if e.Metadata.IsDir {
				out[e.Path] = dirMarker
				walk(e.Path)
				continue
			}
			r, err := m.Backend().Read(ctx, e.Path)
			require.NoError(t, err)
			data, err := io.ReadAll(r)
			require.NoError(t, err)
			require.NoError(t, r.Close())
			out[e.Path] = string(data)
		}
	}
	walk("/")
	return out
}
