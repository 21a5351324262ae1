package artefact

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fruitsalade/stow/pkg/retry"
	"github.com/fruitsalade/stow/pkg/storage"
	"github.com/fruitsalade/stow/pkg/storage/local"
	"github.com/fruitsalade/stow/pkg/storage/memfs"
)

var errInjected = errors.New("injected failure")

// spyBackend counts listings and can fail selected operations. afterList,
// when set, runs once a listing has been read but before it is returned.
type spyBackend struct {
	storage.Backend
	lists     atomic.Int64
	failMove  bool
	failList  bool
	afterList func(p string)
}

func (s *spyBackend) List(ctx context.Context, p string) ([]storage.Entry, error) {
	s.lists.Add(1)
	if s.failList {
		return nil, errInjected
	}
	entries, err := s.Backend.List(ctx, p)
	if s.afterList != nil {
		s.afterList(p)
	}
	return entries, err
}

func (s *spyBackend) Move(ctx context.Context, oldPath, newPath string) error {
	if s.failMove {
		return errInjected
	}
	return s.Backend.Move(ctx, oldPath, newPath)
}

func newTestManager(t *testing.T, files map[string]string) (*Manager, *spyBackend) {
	t.Helper()
	backend := memfs.NewMemory()
	seedMemory(t, backend, files)
	spy := &spyBackend{Backend: backend}
	m := New(spy,
		WithLogger(zaptest.NewLogger(t)),
		WithRetry(retry.Once()),
		WithName(t.Name()),
		WithLocalFS(local.OpenDir))
	return m, spy
}

func seedMemory(t *testing.T, backend storage.Backend, files map[string]string) {
	t.Helper()
	for p, content := range files {
		w, err := backend.Write(context.Background(), p)
		require.NoError(t, err)
		_, err = storage.Commit(w, strings.NewReader(content))
		require.NoError(t, err)
	}
}

func mustPath(t *testing.T, a Artefact) string {
	t.Helper()
	p, err := a.Path()
	require.NoError(t, err)
	return p
}

func pathsOf(t *testing.T, as []Artefact) []string {
	t.Helper()
	out := make([]string, 0, len(as))
	for _, a := range as {
		out = append(out, mustPath(t, a))
	}
	return out
}
