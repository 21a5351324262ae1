package artefact

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/stow/pkg/storage"
)

func TestOpenWriteCommitsAndRefreshes(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, nil)

	f, err := m.Touch(ctx, "/f")
	require.NoError(t, err)

	err = f.Open(ctx, storage.ModeWrite, func(s *Stream) error {
		assert.Equal(t, storage.ModeWrite, s.Mode())
		_, err := io.WriteString(s, "written")
		return err
	})
	require.NoError(t, err)

	size, err := f.Size()
	require.NoError(t, err)
	assert.EqualValues(t, 7, size)
}

func TestOpenWriteAbortsOnError(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, map[string]string{"/f": "original"})

	a, err := m.Get(ctx, "/f")
	require.NoError(t, err)
	f := a.(*File)

	boom := errors.New("boom")
	err = f.Open(ctx, storage.ModeWrite, func(s *Stream) error {
		if _, err := io.WriteString(s, "partial"); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	content, err := f.Content(ctx)
	require.NoError(t, err)
	assert.Equal(t, "original", string(content))
}

func TestOpenWriteAbortsOnPanic(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, map[string]string{"/f": "original"})

	a, err := m.Get(ctx, "/f")
	require.NoError(t, err)
	f := a.(*File)

	assert.Panics(t, func() {
		_ = f.Open(ctx, storage.ModeWrite, func(s *Stream) error {
			_, _ = io.WriteString(s, "partial")
			panic("fn panicked")
		})
	})

	content, err := f.Content(ctx)
	require.NoError(t, err)
	assert.Equal(t, "original", string(content))
}

func TestStreamDirection(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, map[string]string{"/f": "data"})

	a, err := m.Get(ctx, "/f")
	require.NoError(t, err)
	f := a.(*File)

	s, err := m.Open(ctx, f, storage.ModeRead)
	require.NoError(t, err)
	_, err = s.Write([]byte("x"))
	assert.Error(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "close is idempotent")
	assert.NoError(t, s.Abort())

	s, err = m.Open(ctx, f, storage.ModeWrite)
	require.NoError(t, err)
	_, err = s.Read(make([]byte, 1))
	assert.Error(t, err)
	require.NoError(t, s.Abort())
}

func TestOpenMissingRetiresHandle(t *testing.T) {
	ctx := context.Background()
	m, spy := newTestManager(t, map[string]string{"/f": "data"})

	a, err := m.Get(ctx, "/f")
	require.NoError(t, err)
	require.NoError(t, spy.Backend.Remove(ctx, "/f", false))

	_, err = m.Open(ctx, a.(*File), storage.ModeRead)
	assert.True(t, storage.IsNotFound(err))
	assert.False(t, a.Exists())
}
