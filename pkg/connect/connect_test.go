package connect

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fruitsalade/stow/pkg/artefact"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want Location
	}{
		{"mem://scratch/a/b", Location{Scheme: SchemeMem, Namespace: "scratch", Path: "/a/b"}},
		{"mem://scratch", Location{Scheme: SchemeMem, Namespace: "scratch", Path: "/"}},
		{"MEM://scratch/x/../y", Location{Scheme: SchemeMem, Namespace: "scratch", Path: "/y"}},
		{"s3://bucket/prefix/key.txt", Location{Scheme: SchemeS3, Namespace: "bucket", Path: "/prefix/key.txt"}},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		if err != nil {
			t.Errorf("Parse(%q) error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Parse(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestParseLocal(t *testing.T) {
	dir := t.TempDir()
	want := filepath.ToSlash(strings.TrimPrefix(dir, filepath.VolumeName(dir)))

	for _, in := range []string{dir, "file://" + filepath.ToSlash(dir)} {
		loc, err := Parse(in)
		require.NoError(t, err, in)
		assert.Equal(t, SchemeFile, loc.Scheme, in)
		assert.Equal(t, want, loc.Path, in)
	}

	wd, err := os.Getwd()
	require.NoError(t, err)
	loc, err := Parse("relative/x")
	require.NoError(t, err)
	assert.Equal(t, filepath.ToSlash(strings.TrimPrefix(filepath.Join(wd, "relative", "x"), filepath.VolumeName(wd))), loc.Path)
}

func TestParseOS(t *testing.T) {
	dir := t.TempDir()
	loc, err := Parse("osfs://" + filepath.ToSlash(dir))
	require.NoError(t, err)
	assert.Equal(t, SchemeOS, loc.Scheme)
	assert.Equal(t, filepath.ToSlash(strings.TrimPrefix(dir, filepath.VolumeName(dir))), loc.Path)
	assert.Equal(t, "osfs://"+filepath.VolumeName(dir), loc.Key())
}

func TestParseErrors(t *testing.T) {
	for _, in := range []string{"", "ftp://host/x", "mem:///x", "s3:///key", "file://otherhost/x", "osfs://otherhost/x"} {
		if _, err := Parse(in); err == nil {
			t.Errorf("Parse(%q) succeeded, want error", in)
		}
	}
}

func TestResolverReusesManagers(t *testing.T) {
	ctx := context.Background()
	r := NewResolver(nil, zaptest.NewLogger(t))
	defer r.Close()

	m1, p, err := r.Resolve(ctx, "mem://one/a")
	require.NoError(t, err)
	assert.Equal(t, "/a", p)

	m2, _, err := r.Resolve(ctx, "mem://one/b")
	require.NoError(t, err)
	assert.Same(t, m1, m2)

	other, _, err := r.Resolve(ctx, "mem://two/a")
	require.NoError(t, err)
	assert.NotSame(t, m1, other)

	_, err = m1.Put(ctx, "/a", strings.NewReader("data"))
	require.NoError(t, err)
	a, err := r.Artefact(ctx, "mem://one/a")
	require.NoError(t, err)
	_, ok := a.(*artefact.File)
	assert.True(t, ok)

	_, err = r.Artefact(ctx, "mem://two/a")
	assert.Error(t, err)
}

func TestResolverLocal(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f.txt"), []byte("local"), 0644))

	r := NewResolver(nil, zaptest.NewLogger(t))
	defer r.Close()

	a, err := r.Artefact(ctx, filepath.Join(dir, "f.txt"))
	require.NoError(t, err)
	content, err := a.(*artefact.File).Content(ctx)
	require.NoError(t, err)
	assert.Equal(t, "local", string(content))
}

func TestResolverOSFS(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f.txt"), []byte("billy"), 0644))

	r := NewResolver(nil, zaptest.NewLogger(t))
	defer r.Close()

	m, p, err := r.Resolve(ctx, "osfs://"+filepath.ToSlash(dir))
	require.NoError(t, err)
	assert.Equal(t, "memfs", m.Backend().Type())

	a, err := m.Get(ctx, p+"/f.txt")
	require.NoError(t, err)
	content, err := a.(*artefact.File).Content(ctx)
	require.NoError(t, err)
	assert.Equal(t, "billy", string(content))

	saved := filepath.Join(t.TempDir(), "copy.txt")
	require.NoError(t, a.Save(ctx, saved))
	data, err := os.ReadFile(saved)
	require.NoError(t, err)
	assert.Equal(t, "billy", string(data))
}
