package s3

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/stow/pkg/retry"
	"github.com/fruitsalade/stow/pkg/storage"
)

type fakeObject struct {
	data    []byte
	modTime time.Time
	etag    string
}

// fakeS3 is an in-memory bucket implementing API.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]fakeObject
	puts    int
}

var _ API = (*fakeS3)(nil)

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string]fakeObject{}}
}

func (f *fakeS3) store(key string, data []byte) {
	sum := md5.Sum(data)
	f.objects[key] = fakeObject{data: data, modTime: time.Now(), etag: `"` + hex.EncodeToString(sum[:]) + `"`}
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(obj.data))),
		LastModified:  aws.Time(obj.modTime),
		ETag:          aws.String(obj.etag),
	}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(obj.data))}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	f.store(aws.ToString(in.Key), data)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) CopyObject(_ context.Context, in *s3.CopyObjectInput, _ ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	src := aws.ToString(in.CopySource)
	_, escaped, _ := strings.Cut(src, "/")
	key, err := url.PathUnescape(escaped)
	if err != nil {
		return nil, err
	}
	obj, ok := f.objects[key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	f.objects[aws.ToString(in.Key)] = obj
	return &s3.CopyObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) DeleteObjects(_ context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range in.Delete.Objects {
		delete(f.objects, aws.ToString(id.Key))
	}
	return &s3.DeleteObjectsOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := aws.ToString(in.Prefix)
	delim := aws.ToString(in.Delimiter)

	keys := make([]string, 0, len(f.objects))
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := &s3.ListObjectsV2Output{}
	seen := map[string]bool{}
	for _, k := range keys {
		if in.MaxKeys != nil && len(out.Contents)+len(out.CommonPrefixes) >= int(*in.MaxKeys) {
			break
		}
		rest := strings.TrimPrefix(k, prefix)
		if delim != "" {
			if i := strings.Index(rest, delim); i >= 0 {
				cp := prefix + rest[:i+1]
				if !seen[cp] {
					seen[cp] = true
					out.CommonPrefixes = append(out.CommonPrefixes, types.CommonPrefix{Prefix: aws.String(cp)})
				}
				continue
			}
		}
		obj := f.objects[k]
		out.Contents = append(out.Contents, types.Object{
			Key:          aws.String(k),
			Size:         aws.Int64(int64(len(obj.data))),
			LastModified: aws.Time(obj.modTime),
			ETag:         aws.String(obj.etag),
		})
	}
	out.KeyCount = aws.Int32(int32(len(out.Contents) + len(out.CommonPrefixes)))
	out.IsTruncated = aws.Bool(false)
	return out, nil
}

func (f *fakeS3) HeadBucket(context.Context, *s3.HeadBucketInput, ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeS3) CreateBucket(context.Context, *s3.CreateBucketInput, ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	return &s3.CreateBucketOutput{}, nil
}

func (f *fakeS3) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.objects))
	for k := range f.objects {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func newTestBackend(t *testing.T, prefix string, files map[string]string) (*Backend, *fakeS3) {
	t.Helper()
	fake := newFakeS3()
	b := NewWithClient(fake, "bucket", prefix)
	for p, content := range files {
		w, err := b.Write(context.Background(), p)
		require.NoError(t, err)
		_, err = storage.Commit(w, strings.NewReader(content))
		require.NoError(t, err)
	}
	return b, fake
}

func TestKeyspace(t *testing.T) {
	tests := []struct {
		prefix, path, object, dir string
	}{
		{"", "/", "", ""},
		{"", "/a/b", "a/b", "a/b/"},
		{"backups", "/", "backups/", "backups/"},
		{"/backups/2024/", "/x", "backups/2024/x", "backups/2024/x/"},
	}
	for _, tt := range tests {
		k := newKeyspace(tt.prefix)
		if got := k.dir(tt.path); got != tt.dir {
			t.Errorf("dir(%q) with prefix %q = %q, want %q", tt.path, tt.prefix, got, tt.dir)
		}
		if tt.path == "/" {
			continue
		}
		if got := k.object(tt.path); got != tt.object {
			t.Errorf("object(%q) with prefix %q = %q, want %q", tt.path, tt.prefix, got, tt.object)
		}
	}
}

func TestMD5FromETag(t *testing.T) {
	tests := []struct {
		etag string
		want string
		ok   bool
	}{
		{`"5d41402abc4b2a76b9719d911017c592"`, "5d41402abc4b2a76b9719d911017c592", true},
		{`5D41402ABC4B2A76B9719D911017C592`, "5d41402abc4b2a76b9719d911017c592", true},
		{`"5d41402abc4b2a76b9719d911017c592-3"`, "", false},
		{``, "", false},
		{`"zz41402abc4b2a76b9719d911017c592"`, "", false},
	}
	for _, tt := range tests {
		got, ok := md5FromETag(tt.etag)
		if got != tt.want || ok != tt.ok {
			t.Errorf("md5FromETag(%q) = %q, %v, want %q, %v", tt.etag, got, ok, tt.want, tt.ok)
		}
	}
}

func TestCopySource(t *testing.T) {
	assert.Equal(t, "bucket/a%20b/c%2Bd", copySource("bucket", "a b/c+d"))
}

func TestEndpointURL(t *testing.T) {
	assert.Equal(t, "http://localhost:9000", endpointURL("localhost:9000", false))
	assert.Equal(t, "https://s3.example.com", endpointURL("s3.example.com", true))
	assert.Equal(t, "http://minio:9000", endpointURL("http://minio:9000", true))
}

func TestMapErr(t *testing.T) {
	assert.True(t, storage.IsNotFound(mapErr("get", "/a", &types.NoSuchKey{})))
	assert.True(t, storage.IsNotFound(mapErr("head", "/a", &types.NotFound{})))
	assert.True(t, storage.IsNotFound(mapErr("head", "/a", &smithy.GenericAPIError{Code: "NotFound"})))

	throttled := mapErr("put", "/a", &smithy.GenericAPIError{Code: "SlowDown"})
	assert.True(t, retry.IsRetryable(throttled))
	assert.False(t, storage.IsNotFound(throttled))

	denied := mapErr("put", "/a", &smithy.GenericAPIError{Code: "AccessDenied"})
	assert.False(t, retry.IsRetryable(denied))
	assert.Nil(t, mapErr("put", "/a", nil))
}

func TestStatAndList(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBackend(t, "pre", map[string]string{"/a.txt": "A", "/d/b.txt": "BB", "/d/e/c": "C"})
	require.NoError(t, b.Mkdir(ctx, "/empty"))

	md, err := b.Stat(ctx, "/a.txt")
	require.NoError(t, err)
	assert.False(t, md.IsDir)
	assert.EqualValues(t, 1, md.Size)

	md, err = b.Stat(ctx, "/d")
	require.NoError(t, err)
	assert.True(t, md.IsDir)

	md, err = b.Stat(ctx, "/empty")
	require.NoError(t, err)
	assert.True(t, md.IsDir)

	_, err = b.Stat(ctx, "/nope")
	assert.True(t, storage.IsNotFound(err))

	entries, err := b.List(ctx, "/")
	require.NoError(t, err)
	var got []string
	for _, e := range entries {
		got = append(got, fmt.Sprintf("%s:%v", e.Path, e.Metadata.IsDir))
	}
	assert.Equal(t, []string{"/a.txt:false", "/d:true", "/empty:true"}, got)

	entries, err = b.List(ctx, "/empty")
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = b.List(ctx, "/nope")
	assert.True(t, storage.IsNotFound(err))

	_, err = b.List(ctx, "/a.txt")
	assert.ErrorIs(t, err, storage.ErrNotDirectory)
}

func TestReadWrite(t *testing.T) {
	ctx := context.Background()
	b, fake := newTestBackend(t, "", map[string]string{"/f": "hello"})

	r, err := b.Read(ctx, "/f")
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	_, err = b.Read(ctx, "/missing")
	assert.True(t, storage.IsNotFound(err))

	w, err := b.Write(ctx, "/aborted")
	require.NoError(t, err)
	_, err = w.Write([]byte("x"))
	require.NoError(t, err)
	puts := fake.puts
	require.NoError(t, w.(storage.Aborter).Abort())
	assert.Equal(t, puts, fake.puts, "abort must not upload")
	_, err = b.Stat(ctx, "/aborted")
	assert.True(t, storage.IsNotFound(err))
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	b, fake := newTestBackend(t, "", map[string]string{"/d/x": "x", "/d/y/z": "z", "/keep": "k"})

	err := b.Remove(ctx, "/d", false)
	assert.ErrorIs(t, err, storage.ErrDirectoryNotEmpty)

	require.NoError(t, b.Remove(ctx, "/d", true))
	assert.Equal(t, []string{"keep"}, fake.keys())

	require.NoError(t, b.Mkdir(ctx, "/m"))
	require.NoError(t, b.Remove(ctx, "/m", false))
	assert.Equal(t, []string{"keep"}, fake.keys())

	assert.True(t, storage.IsNotFound(b.Remove(ctx, "/m", false)))
}

func TestMove(t *testing.T) {
	ctx := context.Background()
	b, fake := newTestBackend(t, "p", map[string]string{"/d/x": "x", "/d/y/z": "z", "/dd": "sibling"})

	require.NoError(t, b.Move(ctx, "/d", "/n/d"))
	assert.Equal(t, []string{"p/dd", "p/n/d/x", "p/n/d/y/z"}, fake.keys())

	require.NoError(t, b.Move(ctx, "/dd", "/moved"))
	assert.Equal(t, []string{"p/moved", "p/n/d/x", "p/n/d/y/z"}, fake.keys())

	assert.True(t, storage.IsNotFound(b.Move(ctx, "/missing", "/x")))
}

func TestHashAndMkdirOverFile(t *testing.T) {
	ctx := context.Background()
	b, fake := newTestBackend(t, "", map[string]string{"/f": "hello"})

	d, err := b.Hash(ctx, "/f")
	require.NoError(t, err)
	assert.Equal(t, storage.Digest{Algorithm: storage.AlgorithmMD5, Sum: "5d41402abc4b2a76b9719d911017c592"}, d)

	fake.mu.Lock()
	obj := fake.objects["f"]
	obj.etag = `"5d41402abc4b2a76b9719d911017c592-2"`
	fake.objects["f"] = obj
	fake.mu.Unlock()
	_, err = b.Hash(ctx, "/f")
	assert.True(t, errors.Is(err, storage.ErrHashUnsupported))

	assert.ErrorIs(t, b.Mkdir(ctx, "/f"), storage.ErrNotDirectory)
}
