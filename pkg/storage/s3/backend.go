// Package s3 provides a storage backend on S3-compatible object stores.
//
// Directories are key prefixes. Mkdir additionally stores a zero-byte
// "prefix/" marker so that empty directories survive.
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/fruitsalade/stow/internal/logging"
	"github.com/fruitsalade/stow/internal/metrics"
	"github.com/fruitsalade/stow/pkg/pathutil"
	"github.com/fruitsalade/stow/pkg/storage"
)

// Config holds S3 backend settings.
type Config struct {
	Endpoint     string `json:"endpoint" yaml:"endpoint"`
	Bucket       string `json:"bucket" yaml:"bucket"`
	Prefix       string `json:"prefix" yaml:"prefix"`
	AccessKey    string `json:"access_key" yaml:"access_key"`
	SecretKey    string `json:"secret_key" yaml:"secret_key"`
	Region       string `json:"region" yaml:"region"`
	UseSSL       bool   `json:"use_ssl" yaml:"use_ssl"`
	CreateBucket bool   `json:"create_bucket" yaml:"create_bucket"`
}

// API is the subset of the S3 client used by the backend.
type API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
}

var _ API = (*s3.Client)(nil)

// Backend implements storage.Backend on a bucket, optionally below a key
// prefix.
type Backend struct {
	client API
	bucket string
	keys   keyspace
}

var _ storage.Backend = (*Backend)(nil)

// deleteBatch is the S3 limit for DeleteObjects.
const deleteBatch = 1000

// New creates a new S3 backend.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(endpointURL(cfg.Endpoint, cfg.UseSSL))
			o.UsePathStyle = true
		}
	})

	b := NewWithClient(client, cfg.Bucket, cfg.Prefix)
	if cfg.CreateBucket {
		if err := b.ensureBucket(ctx); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// NewFromJSON creates a Backend from raw JSON config.
func NewFromJSON(ctx context.Context, raw json.RawMessage) (*Backend, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse s3 config: %w", err)
	}
	return New(ctx, cfg)
}

// NewWithClient creates a Backend over an existing client.
func NewWithClient(client API, bucket, prefix string) *Backend {
	return &Backend{client: client, bucket: bucket, keys: newKeyspace(prefix)}
}

// endpointURL adds a scheme to bare host:port endpoints.
func endpointURL(endpoint string, useSSL bool) string {
	if strings.Contains(endpoint, "://") {
		return endpoint
	}
	if useSSL {
		return "https://" + endpoint
	}
	return "http://" + endpoint
}

func (b *Backend) ensureBucket(ctx context.Context) error {
	start := time.Now()
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.bucket),
	})
	metrics.RecordS3Operation("head_bucket", time.Since(start), err == nil)
	if err == nil {
		return nil
	}

	start = time.Now()
	_, createErr := b.client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(b.bucket),
	})
	metrics.RecordS3Operation("create_bucket", time.Since(start), createErr == nil)
	if createErr != nil {
		return fmt.Errorf("bucket %s does not exist and cannot create: %w", b.bucket, createErr)
	}
	logging.Info("created S3 bucket", zap.String("bucket", b.bucket))
	return nil
}

// Stat returns metadata for p. An object at the key is a file; otherwise
// any object below the prefix makes p a directory.
func (b *Backend) Stat(ctx context.Context, p string) (storage.Metadata, error) {
	if p == pathutil.Separator {
		return storage.Metadata{IsDir: true}, nil
	}

	head, err := b.head(ctx, b.keys.object(p))
	if err == nil {
		return storage.Metadata{
			Size:    aws.ToInt64(head.ContentLength),
			ModTime: aws.ToTime(head.LastModified),
		}, nil
	}
	if !storage.IsNotFound(err) {
		return storage.Metadata{}, err
	}

	out, err := b.list(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(b.bucket),
		Prefix:  aws.String(b.keys.dir(p)),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return storage.Metadata{}, mapErr("list", p, err)
	}
	if len(out.Contents) == 0 && len(out.CommonPrefixes) == 0 {
		return storage.Metadata{}, fmt.Errorf("s3: stat %q: %w", p, storage.ErrNotFound)
	}
	md := storage.Metadata{IsDir: true}
	if len(out.Contents) > 0 && aws.ToString(out.Contents[0].Key) == b.keys.dir(p) {
		md.ModTime = aws.ToTime(out.Contents[0].LastModified)
	}
	return md, nil
}

// List returns the direct children of the directory at p.
func (b *Backend) List(ctx context.Context, p string) ([]storage.Entry, error) {
	prefix := b.keys.dir(p)
	pager := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(b.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})

	var entries []storage.Entry
	found := false
	for pager.HasMorePages() {
		start := time.Now()
		page, err := pager.NextPage(ctx)
		metrics.RecordS3Operation("list_objects", time.Since(start), err == nil)
		if err != nil {
			return nil, mapErr("list", p, err)
		}
		for _, cp := range page.CommonPrefixes {
			found = true
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
			if name == "" {
				continue
			}
			entries = append(entries, storage.Entry{
				Path:     pathutil.Join(p, name),
				Metadata: storage.Metadata{IsDir: true},
			})
		}
		for _, obj := range page.Contents {
			found = true
			key := aws.ToString(obj.Key)
			if key == prefix {
				// directory marker
				continue
			}
			entries = append(entries, storage.Entry{
				Path: pathutil.Join(p, strings.TrimPrefix(key, prefix)),
				Metadata: storage.Metadata{
					Size:    aws.ToInt64(obj.Size),
					ModTime: aws.ToTime(obj.LastModified),
				},
			})
		}
	}

	if !found && p != pathutil.Separator {
		md, err := b.Stat(ctx, p)
		if err != nil {
			return nil, err
		}
		if !md.IsDir {
			return nil, fmt.Errorf("s3: list %q: %w", p, storage.ErrNotDirectory)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

// Read opens the object at p.
func (b *Backend) Read(ctx context.Context, p string) (io.ReadCloser, error) {
	start := time.Now()
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.keys.object(p)),
	})
	metrics.RecordS3Operation("get_object", time.Since(start), err == nil)
	if err != nil {
		return nil, mapErr("get", p, err)
	}
	return out.Body, nil
}

// Write returns a writer that buffers content and uploads it with
// PutObject on Close.
func (b *Backend) Write(ctx context.Context, p string) (io.WriteCloser, error) {
	if p == pathutil.Separator {
		return nil, fmt.Errorf("s3: put %q: %w", p, storage.ErrIsDirectory)
	}
	return &uploader{ctx: ctx, b: b, path: p}, nil
}

func (b *Backend) put(ctx context.Context, key string, data []byte) error {
	start := time.Now()
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	metrics.RecordS3Operation("put_object", time.Since(start), err == nil)
	if err != nil {
		return err
	}
	logging.Debug("S3 put object", zap.String("key", key), zap.Int("size", len(data)))
	return nil
}

// Mkdir stores a directory marker for p. Parents are implicit.
func (b *Backend) Mkdir(ctx context.Context, p string) error {
	if p == pathutil.Separator {
		return nil
	}
	if _, err := b.head(ctx, b.keys.object(p)); err == nil {
		return fmt.Errorf("s3: mkdir %q: %w", p, storage.ErrNotDirectory)
	} else if !storage.IsNotFound(err) {
		return err
	}
	if err := b.put(ctx, b.keys.dir(p), nil); err != nil {
		return mapErr("mkdir", p, err)
	}
	return nil
}

// Remove deletes p. For directories every key below the prefix is
// deleted; without recursive only a bare marker may be present.
func (b *Backend) Remove(ctx context.Context, p string, recursive bool) error {
	md, err := b.Stat(ctx, p)
	if err != nil {
		return err
	}
	if !md.IsDir {
		return b.deleteKeys(ctx, p, []string{b.keys.object(p)})
	}

	keys, err := b.keysBelow(ctx, p)
	if err != nil {
		return err
	}
	marker := b.keys.dir(p)
	if !recursive {
		for _, k := range keys {
			if k != marker {
				return fmt.Errorf("s3: remove %q: %w", p, storage.ErrDirectoryNotEmpty)
			}
		}
	}
	return b.deleteKeys(ctx, p, keys)
}

// Move copies every key of oldPath to newPath and then deletes the
// originals.
func (b *Backend) Move(ctx context.Context, oldPath, newPath string) error {
	md, err := b.Stat(ctx, oldPath)
	if err != nil {
		return err
	}
	if !md.IsDir {
		src, dst := b.keys.object(oldPath), b.keys.object(newPath)
		if err := b.copy(ctx, src, dst); err != nil {
			return mapErr("copy", oldPath, err)
		}
		return b.deleteKeys(ctx, oldPath, []string{src})
	}

	keys, err := b.keysBelow(ctx, oldPath)
	if err != nil {
		return err
	}
	from, to := b.keys.dir(oldPath), b.keys.dir(newPath)
	for _, key := range keys {
		if err := b.copy(ctx, key, to+strings.TrimPrefix(key, from)); err != nil {
			return mapErr("copy", oldPath, err)
		}
	}
	return b.deleteKeys(ctx, oldPath, keys)
}

func (b *Backend) copy(ctx context.Context, srcKey, dstKey string) error {
	start := time.Now()
	_, err := b.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(b.bucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(copySource(b.bucket, srcKey)),
	})
	metrics.RecordS3Operation("copy_object", time.Since(start), err == nil)
	if err != nil {
		return err
	}
	logging.Debug("S3 copy object", zap.String("src", srcKey), zap.String("dst", dstKey))
	return nil
}

// Hash returns the object's ETag as an md5 digest. Multipart ETags are not
// content digests and yield ErrHashUnsupported.
func (b *Backend) Hash(ctx context.Context, p string) (storage.Digest, error) {
	head, err := b.head(ctx, b.keys.object(p))
	if err != nil {
		return storage.Digest{}, err
	}
	sum, ok := md5FromETag(aws.ToString(head.ETag))
	if !ok {
		return storage.Digest{}, fmt.Errorf("s3: hash %q: %w", p, storage.ErrHashUnsupported)
	}
	return storage.Digest{Algorithm: storage.AlgorithmMD5, Sum: sum}, nil
}

// Type returns "s3".
func (b *Backend) Type() string { return "s3" }

// Close is a no-op for S3 backends.
func (b *Backend) Close() error { return nil }

func (b *Backend) head(ctx context.Context, key string) (*s3.HeadObjectOutput, error) {
	start := time.Now()
	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	metrics.RecordS3Operation("head_object", time.Since(start), err == nil)
	if err != nil {
		return nil, mapErr("head", key, err)
	}
	return out, nil
}

func (b *Backend) list(ctx context.Context, in *s3.ListObjectsV2Input) (*s3.ListObjectsV2Output, error) {
	start := time.Now()
	out, err := b.client.ListObjectsV2(ctx, in)
	metrics.RecordS3Operation("list_objects", time.Since(start), err == nil)
	return out, err
}

// keysBelow returns every key under the directory prefix of p.
func (b *Backend) keysBelow(ctx context.Context, p string) ([]string, error) {
	pager := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(b.keys.dir(p)),
	})
	var keys []string
	for pager.HasMorePages() {
		start := time.Now()
		page, err := pager.NextPage(ctx)
		metrics.RecordS3Operation("list_objects", time.Since(start), err == nil)
		if err != nil {
			return nil, mapErr("list", p, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

func (b *Backend) deleteKeys(ctx context.Context, p string, keys []string) error {
	for len(keys) > 0 {
		n := min(len(keys), deleteBatch)
		batch := keys[:n]
		keys = keys[n:]

		ids := make([]types.ObjectIdentifier, 0, len(batch))
		for _, k := range batch {
			ids = append(ids, types.ObjectIdentifier{Key: aws.String(k)})
		}
		start := time.Now()
		out, err := b.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(b.bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		metrics.RecordS3Operation("delete_objects", time.Since(start), err == nil)
		if err != nil {
			return mapErr("delete", p, err)
		}
		if len(out.Errors) > 0 {
			e := out.Errors[0]
			return fmt.Errorf("s3: delete %q: %d key(s) failed, first %s: %s",
				p, len(out.Errors), aws.ToString(e.Key), aws.ToString(e.Message))
		}
	}
	return nil
}

// uploader buffers a whole object and uploads it on Close.
type uploader struct {
	ctx  context.Context
	b    *Backend
	path string
	buf  bytes.Buffer
	done bool
}

func (u *uploader) Write(p []byte) (int, error) {
	if u.done {
		return 0, fmt.Errorf("s3: write %q: writer closed", u.path)
	}
	return u.buf.Write(p)
}

// Close uploads the buffered content.
func (u *uploader) Close() error {
	if u.done {
		return nil
	}
	u.done = true
	if err := u.b.put(u.ctx, u.b.keys.object(u.path), u.buf.Bytes()); err != nil {
		return mapErr("put", u.path, err)
	}
	return nil
}

// Abort drops the buffered content without uploading.
func (u *uploader) Abort() error {
	u.done = true
	u.buf.Reset()
	return nil
}
