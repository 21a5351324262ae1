package s3

import (
	"net/url"
	"strings"

	"github.com/fruitsalade/stow/pkg/pathutil"
)

// keyspace maps backend paths onto object keys below a fixed prefix.
type keyspace struct {
	prefix string // "" or "a/b/"
}

func newKeyspace(prefix string) keyspace {
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return keyspace{prefix: prefix}
}

// object returns the key of the object at p.
func (k keyspace) object(p string) string {
	return k.prefix + strings.TrimPrefix(p, pathutil.Separator)
}

// dir returns the listing prefix of the directory at p, which is also the
// key of its marker object. The root maps to the bare prefix.
func (k keyspace) dir(p string) string {
	if p == pathutil.Separator {
		return k.prefix
	}
	return k.object(p) + "/"
}

// copySource builds the URL-encoded CopySource value for key.
func copySource(bucket, key string) string {
	parts := strings.Split(key, "/")
	for i, part := range parts {
		parts[i] = strings.ReplaceAll(url.QueryEscape(part), "+", "%20")
	}
	return bucket + "/" + strings.Join(parts, "/")
}

// md5FromETag extracts the hex md5 from a single-part ETag. Multipart and
// malformed ETags are rejected.
func md5FromETag(etag string) (string, bool) {
	etag = strings.Trim(etag, `"`)
	if len(etag) != 32 {
		return "", false
	}
	for _, c := range etag {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return "", false
		}
	}
	return strings.ToLower(etag), true
}
