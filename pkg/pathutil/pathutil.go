// Package pathutil provides backend-agnostic path manipulation for the
// slash-separated namespace shared by every storage backend.
//
// The functions never touch a backend. Join, Split, Dirname, Basename,
// Splitext and Isabs are total: the empty string yields empty results.
// Normpath, Abs, Relpath and Commonpath have no meaningful answer for an
// empty path and return ErrEmptyPath instead of guessing.
package pathutil

import (
	"errors"
	"path"
	"strings"
)

// Separator is the path separator used by every backend namespace.
const Separator = "/"

var (
	// ErrEmptyPath is returned when an operation receives an empty path.
	ErrEmptyPath = errors.New("empty path")

	// ErrMixedPaths is returned when absolute and relative paths are combined
	// in an operation that needs them to agree.
	ErrMixedPaths = errors.New("cannot mix absolute and relative paths")
)

// Join joins path elements with the separator. Empty elements are skipped and
// an absolute element discards everything before it. The result is not
// normalized.
func Join(elem ...string) string {
	result := ""
	for _, e := range elem {
		switch {
		case e == "":
			continue
		case strings.HasPrefix(e, Separator):
			result = e
		case result == "" || strings.HasSuffix(result, Separator):
			result += e
		default:
			result += Separator + e
		}
	}
	return result
}

// Split splits p after its final separator. Trailing separators are removed
// from head unless head is the root.
func Split(p string) (head, tail string) {
	i := strings.LastIndex(p, Separator) + 1
	head, tail = p[:i], p[i:]
	if head != "" && strings.Trim(head, Separator) != "" {
		head = strings.TrimRight(head, Separator)
	}
	return head, tail
}

// Dirname returns the head of Split(p).
func Dirname(p string) string {
	head, _ := Split(p)
	return head
}

// Basename returns the tail of Split(p).
func Basename(p string) string {
	_, tail := Split(p)
	return tail
}

// Splitext splits the extension from the final element of p. Leading dots of
// the final element are not treated as an extension separator.
func Splitext(p string) (root, ext string) {
	base := Basename(p)
	trimmed := strings.TrimLeft(base, ".")
	i := strings.LastIndex(trimmed, ".")
	if i < 0 {
		return p, ""
	}
	cut := len(p) - len(trimmed) + i
	return p[:cut], p[cut:]
}

// Isabs reports whether p is rooted.
func Isabs(p string) bool {
	return strings.HasPrefix(p, Separator)
}

// Normpath collapses redundant separators and resolves "." and ".." lexically.
func Normpath(p string) (string, error) {
	if p == "" {
		return "", ErrEmptyPath
	}
	return path.Clean(p), nil
}

// Abs roots p at the namespace root and normalizes it. Relative paths are
// interpreted relative to the root, so ".." can never escape it.
func Abs(p string) (string, error) {
	if p == "" {
		return "", ErrEmptyPath
	}
	return path.Clean(Join(Separator, p)), nil
}

// Relpath returns p expressed relative to start.
func Relpath(p, start string) (string, error) {
	if p == "" || start == "" {
		return "", ErrEmptyPath
	}
	if Isabs(p) != Isabs(start) {
		return "", ErrMixedPaths
	}

	pParts := components(path.Clean(p))
	startParts := components(path.Clean(start))

	i := 0
	for i < len(pParts) && i < len(startParts) && pParts[i] == startParts[i] {
		i++
	}

	rel := make([]string, 0, len(startParts)-i+len(pParts)-i)
	for range startParts[i:] {
		rel = append(rel, "..")
	}
	rel = append(rel, pParts[i:]...)
	if len(rel) == 0 {
		return ".", nil
	}
	return strings.Join(rel, Separator), nil
}

// Commonpath returns the longest common sub-path of paths. All paths must be
// either absolute or relative.
func Commonpath(paths ...string) (string, error) {
	if len(paths) == 0 {
		return "", ErrEmptyPath
	}
	for _, p := range paths {
		if p == "" {
			return "", ErrEmptyPath
		}
	}

	abs := Isabs(paths[0])
	common := components(path.Clean(paths[0]))
	for _, p := range paths[1:] {
		if Isabs(p) != abs {
			return "", ErrMixedPaths
		}
		parts := components(path.Clean(p))
		n := 0
		for n < len(common) && n < len(parts) && common[n] == parts[n] {
			n++
		}
		common = common[:n]
	}

	joined := strings.Join(common, Separator)
	if abs {
		return Separator + joined, nil
	}
	return joined, nil
}

// IsWithin reports whether p equals root or lies beneath it. Both are
// expected to be normalized absolute paths.
func IsWithin(p, root string) bool {
	if p == root || root == Separator {
		return true
	}
	return strings.HasPrefix(p, root+Separator)
}

func components(p string) []string {
	var parts []string
	for _, c := range strings.Split(p, Separator) {
		if c != "" && c != "." {
			parts = append(parts, c)
		}
	}
	return parts
}
