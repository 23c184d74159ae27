package manifest

import (
	"fmt"
	"strings"
)

// ValidatePath checks that p is a normalized relative path: forward slashes
// only, no empty, "." or ".." segments, not absolute. Paths that would need
// cleaning are rejected rather than rewritten.
func ValidatePath(p string) error {
	if p == "" {
		return fmt.Errorf("empty path")
	}
	if strings.HasPrefix(p, "/") {
		return fmt.Errorf("absolute path %q", p)
	}
	if strings.Contains(p, "\\") {
		return fmt.Errorf("backslash in path %q", p)
	}
	if strings.ContainsRune(p, 0) {
		return fmt.Errorf("NUL byte in path %q", p)
	}
	if len(p) >= 2 && p[1] == ':' {
		return fmt.Errorf("drive-qualified path %q", p)
	}
	for _, seg := range strings.Split(p, "/") {
		switch seg {
		case "":
			return fmt.Errorf("empty segment in path %q", p)
		case ".":
			return fmt.Errorf("dot segment in path %q", p)
		case "..":
			return fmt.Errorf("path traversal in %q", p)
		}
	}
	return nil
}

// Parent returns the parent directory of a normalized path, or "" for a
// top-level entry.
func Parent(p string) string {
	i := strings.LastIndex(p, "/")
	if i < 0 {
		return ""
	}
	return p[:i]
}
