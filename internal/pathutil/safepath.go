// Package pathutil checks request paths that are forwarded verbatim to
// another server.
package pathutil

import "strings"

// HasDotSegments reports whether any path segment is "." or "..". Both '/'
// and '\' count as separators since some upstream stacks treat them alike.
func HasDotSegments(p string) bool {
	for _, seg := range strings.FieldsFunc(p, isSep) {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return p == "." || p == ".."
}

// Forwardable reports whether a decoded request path is safe to hand to
// the upstream unchanged: absolute, no dot segments, no NUL bytes.
func Forwardable(p string) bool {
	if p == "" {
		return true
	}
	if p[0] != '/' || strings.IndexByte(p, 0) >= 0 {
		return false
	}
	return !HasDotSegments(p)
}

func isSep(r rune) bool { return r == '/' || r == '\\' }
