// Package filesys provides path manipulation helpers, unique ID generation
// and scoped filesystem primitives for cache staging.
package filesys

import (
	"runtime"
	"strings"

	"github.com/google/uuid"
)

// isWindows is resolved once; the path helpers only honor backslash
// separators and drive letters on Windows.
var isWindows = runtime.GOOS == "windows"

// separator returns the preferred path separator for the current platform.
func separator() byte {
	if isWindows {
		return '\\'
	}
	return '/'
}

// isSeparator returns true if c is a path separator on the current platform.
func isSeparator(c byte) bool {
	if c == '/' {
		return true
	}
	return isWindows && c == '\\'
}

// AppendPath joins two path fragments with exactly one separator.
// An empty fragment leaves the other fragment untouched.
func AppendPath(a, b string) string {
	if a == "" {
		return b
	}
	if b == "" {
		return a
	}
	return a + string(separator()) + b
}

// lastSeparator returns the index of the last path separator in p, or -1.
func lastSeparator(p string) int {
	for i := len(p) - 1; i >= 0; i-- {
		if isSeparator(p[i]) {
			return i
		}
	}
	return -1
}

// DirPart returns the directory part of a path, without the trailing
// separator. If the path has no directory part an empty string is returned.
func DirPart(p string) string {
	i := lastSeparator(p)
	if i < 0 {
		return ""
	}
	return p[:i]
}

// FilePart returns the file name part of a path. If the path has no
// directory part the whole string is returned.
func FilePart(p string) string {
	return p[lastSeparator(p)+1:]
}

// Extension returns the file extension of a path, including the leading dot.
// Only the final extension of a multi-dot file name is returned. Dots in
// directory names are ignored.
func Extension(p string) string {
	file := FilePart(p)
	i := strings.LastIndexByte(file, '.')
	if i < 0 {
		return ""
	}
	return file[i:]
}

// CanonicalizePath resolves "." and ".." segments and collapses redundant
// separators without touching the filesystem. On Windows the drive letter is
// normalized to upper case and all separators to backslash.
func CanonicalizePath(p string) string {
	return canonicalize(p, isWindows)
}

// canonicalize is the platform-parameterized implementation of
// CanonicalizePath.
func canonicalize(p string, windows bool) string {
	sep := "/"
	drive := ""
	if windows {
		sep = "\\"
		if len(p) >= 2 && p[1] == ':' {
			drive = strings.ToUpper(p[:1]) + ":"
			p = p[2:]
		}
	}

	isSep := func(c byte) bool {
		return c == '/' || (windows && c == '\\')
	}
	absolute := len(p) > 0 && isSep(p[0])

	var parts []string
	start := 0
	flush := func(end int) {
		if end > start {
			parts = append(parts, p[start:end])
		}
		start = end + 1
	}
	for i := 0; i < len(p); i++ {
		if isSep(p[i]) {
			flush(i)
		}
	}
	flush(len(p))

	resolved := make([]string, 0, len(parts))
	for _, part := range parts {
		switch part {
		case ".":
			// Drop.
		case "..":
			if n := len(resolved); n > 0 && resolved[n-1] != ".." {
				resolved = resolved[:n-1]
			} else if !absolute {
				resolved = append(resolved, part)
			}
		default:
			resolved = append(resolved, part)
		}
	}

	result := strings.Join(resolved, sep)
	if absolute {
		result = sep + result
	}
	if result == "" {
		result = "."
	}
	return drive + result
}

// UniqueID returns an identifier that is unique per call, with negligible
// collision probability across processes and machines.
func UniqueID() string {
	return uuid.NewString()
}
