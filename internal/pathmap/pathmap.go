// Package pathmap joins and normalizes partial paths against the
// lower and upper roots of an overlay mount. Everything here is a
// pure function: no I/O, no error cases.
package pathmap

import "strings"

// Mapper resolves partials into host paths under the lower (Lower)
// and upper (Upper) roots. Upper mirrors partials beneath fake_root.
type Mapper struct {
	Lower string
	Upper string
}

// Join concatenates root and tail, trimming leading slashes from tail
// and trailing slashes from the result. Never returns a trailing
// slash, matching LayerFS.py's join().
func Join(root, tail string) string {
	tail = strings.TrimLeft(tail, "/")
	ret := root
	if tail != "" {
		if strings.HasSuffix(ret, "/") {
			ret += tail
		} else {
			ret = ret + "/" + tail
		}
	}
	return strings.TrimRight(ret, "/")
}

// Normalize strips a trailing slash from a partial, mapping the empty
// tail to "/".
func Normalize(partial string) string {
	if partial == "" {
		return "/"
	}
	if partial != "/" {
		partial = strings.TrimRight(partial, "/")
	}
	if partial == "" {
		return "/"
	}
	return partial
}

// Parent returns the parent partial. parent("/") == "/", which
// terminates the ancestor walk in internal/shadow.
func Parent(partial string) string {
	if partial == "/" {
		return "/"
	}
	i := strings.LastIndexByte(partial, '/')
	if i <= 0 {
		return "/"
	}
	return partial[:i]
}

// Join2 is a small convenience used by callers building partials from
// a parent and a child name (e.g. the Directory Merger).
func Join2(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}

// RealOf maps a partial to its host path under the lower root.
func (m Mapper) RealOf(partial string) string {
	return Join(m.Lower, partial)
}

// FakeOf maps a partial to its host path under the upper root's
// fake_root mirror.
func (m Mapper) FakeOf(partial string) string {
	return Join(Join(m.Upper, "fake_root"), partial)
}

// FakeRoot returns the upper root's fake_root directory.
func (m Mapper) FakeRoot() string {
	return Join(m.Upper, "fake_root")
}

// ShadowFile returns the path to the shadow persistence file.
func (m Mapper) ShadowFile() string {
	return Join(m.Upper, "shadow")
}
