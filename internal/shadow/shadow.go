// Package shadow implements the persistent membership set of
// promoted partials ("the Shadow Set" in the design). It answers
// "is P or any ancestor of P promoted?" and records new promotions
// to an append-only log before they take effect in memory.
package shadow

import (
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/zwimer/LayerFS/internal/pathmap"
)

// Set is the in-memory membership set backed by an append-only log
// file. The log is the source of truth across restarts; Set never
// removes entries for the lifetime of a mount (monotone promotion,
// spec.md §3 invariant 3).
type Set struct {
	mu   sync.Mutex // documented, not relied on for multi-threaded correctness (spec.md §5)
	path string
	f    *os.File
	set  map[string]struct{}
}

// Load reads the shadow file at path if it exists, splitting on '\n'
// and dropping empty lines, then opens it for appending. A missing
// file is not an error: the set starts empty and the (empty) file is
// created here when it is opened for appending.
func Load(path string) (*Set, error) {
	s := &Set{path: path, set: make(map[string]struct{})}

	if data, err := os.ReadFile(path); err == nil {
		for _, line := range splitLines(data) {
			if line != "" {
				s.set[line] = struct{}{}
			}
		}
	} else if !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "reading shadow file %s", path)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "opening shadow file %s", path)
	}
	s.f = f
	return s, nil
}

func splitLines(data []byte) []string {
	var lines []string
	start := 0
	for i, b := range data {
		if b == '\n' {
			lines = append(lines, string(data[start:i]))
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, string(data[start:]))
	}
	return lines
}

// ContainsOrAncestor returns true if partial or any proper ancestor of
// partial is in the set. Implemented iteratively (spec.md §9: "prefer
// iteration over recursion to avoid stack pressure on deep trees").
func (s *Set) ContainsOrAncestor(partial string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := partial
	for {
		if _, ok := s.set[p]; ok {
			return true
		}
		if p == "/" {
			return false
		}
		p = pathmap.Parent(p)
	}
}

// Insert adds partial to the set, appending "partial\n" to the log
// before the in-memory mutation takes effect. If the append fails the
// in-memory set is left untouched.
func (s *Set) Insert(partial string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.set[partial]; ok {
		return nil
	}

	if _, err := s.f.WriteString(partial + "\n"); err != nil {
		return errors.Wrapf(err, "appending %s to shadow file", partial)
	}
	if err := s.f.Sync(); err != nil {
		return errors.Wrapf(err, "fsyncing shadow file after appending %s", partial)
	}

	s.set[partial] = struct{}{}
	logrus.Debugf("shadow: promoted %s", partial)
	return nil
}

// Snapshot returns a copy of the current membership set, for tests
// and invariant assertions.
func (s *Set) Snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.set))
	for p := range s.set {
		out = append(out, p)
	}
	return out
}

// ChildrenOf returns every member of the set whose parent is exactly
// partial, used by the Directory Merger to find upper-only siblings
// that may not appear in the lower directory listing at all.
func (s *Set) ChildrenOf(partial string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for p := range s.set {
		if pathmap.Parent(p) == partial && p != partial {
			out = append(out, p)
		}
	}
	return out
}

// Close releases the underlying log file handle.
func (s *Set) Close() error {
	return s.f.Close()
}
