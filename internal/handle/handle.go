// Package handle implements the Handle Table: the indirection between
// externally visible integer handle IDs and the underlying OS file
// descriptors, including re-open-on-promotion when a handle's backing
// path shifts from lower to upper mid-flight.
package handle

import (
	"os"
	"sync"

	"github.com/pkg/errors"
)

// ErrNotFound is returned when a handle ID is not present in the
// table — an internal invariant violation, not a filesystem error a
// client could trigger through normal use.
var ErrNotFound = errors.New("handle: not found")

type entry struct {
	f     *os.File
	path  string // host path backing this handle at the time it was last (re)opened
	flags int
}

// Table maps handle IDs to open file descriptors.
type Table struct {
	mu      sync.Mutex
	entries map[int]*entry
}

// New returns an empty handle table.
func New() *Table {
	return &Table{entries: make(map[int]*entry)}
}

// Open registers f as a new handle backed by host path path, opened
// with flags, and returns the smallest unused non-negative handle ID.
func (t *Table) Open(path string, f *os.File, flags int) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	h := 0
	for {
		if _, ok := t.entries[h]; !ok {
			break
		}
		h++
	}
	t.entries[h] = &entry{f: f, path: path, flags: flags}
	return h
}

// FD returns the current OS file descriptor for handle h. If the
// entry's stored backing path no longer matches desiredPath — meaning
// the backing path shifted layer since the handle was opened, e.g. a
// promotion triggered by a write through a different handle on the
// same file — the old descriptor is closed, desiredPath is opened
// with the handle's original flags, and the entry's stored path is
// updated to match (spec.md §4.5). Callers pass a freshly resolved
// path on every call rather than the path captured at open time, so
// this branch fires whenever a layer shift actually happened.
func (t *Table) FD(h int, desiredPath string) (*os.File, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[h]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "handle %d", h)
	}
	if e.path == desiredPath {
		return e.f, nil
	}

	if err := e.f.Close(); err != nil {
		return nil, errors.Wrapf(err, "closing stale descriptor for handle %d", h)
	}
	f, err := os.OpenFile(desiredPath, e.flags, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "reopening %s for handle %d", desiredPath, h)
	}
	e.f = f
	e.path = desiredPath
	return e.f, nil
}

// Close removes handle h from the table and closes its descriptor.
func (t *Table) Close(h int) error {
	t.mu.Lock()
	e, ok := t.entries[h]
	if ok {
		delete(t.entries, h)
	}
	t.mu.Unlock()

	if !ok {
		return errors.Wrapf(ErrNotFound, "handle %d", h)
	}
	return e.f.Close()
}

// Path returns the stored backing host path for handle h.
func (t *Table) Path(h int) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[h]
	if !ok {
		return "", errors.Wrapf(ErrNotFound, "handle %d", h)
	}
	return e.path, nil
}
