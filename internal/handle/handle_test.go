package handle

import (
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func TestOpenAssignsSmallestUnusedID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	assert.NilError(t, os.WriteFile(path, []byte("x"), 0o644))

	table := New()
	f1, err := os.Open(path)
	assert.NilError(t, err)
	h1 := table.Open(path, f1, os.O_RDONLY)
	assert.Check(t, is.Equal(h1, 0))

	f2, err := os.Open(path)
	assert.NilError(t, err)
	h2 := table.Open(path, f2, os.O_RDONLY)
	assert.Check(t, is.Equal(h2, 1))

	assert.NilError(t, table.Close(h1))

	f3, err := os.Open(path)
	assert.NilError(t, err)
	h3 := table.Open(path, f3, os.O_RDONLY)
	assert.Check(t, is.Equal(h3, 0))
}

func TestFDSamePathReturnsStoredDescriptor(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	assert.NilError(t, os.WriteFile(path, []byte("x"), 0o644))

	table := New()
	f, err := os.Open(path)
	assert.NilError(t, err)
	h := table.Open(path, f, os.O_RDONLY)

	got, err := table.FD(h, path)
	assert.NilError(t, err)
	assert.Check(t, got == f)
}

func TestFDDifferentPathReopensAndUpdatesEntry(t *testing.T) {
	dir := t.TempDir()
	oldPath := filepath.Join(dir, "old.txt")
	newPath := filepath.Join(dir, "new.txt")
	assert.NilError(t, os.WriteFile(oldPath, []byte("old"), 0o644))
	assert.NilError(t, os.WriteFile(newPath, []byte("new"), 0o644))

	table := New()
	f, err := os.Open(oldPath)
	assert.NilError(t, err)
	h := table.Open(oldPath, f, os.O_RDONLY)

	got, err := table.FD(h, newPath)
	assert.NilError(t, err)
	assert.Check(t, got != f)

	buf := make([]byte, 3)
	n, err := got.Read(buf)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(string(buf[:n]), "new"))

	storedPath, err := table.Path(h)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(storedPath, newPath))
}

func TestFDUnknownHandleReturnsErrNotFound(t *testing.T) {
	table := New()
	_, err := table.FD(42, "/anything")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClosePreventsFurtherAccess(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	assert.NilError(t, os.WriteFile(path, []byte("x"), 0o644))

	table := New()
	f, err := os.Open(path)
	assert.NilError(t, err)
	h := table.Open(path, f, os.O_RDONLY)

	assert.NilError(t, table.Close(h))
	_, err = table.Path(h)
	assert.ErrorIs(t, err, ErrNotFound)
}
