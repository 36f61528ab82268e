package overlayfs

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
	"gotest.tools/v3/skip"
)

// requireFUSE skips the test unless /dev/fuse is present, the same
// precondition the teacher's own integration suite checks before
// exercising anything that needs a real kernel mount.
func requireFUSE(t *testing.T) {
	t.Helper()
	_, err := os.Stat("/dev/fuse")
	skip.If(t, os.IsNotExist(err), "/dev/fuse not available")
}

func mountOverlay(t *testing.T) (lower, upper string, ov *Overlay) {
	t.Helper()
	requireFUSE(t)

	lower = t.TempDir()
	upper = t.TempDir()
	mountpoint := t.TempDir()

	var err error
	ov, err = Mount(Options{Lower: lower, Upper: upper, Mountpoint: mountpoint})
	assert.NilError(t, err)
	t.Cleanup(func() {
		assert.NilError(t, ov.Unmount())
	})
	return lower, upper, ov
}

func TestMountExposesLowerContentReadOnly(t *testing.T) {
	lower, _, ov := mountOverlay(t)
	assert.NilError(t, os.WriteFile(filepath.Join(lower, "a.txt"), []byte("hello"), 0o644))

	// Give the kernel a moment to pick up the new lower-layer entry
	// before the first lookup; the overlay itself does no caching.
	time.Sleep(50 * time.Millisecond)

	data, err := os.ReadFile(filepath.Join(ov.opts.Mountpoint, "a.txt"))
	assert.NilError(t, err)
	assert.Check(t, is.Equal(string(data), "hello"))
}

func TestWriteThroughMountPromotesFile(t *testing.T) {
	lower, upper, ov := mountOverlay(t)
	assert.NilError(t, os.WriteFile(filepath.Join(lower, "a.txt"), []byte("hello"), 0o644))

	mounted := filepath.Join(ov.opts.Mountpoint, "a.txt")
	assert.NilError(t, os.WriteFile(mounted, []byte("changed"), 0o644))

	data, err := os.ReadFile(mounted)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(string(data), "changed"))

	// Lower stays untouched; the write landed in upper's fake_root.
	lowerData, err := os.ReadFile(filepath.Join(lower, "a.txt"))
	assert.NilError(t, err)
	assert.Check(t, is.Equal(string(lowerData), "hello"))

	upperData, err := os.ReadFile(filepath.Join(upper, "fake_root", "a.txt"))
	assert.NilError(t, err)
	assert.Check(t, is.Equal(string(upperData), "changed"))
}

func TestMkdirAndCreateUnderNewDirectory(t *testing.T) {
	_, _, ov := mountOverlay(t)

	dir := filepath.Join(ov.opts.Mountpoint, "newdir")
	assert.NilError(t, os.Mkdir(dir, 0o755))
	assert.NilError(t, os.WriteFile(filepath.Join(dir, "f.txt"), []byte("x"), 0o644))

	entries, err := os.ReadDir(dir)
	assert.NilError(t, err)
	assert.Check(t, is.Len(entries, 1))
}

func TestRemoveLowerFileThroughMount(t *testing.T) {
	lower, _, ov := mountOverlay(t)
	assert.NilError(t, os.WriteFile(filepath.Join(lower, "gone.txt"), []byte("x"), 0o644))

	assert.NilError(t, os.Remove(filepath.Join(ov.opts.Mountpoint, "gone.txt")))

	_, err := os.Stat(filepath.Join(ov.opts.Mountpoint, "gone.txt"))
	assert.Check(t, os.IsNotExist(err))
}

func TestPersistsShadowAcrossRemount(t *testing.T) {
	lower := t.TempDir()
	upper := t.TempDir()
	mountpoint := t.TempDir()
	requireFUSE(t)

	assert.NilError(t, os.WriteFile(filepath.Join(lower, "a.txt"), []byte("hello"), 0o644))

	ov1, err := Mount(Options{Lower: lower, Upper: upper, Mountpoint: mountpoint})
	assert.NilError(t, err)
	assert.NilError(t, os.WriteFile(filepath.Join(mountpoint, "a.txt"), []byte("changed"), 0o644))
	assert.NilError(t, ov1.Unmount())

	ov2, err := Mount(Options{Lower: lower, Upper: upper, Mountpoint: mountpoint})
	assert.NilError(t, err)
	defer ov2.Unmount()

	data, err := os.ReadFile(filepath.Join(mountpoint, "a.txt"))
	assert.NilError(t, err)
	assert.Check(t, is.Equal(string(data), "changed"))
}
