package overlayfs

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"bazil.org/fuse"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/zwimer/LayerFS/internal/handle"
	"github.com/zwimer/LayerFS/internal/pathmap"
	"github.com/zwimer/LayerFS/internal/promote"
	"github.com/zwimer/LayerFS/internal/shadow"
)

// newTestFS builds an *FS directly, bypassing fuse.Mount/fs.Serve, so
// node and fileHandle methods can be exercised as plain Go calls.
func newTestFS(t *testing.T) (*FS, string, string) {
	t.Helper()
	lower := t.TempDir()
	upper := t.TempDir()
	set, err := shadow.Load(filepath.Join(upper, "shadow"))
	assert.NilError(t, err)
	t.Cleanup(func() { set.Close() })

	paths := pathmap.Mapper{Lower: lower, Upper: upper}
	return &FS{
		paths:   paths,
		shadow:  set,
		handles: handle.New(),
		engine:  &promote.Engine{Paths: paths, Shadow: set},
	}, lower, upper
}

// TestReadPicksUpPromotionFromAnotherHandle covers the scenario a
// stale-descriptor bug would miss: a handle opened read-only against
// the lower file, promoted out from under it by a second, independently
// opened write handle, must read the promoted content on its next Read
// rather than the original lower bytes.
func TestReadPicksUpPromotionFromAnotherHandle(t *testing.T) {
	fs, lower, _ := newTestFS(t)
	assert.NilError(t, os.WriteFile(filepath.Join(lower, "a.txt"), []byte("original"), 0o644))

	root := &node{fs: fs, partial: "/"}
	ctx := context.Background()

	readHandle, err := root.Lookup(ctx, "a.txt")
	assert.NilError(t, err)
	readNode := readHandle.(*node)

	var openResp fuse.OpenResponse
	h1, err := readNode.Open(ctx, &fuse.OpenRequest{Flags: fuse.OpenReadOnly}, &openResp)
	assert.NilError(t, err)
	fh1 := h1.(*fileHandle)

	// Promote via a second, independent write handle on the same path.
	writeNode := &node{fs: fs, partial: "/a.txt"}
	var writeOpenResp fuse.OpenResponse
	hw, err := writeNode.Open(ctx, &fuse.OpenRequest{Flags: fuse.OpenWriteOnly}, &writeOpenResp)
	assert.NilError(t, err)
	fhw := hw.(*fileHandle)

	var writeResp fuse.WriteResponse
	assert.NilError(t, fhw.Write(ctx, &fuse.WriteRequest{Data: []byte("promoted"), Offset: 0}, &writeResp))

	var readResp fuse.ReadResponse
	assert.NilError(t, fh1.Read(ctx, &fuse.ReadRequest{Size: 8, Offset: 0}, &readResp))
	assert.Check(t, is.Equal(string(readResp.Data), "promoted"))
}
