// Package overlayfs is the Operation Dispatcher: it binds the Path
// Mapper, Shadow Set, Promotion Engine, Directory Merger, and Handle
// Table to the FUSE callback surface via bazil.org/fuse.
package overlayfs

import (
	"context"
	"os"
	"syscall"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/zwimer/LayerFS/internal/handle"
	"github.com/zwimer/LayerFS/internal/merge"
	"github.com/zwimer/LayerFS/internal/pathmap"
	"github.com/zwimer/LayerFS/internal/promote"
	"github.com/zwimer/LayerFS/internal/shadow"
)

// FS is the root of the bazil.org/fuse node tree: one *node per
// dispatched partial, all sharing the same engine/shadow/handle state.
type FS struct {
	paths   pathmap.Mapper
	shadow  *shadow.Set
	engine  *promote.Engine
	handles *handle.Table
}

var _ fs.FS = (*FS)(nil)
var _ fs.FSStatfser = (*FS)(nil)

// Root returns the node for "/".
func (f *FS) Root() (fs.Node, error) {
	return &node{fs: f, partial: "/"}, nil
}

// Statfs reports aggregate filesystem statistics from the lower root,
// which is where "/" always resolves (the root itself is never
// promoted, spec.md §3 invariant 1).
func (f *FS) Statfs(ctx context.Context, req *fuse.StatfsRequest, resp *fuse.StatfsResponse) error {
	var stv unix.Statfs_t
	if err := unix.Statfs(f.paths.Lower, &stv); err != nil {
		return toErrno(err)
	}
	resp.Bavail = stv.Bavail
	resp.Bfree = stv.Bfree
	resp.Blocks = stv.Blocks
	resp.Bsize = uint32(stv.Bsize)
	resp.Ffree = stv.Ffree
	resp.Files = stv.Files
	resp.Frsize = uint32(stv.Frsize)
	resp.Namelen = uint32(stv.Namelen)
	return nil
}

// node represents one dispatched partial path. It is stateless beyond
// identifying which partial it speaks for; all durable state lives in
// fs.shadow/fs.engine/fs.handles.
type node struct {
	fs      *FS
	partial string
}

var (
	_ fs.Node               = (*node)(nil)
	_ fs.NodeGetattrer      = (*node)(nil)
	_ fs.NodeSetattrer      = (*node)(nil)
	_ fs.NodeAccesser       = (*node)(nil)
	_ fs.NodeStringLookuper = (*node)(nil)
	_ fs.HandleReadDirAller = (*node)(nil)
	_ fs.NodeMkdirer        = (*node)(nil)
	_ fs.NodeMknoder        = (*node)(nil)
	_ fs.NodeRemover        = (*node)(nil)
	_ fs.NodeRenamer        = (*node)(nil)
	_ fs.NodeOpener         = (*node)(nil)
	_ fs.NodeCreater        = (*node)(nil)
	_ fs.NodeReadlinker     = (*node)(nil)
	_ fs.NodeSymlinker      = (*node)(nil)
	_ fs.NodeLinker         = (*node)(nil)
	_ fs.NodeFsyncer        = (*node)(nil)
)

func (n *node) child(name string) string {
	return pathmap.Join2(n.partial, name)
}

// Attr implements getattr (spec.md §4.6).
func (n *node) Attr(ctx context.Context, attr *fuse.Attr) error {
	host, err := n.fs.engine.Resolve(n.partial, false)
	if err != nil {
		return toErrno(err)
	}
	return lstatAttr(host, attr)
}

// Getattr satisfies fs.NodeGetattrer for callers that go through the
// richer request/response form; it delegates to Attr.
func (n *node) Getattr(ctx context.Context, req *fuse.GetattrRequest, resp *fuse.GetattrResponse) error {
	return n.Attr(ctx, &resp.Attr)
}

// Setattr implements chmod, chown, utimens, and truncate: the FUSE
// wire protocol batches these into one SETATTR request (unlike the
// Python binding spec.md was distilled from, which dispatches them as
// separate calls); each field of req.Valid is honored independently
// against the same resolved host path.
func (n *node) Setattr(ctx context.Context, req *fuse.SetattrRequest, resp *fuse.SetattrResponse) error {
	host, err := n.fs.engine.Resolve(n.partial, true)
	if err != nil {
		return toErrno(err)
	}

	if req.Valid.Mode() {
		if err := os.Chmod(host, req.Mode); err != nil {
			return toErrno(err)
		}
	}
	if req.Valid.Uid() || req.Valid.Gid() {
		uid, gid := -1, -1
		if req.Valid.Uid() {
			uid = int(req.Uid)
		}
		if req.Valid.Gid() {
			gid = int(req.Gid)
		}
		if err := os.Chown(host, uid, gid); err != nil {
			return toErrno(err)
		}
	}
	if req.Valid.Size() {
		if err := os.Truncate(host, int64(req.Size)); err != nil {
			return toErrno(err)
		}
	}
	if req.Valid.Atime() || req.Valid.Mtime() {
		atime, mtime := req.Atime, req.Mtime
		if !req.Valid.Atime() || !req.Valid.Mtime() {
			curAtime, curMtime, err := lstatTimes(host)
			if err != nil {
				return toErrno(err)
			}
			if !req.Valid.Atime() {
				atime = curAtime
			}
			if !req.Valid.Mtime() {
				mtime = curMtime
			}
		}
		if err := os.Chtimes(host, atime, mtime); err != nil {
			return toErrno(err)
		}
	}

	return lstatAttr(host, &resp.Attr)
}

// Access implements access(P, mode): always resolved read-only so
// probing permissions never triggers a promotion (spec.md §4.6
// rationale).
func (n *node) Access(ctx context.Context, req *fuse.AccessRequest) error {
	host, err := n.fs.engine.Resolve(n.partial, false)
	if err != nil {
		return toErrno(err)
	}
	if err := unix.Access(host, uint32(req.Mask)); err != nil {
		return toErrno(err)
	}
	return nil
}

// Lookup implements directory traversal for a single name; existence
// is whatever the Directory Merger would report (spec.md §4.4's
// existence filter, applied to a single candidate rather than an
// entire listing).
func (n *node) Lookup(ctx context.Context, name string) (fs.Node, error) {
	child := n.child(name)
	exists, err := n.fs.engine.ExistsReadOnly(child)
	if err != nil {
		return nil, toErrno(err)
	}
	if !exists {
		return nil, fuse.Errno(syscall.ENOENT)
	}
	return &node{fs: n.fs, partial: child}, nil
}

// ReadDirAll implements readdir via the Directory Merger.
func (n *node) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	names, err := merge.List(n.fs.engine, n.fs.shadow, n.partial)
	if err != nil {
		return nil, toErrno(err)
	}
	dirents := make([]fuse.Dirent, 0, len(names)+2)
	dirents = append(dirents, fuse.Dirent{Name: ".", Type: fuse.DT_Dir})
	dirents = append(dirents, fuse.Dirent{Name: "..", Type: fuse.DT_Dir})
	for _, name := range names {
		host, err := n.fs.engine.Resolve(n.child(name), false)
		if err != nil {
			return nil, toErrno(err)
		}
		dirents = append(dirents, fuse.Dirent{Name: name, Type: directType(host)})
	}
	return dirents, nil
}

func directType(host string) fuse.DirentType {
	info, err := os.Lstat(host)
	if err != nil {
		return fuse.DT_Unknown
	}
	switch {
	case info.IsDir():
		return fuse.DT_Dir
	case info.Mode()&os.ModeSymlink != 0:
		return fuse.DT_Link
	default:
		return fuse.DT_File
	}
}

// Mkdir implements mkdir(P, mode).
func (n *node) Mkdir(ctx context.Context, req *fuse.MkdirRequest) (fs.Node, error) {
	child := n.child(req.Name)
	host, err := n.fs.engine.Resolve(child, true)
	if err != nil {
		return nil, toErrno(err)
	}
	if err := os.Mkdir(host, req.Mode.Perm()); err != nil {
		return nil, toErrno(err)
	}
	logrus.Debugf("mkdir %s", child)
	return &node{fs: n.fs, partial: child}, nil
}

// Mknod implements mknod(P, mode, dev).
func (n *node) Mknod(ctx context.Context, req *fuse.MknodRequest) (fs.Node, error) {
	child := n.child(req.Name)
	host, err := n.fs.engine.Resolve(child, true)
	if err != nil {
		return nil, toErrno(err)
	}
	if err := unix.Mknod(host, syscallMode(req.Mode), int(req.Rdev)); err != nil {
		return nil, toErrno(err)
	}
	return &node{fs: n.fs, partial: child}, nil
}

// Remove implements both rmdir and unlink; req.Dir distinguishes them.
func (n *node) Remove(ctx context.Context, req *fuse.RemoveRequest) error {
	child := n.child(req.Name)
	host, err := n.fs.engine.Resolve(child, true)
	if err != nil {
		return toErrno(err)
	}
	// os.Remove rejects a non-empty directory itself, matching rmdir(2);
	// the req.Dir/unlink distinction only affects the debug log below.
	if err := os.Remove(host); err != nil {
		return toErrno(err)
	}
	logrus.Debugf("remove %s (dir=%v)", child, req.Dir)
	return nil
}

// Rename implements rename(Pa, Pb).
func (n *node) Rename(ctx context.Context, req *fuse.RenameRequest, newDir fs.Node) error {
	destDir, ok := newDir.(*node)
	if !ok {
		return fuse.Errno(syscall.EIO)
	}
	oldPartial := n.child(req.OldName)
	newPartial := destDir.child(req.NewName)

	oldHost, err := n.fs.engine.Resolve(oldPartial, true)
	if err != nil {
		return toErrno(err)
	}
	newHost, err := n.fs.engine.Resolve(newPartial, true)
	if err != nil {
		return toErrno(err)
	}
	if err := os.Rename(oldHost, newHost); err != nil {
		return toErrno(err)
	}
	return nil
}

// Readlink, Symlink, and Link are unsupported: the current design has
// no whiteout/tombstone handling that links would require (spec.md §7).
func (n *node) Readlink(ctx context.Context, req *fuse.ReadlinkRequest) (string, error) {
	return "", fuse.Errno(syscall.EMLINK)
}

func (n *node) Symlink(ctx context.Context, req *fuse.SymlinkRequest) (fs.Node, error) {
	return nil, fuse.Errno(syscall.EMLINK)
}

func (n *node) Link(ctx context.Context, req *fuse.LinkRequest, old fs.Node) (fs.Node, error) {
	return nil, fuse.Errno(syscall.EMLINK)
}

// Fsync implements fsync(h): resolved write-capable since a dirty
// handle backed by a lower file would have already been promoted by
// the write that dirtied it, but resolving again is cheap and keeps
// this call correct even if fsync is somehow invoked without a prior
// write.
func (n *node) Fsync(ctx context.Context, req *fuse.FsyncRequest) error {
	host, err := n.fs.engine.Resolve(n.partial, true)
	if err != nil {
		return toErrno(err)
	}
	f, err := n.fs.handles.FD(int(req.Handle), host)
	if err != nil {
		return toErrno(err)
	}
	if err := f.Sync(); err != nil {
		return toErrno(err)
	}
	return nil
}

func lstatAttr(host string, attr *fuse.Attr) error {
	info, err := os.Lstat(host)
	if err != nil {
		return toErrno(err)
	}
	fillAttr(info, attr)
	return nil
}
