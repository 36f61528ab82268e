//go:build linux

package overlayfs

import (
	"os"
	"syscall"
	"time"

	"bazil.org/fuse"
)

// fillAttr populates attr from info, pulling the fields os.FileInfo
// does not expose (uid, gid, nlink, inode, block count, atime/ctime)
// out of the platform-specific syscall.Stat_t, the same pattern the
// teacher uses for graphdriver metadata extraction.
func fillAttr(info os.FileInfo, attr *fuse.Attr) {
	attr.Size = uint64(info.Size())
	attr.Mode = info.Mode()
	attr.Mtime = info.ModTime()

	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return
	}
	attr.Inode = st.Ino
	attr.Nlink = uint32(st.Nlink)
	attr.Uid = st.Uid
	attr.Gid = st.Gid
	attr.Rdev = uint32(st.Rdev)
	attr.Blocks = uint64(st.Blocks)
	attr.Atime = time.Unix(st.Atim.Sec, st.Atim.Nsec)
	attr.Ctime = time.Unix(st.Ctim.Sec, st.Ctim.Nsec)
}

// lstatTimes returns host's current atime/mtime, used by Setattr to
// preserve whichever of the two a SETATTR request leaves unset
// instead of overwriting it with the other field's new value.
func lstatTimes(host string) (atime, mtime time.Time, err error) {
	info, err := os.Lstat(host)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		mtime = info.ModTime()
		return mtime, mtime, nil
	}
	atime = time.Unix(st.Atim.Sec, st.Atim.Nsec)
	mtime = time.Unix(st.Mtim.Sec, st.Mtim.Nsec)
	return atime, mtime, nil
}
