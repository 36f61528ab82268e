package overlayfs

import (
	"errors"
	"os"
	"syscall"

	"bazil.org/fuse"
)

// toErrno translates a Go error returned by the host OS or by one of
// the engine/merge/handle packages into the fuse.Errno the kernel
// expects, per spec.md §7. A *os.PathError / *os.LinkError wrapping a
// syscall.Errno is unwrapped so the original code reaches the kernel
// unchanged; an error without one that still reports not-exist or
// permission becomes ENOENT or EACCES; anything else becomes EIO, since
// an unrecognized error
// here is an internal invariant violation, not a filesystem-user-facing
// condition.
func toErrno(err error) fuse.Errno {
	if err == nil {
		return 0
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return fuse.Errno(errno)
	}
	if os.IsNotExist(err) {
		return fuse.Errno(syscall.ENOENT)
	}
	if os.IsPermission(err) {
		return fuse.Errno(syscall.EACCES)
	}
	return fuse.Errno(syscall.EIO)
}
