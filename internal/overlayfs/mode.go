package overlayfs

import "os"

// syscallMode translates a Go os.FileMode into the raw Unix mode_t
// bits mknod(2) expects: the permission bits are identical, but the
// type bits (directory, symlink, device, ...) are not, so they have
// to be remapped explicitly rather than passed through.
func syscallMode(i os.FileMode) uint32 {
	o := uint32(i.Perm())
	switch {
	case i&os.ModeDevice != 0:
		if i&os.ModeCharDevice != 0 {
			o |= syscallModeChar
		} else {
			o |= syscallModeBlock
		}
	case i&os.ModeNamedPipe != 0:
		o |= syscallModeFifo
	case i&os.ModeSocket != 0:
		o |= syscallModeSocket
	default:
		o |= syscallModeRegular
	}
	if i&os.ModeSetuid != 0 {
		o |= syscallModeSetuid
	}
	if i&os.ModeSetgid != 0 {
		o |= syscallModeSetgid
	}
	if i&os.ModeSticky != 0 {
		o |= syscallModeSticky
	}
	return o
}

// Raw S_IF*/S_ISUID/etc constants, mirrored here rather than imported
// from golang.org/x/sys/unix since that package does not export them
// as a single coherent Mknod-ready mode the way it does Statfs_t.
const (
	syscallModeFifo    = 0o010000
	syscallModeChar    = 0o020000
	syscallModeBlock   = 0o060000
	syscallModeRegular = 0o100000
	syscallModeSocket  = 0o140000
	syscallModeSetuid  = 0o004000
	syscallModeSetgid  = 0o002000
	syscallModeSticky  = 0o001000
)
