package overlayfs

import (
	"os"
	"sync"
	"time"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
	"github.com/moby/sys/mountinfo"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/zwimer/LayerFS/internal/handle"
	"github.com/zwimer/LayerFS/internal/pathmap"
	"github.com/zwimer/LayerFS/internal/promote"
	"github.com/zwimer/LayerFS/internal/shadow"
)

// Options configures a mount.
type Options struct {
	Lower      string // read-only source tree
	Upper      string // read-write overlay directory; holds the promoted tree and the shadow file
	Mountpoint string // where the merged view is exposed
}

// Overlay is a mounted instance: the live fuse.Conn plus the state it
// was serving, kept around so Unmount can tear both down.
type Overlay struct {
	opts    Options
	shadow  *shadow.Set
	handles *handle.Table
	conn    *fuse.Conn

	errMu sync.Mutex
	err   error
}

// Mount validates opts, prepares the upper tree and shadow file, and
// mounts the merged view at opts.Mountpoint, serving requests in a
// background goroutine — the same Mount/fs.Serve split the teacher
// uses in its own fuseMounter, generalized from a read-only manifest
// view to a read-write overlay.
func Mount(opts Options) (*Overlay, error) {
	if err := validate(opts); err != nil {
		return nil, err
	}

	paths := pathmap.Mapper{Lower: opts.Lower, Upper: opts.Upper}

	fakeRoot := paths.FakeRoot()
	if err := os.MkdirAll(fakeRoot, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating upper tree root %s", fakeRoot)
	}

	shadowPath := paths.ShadowFile()
	set, err := shadow.Load(shadowPath)
	if err != nil {
		return nil, errors.Wrapf(err, "loading shadow file %s", shadowPath)
	}

	overlayFS := &FS{
		paths:   paths,
		shadow:  set,
		handles: handle.New(),
		engine:  &promote.Engine{Paths: paths, Shadow: set},
	}

	c, err := fuse.Mount(
		opts.Mountpoint,
		fuse.FSName("layerfs"),
		fuse.Subtype("overlay"),
		fuse.LocalVolume(),
		fuse.VolumeName("LayerFS Overlay"),
	)
	if err != nil {
		set.Close()
		return nil, errors.Wrapf(err, "mounting %s", opts.Mountpoint)
	}

	<-c.Ready
	if err := c.MountError; err != nil {
		c.Close()
		set.Close()
		return nil, errors.Wrapf(err, "mount handshake for %s", opts.Mountpoint)
	}

	o := &Overlay{opts: opts, shadow: set, handles: overlayFS.handles, conn: c}
	go func() {
		if err := fs.Serve(c, overlayFS); err != nil {
			logrus.Errorf("overlayfs: serve error: %v", err)
			o.errMu.Lock()
			o.err = err
			o.errMu.Unlock()
		}
	}()

	logrus.Debugf("overlayfs: mounted %s (lower=%s upper=%s)", opts.Mountpoint, opts.Lower, opts.Upper)
	return o, nil
}

// validate checks the preconditions spec.md §6 lists for a mount
// attempt: lower and mountpoint must exist and be directories, upper
// must be a directory if it exists (Mount creates it otherwise), and
// mountpoint must not already have something mounted on it.
func validate(opts Options) error {
	for _, dir := range []string{opts.Lower, opts.Mountpoint} {
		info, err := os.Stat(dir)
		if err != nil {
			return errors.Wrapf(err, "checking %s", dir)
		}
		if !info.IsDir() {
			return errors.Errorf("%s is not a directory", dir)
		}
	}
	if info, err := os.Stat(opts.Upper); err == nil {
		if !info.IsDir() {
			return errors.Errorf("%s is not a directory", opts.Upper)
		}
	} else if !os.IsNotExist(err) {
		return errors.Wrapf(err, "checking %s", opts.Upper)
	}

	mounted, err := mountinfo.Mounted(opts.Mountpoint)
	if err != nil {
		return errors.Wrapf(err, "checking mount state of %s", opts.Mountpoint)
	}
	if mounted {
		return errors.Errorf("%s is already a mount point", opts.Mountpoint)
	}
	return nil
}

// Unmount tears down the FUSE connection and releases the shadow
// file, mirroring the teacher's own bounded-wait close-then-unmount
// sequence.
func (o *Overlay) Unmount() error {
	if o.conn == nil {
		return nil
	}
	c := o.conn
	o.conn = nil

	closeC := make(chan error, 1)
	go func() {
		closeC <- c.Close()
	}()

	var closeErr error
	select {
	case <-time.After(5 * time.Second):
		closeErr = errors.New("closing fuse connection timed out")
	case closeErr = <-closeC:
	}
	if closeErr != nil {
		logrus.Errorf("overlayfs: error closing connection: %v", closeErr)
	}

	if err := fuse.Unmount(o.opts.Mountpoint); err != nil {
		logrus.Errorf("overlayfs: error unmounting %s: %v", o.opts.Mountpoint, err)
		return err
	}

	if err := o.shadow.Close(); err != nil {
		logrus.Errorf("overlayfs: error closing shadow file: %v", err)
	}

	o.errMu.Lock()
	defer o.errMu.Unlock()
	return o.err
}
