// Package promote implements the Promotion Engine: the single
// resolve() entry point that decides, for a partial path, whether to
// serve lower or upper, and materializes a path into the upper tree
// on demand.
package promote

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"

	"github.com/docker/go-units"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/zwimer/LayerFS/internal/pathmap"
	"github.com/zwimer/LayerFS/internal/shadow"
)

// defaultDirMode is used for intermediate directories created while
// materializing a path into upper. The spec leaves real-parent-mode
// propagation unspecified (spec.md §9); this engine diverges
// explicitly by always using a fixed mode, matching the teacher's own
// default-mode directory creation in writecapture.go.
const defaultDirMode = 0o755

// Engine resolves partials to host paths and performs promotion.
type Engine struct {
	Paths  pathmap.Mapper
	Shadow *shadow.Set
}

// Resolve implements the decision table in spec.md §4.3.
func (e *Engine) Resolve(partial string, forceFake bool) (string, error) {
	partial = pathmap.Normalize(partial)

	if e.Shadow.ContainsOrAncestor(partial) {
		return e.Paths.FakeOf(partial), nil
	}
	if !forceFake {
		return e.Paths.RealOf(partial), nil
	}
	return e.materialize(partial)
}

// ExistsReadOnly reports whether partial names an existing host entry
// without triggering a promotion, used by the Directory Merger to
// filter merge candidates by existence (spec.md §4.4 step 3).
func (e *Engine) ExistsReadOnly(partial string) (bool, error) {
	host, err := e.Resolve(partial, false)
	if err != nil {
		return false, err
	}
	if _, err := os.Lstat(host); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.Wrapf(err, "statting %s", host)
	}
	return true, nil
}

func (e *Engine) materialize(partial string) (string, error) {
	dst := e.Paths.FakeOf(partial)
	src := e.Paths.RealOf(partial)

	if err := os.MkdirAll(filepath.Dir(dst), defaultDirMode); err != nil {
		return "", errors.Wrapf(err, "creating parent directory for %s", dst)
	}

	info, err := os.Lstat(src)
	switch {
	case err == nil:
		if info.IsDir() {
			if err := e.copyTree(partial, src, dst); err != nil {
				return "", errors.Wrapf(err, "promoting directory %s", partial)
			}
		} else {
			if err := copyFile(src, dst, info); err != nil {
				return "", errors.Wrapf(err, "promoting file %s", partial)
			}
		}
	case os.IsNotExist(err):
		// dst does not exist either; the upper-layer operation that
		// called Resolve (create, mknod, mkdir) will materialize the
		// entry itself. Still record the promotion so future lookups
		// route to upper.
	default:
		return "", errors.Wrapf(err, "statting %s during promotion", src)
	}

	if err := e.Shadow.Insert(partial); err != nil {
		return "", errors.Wrapf(err, "recording promotion of %s", partial)
	}
	return dst, nil
}

// copyTree recursively copies src into dst, merging with any existing
// dst and skipping descendants that are already promoted — the
// invariant that keeps a lazy lower-to-upper copy from clobbering a
// user's prior modifications under a promoted child.
func (e *Engine) copyTree(rootPartial, src, dst string) error {
	var size int64

	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		var childPartial string
		if rel == "." {
			childPartial = rootPartial
		} else {
			childPartial = pathmap.Join(rootPartial, filepath.ToSlash(rel))
		}

		if childPartial != rootPartial && e.Shadow.ContainsOrAncestor(childPartial) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		target := filepath.Join(dst, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}

		if d.IsDir() {
			if err := os.MkdirAll(target, defaultDirMode); err != nil {
				return err
			}
			return preserveMetadata(target, info)
		}

		if err := copyFile(path, target, info); err != nil {
			return err
		}
		size += info.Size()
		return nil
	})
	if err != nil {
		return err
	}

	logrus.Debugf("promote: copied %s (%s)", rootPartial, units.HumanSize(float64(size)))
	return nil
}

func copyFile(src, dst string, info os.FileInfo) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrapf(err, "opening %s for copy", src)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return errors.Wrapf(err, "creating %s for copy", dst)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return errors.Wrapf(err, "copying %s to %s", src, dst)
	}
	if err := out.Close(); err != nil {
		return errors.Wrapf(err, "closing %s after copy", dst)
	}
	return preserveMetadata(dst, info)
}

// preserveMetadata copies mtime (and mode, already set at creation
// time for files) onto target. Ownership is preserved best-effort:
// EPERM (unprivileged process) is swallowed, any other error is not.
func preserveMetadata(target string, info os.FileInfo) error {
	if info == nil {
		return nil
	}
	if err := os.Chmod(target, info.Mode().Perm()); err != nil {
		return errors.Wrapf(err, "chmod %s", target)
	}
	mtime := info.ModTime()
	if err := os.Chtimes(target, mtime, mtime); err != nil {
		return errors.Wrapf(err, "chtimes %s", target)
	}
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		if err := os.Chown(target, int(st.Uid), int(st.Gid)); err != nil && !os.IsPermission(err) {
			return errors.Wrapf(err, "chown %s", target)
		}
	}
	return nil
}
