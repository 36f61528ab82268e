// Package merge implements the Directory Merger: producing the union
// listing of a directory from lower entries, upper entries, and
// shadow membership.
package merge

import (
	"errors"
	"os"
	"path"
	"syscall"

	pkgerrors "github.com/pkg/errors"

	"github.com/zwimer/LayerFS/internal/pathmap"
	"github.com/zwimer/LayerFS/internal/promote"
	"github.com/zwimer/LayerFS/internal/shadow"
)

// List returns the entry names of partial (excluding "." and ".."),
// implementing spec.md §4.4.
func List(e *promote.Engine, s *shadow.Set, partial string) ([]string, error) {
	partial = pathmap.Normalize(partial)

	host, err := e.Resolve(partial, false)
	if err != nil {
		return nil, err
	}

	if host == e.Paths.FakeOf(partial) {
		return readDirNames(host)
	}

	info, err := os.Stat(host)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, syscall.ENOENT
		}
		return nil, pkgerrors.Wrapf(err, "statting %s", host)
	}
	if !info.IsDir() {
		return nil, syscall.ENOTDIR
	}

	seen := make(map[string]struct{})
	var names []string

	lowerNames, err := readDirNames(host)
	if err != nil {
		return nil, err
	}
	for _, name := range lowerNames {
		child := pathmap.Join2(partial, name)
		if exists, err := e.ExistsReadOnly(child); err != nil {
			return nil, err
		} else if exists {
			if _, ok := seen[name]; !ok {
				seen[name] = struct{}{}
				names = append(names, name)
			}
		}
	}

	for _, child := range s.ChildrenOf(partial) {
		name := path.Base(child)
		if _, ok := seen[name]; ok {
			continue
		}
		if exists, err := e.ExistsReadOnly(child); err != nil {
			return nil, err
		} else if exists {
			seen[name] = struct{}{}
			names = append(names, name)
		}
	}

	return names, nil
}

func readDirNames(host string) ([]string, error) {
	entries, err := os.ReadDir(host)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, syscall.ENOENT
		}
		if isNotDir(err) {
			return nil, syscall.ENOTDIR
		}
		return nil, pkgerrors.Wrapf(err, "listing %s", host)
	}
	names := make([]string, 0, len(entries))
	for _, ent := range entries {
		names = append(names, ent.Name())
	}
	return names, nil
}

func isNotDir(err error) bool {
	return errors.Is(err, syscall.ENOTDIR)
}

