// Package atomicfile writes whole files so readers see either the old
// or the new content in full, never a mix.
package atomicfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	fwerrors "github.com/maruel/flywheel/internal/errors"
)

// options controls a single write.
type options struct {
	root string // allowed root; "" means the current working directory
	mode os.FileMode
}

// Option adjusts how WriteFile behaves.
type Option func(*options)

// WithRoot restricts the resolved target to the given directory tree.
// An empty root means the current working directory.
func WithRoot(dir string) Option {
	return func(o *options) {
		o.root = dir
	}
}

// WithRootOf allows any target inside the directory containing path.
func WithRootOf(path string) Option {
	return func(o *options) {
		o.root = filepath.Dir(path)
	}
}

// WriteFile atomically replaces path with data.
//
// The content is written to a temporary file in the same directory,
// flushed to disk, restricted to owner read/write where the platform
// supports it, and renamed onto path. On any failure before the rename
// the temporary file is removed and the target is left untouched.
func WriteFile(path string, data []byte, opts ...Option) error {
	o := options{mode: 0o600}
	for _, opt := range opts {
		opt(&o)
	}
	dir, base, err := resolveTarget(path, o.root)
	if err != nil {
		return err
	}

	removeStaleTemps(dir, base)

	f, err := os.CreateTemp(dir, "."+base+".*.tmp")
	if err != nil {
		return fwerrors.IO(fmt.Sprintf("creating temporary file in %s", dir), err)
	}
	tmp := f.Name()
	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(tmp)
	}
	if _, err := f.Write(data); err != nil {
		cleanup()
		return fwerrors.IO(fmt.Sprintf("writing %s", tmp), err)
	}
	if err := f.Sync(); err != nil {
		cleanup()
		return fwerrors.IO(fmt.Sprintf("flushing %s", tmp), err)
	}
	if chmodSupported {
		if err := f.Chmod(o.mode); err != nil {
			cleanup()
			return fwerrors.IO(fmt.Sprintf("restricting permissions on %s", tmp), err)
		}
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fwerrors.IO(fmt.Sprintf("closing %s", tmp), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fwerrors.IO(fmt.Sprintf("replacing %s", path), err)
	}
	return nil
}

// ResolveRead validates path for reading under the same policy as
// WriteFile and reports whether the file exists yet. A missing file or
// parent directory is not an error for readers, an escaping or
// directory target still is.
func ResolveRead(path string, opts ...Option) (resolved string, exists bool, err error) {
	o := options{mode: 0o600}
	for _, opt := range opts {
		opt(&o)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", false, fwerrors.Path(path, "cannot resolve path")
	}
	root := o.root
	if root == "" {
		if root, err = os.Getwd(); err != nil {
			return "", false, fwerrors.IO("resolving working directory", err)
		}
	}
	rootResolved, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", false, fwerrors.Path(root, "allowed root does not exist")
	}
	target, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if os.IsNotExist(err) {
			// The file is not there yet; judge the path by its parent
			// so symlinked temp directories still resolve correctly.
			probe := filepath.Clean(abs)
			if dirResolved, derr := filepath.EvalSymlinks(filepath.Dir(abs)); derr == nil {
				probe = filepath.Join(dirResolved, filepath.Base(abs))
			}
			if !within(rootResolved, probe) {
				return "", false, fwerrors.Path(path, fmt.Sprintf("target escapes allowed root %s", rootResolved))
			}
			return probe, false, nil
		}
		return "", false, fwerrors.Path(path, "cannot resolve path")
	}
	fi, err := os.Stat(target)
	if err != nil {
		return "", false, fwerrors.IO("inspecting data file", err).WithPath(path)
	}
	if fi.IsDir() {
		return "", false, fwerrors.Path(path, "target is a directory")
	}
	if !within(rootResolved, target) {
		return "", false, fwerrors.Path(path, fmt.Sprintf("target escapes allowed root %s", rootResolved))
	}
	return target, true, nil
}

// resolveTarget validates path against the allowed root before any file
// is touched, following symlinks, and returns the directory and base
// name to write under.
func resolveTarget(path, root string) (dir, base string, err error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", "", fwerrors.Path(path, "cannot resolve path")
	}
	if root == "" {
		if root, err = os.Getwd(); err != nil {
			return "", "", fwerrors.IO("resolving working directory", err)
		}
	}
	rootResolved, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", "", fwerrors.Path(root, "allowed root does not exist")
	}

	dir = filepath.Dir(abs)
	base = filepath.Base(abs)
	dirResolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", "", fwerrors.Path(path, "parent directory does not exist")
		}
		return "", "", fwerrors.Path(path, "cannot resolve parent directory")
	}
	fi, err := os.Stat(dirResolved)
	if err != nil || !fi.IsDir() {
		return "", "", fwerrors.Path(path, "parent is not a directory")
	}

	// The target itself may be a symlink; judge what it points at.
	target := filepath.Join(dirResolved, base)
	if resolved, err := filepath.EvalSymlinks(target); err == nil {
		target = resolved
		if fi, err := os.Stat(target); err == nil && fi.IsDir() {
			return "", "", fwerrors.Path(path, "target is a directory")
		}
	}

	if !within(rootResolved, target) {
		return "", "", fwerrors.Path(path, fmt.Sprintf("target escapes allowed root %s", rootResolved))
	}
	return dirResolved, base, nil
}

// within reports whether target is root or inside it.
func within(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// removeStaleTemps deletes leftovers from writers that crashed before
// their rename. Best effort; a failure here never blocks the write.
func removeStaleTemps(dir, base string) {
	matches, err := filepath.Glob(filepath.Join(dir, "."+base+".*.tmp"))
	if err != nil {
		return
	}
	for _, m := range matches {
		_ = os.Remove(m)
	}
}
