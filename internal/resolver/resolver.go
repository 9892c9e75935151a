// Package resolver validates untrusted relative paths against a fixed set of
// permitted root directories and reads the files they name.
//
// Validation happens in two stages. A cheap textual check rejects input that
// does not start with one of the configured root paths. The path is then
// canonicalised (".", ".." and symlinks resolved) and the canonical result must
// lie inside the canonical location of a permitted root. Only the second
// stage is a security boundary; the first exists to turn away junk early.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	mfs "github.com/CageChen/htscan/internal/fs"
)

// Rejection reasons. Their messages are safe to show to callers: they never
// carry filesystem paths or OS error text.
var (
	ErrMalformed    = errors.New("invalid path")
	ErrNotFound     = errors.New("file does not exist")
	ErrOutsideRoots = errors.New("path outside permitted directories")
)

var (
	// ErrRootNotFound reports a configured root that does not exist or is not
	// a directory. It is a configuration error.
	ErrRootNotFound = errors.New("permitted root does not exist")

	// ErrReadFailed wraps failures reading a validated path.
	ErrReadFailed = errors.New("error reading file")
)

// IsRejection reports whether err is one of the validation rejections.
func IsRejection(err error) bool {
	return errors.Is(err, ErrMalformed) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrOutsideRoots)
}

// Root is a permitted root directory.
type Root struct {
	// Name is the install-relative path, used for the textual pre-check.
	Name string
	// Path is the canonical absolute location.
	Path string

	// dir is the uncanonicalised install-root join of Name.
	dir string
	fs  mfs.FileSystem
}

// ValidatedPath is a canonical path proven to lie inside Root.
type ValidatedPath struct {
	Path string
	Root string
	Rel  string
}

// Resolver validates paths relative to an installation root. It is immutable
// after New and safe for concurrent use.
type Resolver struct {
	installRoot string
	roots       []Root
	maxFileSize int64
}

// New canonicalises installRoot and every root name below it. A root that
// cannot be resolved to a directory yields ErrRootNotFound. maxFileSize caps
// Read; zero disables the cap.
func New(installRoot string, names []string, maxFileSize int64) (*Resolver, error) {
	install, err := canonical(installRoot)
	if err != nil {
		return nil, fmt.Errorf("%w: install root: %v", ErrRootNotFound, err)
	}

	r := &Resolver{installRoot: install, maxFileSize: maxFileSize}
	for _, name := range names {
		name = filepath.ToSlash(filepath.Clean(name))
		resolved, err := canonical(filepath.Join(install, filepath.FromSlash(name)))
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrRootNotFound, name, err)
		}
		info, err := os.Stat(resolved)
		if err != nil || !info.IsDir() {
			return nil, fmt.Errorf("%w: %s is not a directory", ErrRootNotFound, name)
		}
		r.roots = append(r.roots, Root{
			Name: name,
			Path: resolved,
			dir:  filepath.Join(install, filepath.FromSlash(name)),
			fs:   mfs.NewRootFS(resolved),
		})
	}
	if len(r.roots) == 0 {
		return nil, fmt.Errorf("%w: no roots configured", ErrRootNotFound)
	}
	return r, nil
}

func canonical(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}

// InstallRoot returns the canonical installation root.
func (r *Resolver) InstallRoot() string {
	return r.installRoot
}

// Roots returns the canonical permitted roots.
func (r *Resolver) Roots() []Root {
	out := make([]Root, len(r.roots))
	copy(out, r.roots)
	return out
}

// Resolve validates an untrusted path relative to the installation root.
func (r *Resolver) Resolve(relative string) (ValidatedPath, error) {
	if !r.hasAllowedPrefix(relative) {
		return ValidatedPath{}, ErrMalformed
	}

	// Plain concatenation, not filepath.Join: Join would collapse ".."
	// lexically before symlinks are seen, while EvalSymlinks resolves each
	// component against the real filesystem.
	joined := r.installRoot + string(filepath.Separator) + filepath.FromSlash(relative)
	resolved, err := filepath.EvalSymlinks(joined)
	if err != nil {
		// A missing target that lexically escapes every root is still an
		// escape attempt.
		if !r.lexicallyInside(filepath.Clean(joined)) {
			return ValidatedPath{}, ErrOutsideRoots
		}
		return ValidatedPath{}, ErrNotFound
	}
	resolved, err = filepath.Abs(resolved)
	if err != nil {
		return ValidatedPath{}, ErrNotFound
	}

	root, ok := r.containing(resolved)
	if !ok {
		return ValidatedPath{}, ErrOutsideRoots
	}
	rel, err := filepath.Rel(root.Path, resolved)
	if err != nil {
		return ValidatedPath{}, ErrOutsideRoots
	}
	return ValidatedPath{Path: resolved, Root: root.Path, Rel: filepath.ToSlash(rel)}, nil
}

// hasAllowedPrefix is the textual pre-check on the raw input.
func (r *Resolver) hasAllowedPrefix(relative string) bool {
	if relative == "" || strings.ContainsRune(relative, 0) {
		return false
	}
	for _, root := range r.roots {
		if strings.HasPrefix(relative, root.Name) {
			return true
		}
	}
	return false
}

// lexicallyInside reports whether a cleaned, unresolved path lies inside the
// install-relative location of any root.
func (r *Resolver) lexicallyInside(path string) bool {
	for _, root := range r.roots {
		if within(root.dir, path) {
			return true
		}
	}
	return false
}

// containing returns the most specific root that contains path.
func (r *Resolver) containing(path string) (Root, bool) {
	var best Root
	found := false
	for _, root := range r.roots {
		if !within(root.Path, path) {
			continue
		}
		if !found || len(root.Path) > len(best.Path) {
			best, found = root, true
		}
	}
	return best, found
}

func within(root, path string) bool {
	if path == root {
		return true
	}
	return strings.HasPrefix(path, strings.TrimSuffix(root, string(filepath.Separator))+string(filepath.Separator))
}

// Read returns the contents of a validated path. The read goes through an
// os.Root bound to the validated root, so a symlink swapped in after Resolve
// still cannot lead outside it. Empty files return an empty slice and no error.
func (r *Resolver) Read(ctx context.Context, vp ValidatedPath) ([]byte, error) {
	var fsys mfs.FileSystem
	for _, root := range r.roots {
		if root.Path == vp.Root {
			fsys = root.fs
			break
		}
	}
	if fsys == nil || !within(vp.Root, vp.Path) {
		return nil, ErrOutsideRoots
	}

	content, err := fsys.ReadFile(ctx, vp.Rel, r.maxFileSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReadFailed, err)
	}
	return content, nil
}
