// Package scanner walks directory trees and collects files whose names end
// with a given suffix.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var (
	// ErrRootNotFound is returned when the directory to scan does not exist.
	ErrRootNotFound = errors.New("scan root does not exist")

	// ErrNotDirectory is returned when the scan root is not a directory.
	ErrNotDirectory = errors.New("scan root is not a directory")
)

// Skip reasons recorded for subtrees or entries the walk could not cover.
const (
	ReasonPermissionDenied = "permission denied"
	ReasonUnreadable       = "unreadable directory"
	ReasonMaxDepth         = "maximum depth exceeded"
	ReasonCycle            = "filesystem cycle"
	ReasonBrokenSymlink    = "broken symlink"
	ReasonStatFailed       = "cannot stat file"
	ReasonSymlinkOutside   = "symlink outside root"
)

// Options configures a Scanner.
type Options struct {
	// MaxDepth bounds how many directory levels below the root are entered.
	// Zero means unbounded.
	MaxDepth int
	// FollowSymlinks descends into symlinked directories, with cycle detection.
	FollowSymlinks bool
	// Exclude holds glob patterns matched against entry names.
	Exclude []string
	// Prefixes are absolute directories stripped from match paths to build
	// display paths. The longest matching prefix wins; the scan root is
	// used when no prefix contains it.
	Prefixes []string
}

// Match is a file whose name ends with the scanned suffix.
type Match struct {
	Path        string `json:"-"`
	DisplayPath string `json:"displayPath"`
	Size        int64  `json:"size"`
	Empty       bool   `json:"empty"`
}

// Skip records a directory or entry that was not scanned.
type Skip struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// Result holds the outcome of one scan.
type Result struct {
	Root    string  `json:"-"`
	Suffix  string  `json:"suffix"`
	Matches []Match `json:"matches"`
	Skipped []Skip  `json:"skipped"`
}

// Scanner walks directory trees. It holds only immutable options, so one
// Scanner may serve concurrent scans.
type Scanner struct {
	opts Options
}

// New creates a Scanner.
func New(opts Options) *Scanner {
	prefixes := make([]string, 0, len(opts.Prefixes))
	for _, p := range opts.Prefixes {
		prefixes = append(prefixes, filepath.Clean(p))
	}
	opts.Prefixes = prefixes
	return &Scanner{opts: opts}
}

// Scan walks root and returns every file whose name ends with suffix, sorted
// by display path. Unreadable subtrees are recorded in Result.Skipped and do
// not abort the scan; a missing root does.
func (s *Scanner) Scan(ctx context.Context, root, suffix string) (*Result, error) {
	root = filepath.Clean(root)
	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrRootNotFound, root)
		}
		return nil, fmt.Errorf("stat scan root %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotDirectory, root)
	}

	w := &walk{
		s:        s,
		root:     root,
		suffix:   suffix,
		prefixes: s.displayPrefixes(root),
		bounds:   canonicalAll(append([]string{root}, s.opts.Prefixes...)),
		result: &Result{
			Root:    root,
			Suffix:  suffix,
			Matches: []Match{},
			Skipped: []Skip{},
		},
	}
	if err := w.dir(ctx, root, 0, []os.FileInfo{info}); err != nil {
		return nil, err
	}

	sort.Slice(w.result.Matches, func(i, j int) bool {
		a, b := w.result.Matches[i], w.result.Matches[j]
		if a.DisplayPath != b.DisplayPath {
			return a.DisplayPath < b.DisplayPath
		}
		return a.Path < b.Path
	})
	sort.Slice(w.result.Skipped, func(i, j int) bool {
		return w.result.Skipped[i].Path < w.result.Skipped[j].Path
	})
	return w.result, nil
}

// displayPrefixes returns the configured prefixes, plus the scan root when
// none of them contains it.
func (s *Scanner) displayPrefixes(root string) []string {
	for _, p := range s.opts.Prefixes {
		if within(p, root) {
			return s.opts.Prefixes
		}
	}
	return append([]string{root}, s.opts.Prefixes...)
}

func within(prefix, path string) bool {
	return path == prefix || strings.HasPrefix(path, strings.TrimSuffix(prefix, string(filepath.Separator))+string(filepath.Separator))
}

// walk carries the per-call state of one Scan.
type walk struct {
	s        *Scanner
	root     string
	suffix   string
	prefixes []string
	// bounds are the canonical scan root and prefixes; symlinks must resolve
	// inside one of them.
	bounds []string
	result   *Result
}

func (w *walk) skip(path, reason string) {
	w.result.Skipped = append(w.result.Skipped, Skip{
		Path:   DisplayPath(w.prefixes, path),
		Reason: reason,
	})
}

// dir scans one directory. ancestors holds the directory chain from the root
// down to and including path, used for cycle detection.
func (w *walk) dir(ctx context.Context, path string, depth int, ancestors []os.FileInfo) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsPermission(err) {
			w.skip(path, ReasonPermissionDenied)
		} else {
			w.skip(path, ReasonUnreadable)
		}
		// ReadDir may still return the entries it read before failing
		if len(entries) == 0 {
			return nil
		}
	}

	for _, entry := range entries {
		name := entry.Name()
		if w.excluded(name) {
			continue
		}
		child := filepath.Join(path, name)

		isDir := entry.IsDir()
		var info os.FileInfo
		if entry.Type()&os.ModeSymlink != 0 {
			info, err = os.Stat(child)
			if err != nil {
				if strings.HasSuffix(name, w.suffix) {
					w.skip(child, ReasonBrokenSymlink)
				}
				continue
			}
			isDir = info.IsDir()
			if isDir && !w.s.opts.FollowSymlinks {
				continue
			}
			if !isDir && !strings.HasSuffix(name, w.suffix) {
				continue
			}
			// Never report metadata of, or descend into, a target outside the roots.
			if !w.inBounds(child) {
				w.skip(child, ReasonSymlinkOutside)
				continue
			}
		}

		if isDir {
			if err := w.subdir(ctx, child, depth, ancestors, info); err != nil {
				return err
			}
			continue
		}

		if !strings.HasSuffix(name, w.suffix) {
			continue
		}
		if info == nil {
			info, err = entry.Info()
			if err != nil {
				w.skip(child, ReasonStatFailed)
				continue
			}
		}
		if !info.Mode().IsRegular() {
			continue
		}
		w.result.Matches = append(w.result.Matches, Match{
			Path:        child,
			DisplayPath: DisplayPath(w.prefixes, child),
			Size:        info.Size(),
			Empty:       info.Size() == 0,
		})
	}
	return nil
}

func (w *walk) subdir(ctx context.Context, path string, depth int, ancestors []os.FileInfo, info os.FileInfo) error {
	if w.s.opts.MaxDepth > 0 && depth+1 > w.s.opts.MaxDepth {
		w.skip(path, ReasonMaxDepth)
		return nil
	}

	if info == nil {
		var err error
		info, err = os.Stat(path)
		if err != nil {
			if os.IsPermission(err) {
				w.skip(path, ReasonPermissionDenied)
			} else {
				w.skip(path, ReasonUnreadable)
			}
			return nil
		}
	}
	for _, a := range ancestors {
		if os.SameFile(a, info) {
			w.skip(path, ReasonCycle)
			return nil
		}
	}

	chain := make([]os.FileInfo, len(ancestors), len(ancestors)+1)
	copy(chain, ancestors)
	return w.dir(ctx, path, depth+1, append(chain, info))
}

func (w *walk) inBounds(link string) bool {
	target, err := filepath.EvalSymlinks(link)
	if err != nil {
		return false
	}
	for _, b := range w.bounds {
		if within(b, target) {
			return true
		}
	}
	return false
}

// canonicalAll resolves symlinks in each path, keeping the cleaned path when
// it cannot be resolved.
func canonicalAll(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if c, err := filepath.EvalSymlinks(p); err == nil {
			p = c
		}
		out = append(out, filepath.Clean(p))
	}
	return out
}

func (w *walk) excluded(name string) bool {
	for _, pattern := range w.s.opts.Exclude {
		if matched, _ := filepath.Match(pattern, name); matched {
			return true
		}
	}
	return false
}

// DisplayPath strips the longest prefix in prefixes that contains path and
// returns the remainder with forward slashes and no leading separator. Paths
// outside every prefix are returned with only their base name.
func DisplayPath(prefixes []string, path string) string {
	path = filepath.Clean(path)
	best := ""
	for _, p := range prefixes {
		if len(p) <= len(best) {
			continue
		}
		if within(p, path) {
			best = p
		}
	}
	if best == "" {
		return filepath.Base(path)
	}
	rel, err := filepath.Rel(best, path)
	if err != nil {
		return filepath.Base(path)
	}
	if rel == "." {
		return filepath.ToSlash(filepath.Base(path))
	}
	return filepath.ToSlash(rel)
}
