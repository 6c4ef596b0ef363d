// Package pathpolicy decides whether a filesystem path lies inside one of a
// fixed set of allowed directories.
package pathpolicy

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// Policy is an ordered list of allowed directories. It is immutable and safe
// for concurrent use.
type Policy struct {
	dirs []string
}

// New returns a Policy over dirs. Relative dirs are resolved against the
// process working directory at check time.
func New(dirs []string) *Policy {
	cp := make([]string, len(dirs))
	copy(cp, dirs)
	return &Policy{dirs: cp}
}

// Dirs returns the allowed directories in configuration order.
func (p *Policy) Dirs() []string {
	cp := make([]string, len(p.dirs))
	copy(cp, p.dirs)
	return cp
}

// Names returns the base name of each allowed directory, e.g. "temp".
func (p *Policy) Names() []string {
	names := make([]string, len(p.dirs))
	for i, d := range p.dirs {
		names[i] = filepath.Base(filepath.Clean(d))
	}
	return names
}

// Check reports whether candidate is inside an allowed directory and, if so,
// which one.
func (p *Policy) Check(candidate string) (string, bool) {
	target, err := Canonical(candidate)
	if err != nil {
		return "", false
	}
	for _, d := range p.dirs {
		root, err := Canonical(d)
		if err != nil {
			continue
		}
		if within(root, target) {
			return d, true
		}
	}
	return "", false
}

// IsAllowed reports whether candidate equals or descends from one of allowed.
func IsAllowed(candidate string, allowed []string) bool {
	_, ok := New(allowed).Check(candidate)
	return ok
}

// Canonical returns the absolute form of path with symlinks resolved the
// way the kernel resolves them: each existing prefix is resolved before the
// next ".." applies. From the first component that does not exist yet, the
// rest is collapsed lexically onto the resolved prefix.
func Canonical(path string) (string, error) {
	if !filepath.IsAbs(path) {
		wd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		path = wd + string(filepath.Separator) + path
	}

	vol := filepath.VolumeName(path)
	cur := vol + string(filepath.Separator)
	missing := false
	for _, part := range strings.FieldsFunc(path[len(vol):], isSeparator) {
		switch {
		case part == ".":
			continue
		case part == "..":
			// cur is already resolved, so its parent is the real parent.
			cur = filepath.Dir(cur)
			continue
		case missing:
			cur = filepath.Join(cur, part)
			continue
		}

		next := filepath.Join(cur, part)
		resolved, err := filepath.EvalSymlinks(next)
		switch {
		case err == nil:
			cur = resolved
		case errors.Is(err, fs.ErrNotExist) || isNotDir(err):
			missing = true
			cur = next
		default:
			return "", err
		}
	}
	return cur, nil
}

func isSeparator(r rune) bool {
	return r == '/' || r == filepath.Separator
}

func within(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

func isNotDir(err error) bool {
	return errors.Is(err, syscall.ENOTDIR)
}
