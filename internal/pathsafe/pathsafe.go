package pathsafe

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
)

var (
	// ErrOutsideRoots is returned when a path resolves outside every allowed root.
	ErrOutsideRoots = errors.New("path resolves outside allowed output roots")
	// ErrUnsafeSegment is returned when an intermediate path segment is a symlink
	// or not a directory.
	ErrUnsafeSegment = errors.New("unsafe path segment")
	// ErrUnsafeTarget is returned when the target exists but is a symlink or not
	// a regular file.
	ErrUnsafeTarget = errors.New("unsafe target file")
)

// Resolver confines caller-supplied output paths to a fixed set of allowed
// root directories. All checks re-verify against the symlink-free real path so
// a directory swapped for a symlink mid-resolution cannot escape containment.
type Resolver struct {
	roots   []string
	scratch string
}

// New builds a Resolver. roots and scratch may use '~' notation; scratch is
// also implicitly allowed. Roots are normalized to absolute cleaned paths.
func New(roots []string, scratch string) (*Resolver, error) {
	sc, err := expandAbs(scratch)
	if err != nil {
		return nil, fmt.Errorf("scratch root: %w", err)
	}
	all := make([]string, 0, len(roots)+1)
	for _, r := range roots {
		a, err := expandAbs(r)
		if err != nil {
			return nil, fmt.Errorf("allowed root %q: %w", r, err)
		}
		all = append(all, a)
	}
	if !containsRoot(all, sc) {
		all = append(all, sc)
	}
	return &Resolver{roots: all, scratch: sc}, nil
}

// Resolve turns raw into an absolute path guaranteed to lie within one allowed
// root, creating missing intermediate directories. Empty input yields a
// timestamped default file under the scratch root.
func (r *Resolver) Resolve(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = filepath.Join(r.scratch, fmt.Sprintf("speech_%s.mp3", time.Now().Format("20060102_150405.000")))
	}
	target, err := expandAbs(raw)
	if err != nil {
		return "", err
	}
	root, ok := r.containingRoot(target)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoots, target)
	}

	if err := r.ensureParent(root, target); err != nil {
		return "", err
	}

	// The parent now exists; resolve its real path and re-verify containment.
	// This catches a directory replaced by a symlink between the segment walk
	// and now.
	parent := filepath.Dir(target)
	realParent, err := filepath.EvalSymlinks(parent)
	if err != nil {
		return "", fmt.Errorf("resolve real parent: %w", err)
	}
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", fmt.Errorf("resolve real root: %w", err)
	}
	if !within(realRoot, realParent) {
		return "", fmt.Errorf("%w: real path %s escapes %s", ErrOutsideRoots, realParent, root)
	}

	// If the target already exists it must be a plain regular file.
	if fi, err := os.Lstat(target); err == nil {
		if fi.Mode()&os.ModeSymlink != 0 {
			return "", fmt.Errorf("%w: %s is a symlink", ErrUnsafeTarget, target)
		}
		if !fi.Mode().IsRegular() {
			return "", fmt.Errorf("%w: %s is not a regular file", ErrUnsafeTarget, target)
		}
	} else if !os.IsNotExist(err) {
		return "", err
	}

	return filepath.Join(realParent, filepath.Base(target)), nil
}

// Scratch returns the default scratch root.
func (r *Resolver) Scratch() string { return r.scratch }

// ensureParent walks the segments between root and the target's parent,
// rejecting any existing segment that is a symlink or non-directory and
// creating the missing tail.
func (r *Resolver) ensureParent(root, target string) error {
	parent := filepath.Dir(target)
	rel, err := filepath.Rel(root, parent)
	if err != nil {
		return err
	}
	cur := root
	if rel != "." {
		for _, seg := range strings.Split(rel, string(filepath.Separator)) {
			cur = filepath.Join(cur, seg)
			fi, err := os.Lstat(cur)
			if os.IsNotExist(err) {
				if err := os.Mkdir(cur, 0o750); err != nil && !os.IsExist(err) {
					return fmt.Errorf("create %s: %w", cur, err)
				}
				continue
			}
			if err != nil {
				return err
			}
			if fi.Mode()&os.ModeSymlink != 0 {
				return fmt.Errorf("%w: %s is a symlink", ErrUnsafeSegment, cur)
			}
			if !fi.IsDir() {
				return fmt.Errorf("%w: %s is not a directory", ErrUnsafeSegment, cur)
			}
		}
	}
	return nil
}

func (r *Resolver) containingRoot(target string) (string, bool) {
	for _, root := range r.roots {
		if within(root, target) {
			return root, true
		}
	}
	return "", false
}

func containsRoot(roots []string, p string) bool {
	for _, r := range roots {
		if r == p {
			return true
		}
	}
	return false
}

func within(root, p string) bool {
	if p == root {
		return true
	}
	return strings.HasPrefix(p, root+string(filepath.Separator))
}

func expandAbs(p string) (string, error) {
	expanded, err := homedir.Expand(p)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", err
	}
	return filepath.Clean(abs), nil
}
