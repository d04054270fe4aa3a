package localfs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

var (
	ErrNoMatch        = errors.New("pattern matched no files")
	ErrIsDirectory    = errors.New("is a directory (use --recursive)")
	ErrNotRegularFile = errors.New("not a regular file")
)

// Options configures Collect.
type Options struct {
	// Recursive descends into directory arguments.
	Recursive bool

	// IncludeHidden keeps dot files and dot directories found while walking
	// or globbing. Hidden files named explicitly are always kept.
	IncludeHidden bool
}

// Candidate is a local file selected for upload.
type Candidate struct {
	Path string // Path on disk
	Key  string // Slash-separated object name
	Size int64
}

// Collect expands args in order. A plain file uploads under its base name;
// a glob expands to its matches; a directory (with Recursive) uploads every
// file beneath it keyed by the directory's base name plus the relative path.
func Collect(args []string, opts Options) ([]Candidate, error) {
	var out []Candidate
	for _, arg := range args {
		got, err := collectArg(arg, opts)
		if err != nil {
			return nil, err
		}
		out = append(out, got...)
	}
	return out, nil
}

func collectArg(arg string, opts Options) ([]Candidate, error) {
	if !hasMeta(arg) {
		return collectPath(arg, opts, true)
	}

	matches, err := filepath.Glob(arg)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", arg, err)
	}

	var out []Candidate
	for _, m := range matches {
		if !opts.IncludeHidden && IsHidden(m) {
			continue
		}
		got, err := collectPath(m, opts, false)
		if err != nil {
			return nil, err
		}
		out = append(out, got...)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s: %w", arg, ErrNoMatch)
	}
	return out, nil
}

// collectPath handles one concrete path. explicit is false for glob
// matches, where directories are skipped unless Recursive is set.
func collectPath(p string, opts Options, explicit bool) ([]Candidate, error) {
	info, err := os.Stat(p)
	if err != nil {
		return nil, err
	}

	switch {
	case info.Mode().IsRegular():
		return []Candidate{{Path: p, Key: filepath.Base(p), Size: info.Size()}}, nil
	case info.IsDir():
		if !opts.Recursive {
			if explicit {
				return nil, fmt.Errorf("%s: %w", p, ErrIsDirectory)
			}
			return nil, nil
		}
		return walkDir(p, opts)
	default:
		return nil, fmt.Errorf("%s: %w", p, ErrNotRegularFile)
	}
}

func walkDir(root string, opts Options) ([]Candidate, error) {
	base := filepath.Base(filepath.Clean(root))
	var out []Candidate

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p != root && !opts.IncludeHidden && IsHiddenName(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		out = append(out, Candidate{
			Path: p,
			Key:  path.Join(base, filepath.ToSlash(rel)),
			Size: info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", root, err)
	}
	return out, nil
}

func hasMeta(p string) bool {
	return strings.ContainsAny(p, `*?[`)
}
