// Package localfs turns command-line arguments (files, globs and directories)
// into the set of local files a batch will upload.
package localfs

import (
	"path/filepath"
	"strings"
)

// IsHidden reports whether the base name of path is a dot file.
func IsHidden(path string) bool {
	return IsHiddenName(filepath.Base(path))
}

// IsHiddenName reports whether name starts with a dot.
// "." and ".." are not hidden.
func IsHiddenName(name string) bool {
	if name == "." || name == ".." {
		return false
	}
	return strings.HasPrefix(name, ".")
}
