package common

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// MakeDirs creates every slash separated path under root.
func MakeDirs(root string, paths ...string) error {
	for _, path := range paths {
		if err := os.MkdirAll(filepath.Join(root, filepath.FromSlash(path)), os.ModePerm); err != nil {
			return err
		}
	}

	return nil
}

// ListDirs returns the slash separated paths of every directory below root, sorted.
func ListDirs(root string) ([]string, error) {
	dirs := make([]string, 0)

	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !entry.IsDir() || path == root {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		dirs = append(dirs, filepath.ToSlash(rel))

		return nil
	})

	sort.Strings(dirs)

	return dirs, err
}

// DirsUnder keeps the entries of dirs below prefix, with prefix stripped.
func DirsUnder(dirs []string, prefix string) []string {
	prefix = strings.TrimSuffix(prefix, "/") + "/"
	result := make([]string, 0)

	for _, dir := range dirs {
		if rest, found := strings.CutPrefix(dir, prefix); found {
			result = append(result, rest)
		}
	}

	return result
}
