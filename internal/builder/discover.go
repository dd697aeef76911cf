package builder

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/qobs-build/hashbuild/internal/msg"
)

// Discover walks roots and returns every file ending in ext as a sorted,
// deduplicated list of absolute paths. Missing roots contribute nothing.
func Discover(roots []string, ext string) ([]string, error) {
	pattern := "**/*" + ext
	seen := make(map[string]struct{})
	var files []string

	for _, root := range roots {
		absRoot, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("while resolving source root %s: %w", root, err)
		}
		if info, err := os.Stat(absRoot); errors.Is(err, fs.ErrNotExist) || (err == nil && !info.IsDir()) {
			msg.Log.Debug("source root is not a directory", "root", absRoot)
			continue
		} else if err != nil {
			return nil, err
		}

		matches, err := doublestar.Glob(os.DirFS(absRoot), pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("while globbing %s: %w", absRoot, err)
		}
		for _, match := range matches {
			path := filepath.Join(absRoot, filepath.FromSlash(match))
			if _, dup := seen[path]; dup {
				continue
			}
			seen[path] = struct{}{}
			files = append(files, path)
		}
	}

	slices.Sort(files)
	return files, nil
}
