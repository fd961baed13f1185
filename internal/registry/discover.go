package registry

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"

	"servidor/internal/method"
)

// Discover scans root/<category>/<file> for method executables.
//
// Hidden and underscore-prefixed entries are skipped. Files directly under
// root belong to no category. Unreadable category directories are skipped;
// only an unreadable root is an error.
func Discover(root string, exts []string) ([]Executable, error) {
	if len(exts) == 0 {
		exts = method.DefaultExtensions
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, errors.Wrapf(err, "read methods root %s", root)
	}

	var out []Executable
	for _, e := range entries {
		name := e.Name()
		if skipEntry(name) {
			continue
		}
		full := filepath.Join(root, name)
		if !e.IsDir() {
			if isExecutable(e, exts) {
				out = append(out, Executable{Path: full})
			}
			continue
		}

		files, err := os.ReadDir(full)
		if err != nil {
			continue
		}
		for _, f := range files {
			if skipEntry(f.Name()) || f.IsDir() || !isExecutable(f, exts) {
				continue
			}
			out = append(out, Executable{Category: name, Path: filepath.Join(full, f.Name())})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func skipEntry(name string) bool {
	return name == "" || strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") || strings.HasPrefix(name, "~")
}

func isExecutable(e os.DirEntry, exts []string) bool {
	if !e.Type().IsRegular() && e.Type()&os.ModeSymlink == 0 {
		return false
	}
	return method.HasKnownExtension(e.Name(), exts)
}
