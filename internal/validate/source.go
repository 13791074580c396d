package validate

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/gobwas/glob"
	"github.com/spf13/afero"
)

// maxSourceBytes skips files too large to be hand-written source.
const maxSourceBytes = 2 << 20

// skippedDirectories are never scanned for source artifacts.
var skippedDirectories = map[string]bool{
	".git":         true,
	".ticketflow":  true,
	"node_modules": true,
	"vendor":       true,
	"__pycache__":  true,
	".venv":        true,
	"venv":         true,
	"build":        true,
	"dist":         true,
	".next":        true,
	"target":       true,
}

// sourceFile is a scanned file; Path is relative to the project root.
type sourceFile struct {
	Path    string
	Content string
}

// collectSources walks root and returns files whose root-relative path
// matches any pattern. No patterns means every file. Results are sorted by
// path.
func collectSources(fsys afero.Fs, root string, patterns []string) ([]sourceFile, error) {
	globs := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid file pattern %q: %w", p, err)
		}
		globs = append(globs, g)
	}

	var files []sourceFile
	err := afero.Walk(fsys, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if path != root && skippedDirectories[info.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if info.Size() > maxSourceBytes {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !matchAny(globs, rel) {
			return nil
		}
		data, err := afero.ReadFile(fsys, path)
		if err != nil {
			return err
		}
		files = append(files, sourceFile{Path: rel, Content: string(data)})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

func matchAny(globs []glob.Glob, path string) bool {
	if len(globs) == 0 {
		return true
	}
	for _, g := range globs {
		if g.Match(path) {
			return true
		}
	}
	return false
}
