// Package discovery walks a project tree and selects the files the
// scanners will look at.
package discovery

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"

	"github.com/pipewright/pipewright/internal/logger"
)

// Options controls a discovery walk. Patterns use glob syntax with '/'
// as the separator; ** crosses directories. An empty include list
// selects everything. MaxDepth counts path segments below the root;
// zero means unlimited.
type Options struct {
	Root            string
	IncludePatterns []string
	ExcludePatterns []string
	MaxDepth        int
}

// Discover returns the project-relative, slash-separated paths of every
// regular file under opts.Root that passes the include/exclude patterns
// and the depth limit. Results follow lexical walk order.
func Discover(opts Options) ([]string, error) {
	includes, err := compile(opts.IncludePatterns)
	if err != nil {
		return nil, fmt.Errorf("invalid include pattern: %w", err)
	}
	excludes, err := compile(opts.ExcludePatterns)
	if err != nil {
		return nil, fmt.Errorf("invalid exclude pattern: %w", err)
	}

	log := logger.New("discovery")
	files := make([]string, 0)

	err = filepath.WalkDir(opts.Root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			// Unreadable entries are skipped, not fatal.
			log.Warn("skipping unreadable entry", logger.String("path", path), logger.Error(walkErr))
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		rel, err := filepath.Rel(opts.Root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}

		if d.IsDir() {
			if opts.MaxDepth > 0 && depth(rel) >= opts.MaxDepth {
				return filepath.SkipDir
			}
			// Matching the directory path with a trailing slash lets
			// patterns like **/node_modules/** prune whole subtrees.
			if matchAny(excludes, rel+"/") {
				return filepath.SkipDir
			}
			return nil
		}

		if !d.Type().IsRegular() {
			return nil
		}
		if opts.MaxDepth > 0 && depth(rel) > opts.MaxDepth {
			return nil
		}
		if matchAny(excludes, rel) {
			return nil
		}
		if len(includes) > 0 && !matchAny(includes, rel) {
			return nil
		}

		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", opts.Root, err)
	}
	return files, nil
}

func compile(patterns []string) ([]glob.Glob, error) {
	globs := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("%q: %w", p, err)
		}
		globs = append(globs, g)
	}
	return globs, nil
}

func matchAny(globs []glob.Glob, path string) bool {
	for _, g := range globs {
		if g.Match(path) {
			return true
		}
	}
	return false
}

func depth(rel string) int {
	return strings.Count(rel, "/") + 1
}
