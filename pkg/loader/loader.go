// Package loader lists the images that make up a dataset.
package loader

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/perbu/photosearch/pkg/photosearch"
)

// DefaultPatterns is used when no extension list is configured.
var DefaultPatterns = []string{"*.jpg", "*.jpeg", "*.png"}

// MatchFS returns the names in the top level of fsys that match any of the
// glob patterns. Names are grouped by pattern in the given order, sorted
// within each pattern, and reported once even if several patterns match.
func MatchFS(fsys fs.FS, patterns []string) ([]string, error) {
	if len(patterns) == 0 {
		patterns = DefaultPatterns
	}

	seen := make(map[string]bool)
	var names []string
	for _, pattern := range patterns {
		if path.Base(pattern) != pattern {
			return nil, fmt.Errorf("pattern %q must not contain a directory", pattern)
		}
		matches, err := fs.Glob(fsys, pattern)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", pattern, err)
		}
		for _, name := range matches {
			if seen[name] {
				continue
			}
			info, err := fs.Stat(fsys, name)
			if err != nil {
				return nil, fmt.Errorf("stat %s: %w", name, err)
			}
			// Skip directories
			if info.IsDir() {
				continue
			}
			seen[name] = true
			names = append(names, name)
		}
	}
	return names, nil
}

// resolve returns the absolute path of p with symlinks evaluated.
func resolve(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", p, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", p, err)
	}
	return resolved, nil
}

// ListItems lists the images directly under root. Each item's id is its
// absolute path with symlinks resolved, so ids stay stable across runs
// started from different working directories or through different links.
func ListItems(root string, patterns []string) ([]photosearch.Item, error) {
	abs, err := resolve(root)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, errors.New(abs + " is not a directory")
	}

	names, err := MatchFS(os.DirFS(abs), patterns)
	if err != nil {
		return nil, err
	}

	items := make([]photosearch.Item, len(names))
	for i, name := range names {
		p := filepath.Join(abs, filepath.FromSlash(name))
		items[i] = photosearch.Item{ID: p, Path: p}
	}
	return items, nil
}

// ItemFromPath builds the item for a single image given on the command line.
func ItemFromPath(p string) (photosearch.Item, error) {
	abs, err := resolve(p)
	if err != nil {
		return photosearch.Item{}, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return photosearch.Item{}, err
	}
	if info.IsDir() {
		return photosearch.Item{}, errors.New(abs + " is a directory")
	}
	return photosearch.Item{ID: abs, Path: abs}, nil
}
