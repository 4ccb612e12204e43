// Package source enumerates work items from the corpus directory.
package source

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/policyatlas/metabatch/internal/engine"
)

// DirSource streams documents under a root directory. Ids are paths relative
// to the root, so they stay stable across machines and reruns. The walk is
// incremental; the corpus is never materialized in memory.
type DirSource struct {
	root       string
	extensions map[string]bool
}

// NewDirSource validates root and builds a source matching the given file
// extensions (default ".pdf").
func NewDirSource(root string, extensions []string) (*DirSource, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat docs dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("docs path %s is not a directory", root)
	}
	if len(extensions) == 0 {
		extensions = []string{".pdf"}
	}
	extSet := make(map[string]bool, len(extensions))
	for _, e := range extensions {
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		extSet[strings.ToLower(e)] = true
	}
	return &DirSource{root: root, extensions: extSet}, nil
}

// Walk implements engine.Source. Files arrive in lexical order (WalkDir
// sorts each directory), which keeps re-enumeration deterministic.
func (s *DirSource) Walk(ctx context.Context, fn func(engine.Task) error) error {
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		if !s.extensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		rel, relErr := filepath.Rel(s.root, path)
		if relErr != nil {
			return fmt.Errorf("relativize %s: %w", path, relErr)
		}
		return fn(engine.Task{ID: filepath.ToSlash(rel), Path: path})
	})
	if err != nil {
		return fmt.Errorf("walk %s: %w", s.root, err)
	}
	return nil
}

// StaticSource serves a fixed task list; used by tests and dry runs.
type StaticSource struct {
	Tasks []engine.Task
}

// Walk implements engine.Source.
func (s *StaticSource) Walk(ctx context.Context, fn func(engine.Task) error) error {
	tasks := make([]engine.Task, len(s.Tasks))
	copy(tasks, s.Tasks)
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	for _, t := range tasks {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := fn(t); err != nil {
			return err
		}
	}
	return nil
}
