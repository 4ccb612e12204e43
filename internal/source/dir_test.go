package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/policyatlas/metabatch/internal/engine"
)

func writeFile(t *testing.T, root string, rel string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte("content"), 0o640))
}

func collect(t *testing.T, s engine.Source) []engine.Task {
	t.Helper()
	var tasks []engine.Task
	require.NoError(t, s.Walk(context.Background(), func(task engine.Task) error {
		tasks = append(tasks, task)
		return nil
	}))
	return tasks
}

func TestDirSourceWalksMatchingFiles(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, root, "a.pdf")
	writeFile(t, root, "notes.txt")
	writeFile(t, root, "sub/b.PDF")
	writeFile(t, root, "sub/deep/c.pdf")

	src, err := NewDirSource(root, nil)
	require.NoError(t, err)

	tasks := collect(t, src)
	ids := make([]string, len(tasks))
	for i, task := range tasks {
		ids[i] = task.ID
	}
	require.Equal(t, []string{"a.pdf", "sub/b.PDF", "sub/deep/c.pdf"}, ids)

	for _, task := range tasks {
		require.FileExists(t, task.Path)
	}
}

func TestDirSourceCustomExtensions(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, root, "a.pdf")
	writeFile(t, root, "b.docx")

	src, err := NewDirSource(root, []string{"docx"})
	require.NoError(t, err)

	tasks := collect(t, src)
	require.Len(t, tasks, 1)
	require.Equal(t, "b.docx", tasks[0].ID)
}

func TestDirSourceRejectsMissingRoot(t *testing.T) {
	t.Parallel()

	_, err := NewDirSource(filepath.Join(t.TempDir(), "nope"), nil)
	require.Error(t, err)
}

func TestDirSourceRejectsFileRoot(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, root, "a.pdf")
	_, err := NewDirSource(filepath.Join(root, "a.pdf"), nil)
	require.Error(t, err)
}

func TestDirSourceStopsOnCallbackError(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, root, "a.pdf")
	writeFile(t, root, "b.pdf")

	src, err := NewDirSource(root, nil)
	require.NoError(t, err)

	calls := 0
	err = src.Walk(context.Background(), func(engine.Task) error {
		calls++
		return os.ErrClosed
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestStaticSourceSortsByID(t *testing.T) {
	t.Parallel()

	src := &StaticSource{Tasks: []engine.Task{{ID: "c"}, {ID: "a"}, {ID: "b"}}}
	tasks := collect(t, src)
	require.Equal(t, "a", tasks[0].ID)
	require.Equal(t, "b", tasks[1].ID)
	require.Equal(t, "c", tasks[2].ID)
}
