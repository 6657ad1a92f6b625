package discovery

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return root
}

func TestDiscoverAll(t *testing.T) {
	root := writeTree(t, map[string]string{
		"app.py":          "print('hi')",
		"src/util.py":     "x = 1",
		"src/web/view.js": "export {}",
	})

	files, err := Discover(Options{Root: root})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"app.py", "src/util.py", "src/web/view.js"}, files)
}

func TestDiscoverIncludePatterns(t *testing.T) {
	root := writeTree(t, map[string]string{
		"app.py":      "",
		"readme.md":   "",
		"src/util.py": "",
		"src/view.js": "",
	})

	files, err := Discover(Options{Root: root, IncludePatterns: []string{"**.py"}})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"app.py", "src/util.py"}, files)
}

func TestDiscoverExcludePatterns(t *testing.T) {
	root := writeTree(t, map[string]string{
		"app.py":                    "",
		"node_modules/lib/index.js": "",
		"src/__pycache__/a.pyc":     "",
		"src/util.py":               "",
	})

	files, err := Discover(Options{
		Root:            root,
		ExcludePatterns: []string{"**/node_modules/**", "node_modules/**", "**/__pycache__/**"},
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"app.py", "src/util.py"}, files)
}

func TestDiscoverMaxDepth(t *testing.T) {
	root := writeTree(t, map[string]string{
		"top.py":          "",
		"a/mid.py":        "",
		"a/b/deep.py":     "",
		"a/b/c/deeper.py": "",
	})

	files, err := Discover(Options{Root: root, MaxDepth: 2})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"top.py", "a/mid.py"}, files)
}

func TestDiscoverInvalidPattern(t *testing.T) {
	_, err := Discover(Options{Root: t.TempDir(), IncludePatterns: []string{"[unclosed"}})
	assert.Error(t, err)
}

func TestDiscoverLexicalOrder(t *testing.T) {
	root := writeTree(t, map[string]string{
		"b.py":   "",
		"a.py":   "",
		"c/d.py": "",
	})

	files, err := Discover(Options{Root: root})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.py", "b.py", "c/d.py"}, files)
}
