package pathutil

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsExecutable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		want bool
	}{
		{"index.php", true},
		{"INDEX.PHP", true},
		{"shell.phtml", true},
		{"lib.phar", true},
		{"style.css", false},
		{"php", false},
		{"dir.php/file.txt", false},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, IsExecutable(tc.name), tc.name)
	}
}

func TestInArchives(t *testing.T) {
	t.Parallel()

	assert.True(t, InArchives("_archives/x.zip"))
	assert.True(t, InArchives("_archives"))
	assert.False(t, InArchives("_archives2/x.zip"))
	assert.False(t, InArchives("blog/_archives/x.zip"))
}

func TestJoinRejectsEscape(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	got, err := Join(root, "a/b.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "a", "b.txt"), got)

	_, err = Join(root, "../outside.txt")
	require.Error(t, err)
}

func TestRelUsesSlashes(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	rel, err := Rel(root, filepath.Join(root, "x", "y", "z.css"))
	require.NoError(t, err)
	assert.Equal(t, "x/y/z.css", rel)
}

func TestPageFile(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	tests := []struct {
		url  string
		want string
	}{
		{"https://example.com/", "index.html"},
		{"https://example.com", "index.html"},
		{"https://example.com/about/", "about/index.html"},
		{"https://example.com/about", "about/index.html"},
		{"https://example.com/blog/2024/post/?p=1", "blog/2024/post/index.html"},
		{"https://example.com/../../etc/", "etc/index.html"},
	}
	for _, tc := range tests {
		got, err := PageFile(root, tc.url)
		require.NoError(t, err, tc.url)
		assert.Equal(t, filepath.Join(root, filepath.FromSlash(tc.want)), got, tc.url)
	}
}
