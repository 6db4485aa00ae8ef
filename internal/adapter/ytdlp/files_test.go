package ytdlp

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("data"), 0644))
}

func TestIsJunk(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"video.mp4", false},
		{"video.en.vtt", false},
		{".DS_Store", true},
		{"Thumbs.db", true},
		{"desktop.ini", true},
		{"video.mp4.part", true},
		{"video.mp4.ytdl", true},
		{"video.temp", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isJunk(tt.name))
		})
	}
}

func TestMoveDownloads(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()

	writeFile(t, src, "video.mp4")
	writeFile(t, src, "video.en.vtt")
	writeFile(t, src, ".DS_Store")
	writeFile(t, src, "other.mp4.part")
	require.NoError(t, os.Mkdir(filepath.Join(src, "subdir"), 0755))

	moved, err := MoveDownloads(src, dst)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"video.mp4", "video.en.vtt"}, moved)

	_, err = os.Stat(filepath.Join(dst, "video.mp4"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dst, ".DS_Store"))
	assert.True(t, os.IsNotExist(err), "junk must stay behind")
	_, err = os.Stat(filepath.Join(src, "other.mp4.part"))
	assert.NoError(t, err, "partial artifacts must stay behind")
}

func TestMoveDownloads_NoOverwrite(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()

	writeFile(t, src, "video.mp4")
	require.NoError(t, os.WriteFile(filepath.Join(dst, "video.mp4"), []byte("original"), 0644))

	moved, err := MoveDownloads(src, dst)
	require.NoError(t, err)
	assert.Empty(t, moved)

	data, err := os.ReadFile(filepath.Join(dst, "video.mp4"))
	require.NoError(t, err)
	assert.Equal(t, "original", string(data), "existing files are never overwritten")
}

func TestMoveDownloads_CreatesTarget(t *testing.T) {
	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "nested", "media")

	writeFile(t, src, "video.mp4")

	moved, err := MoveDownloads(src, dst)
	require.NoError(t, err)
	assert.Equal(t, []string{"video.mp4"}, moved)
}

func TestRemoveRecent(t *testing.T) {
	dir := t.TempDir()

	writeFile(t, dir, "old.mp4")
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "old.mp4"), old, old))

	writeFile(t, dir, "fresh.mp4.part")
	writeFile(t, dir, "fresh.mp4")

	removed, err := RemoveRecent(dir, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"fresh.mp4.part", "fresh.mp4"}, removed)

	_, err = os.Stat(filepath.Join(dir, "old.mp4"))
	assert.NoError(t, err, "files from before the window must survive")
}

func TestRemoveRecent_MissingDir(t *testing.T) {
	removed, err := RemoveRecent(filepath.Join(t.TempDir(), "nope"), time.Now())
	require.NoError(t, err)
	assert.Empty(t, removed)
}
