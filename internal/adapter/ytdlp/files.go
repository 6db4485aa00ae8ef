package ytdlp

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// junkNames are platform droppings that never count as download output.
var junkNames = map[string]struct{}{
	".DS_Store":   {},
	"Thumbs.db":   {},
	"desktop.ini": {},
}

// partialExtensions mark the tool's in-flight artifacts.
var partialExtensions = []string{".part", ".ytdl", ".temp"}

func isJunk(name string) bool {
	if _, ok := junkNames[name]; ok {
		return true
	}
	for _, ext := range partialExtensions {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}

// MoveDownloads moves completed files from srcDir into dstDir, skipping
// junk and partial artifacts, and skipping destinations that already
// exist (no overwrite). Returns the moved names.
func MoveDownloads(srcDir, dstDir string) ([]string, error) {
	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dstDir, 0755); err != nil {
		return nil, err
	}

	var moved []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || isJunk(name) {
			continue
		}
		src := filepath.Join(srcDir, name)
		dst := filepath.Join(dstDir, name)

		if _, err := os.Stat(dst); err == nil {
			continue
		}

		if err := os.Rename(src, dst); err != nil {
			// Cross-device fallback
			if err := copyFile(src, dst); err != nil {
				return moved, err
			}
			os.Remove(src)
		}
		moved = append(moved, name)
	}
	return moved, nil
}

// RemoveRecent deletes regular files in dir modified at or after since.
// After a cancel this sweeps the partial output; when several downloads
// share the directory the attribution is best effort and collateral is
// accepted.
func RemoveRecent(dir string, since time.Time) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var removed []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(since) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err == nil {
			removed = append(removed, entry.Name())
		}
	}
	return removed, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}
