package fs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHashContent tests content hashing.
func TestHashContent(t *testing.T) {
	hash1 := HashContent([]byte("hello world"))
	hash2 := HashContent([]byte("hello world"))
	hash3 := HashContent([]byte("different content"))

	assert.Equal(t, hash1, hash2, "same content should have same hash")
	assert.NotEqual(t, hash1, hash3, "different content should have different hash")
	assert.Len(t, hash1, 16, "hash should be 16 hex chars")
}

func TestImageFileBase(t *testing.T) {
	assert.Equal(t, "cat", ImageFile{Name: "cat.jpg"}.Base())
	assert.Equal(t, "my.photo", ImageFile{Name: "my.photo.png"}.Base())
	assert.Equal(t, "noext", ImageFile{Name: "noext"}.Base())
}

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for path, content := range files {
		fullPath := filepath.Join(root, path)
		require.NoError(t, os.MkdirAll(filepath.Dir(fullPath), 0755))
		require.NoError(t, os.WriteFile(fullPath, []byte(content), 0644))
	}
}

func names(images []ImageFile) []string {
	out := make([]string, len(images))
	for i, img := range images {
		out[i] = img.Name
	}
	return out
}

// TestScanner tests scanning a flat image directory.
func TestScanner(t *testing.T) {
	tmpDir := t.TempDir()

	writeFiles(t, tmpDir, map[string]string{
		"dog.jpg":       "dog",
		"cat.png":       "cat",
		"Bird.JPEG":     "bird",
		"notes.txt":     "not an image",
		"thumbs/a.jpg":  "nested",
		".hidden.jpg":   "hidden",
		"draft-1.png":   "draft",
		"anim.gif":      "gif",
		".imgrepignore": "draft-*\n",
	})

	t.Run("lists accepted images in sorted order", func(t *testing.T) {
		s, err := NewScanner(ScanOptions{
			Root:       tmpDir,
			Extensions: []string{"jpg", "jpeg", "png"},
		})
		require.NoError(t, err)

		images, err := s.Scan()
		require.NoError(t, err)

		// byte order: uppercase sorts first
		assert.Equal(t, []string{"Bird.JPEG", "cat.png", "dog.jpg"}, names(images))

		stats := s.Stats()
		assert.Equal(t, 3, stats.FilesFound)
		assert.Equal(t, 1, stats.DirsSkipped)
		assert.Equal(t, int64(len("dog")+len("cat")+len("bird")), stats.TotalBytes)
	})

	t.Run("fills metadata", func(t *testing.T) {
		s, err := NewScanner(ScanOptions{Root: tmpDir, Extensions: []string{".png"}})
		require.NoError(t, err)

		images, err := s.Scan()
		require.NoError(t, err)
		require.Len(t, images, 1)

		img := images[0]
		assert.Equal(t, "cat.png", img.Name)
		assert.True(t, filepath.IsAbs(img.Path))
		assert.Equal(t, int64(3), img.Size)
		assert.Equal(t, HashContent([]byte("cat")), img.Hash)
		assert.False(t, img.ModTime.IsZero())
	})

	t.Run("configured ignore patterns", func(t *testing.T) {
		s, err := NewScanner(ScanOptions{
			Root:           tmpDir,
			Extensions:     []string{"jpg", "png", "jpeg"},
			IgnorePatterns: []string{"cat.*"},
		})
		require.NoError(t, err)

		images, err := s.Scan()
		require.NoError(t, err)
		assert.Equal(t, []string{"Bird.JPEG", "dog.jpg"}, names(images))
	})

	t.Run("includes hidden files when configured", func(t *testing.T) {
		s, err := NewScanner(ScanOptions{
			Root:          tmpDir,
			Extensions:    []string{"jpg"},
			IncludeHidden: true,
		})
		require.NoError(t, err)

		images, err := s.Scan()
		require.NoError(t, err)
		assert.Equal(t, []string{".hidden.jpg", "dog.jpg"}, names(images))
	})

	t.Run("skips oversized files", func(t *testing.T) {
		s, err := NewScanner(ScanOptions{
			Root:        tmpDir,
			Extensions:  []string{"jpg", "jpeg", "png"},
			MaxFileSize: 3,
		})
		require.NoError(t, err)

		images, err := s.Scan()
		require.NoError(t, err)
		assert.Equal(t, []string{"cat.png", "dog.jpg"}, names(images))
		assert.Equal(t, int64(4), s.Stats().SkippedBytes)
		assert.Equal(t, []string{"Bird.JPEG"}, s.Stats().Oversized)
	})

	t.Run("accepts", func(t *testing.T) {
		s, err := NewScanner(ScanOptions{Root: tmpDir, Extensions: []string{".JPG"}})
		require.NoError(t, err)

		assert.True(t, s.Accepts("x.jpg"))
		assert.True(t, s.Accepts("x.Jpg"))
		assert.False(t, s.Accepts("x.png"))
	})
}

func TestScannerEmptyDir(t *testing.T) {
	s, err := NewScanner(ScanOptions{Root: t.TempDir(), Extensions: []string{"jpg"}})
	require.NoError(t, err)

	images, err := s.Scan()
	require.NoError(t, err)
	assert.Empty(t, images)
}

// TestScannerErrors tests error handling.
func TestScannerErrors(t *testing.T) {
	t.Run("non-existent root", func(t *testing.T) {
		_, err := NewScanner(ScanOptions{Root: "/nonexistent/path", Extensions: []string{"jpg"}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "does not exist")
	})

	t.Run("root is file not directory", func(t *testing.T) {
		tmpFile, err := os.CreateTemp("", "test")
		require.NoError(t, err)
		defer os.Remove(tmpFile.Name())
		tmpFile.Close()

		_, err = NewScanner(ScanOptions{Root: tmpFile.Name(), Extensions: []string{"jpg"}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not a directory")
	})

	t.Run("no extensions", func(t *testing.T) {
		_, err := NewScanner(ScanOptions{Root: t.TempDir()})
		require.Error(t, err)
	})
}

// TestDefaultOptions tests default options.
func TestDefaultOptions(t *testing.T) {
	opts := DefaultScanOptions()
	assert.Equal(t, []string{"jpg", "jpeg", "png"}, opts.Extensions)
	assert.Equal(t, int64(50*1024*1024), opts.MaxFileSize)
}
