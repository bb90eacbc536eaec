// Package fs scans the image directory that makes up the search corpus.
package fs

import (
	"path/filepath"
	"strings"
	"time"
)

// ImageFile represents one image in the corpus. Identity is the file name.
type ImageFile struct {
	Name    string    // File name, unique within the directory
	Path    string    // Absolute path to the file
	Size    int64     // File size in bytes
	ModTime time.Time // Last modification time
	Hash    string    // xxhash of file contents
}

// Base returns the file name without its extension.
func (f ImageFile) Base() string {
	return strings.TrimSuffix(f.Name, filepath.Ext(f.Name))
}

// ScanOptions configures the image scanner.
type ScanOptions struct {
	// Root is the image directory. Only its direct entries are considered.
	Root string

	// Extensions limits the scan to these file extensions, matched
	// case-insensitively, with or without the leading dot.
	Extensions []string

	// MaxFileSize is the maximum file size to accept (in bytes).
	MaxFileSize int64

	// IgnorePatterns are additional patterns to ignore (gitignore syntax).
	IgnorePatterns []string

	// IncludeHidden includes dot files.
	IncludeHidden bool
}

// DefaultScanOptions returns sensible defaults for scanning.
func DefaultScanOptions() ScanOptions {
	return ScanOptions{
		Extensions:  []string{"jpg", "jpeg", "png"},
		MaxFileSize: 50 * 1024 * 1024, // 50MB
	}
}

// ScanStats contains statistics from a directory scan.
type ScanStats struct {
	FilesFound   int      // Images accepted
	FilesSkipped int      // Files skipped due to extension/size/pattern
	DirsSkipped  int      // Subdirectories ignored
	TotalBytes   int64    // Total bytes of accepted images
	SkippedBytes int64    // Total bytes of oversized files
	Oversized    []string // Accepted-extension images over MaxFileSize, in name order
}
