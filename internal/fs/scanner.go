package fs

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/charmbracelet/log"
	gitignore "github.com/sabhiram/go-gitignore"
)

// ignoreFiles are read from the image directory when present.
var ignoreFiles = []string{".gitignore", ".imgrepignore"}

// Ignorer defines the interface for pattern matching.
type Ignorer interface {
	MatchesPath(path string) bool
}

// multiIgnorer matches if any of its ignorers match.
type multiIgnorer []Ignorer

// MatchesPath returns true if the path matches any ignore pattern.
func (m multiIgnorer) MatchesPath(path string) bool {
	for _, ig := range m {
		if ig.MatchesPath(path) {
			return true
		}
	}
	return false
}

// Scanner lists the images of a flat directory in canonical order.
type Scanner struct {
	opts    ScanOptions
	ignorer Ignorer
	stats   ScanStats
	extSet  map[string]bool
}

// NewScanner creates a new image scanner.
func NewScanner(opts ScanOptions) (*Scanner, error) {
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve image directory: %w", err)
	}
	opts.Root = root

	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("image directory does not exist: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("image path is not a directory: %s", root)
	}

	if len(opts.Extensions) == 0 {
		return nil, fmt.Errorf("no image extensions configured")
	}

	s := &Scanner{
		opts:   opts,
		extSet: make(map[string]bool, len(opts.Extensions)),
	}

	for _, ext := range opts.Extensions {
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		s.extSet[strings.ToLower(ext)] = true
	}

	s.initIgnorer()

	return s, nil
}

// initIgnorer combines configured patterns with ignore files in the root.
func (s *Scanner) initIgnorer() {
	ignorers := multiIgnorer{gitignore.CompileIgnoreLines(s.opts.IgnorePatterns...)}

	for _, name := range ignoreFiles {
		path := filepath.Join(s.opts.Root, name)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		gi, err := gitignore.CompileIgnoreFile(path)
		if err != nil {
			log.Warn("Failed to parse ignore file", "path", path, "error", err)
			continue
		}
		ignorers = append(ignorers, gi)
	}

	s.ignorer = ignorers
}

// Scan returns the accepted images sorted by name (byte order). This order
// is the canonical ordering of the corpus.
func (s *Scanner) Scan() ([]ImageFile, error) {
	s.stats = ScanStats{}

	entries, err := os.ReadDir(s.opts.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to read image directory: %w", err)
	}

	var images []ImageFile

	for _, d := range entries {
		name := d.Name()

		if d.IsDir() {
			s.stats.DirsSkipped++
			continue
		}

		if s.shouldSkipFile(name) {
			s.stats.FilesSkipped++
			continue
		}

		path := filepath.Join(s.opts.Root, name)

		info, err := d.Info()
		if err != nil {
			log.Debug("Failed to get file info", "path", path, "error", err)
			continue
		}

		if !info.Mode().IsRegular() {
			s.stats.FilesSkipped++
			continue
		}

		if s.opts.MaxFileSize > 0 && info.Size() > s.opts.MaxFileSize {
			log.Warn("Skipping oversized image", "name", name, "size", info.Size())
			s.stats.FilesSkipped++
			s.stats.SkippedBytes += info.Size()
			s.stats.Oversized = append(s.stats.Oversized, name)
			continue
		}

		hash, err := HashFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to hash %s: %w", name, err)
		}

		images = append(images, ImageFile{
			Name:    name,
			Path:    path,
			Size:    info.Size(),
			ModTime: info.ModTime(),
			Hash:    hash,
		})

		s.stats.FilesFound++
		s.stats.TotalBytes += info.Size()
	}

	slices.SortFunc(images, func(a, b ImageFile) int {
		return strings.Compare(a.Name, b.Name)
	})
	slices.Sort(s.stats.Oversized)

	return images, nil
}

// Stats returns the statistics of the last scan.
func (s *Scanner) Stats() ScanStats {
	return s.stats
}

// Root returns the absolute image directory.
func (s *Scanner) Root() string {
	return s.opts.Root
}

// Accepts reports whether name has an accepted extension.
func (s *Scanner) Accepts(name string) bool {
	return s.extSet[strings.ToLower(filepath.Ext(name))]
}

// shouldSkipFile checks if a file should be skipped.
func (s *Scanner) shouldSkipFile(name string) bool {
	if !s.opts.IncludeHidden && strings.HasPrefix(name, ".") {
		return true
	}

	if !s.Accepts(name) {
		return true
	}

	return s.ignorer != nil && s.ignorer.MatchesPath(name)
}

// HashFile computes the xxhash of a file's contents.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return fmt.Sprintf("%016x", h.Sum64()), nil
}

// HashContent computes the xxhash of content bytes.
func HashContent(content []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(content))
}
