// Package cache persists one image embedding per file and rebuilds the
// search index from them in canonical order.
package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/nickcecere/imgrep/internal/embeddings"
	"github.com/nickcecere/imgrep/internal/fs"
	"github.com/nickcecere/imgrep/internal/index"
)

var (
	// ErrIO is returned when the cache directory cannot be created or written.
	ErrIO = errors.New("cache i/o error")

	// ErrCacheCorruption is returned when an entry is missing or malformed.
	ErrCacheCorruption = errors.New("cache corruption")

	// ErrModelMismatch is returned when the cache was built by another model.
	ErrModelMismatch = errors.New("cache was built with a different model")
)

// Progress tracks a cache build.
type Progress struct {
	Total     int
	Processed int
	Embedded  int
	Current   string
	StartTime time.Time
}

// ProgressFunc is called to report progress during a build.
type ProgressFunc func(Progress)

// BuildOptions configures EnsureCached.
type BuildOptions struct {
	// Force recomputes every entry.
	Force bool

	// RefreshStale recomputes entries whose source image changed.
	RefreshStale bool

	// Workers is the number of concurrent embedding calls.
	Workers int

	// OnProgress is called after each image.
	OnProgress ProgressFunc
}

// BuildStats summarizes a build.
type BuildStats struct {
	Total      int           `json:"total"`
	Cached     int           `json:"cached"`
	Embedded   int           `json:"embedded"`
	Stale      int           `json:"stale"`
	Collisions int           `json:"collisions"`
	Duration   time.Duration `json:"duration"`
}

// Stats describes the cache on disk.
type Stats struct {
	Dir        string    `json:"dir"`
	Entries    int       `json:"entries"`
	TotalBytes int64     `json:"total_bytes"`
	Provider   string    `json:"provider"`
	Model      string    `json:"model"`
	Dimensions int       `json:"dimensions"`
	LastBuild  time.Time `json:"last_build"`
}

// Cache is the on-disk embedding cache of one image directory.
type Cache struct {
	dir       string
	nameIndex string
	maxPixels int64
	catalog   *Catalog
	embedder  embeddings.Service
}

// Options configures a Cache.
type Options struct {
	// Dir holds the entry files and the catalog.
	Dir string

	// NameIndex is the file name of the exported name list inside Dir.
	NameIndex string

	// MaxPixels bounds the decoded size of source images; 0 uses the
	// default budget.
	MaxPixels int64
}

// New opens the cache in opts.Dir, creating it if absent. emb may be nil
// when only Stats is needed.
func New(opts Options, emb embeddings.Service) (*Cache, error) {
	dir, err := filepath.Abs(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: failed to create cache directory: %v", ErrIO, err)
	}

	catalog, err := OpenCatalog(filepath.Join(dir, CatalogFile))
	if err != nil {
		return nil, err
	}

	nameIndex := opts.NameIndex
	if nameIndex == "" {
		nameIndex = "image_name.csv"
	}

	return &Cache{
		dir:       dir,
		nameIndex: nameIndex,
		maxPixels: opts.MaxPixels,
		catalog:   catalog,
		embedder:  emb,
	}, nil
}

// Close closes the catalog.
func (c *Cache) Close() error {
	return c.catalog.Close()
}

// Dir returns the absolute cache directory.
func (c *Cache) Dir() string {
	return c.dir
}

// KeyFor returns the cache key of an image name: the name without its
// extension.
func KeyFor(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// entryPath returns the entry file path for a cache key.
func (c *Cache) entryPath(key string) string {
	return filepath.Join(c.dir, key+vecExt)
}

// job is an image whose entry must be (re)computed.
type job struct {
	img fs.ImageFile
	key string
}

// EnsureCached makes sure every image has an entry, embedding the missing
// ones. Existing entries are kept even when their source changed unless
// RefreshStale or Force is set. The manifest and name index are rewritten
// once all entries exist.
func (c *Cache) EnsureCached(ctx context.Context, images []fs.ImageFile, opts BuildOptions) (BuildStats, error) {
	start := time.Now()
	stats := BuildStats{Total: len(images)}

	if err := ctx.Err(); err != nil {
		return stats, err
	}

	if err := c.checkIdentity(opts.Force); err != nil {
		return stats, err
	}

	entries, err := c.catalog.Entries()
	if err != nil {
		return stats, fmt.Errorf("%w: %v", ErrIO, err)
	}

	var (
		mu       sync.Mutex
		progress = Progress{Total: len(images), StartTime: start}
		dims     int
	)

	report := func(name string, embedded bool) {
		mu.Lock()
		defer mu.Unlock()
		progress.Processed++
		progress.Current = name
		if embedded {
			progress.Embedded++
		}
		if opts.OnProgress != nil {
			opts.OnProgress(progress)
		}
	}

	var (
		present []string
		jobs    []job
		seen    = make(map[string]string, len(images))
	)

	for _, img := range images {
		key := KeyFor(img.Name)
		if first, ok := seen[key]; ok {
			log.Warn("Cache key collision, skipping image", "image", img.Name, "key", key, "kept", first)
			stats.Collisions++
			report(img.Name, false)
			continue
		}
		seen[key] = img.Name
		present = append(present, img.Name)

		if opts.Force {
			jobs = append(jobs, job{img: img, key: key})
			continue
		}

		if _, err := os.Stat(c.entryPath(key)); err != nil {
			jobs = append(jobs, job{img: img, key: key})
			continue
		}

		entry, known := entries[img.Name]
		switch {
		case !known:
			if err := c.adopt(img, key); err != nil {
				return stats, err
			}
		case entry.SourceHash != img.Hash && opts.RefreshStale:
			log.Info("Refreshing stale entry", "image", img.Name)
			jobs = append(jobs, job{img: img, key: key})
			continue
		case entry.SourceHash != img.Hash:
			log.Warn("Cached embedding is stale, keeping it", "image", img.Name)
			stats.Stale++
		}

		stats.Cached++
		report(img.Name, false)
	}

	if len(jobs) > 0 {
		log.Info("Embedding images", "count", len(jobs), "workers", max(opts.Workers, 1))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(opts.Workers, 1))

	for _, j := range jobs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			vec, err := c.embed(gctx, j)
			if err != nil {
				return err
			}

			mu.Lock()
			if dims == 0 {
				dims = len(vec)
			}
			mu.Unlock()

			report(j.img.Name, true)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return stats, err
	}
	stats.Embedded = len(jobs)

	if err := c.recordIdentity(dims); err != nil {
		return stats, err
	}

	if err := c.catalog.ReplaceManifest(present, time.Now()); err != nil {
		return stats, fmt.Errorf("%w: %v", ErrIO, err)
	}

	if err := WriteNameIndex(filepath.Join(c.dir, c.nameIndex), present); err != nil {
		return stats, err
	}

	stats.Duration = time.Since(start)

	log.Info("Cache is up to date",
		"images", len(present),
		"embedded", stats.Embedded,
		"cached", stats.Cached,
		"stale", stats.Stale,
		"duration", stats.Duration.Round(time.Millisecond),
	)

	return stats, nil
}

// embed computes and persists one entry.
func (c *Cache) embed(ctx context.Context, j job) ([]float32, error) {
	img, err := embeddings.DecodeImageFile(j.img.Path, c.maxPixels)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", j.img.Name, err)
	}

	vec, err := c.embedder.EmbedImage(ctx, img)
	if err != nil {
		return nil, fmt.Errorf("failed to embed %s: %w", j.img.Name, err)
	}

	if err := WriteVectorFile(c.entryPath(j.key), vec); err != nil {
		return nil, err
	}

	err = c.catalog.PutEntry(Entry{
		Name:       j.img.Name,
		Key:        j.key,
		SourceHash: j.img.Hash,
		SourceSize: j.img.Size,
		Model:      c.embedder.ModelName(),
		Dimensions: len(vec),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}

	log.Debug("Embedded image", "image", j.img.Name, "dimensions", len(vec))
	return vec, nil
}

// adopt records an entry file that exists without catalog metadata. The
// current source hash is assumed.
func (c *Cache) adopt(img fs.ImageFile, key string) error {
	vec, err := ReadVectorFile(c.entryPath(key))
	if err != nil {
		return fmt.Errorf("%s: %w", img.Name, err)
	}

	log.Debug("Adopting existing cache entry", "image", img.Name)

	err = c.catalog.PutEntry(Entry{
		Name:       img.Name,
		Key:        key,
		SourceHash: img.Hash,
		SourceSize: img.Size,
		Model:      c.embedder.ModelName(),
		Dimensions: len(vec),
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}

	return nil
}

// checkIdentity rejects a cache built by another model unless it is being
// rebuilt from scratch.
func (c *Cache) checkIdentity(force bool) error {
	id, err := c.catalog.Identity()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}

	if id == nil || force {
		return nil
	}

	if id.Provider != string(c.embedder.Provider()) || id.Model != c.embedder.ModelName() {
		return fmt.Errorf("%w: cache has %s/%s, embedder is %s/%s (rebuild with --force)",
			ErrModelMismatch, id.Provider, id.Model, c.embedder.Provider(), c.embedder.ModelName())
	}

	return nil
}

// recordIdentity stores the embedder identity after a build.
func (c *Cache) recordIdentity(dims int) error {
	if dims == 0 {
		id, err := c.catalog.Identity()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrIO, err)
		}
		if id != nil {
			dims = id.Dimensions
		} else {
			dims = c.embedder.Dimensions()
		}
	}

	err := c.catalog.SetIdentity(Identity{
		Provider:   string(c.embedder.Provider()),
		Model:      c.embedder.ModelName(),
		Dimensions: dims,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}

	return nil
}

// LoadAll builds the index from the manifest. Row i is the entry of manifest
// name i. Any missing or malformed entry fails the whole load.
func (c *Cache) LoadAll(ctx context.Context) (*index.Index, error) {
	if err := c.checkIdentity(false); err != nil {
		return nil, err
	}

	names, err := c.catalog.Manifest()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}

	vectors := make([][]float32, len(names))
	keys := make(map[string]bool, len(names))

	for i, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		key := KeyFor(name)
		keys[key] = true

		vec, err := ReadVectorFile(c.entryPath(key))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}

		if i > 0 && len(vec) != len(vectors[0]) {
			return nil, fmt.Errorf("%w: %s has %d dimensions, expected %d", ErrCacheCorruption, name, len(vec), len(vectors[0]))
		}

		vectors[i] = vec
	}

	c.logOrphans(keys)

	idx, err := index.New(names, vectors)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCacheCorruption, err)
	}

	log.Debug("Loaded embedding matrix", "rows", idx.Len(), "dimensions", idx.Dimensions())
	return idx, nil
}

// logOrphans reports entry files that no manifest name refers to.
func (c *Cache) logOrphans(keys map[string]bool) {
	files, err := os.ReadDir(c.dir)
	if err != nil {
		return
	}

	for _, f := range files {
		name := f.Name()
		if f.IsDir() || filepath.Ext(name) != vecExt || strings.HasPrefix(name, ".") {
			continue
		}
		if !keys[strings.TrimSuffix(name, vecExt)] {
			log.Debug("Ignoring orphan cache entry", "file", name)
		}
	}
}

// Stats returns cache statistics from the catalog.
func (c *Cache) Stats() (*Stats, error) {
	stats := &Stats{Dir: c.dir}

	names, err := c.catalog.Manifest()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	stats.Entries = len(names)

	for _, name := range names {
		if info, err := os.Stat(c.entryPath(KeyFor(name))); err == nil {
			stats.TotalBytes += info.Size()
		}
	}

	id, err := c.catalog.Identity()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	if id != nil {
		stats.Provider = id.Provider
		stats.Model = id.Model
		stats.Dimensions = id.Dimensions
	}

	stats.LastBuild, err = c.catalog.LastBuild()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}

	return stats, nil
}
