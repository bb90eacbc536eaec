// Package engine wires the scanner, cache, index and searcher into the one
// object the HTTP, CLI and MCP layers share.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/nickcecere/imgrep/internal/cache"
	"github.com/nickcecere/imgrep/internal/config"
	"github.com/nickcecere/imgrep/internal/embeddings"
	"github.com/nickcecere/imgrep/internal/fs"
	"github.com/nickcecere/imgrep/internal/index"
	"github.com/nickcecere/imgrep/internal/search"
)

// Options configures how the engine builds its cache.
type Options struct {
	// Force recomputes every cache entry.
	Force bool

	// RefreshStale recomputes entries whose source image changed.
	RefreshStale bool

	// OnProgress is called after each image during a build.
	OnProgress cache.ProgressFunc
}

// Status summarizes the loaded engine.
type Status struct {
	Images     int              `json:"images"`
	Dimensions int              `json:"dimensions"`
	Provider   string           `json:"provider"`
	Model      string           `json:"model"`
	ImageDir   string           `json:"image_dir"`
	CacheDir   string           `json:"cache_dir"`
	LoadedAt   time.Time        `json:"loaded_at"`
	LastBuild  cache.BuildStats `json:"last_build"`

	// Oversized lists images left out of the index for exceeding
	// images.max_file_size.
	Oversized []string `json:"oversized,omitempty"`
}

// Engine owns the image corpus, its embedding cache and the live index.
type Engine struct {
	cfg      *config.Config
	opts     Options
	embedder embeddings.Service
	cache    *cache.Cache
	scanner  *fs.Scanner
	holder   *index.Holder
	searcher *search.Searcher

	// buildMu serializes builds; mu guards the fields below and is never
	// held while embedding.
	buildMu   sync.Mutex
	mu        sync.Mutex
	loadedAt  time.Time
	lastBuild cache.BuildStats
	oversized []string
}

// Open scans the image directory, brings the cache up to date, loads the
// index and returns a ready engine. Any failure aborts; no partial index is
// served. On success the engine takes ownership of emb.
func Open(ctx context.Context, cfg *config.Config, emb embeddings.Service, opts Options) (*Engine, error) {
	scanner, err := fs.NewScanner(fs.ScanOptions{
		Root:           cfg.Images.Dir,
		Extensions:     cfg.Images.Extensions,
		MaxFileSize:    cfg.Images.MaxFileSize,
		IgnorePatterns: cfg.Images.Ignore,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open image directory: %w", err)
	}

	c, err := cache.New(cache.Options{
		Dir:       cfg.Cache.Dir,
		NameIndex: cfg.Cache.NameIndex,
		MaxPixels: cfg.Images.MaxPixels,
	}, emb)
	if err != nil {
		return nil, err
	}

	holder := index.NewHolder(nil)

	e := &Engine{
		cfg:      cfg,
		opts:     opts,
		embedder: emb,
		cache:    c,
		scanner:  scanner,
		holder:   holder,
		searcher: search.New(holder, emb, cfg.Search.MaxTopK),
	}

	if err := e.build(ctx, opts); err != nil {
		c.Close()
		return nil, err
	}

	return e, nil
}

// Reload re-runs the startup pipeline and swaps in the new index. Readers
// keep using the previous index until the swap; on error it stays in place.
// Force is never applied on reload.
func (e *Engine) Reload(ctx context.Context) error {
	log.Info("Reloading image index")

	opts := e.opts
	opts.Force = false

	return e.build(ctx, opts)
}

// build runs scan, EnsureCached and LoadAll, then publishes the index.
func (e *Engine) build(ctx context.Context, opts Options) error {
	e.buildMu.Lock()
	defer e.buildMu.Unlock()

	images, err := e.scanner.Scan()
	if err != nil {
		return err
	}

	scanStats := e.scanner.Stats()
	log.Info("Found images", "count", len(images), "skipped", scanStats.FilesSkipped, "dir", e.scanner.Root())
	if n := len(scanStats.Oversized); n > 0 {
		log.Warn("Images over the size limit are not indexed", "count", n, "max_file_size", e.cfg.Images.MaxFileSize)
	}

	stats, err := e.cache.EnsureCached(ctx, images, cache.BuildOptions{
		Force:        opts.Force,
		RefreshStale: opts.RefreshStale || e.cfg.Cache.RefreshStale,
		Workers:      e.cfg.Indexing.Workers,
		OnProgress:   opts.OnProgress,
	})
	if err != nil {
		return fmt.Errorf("failed to build embedding cache: %w", err)
	}

	idx, err := e.cache.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to load embedding cache: %w", err)
	}

	e.holder.Store(idx)

	e.mu.Lock()
	e.loadedAt = time.Now()
	e.lastBuild = stats
	e.oversized = scanStats.Oversized
	e.mu.Unlock()

	log.Info("Index ready", "images", idx.Len(), "dimensions", idx.Dimensions())
	return nil
}

// Searcher returns the query service bound to the live index.
func (e *Engine) Searcher() *search.Searcher {
	return e.searcher
}

// Search runs q against the live index.
func (e *Engine) Search(ctx context.Context, q search.Query) (*search.Response, error) {
	return e.searcher.Search(ctx, q)
}

// Index returns the live index.
func (e *Engine) Index() *index.Index {
	return e.holder.Load()
}

// ImageDir returns the absolute image directory.
func (e *Engine) ImageDir() string {
	return e.scanner.Root()
}

// Accepts reports whether name has an accepted image extension.
func (e *Engine) Accepts(name string) bool {
	return e.scanner.Accepts(name)
}

// Status returns a summary of the live index.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	idx := e.holder.Load()
	return Status{
		Images:     idx.Len(),
		Dimensions: idx.Dimensions(),
		Provider:   string(e.embedder.Provider()),
		Model:      e.embedder.ModelName(),
		ImageDir:   e.scanner.Root(),
		CacheDir:   e.cache.Dir(),
		LoadedAt:   e.loadedAt,
		LastBuild:  e.lastBuild,
		Oversized:  e.oversized,
	}
}

// Close releases the catalog and the embedder.
func (e *Engine) Close() error {
	cacheErr := e.cache.Close()
	embErr := e.embedder.Close()
	if cacheErr != nil {
		return cacheErr
	}
	return embErr
}
