package cache

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nickcecere/imgrep/internal/embeddings"
	"github.com/nickcecere/imgrep/internal/fs"
)

// mockEmbedder embeds an image as its mean RGB colour.
type mockEmbedder struct {
	model string
	calls atomic.Int32
	fail  error
}

func (m *mockEmbedder) EmbedImage(ctx context.Context, img image.Image) ([]float32, error) {
	m.calls.Add(1)
	if m.fail != nil {
		return nil, m.fail
	}

	var r, g, b float32
	bounds := img.Bounds()
	n := float32(bounds.Dx() * bounds.Dy())
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			cr, cg, cb, _ := img.At(x, y).RGBA()
			r += float32(cr) / 65535
			g += float32(cg) / 65535
			b += float32(cb) / 65535
		}
	}
	return []float32{r / n, g / n, b / n}, nil
}

func (m *mockEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

func (m *mockEmbedder) Dimensions() int { return 3 }

func (m *mockEmbedder) Provider() embeddings.Provider { return "mock" }

func (m *mockEmbedder) Close() error { return nil }

func (m *mockEmbedder) ModelName() string {
	if m.model == "" {
		return "mock-clip"
	}
	return m.model
}

var (
	red   = color.RGBA{R: 255, A: 255}
	green = color.RGBA{G: 255, A: 255}
	blue  = color.RGBA{B: 255, A: 255}
)

func writePNG(t *testing.T, path string, c color.Color) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, c)
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
}

type fixture struct {
	imageDir string
	cacheDir string
	emb      *mockEmbedder
	cache    *Cache
}

func newFixture(t *testing.T, images map[string]color.Color) *fixture {
	t.Helper()
	root := t.TempDir()
	f := &fixture{
		imageDir: filepath.Join(root, "images"),
		cacheDir: filepath.Join(root, "embedding"),
		emb:      &mockEmbedder{},
	}
	require.NoError(t, os.MkdirAll(f.imageDir, 0755))
	for name, c := range images {
		writePNG(t, filepath.Join(f.imageDir, name), c)
	}
	f.open(t)
	return f
}

func (f *fixture) open(t *testing.T) {
	t.Helper()
	c, err := New(Options{Dir: f.cacheDir, NameIndex: "image_name.csv"}, f.emb)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	f.cache = c
}

func (f *fixture) scan(t *testing.T) []fs.ImageFile {
	t.Helper()
	s, err := fs.NewScanner(fs.ScanOptions{Root: f.imageDir, Extensions: []string{"png"}})
	require.NoError(t, err)
	images, err := s.Scan()
	require.NoError(t, err)
	return images
}

func TestKeyFor(t *testing.T) {
	assert.Equal(t, "cat", KeyFor("cat.jpg"))
	assert.Equal(t, "my.cat", KeyFor("my.cat.png"))
	assert.Equal(t, "cat", KeyFor("cat"))
}

func TestEnsureCachedAndLoad(t *testing.T) {
	f := newFixture(t, map[string]color.Color{"cat.png": red, "dog.png": green, "bird.png": blue})
	ctx := context.Background()

	var progress []Progress
	stats, err := f.cache.EnsureCached(ctx, f.scan(t), BuildOptions{
		Workers:    2,
		OnProgress: func(p Progress) { progress = append(progress, p) },
	})
	require.NoError(t, err)

	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 3, stats.Embedded)
	assert.Equal(t, 0, stats.Cached)
	assert.Equal(t, int32(3), f.emb.calls.Load())

	require.Len(t, progress, 3)
	assert.Equal(t, 3, progress[2].Processed)
	assert.Equal(t, 3, progress[2].Embedded)

	for _, key := range []string{"bird", "cat", "dog"} {
		_, err := os.Stat(filepath.Join(f.cacheDir, key+".vec"))
		assert.NoError(t, err)
	}

	names, err := ReadNameIndex(filepath.Join(f.cacheDir, "image_name.csv"))
	require.NoError(t, err)
	assert.Equal(t, []string{"bird.png", "cat.png", "dog.png"}, names)

	idx, err := f.cache.LoadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"bird.png", "cat.png", "dog.png"}, idx.Names())
	assert.Equal(t, 3, idx.Dimensions())

	// rows follow names
	assert.InDelta(t, 1.0, idx.Row(0)[2], 1e-6)
	assert.InDelta(t, 1.0, idx.Row(1)[0], 1e-6)
	assert.InDelta(t, 1.0, idx.Row(2)[1], 1e-6)

	results, err := idx.Search([]float32{0, 1, 0}, 1)
	require.NoError(t, err)
	assert.Equal(t, "dog.png", results[0].Name)
	assert.InDelta(t, 100.0, results[0].Score, 1e-4)
}

func TestEnsureCachedIsIdempotent(t *testing.T) {
	f := newFixture(t, map[string]color.Color{"cat.png": red, "dog.png": green})
	ctx := context.Background()

	_, err := f.cache.EnsureCached(ctx, f.scan(t), BuildOptions{})
	require.NoError(t, err)

	type snapshot struct {
		data    []byte
		modTime time.Time
	}
	entries := func() map[string]snapshot {
		out := make(map[string]snapshot)
		for _, key := range []string{"cat", "dog"} {
			path := filepath.Join(f.cache.Dir(), key+".vec")
			data, err := os.ReadFile(path)
			require.NoError(t, err)
			info, err := os.Stat(path)
			require.NoError(t, err)
			out[key] = snapshot{data: data, modTime: info.ModTime()}
		}
		return out
	}

	before := entries()
	first, err := f.cache.LoadAll(ctx)
	require.NoError(t, err)

	stats, err := f.cache.EnsureCached(ctx, f.scan(t), BuildOptions{})
	require.NoError(t, err)

	assert.Equal(t, 0, stats.Embedded)
	assert.Equal(t, 2, stats.Cached)
	assert.Equal(t, int32(2), f.emb.calls.Load(), "second build embeds nothing")
	assert.Equal(t, before, entries(), "entry files are not rewritten")

	second, err := f.cache.LoadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.Names(), second.Names())
	for i := range first.Len() {
		assert.Equal(t, first.Row(i), second.Row(i), "row %d", i)
	}
}

func TestEnsureCachedAddsNewImages(t *testing.T) {
	f := newFixture(t, map[string]color.Color{"cat.png": red})
	ctx := context.Background()

	_, err := f.cache.EnsureCached(ctx, f.scan(t), BuildOptions{})
	require.NoError(t, err)

	writePNG(t, filepath.Join(f.imageDir, "ant.png"), blue)

	stats, err := f.cache.EnsureCached(ctx, f.scan(t), BuildOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Embedded)
	assert.Equal(t, 1, stats.Cached)

	idx, err := f.cache.LoadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ant.png", "cat.png"}, idx.Names())
}

func TestEnsureCachedStaleEntries(t *testing.T) {
	f := newFixture(t, map[string]color.Color{"cat.png": red})
	ctx := context.Background()

	_, err := f.cache.EnsureCached(ctx, f.scan(t), BuildOptions{})
	require.NoError(t, err)

	// replace the source with different content
	writePNG(t, filepath.Join(f.imageDir, "cat.png"), green)

	t.Run("kept by default", func(t *testing.T) {
		stats, err := f.cache.EnsureCached(ctx, f.scan(t), BuildOptions{})
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Stale)
		assert.Equal(t, 0, stats.Embedded)

		idx, err := f.cache.LoadAll(ctx)
		require.NoError(t, err)
		assert.InDelta(t, 1.0, idx.Row(0)[0], 1e-6, "old red vector still served")
	})

	t.Run("recomputed with refresh", func(t *testing.T) {
		stats, err := f.cache.EnsureCached(ctx, f.scan(t), BuildOptions{RefreshStale: true})
		require.NoError(t, err)
		assert.Equal(t, 0, stats.Stale)
		assert.Equal(t, 1, stats.Embedded)

		idx, err := f.cache.LoadAll(ctx)
		require.NoError(t, err)
		assert.InDelta(t, 1.0, idx.Row(0)[1], 1e-6)
	})

	t.Run("no longer stale", func(t *testing.T) {
		stats, err := f.cache.EnsureCached(ctx, f.scan(t), BuildOptions{})
		require.NoError(t, err)
		assert.Equal(t, 0, stats.Stale)
	})
}

func TestEnsureCachedForce(t *testing.T) {
	f := newFixture(t, map[string]color.Color{"cat.png": red, "dog.png": green})
	ctx := context.Background()

	_, err := f.cache.EnsureCached(ctx, f.scan(t), BuildOptions{})
	require.NoError(t, err)

	stats, err := f.cache.EnsureCached(ctx, f.scan(t), BuildOptions{Force: true})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Embedded)
	assert.Equal(t, int32(4), f.emb.calls.Load())
}

func TestEnsureCachedKeyCollision(t *testing.T) {
	f := newFixture(t, map[string]color.Color{"cat.png": red, "cat.PNG": green, "dog.png": blue})
	ctx := context.Background()

	stats, err := f.cache.EnsureCached(ctx, f.scan(t), BuildOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Collisions)
	assert.Equal(t, 2, stats.Embedded)

	idx, err := f.cache.LoadAll(ctx)
	require.NoError(t, err)

	// "cat.PNG" sorts before "cat.png" and wins the key
	assert.Equal(t, []string{"cat.PNG", "dog.png"}, idx.Names())
	assert.InDelta(t, 1.0, idx.Row(0)[1], 1e-6)
}

func TestEnsureCachedDecodeError(t *testing.T) {
	f := newFixture(t, map[string]color.Color{"cat.png": red})
	require.NoError(t, os.WriteFile(filepath.Join(f.imageDir, "broken.png"), []byte("not a png"), 0644))

	_, err := f.cache.EnsureCached(context.Background(), f.scan(t), BuildOptions{})
	require.ErrorIs(t, err, embeddings.ErrDecode)
	assert.Contains(t, err.Error(), "broken.png")
}

func TestEnsureCachedEmbedError(t *testing.T) {
	f := newFixture(t, map[string]color.Color{"cat.png": red})
	f.emb.fail = errors.New("model offline")

	_, err := f.cache.EnsureCached(context.Background(), f.scan(t), BuildOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model offline")
}

func TestEnsureCachedCancelled(t *testing.T) {
	f := newFixture(t, map[string]color.Color{"cat.png": red})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.cache.EnsureCached(ctx, f.scan(t), BuildOptions{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEnsureCachedAdoptsExistingEntries(t *testing.T) {
	f := newFixture(t, map[string]color.Color{"cat.png": red})
	require.NoError(t, WriteVectorFile(filepath.Join(f.cacheDir, "cat.vec"), []float32{0, 0, 1}))

	stats, err := f.cache.EnsureCached(context.Background(), f.scan(t), BuildOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Cached)
	assert.Equal(t, int32(0), f.emb.calls.Load())

	idx, err := f.cache.LoadAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 1}, idx.Row(0))
}

func TestModelMismatch(t *testing.T) {
	f := newFixture(t, map[string]color.Color{"cat.png": red})
	ctx := context.Background()

	_, err := f.cache.EnsureCached(ctx, f.scan(t), BuildOptions{})
	require.NoError(t, err)

	f.emb.model = "another-clip"

	_, err = f.cache.LoadAll(ctx)
	assert.ErrorIs(t, err, ErrModelMismatch)

	_, err = f.cache.EnsureCached(ctx, f.scan(t), BuildOptions{})
	assert.ErrorIs(t, err, ErrModelMismatch)

	_, err = f.cache.EnsureCached(ctx, f.scan(t), BuildOptions{Force: true})
	require.NoError(t, err)

	_, err = f.cache.LoadAll(ctx)
	assert.NoError(t, err)
}

func TestLoadAllCorruption(t *testing.T) {
	ctx := context.Background()

	t.Run("missing entry", func(t *testing.T) {
		f := newFixture(t, map[string]color.Color{"cat.png": red, "dog.png": green})
		_, err := f.cache.EnsureCached(ctx, f.scan(t), BuildOptions{})
		require.NoError(t, err)

		require.NoError(t, os.Remove(filepath.Join(f.cacheDir, "dog.vec")))

		_, err = f.cache.LoadAll(ctx)
		require.ErrorIs(t, err, ErrCacheCorruption)
		assert.Contains(t, err.Error(), "dog.png")
	})

	t.Run("garbled entry", func(t *testing.T) {
		f := newFixture(t, map[string]color.Color{"cat.png": red})
		_, err := f.cache.EnsureCached(ctx, f.scan(t), BuildOptions{})
		require.NoError(t, err)

		require.NoError(t, os.WriteFile(filepath.Join(f.cacheDir, "cat.vec"), []byte("garbage"), 0644))

		_, err = f.cache.LoadAll(ctx)
		assert.ErrorIs(t, err, ErrCacheCorruption)
	})

	t.Run("ragged widths", func(t *testing.T) {
		f := newFixture(t, map[string]color.Color{"cat.png": red, "dog.png": green})
		_, err := f.cache.EnsureCached(ctx, f.scan(t), BuildOptions{})
		require.NoError(t, err)

		require.NoError(t, WriteVectorFile(filepath.Join(f.cacheDir, "dog.vec"), []float32{1, 2}))

		_, err = f.cache.LoadAll(ctx)
		require.ErrorIs(t, err, ErrCacheCorruption)
		assert.Contains(t, err.Error(), "dimensions")
	})
}

func TestLoadAllIgnoresOrphans(t *testing.T) {
	f := newFixture(t, map[string]color.Color{"cat.png": red})
	ctx := context.Background()

	_, err := f.cache.EnsureCached(ctx, f.scan(t), BuildOptions{})
	require.NoError(t, err)

	require.NoError(t, WriteVectorFile(filepath.Join(f.cacheDir, "orphan.vec"), []float32{9, 9, 9}))

	idx, err := f.cache.LoadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"cat.png"}, idx.Names())
}

func TestLoadAllEmptyCache(t *testing.T) {
	f := newFixture(t, nil)

	idx, err := f.cache.LoadAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, idx.Len())
}

func TestLoadAllAfterReopen(t *testing.T) {
	f := newFixture(t, map[string]color.Color{"cat.png": red, "dog.png": green})
	ctx := context.Background()

	_, err := f.cache.EnsureCached(ctx, f.scan(t), BuildOptions{})
	require.NoError(t, err)
	require.NoError(t, f.cache.Close())

	f.open(t)

	idx, err := f.cache.LoadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"cat.png", "dog.png"}, idx.Names())
}

func TestCacheStats(t *testing.T) {
	f := newFixture(t, map[string]color.Color{"cat.png": red, "dog.png": green})

	stats, err := f.cache.Stats()
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Entries)
	assert.True(t, stats.LastBuild.IsZero())

	_, err = f.cache.EnsureCached(context.Background(), f.scan(t), BuildOptions{})
	require.NoError(t, err)

	stats, err = f.cache.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Entries)
	assert.Equal(t, int64(2*(vecHeaderSize+3*4+vecTrailerSize)), stats.TotalBytes)
	assert.Equal(t, "mock", stats.Provider)
	assert.Equal(t, "mock-clip", stats.Model)
	assert.Equal(t, 3, stats.Dimensions)
	assert.False(t, stats.LastBuild.IsZero())
}

func TestConcurrentWorkersKeepOrder(t *testing.T) {
	images := map[string]color.Color{}
	for _, name := range []string{"a.png", "b.png", "c.png", "d.png", "e.png", "f.png", "g.png", "h.png"} {
		images[name] = red
	}
	f := newFixture(t, images)

	var mu sync.Mutex
	var seen []string
	_, err := f.cache.EnsureCached(context.Background(), f.scan(t), BuildOptions{
		Workers: 4,
		OnProgress: func(p Progress) {
			mu.Lock()
			seen = append(seen, p.Current)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	assert.Len(t, seen, 8)

	idx, err := f.cache.LoadAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a.png", "b.png", "c.png", "d.png", "e.png", "f.png", "g.png", "h.png"}, idx.Names())
}
