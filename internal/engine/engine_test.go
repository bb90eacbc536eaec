package engine

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nickcecere/imgrep/internal/cache"
	"github.com/nickcecere/imgrep/internal/config"
	"github.com/nickcecere/imgrep/internal/embeddings"
)

// colourEmbedder embeds images as their mean colour and maps animal words
// to the colour their test image is painted with.
type colourEmbedder struct {
	imageCalls atomic.Int32
	closed     bool
}

func (m *colourEmbedder) EmbedImage(ctx context.Context, img image.Image) ([]float32, error) {
	m.imageCalls.Add(1)
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

func (m *colourEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	text = embeddings.NormalizeText(text)
	switch {
	case strings.Contains(text, "cat"):
		return []float32{1, 0, 0}, nil
	case strings.Contains(text, "dog"):
		return []float32{0, 1, 0}, nil
	case strings.Contains(text, "bird"):
		return []float32{0, 0, 1}, nil
	}
	return []float32{0, 0, 0}, nil
}

func (m *colourEmbedder) Dimensions() int { return 3 }

func (m *colourEmbedder) Provider() embeddings.Provider { return "mock" }

func (m *colourEmbedder) ModelName() string { return "colour" }

func (m *colourEmbedder) Close() error {
	m.closed = true
	return nil
}

func writePNG(t *testing.T, path string, c color.Color) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, c)
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.Images.Dir = filepath.Join(root, "images")
	cfg.Images.Extensions = []string{"png"}
	cfg.Cache.Dir = filepath.Join(root, "embedding")

	require.NoError(t, os.MkdirAll(cfg.Images.Dir, 0755))
	writePNG(t, filepath.Join(cfg.Images.Dir, "cat.png"), color.RGBA{R: 255, A: 255})
	writePNG(t, filepath.Join(cfg.Images.Dir, "dog.png"), color.RGBA{G: 255, A: 255})
	writePNG(t, filepath.Join(cfg.Images.Dir, "bird.png"), color.RGBA{B: 255, A: 255})

	return cfg
}

func TestOpenAndSearch(t *testing.T) {
	cfg := testConfig(t)
	emb := &colourEmbedder{}
	ctx := context.Background()

	var progressed int
	e, err := Open(ctx, cfg, emb, Options{OnProgress: func(cache.Progress) { progressed++ }})
	require.NoError(t, err)
	defer e.Close()

	assert.Equal(t, 3, progressed)
	assert.Equal(t, []string{"bird.png", "cat.png", "dog.png"}, e.Index().Names())

	resp, err := e.Searcher().SearchText(ctx, "a dog", 1)
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "dog.png", resp.Results[0].Name)
	assert.InDelta(t, 100.0, resp.Results[0].Score, 1e-3)

	status := e.Status()
	assert.Equal(t, 3, status.Images)
	assert.Equal(t, 3, status.Dimensions)
	assert.Equal(t, "colour", status.Model)
	assert.Equal(t, 3, status.LastBuild.Embedded)
	assert.False(t, status.LoadedAt.IsZero())

	names, err := cache.ReadNameIndex(filepath.Join(cfg.Cache.Dir, cfg.Cache.NameIndex))
	require.NoError(t, err)
	assert.Equal(t, e.Index().Names(), names, "name index matches matrix rows")
}

func TestReopenUsesCache(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	first := &colourEmbedder{}
	e, err := Open(ctx, cfg, first, Options{})
	require.NoError(t, err)
	require.NoError(t, e.Close())
	assert.True(t, first.closed)
	assert.Equal(t, int32(3), first.imageCalls.Load())

	second := &colourEmbedder{}
	e, err = Open(ctx, cfg, second, Options{})
	require.NoError(t, err)
	defer e.Close()

	assert.Equal(t, int32(0), second.imageCalls.Load(), "restart embeds nothing")
	assert.Equal(t, 3, e.Index().Len())
}

func TestReloadPicksUpNewImages(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	e, err := Open(ctx, cfg, &colourEmbedder{}, Options{})
	require.NoError(t, err)
	defer e.Close()

	before := e.Index()

	writePNG(t, filepath.Join(cfg.Images.Dir, "ant.png"), color.RGBA{R: 255, G: 255, A: 255})
	require.NoError(t, e.Reload(ctx))

	assert.Equal(t, []string{"ant.png", "bird.png", "cat.png", "dog.png"}, e.Index().Names())
	assert.Equal(t, 3, before.Len(), "previous index is untouched")
}

func TestReloadFailureKeepsIndex(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	e, err := Open(ctx, cfg, &colourEmbedder{}, Options{})
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, os.WriteFile(filepath.Join(cfg.Images.Dir, "broken.png"), []byte("nope"), 0644))

	err = e.Reload(ctx)
	require.ErrorIs(t, err, embeddings.ErrDecode)
	assert.Equal(t, 3, e.Index().Len())
}

func TestOpenErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("missing image dir", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Images.Dir = filepath.Join(t.TempDir(), "nope")

		_, err := Open(ctx, cfg, &colourEmbedder{}, Options{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "image directory")
	})

	t.Run("corrupt cache aborts startup", func(t *testing.T) {
		cfg := testConfig(t)

		e, err := Open(ctx, cfg, &colourEmbedder{}, Options{})
		require.NoError(t, err)
		require.NoError(t, e.Close())

		require.NoError(t, os.WriteFile(filepath.Join(cfg.Cache.Dir, "dog.vec"), []byte("junk"), 0644))

		_, err = Open(ctx, cfg, &colourEmbedder{}, Options{})
		assert.ErrorIs(t, err, cache.ErrCacheCorruption)
	})

	t.Run("undecodable image aborts startup", func(t *testing.T) {
		cfg := testConfig(t)
		require.NoError(t, os.WriteFile(filepath.Join(cfg.Images.Dir, "broken.png"), []byte("nope"), 0644))

		_, err := Open(ctx, cfg, &colourEmbedder{}, Options{})
		assert.ErrorIs(t, err, embeddings.ErrDecode)
	})
}

func TestEmptyCorpus(t *testing.T) {
	cfg := testConfig(t)
	for _, name := range []string{"cat.png", "dog.png", "bird.png"} {
		require.NoError(t, os.Remove(filepath.Join(cfg.Images.Dir, name)))
	}

	e, err := Open(context.Background(), cfg, &colourEmbedder{}, Options{})
	require.NoError(t, err)
	defer e.Close()

	resp, err := e.Searcher().SearchText(context.Background(), "dog", 5)
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
}

// gatedEmbedder blocks image embeds while armed until release is closed.
type gatedEmbedder struct {
	colourEmbedder
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedEmbedder) EmbedImage(ctx context.Context, img image.Image) ([]float32, error) {
	if g.armed.Load() {
		g.once.Do(func() { close(g.entered) })
		<-g.release
	}
	return g.colourEmbedder.EmbedImage(ctx, img)
}

func TestStatusDuringReload(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	emb := &gatedEmbedder{entered: make(chan struct{}), release: make(chan struct{})}
	e, err := Open(ctx, cfg, emb, Options{})
	require.NoError(t, err)
	defer e.Close()

	writePNG(t, filepath.Join(cfg.Images.Dir, "ant.png"), color.RGBA{R: 255, G: 255, A: 255})
	emb.armed.Store(true)

	reloaded := make(chan error, 1)
	go func() { reloaded <- e.Reload(ctx) }()

	select {
	case <-emb.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("reload never reached the embedder")
	}

	statuses := make(chan Status, 1)
	go func() { statuses <- e.Status() }()

	select {
	case st := <-statuses:
		assert.Equal(t, 3, st.Images, "old index is reported while rebuilding")
	case <-time.After(2 * time.Second):
		t.Fatal("Status blocked behind a running reload")
	}

	close(emb.release)
	require.NoError(t, <-reloaded)
	assert.Equal(t, 4, e.Status().Images)
}

func TestOversizedImagesReported(t *testing.T) {
	cfg := testConfig(t)
	cfg.Images.MaxFileSize = 4096

	rng := rand.New(rand.NewPCG(1, 2))
	noise := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for i := range noise.Pix {
		noise.Pix[i] = uint8(rng.UintN(256))
	}
	f, err := os.Create(filepath.Join(cfg.Images.Dir, "big.png"))
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, noise))
	require.NoError(t, f.Close())

	e, err := Open(context.Background(), cfg, &colourEmbedder{}, Options{})
	require.NoError(t, err)
	defer e.Close()

	st := e.Status()
	assert.Equal(t, 3, st.Images)
	assert.Equal(t, []string{"big.png"}, st.Oversized)
}
