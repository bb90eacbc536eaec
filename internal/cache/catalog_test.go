package cache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := OpenCatalog(filepath.Join(t.TempDir(), CatalogFile))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestOpenCatalog(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", CatalogFile)

	c, err := OpenCatalog(dbPath)
	require.NoError(t, err)
	defer c.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err)
}

func TestCatalogReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), CatalogFile)

	c, err := OpenCatalog(dbPath)
	require.NoError(t, err)
	require.NoError(t, c.SetIdentity(Identity{Provider: "clipserver", Model: "ViT-B-32::openai", Dimensions: 512}))
	require.NoError(t, c.Close())

	c, err = OpenCatalog(dbPath)
	require.NoError(t, err)
	defer c.Close()

	id, err := c.Identity()
	require.NoError(t, err)
	require.NotNil(t, id)
	assert.Equal(t, 512, id.Dimensions)
}

func TestCatalogIdentity(t *testing.T) {
	c := setupTestCatalog(t)

	id, err := c.Identity()
	require.NoError(t, err)
	assert.Nil(t, id, "fresh catalog has no identity")

	want := Identity{Provider: "openai", Model: "jina-clip-v1", Dimensions: 768}
	require.NoError(t, c.SetIdentity(want))

	id, err = c.Identity()
	require.NoError(t, err)
	require.NotNil(t, id)
	assert.Equal(t, want, *id)
}

func TestCatalogEntries(t *testing.T) {
	c := setupTestCatalog(t)

	require.NoError(t, c.PutEntry(Entry{Name: "cat.jpg", Key: "cat", SourceHash: "h1", SourceSize: 10, Model: "m", Dimensions: 3}))
	require.NoError(t, c.PutEntry(Entry{Name: "dog.jpg", Key: "dog", SourceHash: "h2", SourceSize: 20, Model: "m", Dimensions: 3}))

	entries, err := c.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "h1", entries["cat.jpg"].SourceHash)
	assert.Equal(t, int64(20), entries["dog.jpg"].SourceSize)
	assert.False(t, entries["cat.jpg"].CreatedAt.IsZero())

	t.Run("replace by name", func(t *testing.T) {
		require.NoError(t, c.PutEntry(Entry{Name: "cat.jpg", Key: "cat", SourceHash: "h3", Model: "m", Dimensions: 3}))

		entries, err := c.Entries()
		require.NoError(t, err)
		assert.Len(t, entries, 2)
		assert.Equal(t, "h3", entries["cat.jpg"].SourceHash)
	})

	t.Run("replace by key", func(t *testing.T) {
		require.NoError(t, c.PutEntry(Entry{Name: "dog.png", Key: "dog", SourceHash: "h4", Model: "m", Dimensions: 3}))

		entries, err := c.Entries()
		require.NoError(t, err)
		assert.Len(t, entries, 2)
		assert.Contains(t, entries, "dog.png")
		assert.NotContains(t, entries, "dog.jpg")
	})
}

func TestCatalogManifest(t *testing.T) {
	c := setupTestCatalog(t)

	names, err := c.Manifest()
	require.NoError(t, err)
	assert.Empty(t, names)

	require.NoError(t, c.PutEntry(Entry{Name: "a.jpg", Key: "a", SourceHash: "h", Model: "m", Dimensions: 1}))
	require.NoError(t, c.PutEntry(Entry{Name: "gone.jpg", Key: "gone", SourceHash: "h", Model: "m", Dimensions: 1}))

	built := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, c.ReplaceManifest([]string{"z.jpg", "a.jpg"}, built))

	names, err = c.Manifest()
	require.NoError(t, err)
	assert.Equal(t, []string{"z.jpg", "a.jpg"}, names, "manifest keeps the given order")

	entries, err := c.Entries()
	require.NoError(t, err)
	assert.Contains(t, entries, "a.jpg")
	assert.NotContains(t, entries, "gone.jpg", "entries outside the manifest are pruned")

	last, err := c.LastBuild()
	require.NoError(t, err)
	assert.True(t, built.Equal(last))

	require.NoError(t, c.ReplaceManifest(nil, built))
	names, err = c.Manifest()
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestCatalogLastBuildUnset(t *testing.T) {
	c := setupTestCatalog(t)

	last, err := c.LastBuild()
	require.NoError(t, err)
	assert.True(t, last.IsZero())
}
