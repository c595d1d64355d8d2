package enrich

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datalab/medsync/pkg/types"
)

func TestEmbedCacheMemoryLayer(t *testing.T) {
	c, err := NewEmbedCache(2, "")
	require.NoError(t, err)
	defer c.Close()

	vec := vectorOfDim(types.EmbeddingDim)
	key := CacheKey("text", "v1")
	c.Put(key, vec)

	got, ok := c.Get(key)
	require.True(t, ok)
	assert.Equal(t, vec, got)

	_, ok = c.Get(CacheKey("other", "v1"))
	assert.False(t, ok)
}

func TestEmbedCacheEvictsLRU(t *testing.T) {
	c, err := NewEmbedCache(2, "")
	require.NoError(t, err)
	defer c.Close()

	c.Put("a", []float32{1})
	c.Put("b", []float32{2})
	c.Put("c", []float32{3})

	_, ok := c.Get("a")
	assert.False(t, ok, "oldest entry should be evicted")
	assert.Equal(t, 2, c.Len())
}

func TestEmbedCacheFileLayerSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "embeddings.db")
	vec := vectorOfDim(types.EmbeddingDim)
	key := CacheKey("persistent text", "v1")

	c, err := NewEmbedCache(4, path)
	require.NoError(t, err)
	c.Put(key, vec)
	require.NoError(t, c.Close())

	reopened, err := NewEmbedCache(4, path)
	require.NoError(t, err)
	defer reopened.Close()

	got, ok := reopened.Get(key)
	require.True(t, ok, "file layer should serve entries across restarts")
	assert.Equal(t, vec, got)
}
