package enrich

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.etcd.io/bbolt"

	"github.com/datalab/medsync/pkg/faults"
	"github.com/datalab/medsync/pkg/log"
	"github.com/datalab/medsync/pkg/metrics"
)

var cacheBucket = []byte("embeddings")

// CacheKey derives the embedding cache key from the post-scrub text and the
// model version. Bumping the model version invalidates every entry.
func CacheKey(text, modelVersion string) string {
	h := sha256.New()
	h.Write([]byte(text))
	h.Write([]byte{0})
	h.Write([]byte(modelVersion))
	return hex.EncodeToString(h.Sum(nil))
}

// EmbedCache keeps recently used embeddings in memory with an optional
// on-disk spill. The file layer is advisory: it survives restarts but the
// pipeline is correct without it, so file I/O failures degrade to misses.
type EmbedCache struct {
	mem  *lru.Cache[string, []float32]
	file *bbolt.DB
}

// NewEmbedCache builds the cache. An empty path disables the file layer.
func NewEmbedCache(entries int, path string) (*EmbedCache, error) {
	mem, err := lru.New[string, []float32](entries)
	if err != nil {
		return nil, faults.New(faults.Persistent, "enrich.cache", err)
	}
	c := &EmbedCache{mem: mem}
	if path != "" {
		db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
		if err != nil {
			return nil, faults.New(faults.Persistent, "enrich.cache", err)
		}
		err = db.Update(func(tx *bbolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(cacheBucket)
			return err
		})
		if err != nil {
			db.Close()
			return nil, faults.New(faults.Persistent, "enrich.cache", err)
		}
		c.file = db
	}
	return c, nil
}

// Get returns the cached vector for the key, promoting file hits into the
// in-memory layer
func (c *EmbedCache) Get(key string) ([]float32, bool) {
	if vec, ok := c.mem.Get(key); ok {
		metrics.EmbeddingCacheHits.Inc()
		return vec, true
	}
	if c.file != nil {
		var vec []float32
		err := c.file.View(func(tx *bbolt.Tx) error {
			raw := tx.Bucket(cacheBucket).Get([]byte(key))
			if raw == nil || len(raw)%4 != 0 {
				return nil
			}
			vec = make([]float32, len(raw)/4)
			for i := range vec {
				vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
			}
			return nil
		})
		if err == nil && vec != nil {
			c.mem.Add(key, vec)
			metrics.EmbeddingCacheHits.Inc()
			return vec, true
		}
	}
	metrics.EmbeddingCacheMisses.Inc()
	return nil, false
}

// Put stores the vector under the key in both layers
func (c *EmbedCache) Put(key string, vec []float32) {
	c.mem.Add(key, vec)
	if c.file == nil {
		return
	}
	raw := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(f))
	}
	err := c.file.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(cacheBucket).Put([]byte(key), raw)
	})
	if err != nil {
		logger := log.WithComponent("enrich")
		logger.Warn().Err(err).Msg("embedding cache spill failed")
	}
}

// Len returns the number of in-memory entries
func (c *EmbedCache) Len() int {
	return c.mem.Len()
}

// Close releases the file layer if present
func (c *EmbedCache) Close() error {
	if c.file != nil {
		return c.file.Close()
	}
	return nil
}
