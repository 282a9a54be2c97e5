package memory

import (
	"context"

	"github.com/dgraph-io/ristretto"
	"github.com/m-mizutani/goerr/v2"
)

// CachingEmbedder memoizes another Embedder per (vector name, text).
type CachingEmbedder struct {
	inner Embedder
	cache *ristretto.Cache
}

// NewCachingEmbedder wraps inner with a cache holding up to maxEntries vectors.
func NewCachingEmbedder(inner Embedder, maxEntries int64) (*CachingEmbedder, error) {
	if maxEntries <= 0 {
		maxEntries = 4096
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create embedding cache")
	}
	return &CachingEmbedder{inner: inner, cache: cache}, nil
}

func cacheKey(vectorName, text string) string {
	return vectorName + "\x00" + text
}

func (c *CachingEmbedder) Embed(ctx context.Context, texts []string, vectorName string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string
	for i, text := range texts {
		if v, ok := c.cache.Get(cacheKey(vectorName, text)); ok {
			if vec, ok := v.([]float32); ok {
				out[i] = append([]float32(nil), vec...)
				continue
			}
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	vecs, err := c.inner.Embed(ctx, missTexts, vectorName)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(missTexts) {
		return nil, goerr.Wrap(ErrEmbeddingUnavailable, "embedder returned wrong number of vectors",
			goerr.V("want", len(missTexts)), goerr.V("got", len(vecs)))
	}
	for j, idx := range missIdx {
		out[idx] = vecs[j]
		c.cache.Set(cacheKey(vectorName, missTexts[j]), append([]float32(nil), vecs[j]...), 1)
	}
	return out, nil
}

// Close releases the cache.
func (c *CachingEmbedder) Close() {
	c.cache.Close()
}
