package embedding

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sync"

	"flowforge/internal/logging"
	"flowforge/internal/storage"
)

// Cache is the persisted text-to-vector map shared across sessions. Keys are
// MD5 hashes of the text bytes; the backing JSON file is loaded once at
// startup and rewritten on every store so a crash loses at most the in-flight
// write. All access is mutex-guarded; the analyzer's semantic lookup shares
// this file, so there is a single writer.
type Cache struct {
	mu       sync.Mutex
	vectors  map[string][]float32
	st       *storage.Manager
	embedder Embedder
}

// NewCache loads the backing file. A missing or unparseable file initialises
// an empty cache without failing.
func NewCache(st *storage.Manager, embedder Embedder) *Cache {
	c := &Cache{
		vectors:  make(map[string][]float32),
		st:       st,
		embedder: embedder,
	}

	lg := logging.Get(logging.CategoryEmbedding)
	if err := st.LoadJSON(st.EmbeddingCacheFile(), &c.vectors); err != nil {
		if err != storage.ErrNotFound {
			lg.Warnw("embedding cache unreadable, starting empty", "err", err)
		}
		c.vectors = make(map[string][]float32)
	}
	lg.Infow("embedding cache loaded", "entries", len(c.vectors))
	return c
}

// HashText returns the cache key for a text.
func HashText(text string) string {
	sum := md5.Sum([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Get returns the embedding for text, computing and persisting it on a miss.
func (c *Cache) Get(ctx context.Context, text string) ([]float32, error) {
	key := HashText(text)

	c.mu.Lock()
	if vec, ok := c.vectors[key]; ok {
		c.mu.Unlock()
		return vec, nil
	}
	c.mu.Unlock()

	vec, err := c.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed miss for %q: %w", key, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.vectors[key] = vec
	if err := c.flushLocked(); err != nil {
		// Cache hygiene failure: log and continue, the vector is still usable.
		logging.Get(logging.CategoryEmbedding).Warnw("embedding cache flush failed", "err", err)
	}
	return vec, nil
}

// Lookup returns a cached vector without computing on miss.
func (c *Cache) Lookup(text string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	vec, ok := c.vectors[HashText(text)]
	return vec, ok
}

// Similarity embeds both texts through the cache and returns their cosine
// similarity.
func (c *Cache) Similarity(ctx context.Context, a, b string) (float64, error) {
	va, err := c.Get(ctx, a)
	if err != nil {
		return 0, err
	}
	vb, err := c.Get(ctx, b)
	if err != nil {
		return 0, err
	}
	return CosineSimilarity(va, vb)
}

// Snapshot returns a copy of all cached hash-vector pairs. Used by the
// analyzer's semantic scan.
func (c *Cache) Snapshot() map[string][]float32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string][]float32, len(c.vectors))
	for k, v := range c.vectors {
		out[k] = v
	}
	return out
}

// Len returns the number of cached vectors.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.vectors)
}

func (c *Cache) flushLocked() error {
	return c.st.SaveJSON(c.st.EmbeddingCacheFile(), c.vectors)
}
