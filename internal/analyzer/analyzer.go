// Package analyzer wraps model JSON calls with a two-level cache: an exact
// cache keyed by caller-supplied keys, and an opt-in semantic cache that
// reuses answers of previously analysed prompts above a cosine-similarity
// threshold.
package analyzer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"flowforge/internal/embedding"
	"flowforge/internal/logging"
	"flowforge/internal/model"
	"flowforge/internal/storage"
)

// Options configures one analysis call.
type Options struct {
	// SemanticMatch enables reuse of answers from similar prior prompts.
	SemanticMatch bool
	// SimilarityThreshold is the minimum cosine similarity for a semantic
	// hit. Zero means the default (0.95).
	SimilarityThreshold float64
}

const defaultSimilarityThreshold = 0.95

// Analyzer performs cached JSON analyses. The exact cache has an in-memory
// layer over per-key disk files; the semantic layer shares the embedding
// cache file with the rest of the engine.
type Analyzer struct {
	client model.Client
	emb    *embedding.Cache
	st     *storage.Manager

	mu         sync.Mutex
	memory     map[string]map[string]any
	promptKeys map[string]string // prompt hash -> exact cache key

	group singleflight.Group

	maxAge     time.Duration
	maxEntries int
}

// New creates the analyzer and runs initial cache hygiene.
func New(client model.Client, emb *embedding.Cache, st *storage.Manager, maxAge time.Duration, maxEntries int) *Analyzer {
	if maxAge <= 0 {
		maxAge = 30 * 24 * time.Hour
	}
	if maxEntries <= 0 {
		maxEntries = 1000
	}

	a := &Analyzer{
		client:     client,
		emb:        emb,
		st:         st,
		memory:     make(map[string]map[string]any),
		promptKeys: make(map[string]string),
		maxAge:     maxAge,
		maxEntries: maxEntries,
	}

	if err := st.LoadJSON(a.promptKeysFile(), &a.promptKeys); err != nil && err != storage.ErrNotFound {
		logging.Get(logging.CategoryAnalyzer).Warnw("prompt key map unreadable, starting empty", "err", err)
	}
	if a.promptKeys == nil {
		a.promptKeys = make(map[string]string)
	}

	if removed := a.cleanupOldCache(); removed > 0 {
		logging.Get(logging.CategoryAnalyzer).Infow("cache hygiene", "removed", removed)
	}
	return a
}

func (a *Analyzer) promptKeysFile() string {
	return filepath.Join(filepath.Dir(a.st.EmbeddingCacheFile()), "prompt_keys.json")
}

// Analyze resolves the prompt through the cache hierarchy, calling the model
// only on a full miss. Results are persisted under cacheKey.
func (a *Analyzer) Analyze(ctx context.Context, prompt, cacheKey string, opts Options) (map[string]any, error) {
	lg := logging.Get(logging.CategoryAnalyzer)

	// Exact cache: memory, then disk.
	a.mu.Lock()
	if result, ok := a.memory[cacheKey]; ok {
		a.mu.Unlock()
		lg.Debugw("exact cache hit (memory)", "key", cacheKey)
		return result, nil
	}
	a.mu.Unlock()

	var cached map[string]any
	if err := a.st.LoadJSON(a.st.LLMCacheFile(cacheKey), &cached); err == nil {
		a.mu.Lock()
		a.memory[cacheKey] = cached
		a.mu.Unlock()
		lg.Debugw("exact cache hit (disk)", "key", cacheKey)
		return cached, nil
	}

	// Semantic cache.
	if opts.SemanticMatch {
		threshold := opts.SimilarityThreshold
		if threshold == 0 {
			threshold = defaultSimilarityThreshold
		}
		if result, ok := a.findSimilarCached(ctx, prompt, threshold); ok {
			lg.Infow("semantic cache hit", "key", cacheKey, "threshold", threshold)
			a.store(prompt, cacheKey, result) // warm-fill under the new key
			return result, nil
		}
	}

	// Miss: call the model, deduplicating concurrent identical keys.
	v, err, _ := a.group.Do(cacheKey, func() (any, error) {
		result, err := a.client.CompleteJSON(ctx, prompt)
		if err != nil {
			return nil, fmt.Errorf("analyze %q: %w", cacheKey, err)
		}
		a.store(prompt, cacheKey, result)
		return result, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]any), nil
}

// store persists the answer under cacheKey and records the prompt embedding
// for future semantic lookups.
func (a *Analyzer) store(prompt, cacheKey string, result map[string]any) {
	lg := logging.Get(logging.CategoryAnalyzer)

	a.mu.Lock()
	a.memory[cacheKey] = result
	a.promptKeys[embedding.HashText(prompt)] = cacheKey
	if err := a.st.SaveJSON(a.promptKeysFile(), a.promptKeys); err != nil {
		lg.Warnw("prompt key map save failed", "err", err)
	}
	a.mu.Unlock()

	if err := a.st.SaveJSON(a.st.LLMCacheFile(cacheKey), result); err != nil {
		lg.Warnw("cache save failed", "key", cacheKey, "err", err)
	}

	// Best-effort embedding; a failure only degrades future semantic hits.
	if _, err := a.emb.Get(context.Background(), prompt); err != nil {
		lg.Debugw("prompt embedding failed", "err", err)
	}
}

// findSimilarCached scans the embedding cache for the closest prior prompt
// and returns its cached answer when above threshold.
func (a *Analyzer) findSimilarCached(ctx context.Context, prompt string, threshold float64) (map[string]any, bool) {
	current, err := a.emb.Get(ctx, prompt)
	if err != nil {
		logging.Get(logging.CategoryAnalyzer).Debugw("semantic lookup skipped", "err", err)
		return nil, false
	}

	a.mu.Lock()
	keys := make(map[string]string, len(a.promptKeys))
	for h, k := range a.promptKeys {
		keys[h] = k
	}
	a.mu.Unlock()

	bestSim := 0.0
	bestKey := ""
	for hash, vec := range a.emb.Snapshot() {
		cacheKey, ok := keys[hash]
		if !ok {
			continue
		}
		sim, err := embedding.CosineSimilarity(current, vec)
		if err != nil {
			continue
		}
		if sim > bestSim && sim >= threshold {
			bestSim = sim
			bestKey = cacheKey
		}
	}
	if bestKey == "" {
		return nil, false
	}

	var result map[string]any
	if err := a.st.LoadJSON(a.st.LLMCacheFile(bestKey), &result); err != nil {
		return nil, false
	}
	logging.Get(logging.CategoryAnalyzer).Debugw("semantic match", "key", bestKey, "similarity", bestSim)
	return result, true
}

// ClearCache drops memory and disk caches. Returns files removed.
func (a *Analyzer) ClearCache() int {
	a.mu.Lock()
	a.memory = make(map[string]map[string]any)
	a.promptKeys = make(map[string]string)
	a.mu.Unlock()

	dir := filepath.Dir(a.st.LLMCacheFile("x"))
	paths, err := a.st.ListJSON(dir)
	if err != nil {
		return 0
	}
	removed := 0
	for _, p := range paths {
		if filepath.Base(p) == "embeddings.json" {
			continue
		}
		if a.st.Remove(p) == nil {
			removed++
		}
	}
	return removed
}

// cleanupOldCache applies the age and LRU-size policies to the disk cache.
// Hygiene failures are logged and ignored.
func (a *Analyzer) cleanupOldCache() int {
	dir := filepath.Dir(a.st.LLMCacheFile("x"))
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}

	type aged struct {
		path string
		mod  time.Time
	}
	var files []aged
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != ".json" ||
			name == "embeddings.json" || name == "prompt_keys.json" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, aged{filepath.Join(dir, name), info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mod.Before(files[j].mod) })

	removed := 0
	cutoff := time.Now().Add(-a.maxAge)
	kept := files[:0]
	for _, f := range files {
		if f.mod.Before(cutoff) {
			if os.Remove(f.path) == nil {
				removed++
				continue
			}
		}
		kept = append(kept, f)
	}

	// LRU past the size cap: oldest first.
	if len(kept) > a.maxEntries {
		for _, f := range kept[:len(kept)-a.maxEntries] {
			if os.Remove(f.path) == nil {
				removed++
			}
		}
	}
	return removed
}
