package embedding

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowforge/internal/storage"
)

// countingEmbedder hands out fixed vectors per text and counts model calls.
type countingEmbedder struct {
	vectors map[string][]float32
	calls   int
}

func (e *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.calls++
	if vec, ok := e.vectors[text]; ok {
		return vec, nil
	}
	return nil, fmt.Errorf("no vector scripted for %q", text)
}

func TestCosineSimilarity(t *testing.T) {
	identical, err := CosineSimilarity([]float32{1, 2, 3}, []float32{1, 2, 3})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, identical, 1e-9)

	orthogonal, err := CosineSimilarity([]float32{1, 0}, []float32{0, 1})
	require.NoError(t, err)
	assert.InDelta(t, 0.0, orthogonal, 1e-9)

	opposite, err := CosineSimilarity([]float32{1, 0}, []float32{-1, 0})
	require.NoError(t, err)
	assert.InDelta(t, -1.0, opposite, 1e-9)

	_, err = CosineSimilarity([]float32{1, 2}, []float32{1, 2, 3})
	assert.Error(t, err)

	zero, err := CosineSimilarity([]float32{0, 0}, []float32{1, 2})
	require.NoError(t, err)
	assert.Zero(t, zero)
}

func TestFindTopK(t *testing.T) {
	query := []float32{1, 0}
	corpus := [][]float32{
		{0, 1},       // orthogonal
		{1, 0},       // identical
		{1, 1},       // 45 degrees
		{1, 2, 3},    // wrong dimension, skipped
		{-1, 0},      // opposite
	}

	results := FindTopK(query, corpus, 2)
	require.Len(t, results, 2)
	assert.Equal(t, 1, results[0].Index)
	assert.InDelta(t, 1.0, results[0].Similarity, 1e-9)
	assert.Equal(t, 2, results[1].Index)

	// k larger than the corpus returns everything embeddable.
	all := FindTopK(query, corpus, 10)
	assert.Len(t, all, 4)
	assert.Equal(t, 4, all[3].Index)
}

func TestCacheComputesOnce(t *testing.T) {
	st, err := storage.NewManager(t.TempDir())
	require.NoError(t, err)

	emb := &countingEmbedder{vectors: map[string][]float32{
		"summarize the report": {1, 0, 0},
	}}
	c := NewCache(st, emb)

	ctx := context.Background()
	v1, err := c.Get(ctx, "summarize the report")
	require.NoError(t, err)
	v2, err := c.Get(ctx, "summarize the report")
	require.NoError(t, err)

	assert.Equal(t, v1, v2)
	assert.Equal(t, 1, emb.calls)
	assert.Equal(t, 1, c.Len())

	_, err = c.Get(ctx, "unscripted text")
	assert.Error(t, err)
}

func TestCacheLookup(t *testing.T) {
	st, err := storage.NewManager(t.TempDir())
	require.NoError(t, err)

	emb := &countingEmbedder{vectors: map[string][]float32{"hello": {1}}}
	c := NewCache(st, emb)

	_, ok := c.Lookup("hello")
	assert.False(t, ok)

	_, err = c.Get(context.Background(), "hello")
	require.NoError(t, err)

	vec, ok := c.Lookup("hello")
	assert.True(t, ok)
	assert.Equal(t, []float32{1}, vec)
}

func TestCachePersistsAcrossInstances(t *testing.T) {
	st, err := storage.NewManager(t.TempDir())
	require.NoError(t, err)

	emb := &countingEmbedder{vectors: map[string][]float32{"persisted text": {0, 1}}}
	c1 := NewCache(st, emb)
	_, err = c1.Get(context.Background(), "persisted text")
	require.NoError(t, err)

	// A fresh cache over the same work dir serves the vector from disk.
	c2 := NewCache(st, &countingEmbedder{})
	vec, err := c2.Get(context.Background(), "persisted text")
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1}, vec)
}

func TestCacheSimilarityAndSnapshot(t *testing.T) {
	st, err := storage.NewManager(t.TempDir())
	require.NoError(t, err)

	emb := &countingEmbedder{vectors: map[string][]float32{
		"a": {1, 0},
		"b": {0, 1},
	}}
	c := NewCache(st, emb)

	sim, err := c.Similarity(context.Background(), "a", "b")
	require.NoError(t, err)
	assert.InDelta(t, 0.0, sim, 1e-9)

	snap := c.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, []float32{1, 0}, snap[HashText("a")])

	// Mutating the snapshot must not leak into the cache.
	snap[HashText("a")] = []float32{9, 9}
	vec, _ := c.Lookup("a")
	assert.Equal(t, []float32{1, 0}, vec)
}

func TestHashTextStable(t *testing.T) {
	assert.Equal(t, HashText("same input"), HashText("same input"))
	assert.NotEqual(t, HashText("same input"), HashText("other input"))
	assert.Len(t, HashText("x"), 32)
}
