package ace

import (
	"context"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextSaveLoadClass(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	entries := []*ContextEntry{
		NewEntry(EntryStrategy, "read before transforming"),
		NewEntry(EntryKnowledge, "chat exports are chronological"),
	}
	require.NoError(t, env.cm.SaveClass("chat_analysis-general_chat", entries))

	loaded := env.cm.LoadClass("chat_analysis-general_chat")
	require.Len(t, loaded, 2)
	assert.Equal(t, entries[0].EntryID, loaded[0].EntryID)

	assert.Empty(t, env.cm.LoadClass("no-such-class"))
	assert.Equal(t, []string{"chat_analysis-general_chat"}, env.cm.Classes())
}

func TestContextAddEntry(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	require.NoError(t, env.cm.AddEntry("general-other", NewEntry(EntryKnowledge, "a")))
	require.NoError(t, env.cm.AddEntry("general-other", NewEntry(EntryKnowledge, "b")))
	assert.Len(t, env.cm.LoadClass("general-other"), 2)
}

func TestMarkEntryAcrossClasses(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	target := NewEntry(EntryToolUsage, "target")
	require.NoError(t, env.cm.SaveClass("class-a", []*ContextEntry{NewEntry(EntryStrategy, "other")}))
	require.NoError(t, env.cm.SaveClass("class-b", []*ContextEntry{target}))

	found, err := env.cm.MarkEntry(target.EntryID, true)
	require.NoError(t, err)
	assert.True(t, found)

	reloaded := env.cm.LoadClass("class-b")
	require.Len(t, reloaded, 1)
	assert.Equal(t, 1, reloaded[0].Metadata.Score)

	found, err = env.cm.MarkEntry("missing-id", false)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDeleteEntry(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	keep := NewEntry(EntryStrategy, "keep")
	drop := NewEntry(EntryStrategy, "drop")
	require.NoError(t, env.cm.SaveClass("class-a", []*ContextEntry{keep, drop}))

	found, err := env.cm.DeleteEntry(drop.EntryID)
	require.NoError(t, err)
	assert.True(t, found)

	remaining := env.cm.LoadClass("class-a")
	require.Len(t, remaining, 1)
	assert.Equal(t, keep.EntryID, remaining[0].EntryID)

	found, err = env.cm.DeleteEntry(drop.EntryID)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestIdentifyTaskClass(t *testing.T) {
	env := newTestEnv(t, []map[string]any{
		classifyResponse("text_generation", "summarize"),
	}, nil)

	class, err := env.cm.IdentifyTaskClass(context.Background(), "Summarize this article")
	require.NoError(t, err)
	assert.Equal(t, "text_generation-summarize", class)

	// Same normalized description hits the exact analysis cache.
	class, err = env.cm.IdentifyTaskClass(context.Background(), "summarize   this ARTICLE")
	require.NoError(t, err)
	assert.Equal(t, "text_generation-summarize", class)
	assert.Equal(t, 1, env.client.calls())
}

func TestIdentifyTaskClassDefaults(t *testing.T) {
	env := newTestEnv(t, []map[string]any{
		{"confidence": 0.1},
	}, nil)

	class, err := env.cm.IdentifyTaskClass(context.Background(), "do something odd")
	require.NoError(t, err)
	assert.Equal(t, "general-other", class)
}

func TestRetrieveRelevantRanking(t *testing.T) {
	env := newTestEnv(t, nil, map[string][]float32{
		"find the totals":      {1, 0, 0},
		"close match strategy": {1, 0, 0},
		"unrelated note":       {0, 1, 0},
	})

	match := NewEntry(EntryStrategy, "close match strategy")
	other := NewEntry(EntryKnowledge, "unrelated note")
	require.NoError(t, env.cm.SaveClass("document_analysis-table_extraction", []*ContextEntry{other, match}))

	got, err := env.cm.RetrieveRelevant(context.Background(), "find the totals", "document_analysis-table_extraction")
	require.NoError(t, err)
	require.Len(t, got, 2)

	// similarity 1.0 * 0.7 + neutral 0.5 * 0.3
	assert.Equal(t, match.EntryID, got[0].Entry.EntryID)
	assert.InDelta(t, 0.85, got[0].Score, 1e-6)
	assert.InDelta(t, 0.15, got[1].Score, 1e-6)
}

func TestRetrieveRelevantFeedbackBreaksTies(t *testing.T) {
	env := newTestEnv(t, nil, map[string][]float32{
		"task":    {1, 0, 0},
		"liked":   {1, 0, 0},
		"dislike": {1, 0, 0},
	})

	liked := NewEntry(EntryStrategy, "liked")
	liked.MarkUseful()
	disliked := NewEntry(EntryStrategy, "dislike")
	disliked.MarkHarmful()
	require.NoError(t, env.cm.SaveClass("general-other", []*ContextEntry{disliked, liked}))

	got, err := env.cm.RetrieveRelevant(context.Background(), "task", "general-other")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, liked.EntryID, got[0].Entry.EntryID)
}

func TestRetrieveRelevantRanksByContentPrefix(t *testing.T) {
	long := strings.Repeat("a", 600)
	env := newTestEnv(t, nil, map[string][]float32{
		"find the summary":       {0, 0, 1},
		strings.Repeat("a", 500): {0, 0, 1},
		long:                     {0, 1, 0},
	})

	entry := NewEntry(EntryStrategy, long)
	require.NoError(t, env.cm.SaveClass("general-other", []*ContextEntry{entry}))

	got, err := env.cm.RetrieveRelevant(context.Background(), "find the summary", "general-other")
	require.NoError(t, err)
	require.Len(t, got, 1)

	// Only the first 500 runes feed the similarity; embedding the full
	// content would score 0.15 here.
	assert.InDelta(t, 0.85, got[0].Score, 1e-6)
}

func TestRunePrefix(t *testing.T) {
	assert.Equal(t, "abc", runePrefix("abc", 10))
	assert.Equal(t, "ab", runePrefix("abc", 2))
	assert.Equal(t, "", runePrefix("abc", 0))

	multibyte := strings.Repeat("数", 7)
	got := runePrefix(multibyte, 5)
	assert.Equal(t, strings.Repeat("数", 5), got)
	assert.True(t, utf8.ValidString(got))
}

func TestRetrieveRelevantConcurrentWithFeedback(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	entry := NewEntry(EntryStrategy, "shared entry")
	require.NoError(t, env.cm.SaveClass("general-other", []*ContextEntry{entry}))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := env.cm.RetrieveRelevant(context.Background(), "shared entry", "general-other")
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := env.cm.MarkEntry(entry.EntryID, true)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	reloaded := env.cm.LoadClass("general-other")
	require.Len(t, reloaded, 1)
	assert.Equal(t, 8, reloaded[0].Metadata.Score)
}

func TestRetrieveRelevantEmptyClass(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	got, err := env.cm.RetrieveRelevant(context.Background(), "anything", "general-other")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRetrieveRelevantTopK(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.cm.cfg.RetrievalTopK = 2

	var entries []*ContextEntry
	for _, c := range []string{"a", "b", "c", "d"} {
		entries = append(entries, NewEntry(EntryKnowledge, c))
	}
	require.NoError(t, env.cm.SaveClass("general-other", entries))

	got, err := env.cm.RetrieveRelevant(context.Background(), "query", "general-other")
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestCleanupLowScore(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	bad := NewEntry(EntryErrorPattern, "bad")
	for i := 0; i < 4; i++ {
		bad.MarkHarmful()
	}
	good := NewEntry(EntryStrategy, "good")
	require.NoError(t, env.cm.SaveClass("general-other", []*ContextEntry{bad, good}))

	deleted := env.cm.CleanupLowScore(-3)
	assert.Equal(t, 1, deleted)

	remaining := env.cm.LoadClass("general-other")
	require.Len(t, remaining, 1)
	assert.Equal(t, good.EntryID, remaining[0].EntryID)
}
