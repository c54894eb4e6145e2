package ace

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"flowforge/internal/analyzer"
	"flowforge/internal/config"
	"flowforge/internal/embedding"
	"flowforge/internal/logging"
	"flowforge/internal/storage"
)

// ContextManager stores context entries per task class, one JSON file per
// class, with an in-memory cache in front. Retrieval ranks entries by a mix
// of embedding similarity and accumulated feedback.
type ContextManager struct {
	mu    sync.Mutex
	st    *storage.Manager
	an    *analyzer.Analyzer
	emb   *embedding.Cache
	cfg   config.ContextConfig
	cache map[string][]*ContextEntry
}

// NewContextManager creates the manager.
func NewContextManager(st *storage.Manager, an *analyzer.Analyzer, emb *embedding.Cache, cfg config.ContextConfig) *ContextManager {
	return &ContextManager{
		st:    st,
		an:    an,
		emb:   emb,
		cfg:   cfg,
		cache: make(map[string][]*ContextEntry),
	}
}

// LoadClass returns the entries of a task class. A missing or unreadable
// file yields an empty slice.
func (m *ContextManager) LoadClass(class string) []*ContextEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadLocked(class)
}

func (m *ContextManager) loadLocked(class string) []*ContextEntry {
	if entries, ok := m.cache[class]; ok {
		return entries
	}
	var entries []*ContextEntry
	if err := m.st.LoadJSON(m.st.ContextFile(class), &entries); err != nil {
		entries = nil
	}
	m.cache[class] = entries
	return entries
}

// SaveClass persists the entries of a task class and refreshes the cache.
func (m *ContextManager) SaveClass(class string, entries []*ContextEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked(class, entries)
}

func (m *ContextManager) saveLocked(class string, entries []*ContextEntry) error {
	if err := m.st.SaveJSON(m.st.ContextFile(class), entries); err != nil {
		return fmt.Errorf("%w: save class %s: %v", ErrContext, class, err)
	}
	m.cache[class] = entries
	return nil
}

// AddEntry appends an entry to a class.
func (m *ContextManager) AddEntry(class string, entry *ContextEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := append(m.loadLocked(class), entry)
	return m.saveLocked(class, entries)
}

// Classes lists all task classes that have a context file.
func (m *ContextManager) Classes() []string {
	paths, err := m.st.ListJSON(m.st.ContextsDir())
	if err != nil {
		return nil
	}
	classes := make([]string, 0, len(paths))
	for _, p := range paths {
		classes = append(classes, strings.TrimSuffix(filepath.Base(p), ".json"))
	}
	sort.Strings(classes)
	return classes
}

// MarkEntry applies user feedback to an entry by id, searching every class.
// Returns false when the entry does not exist.
func (m *ContextManager) MarkEntry(entryID string, useful bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, class := range m.Classes() {
		entries := m.loadLocked(class)
		for _, e := range entries {
			if e.EntryID != entryID {
				continue
			}
			if useful {
				e.MarkUseful()
			} else {
				e.MarkHarmful()
			}
			e.Touch()
			if err := m.saveLocked(class, entries); err != nil {
				return false, err
			}
			logging.Get(logging.CategoryACE).Infow("entry feedback recorded",
				"entry_id", entryID, "useful", useful, "score", e.Metadata.Score)
			return true, nil
		}
	}
	return false, nil
}

// DeleteEntry removes an entry by id. Returns false when absent.
func (m *ContextManager) DeleteEntry(entryID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, class := range m.Classes() {
		entries := m.loadLocked(class)
		for i, e := range entries {
			if e.EntryID != entryID {
				continue
			}
			entries = append(entries[:i], entries[i+1:]...)
			if err := m.saveLocked(class, entries); err != nil {
				return false, err
			}
			return true, nil
		}
	}
	return false, nil
}

// IdentifyTaskClass classifies a task description into a
// "primary-subcategory" class through the cached analyzer. Equal tasks hit
// the exact cache; near-identical phrasings hit the semantic cache.
func (m *ContextManager) IdentifyTaskClass(ctx context.Context, description string) (string, error) {
	normalized := storage.NormalizeTaskDescription(description)
	cacheKey := "task_class_" + embedding.HashText(normalized)

	result, err := m.an.Analyze(ctx, buildTaskClassPrompt(description), cacheKey, analyzer.Options{
		SemanticMatch:       true,
		SimilarityThreshold: 0.95,
	})
	if err != nil {
		return "", fmt.Errorf("%w: identify task class: %v", ErrContext, err)
	}

	primary, _ := result["primary_category"].(string)
	sub, _ := result["sub_category"].(string)
	if primary == "" {
		primary = "general"
	}
	if sub == "" {
		sub = "other"
	}
	return primary + "-" + sub, nil
}

func buildTaskClassPrompt(description string) string {
	return fmt.Sprintf(`Classify the following task.

Task: %s

Respond with JSON:
{
  "primary_category": "...",
  "sub_category": "...",
  "confidence": 0.95,
  "reasoning": "..."
}

Category definitions:

1. chat_analysis: wechat_extraction | qq_extraction | general_chat
2. text_generation: continuation | rewrite | summarize | expansion | translation
3. document_analysis: pdf_extraction | image_ocr | table_extraction | general_doc
4. image_processing: content_extraction | screenshot_analysis | visual_qa
5. automation: ui_automation | workflow_automation
6. general: other

Classify by the core intent of the task, not by surface keywords.
Return JSON only.`, description)
}

// Retrieved pairs an entry with its retrieval score.
type Retrieved struct {
	Entry *ContextEntry
	Score float64
}

// similarityPrefixRunes bounds how much of an entry's content feeds the
// similarity ranking. Long entries would otherwise dilute the embedding.
const similarityPrefixRunes = 500

// RetrieveRelevant returns the top entries of the task's class ranked by
// 0.7 * embedding similarity + 0.3 * feedback weight. Similarity is computed
// against a content prefix. An empty class is identified from the
// description first.
func (m *ContextManager) RetrieveRelevant(ctx context.Context, description, class string) ([]Retrieved, error) {
	timer := logging.StartTimer(logging.CategoryACE, "RetrieveRelevant")
	defer timer.Stop()

	if class == "" {
		var err error
		class, err = m.IdentifyTaskClass(ctx, description)
		if err != nil {
			return nil, err
		}
	}

	// Snapshot under the lock; cached entries are shared, so embedding calls
	// must not read them concurrently with feedback writers.
	type snapshot struct {
		entry  *ContextEntry
		prefix string
		weight float64
	}
	m.mu.Lock()
	entries := m.loadLocked(class)
	snaps := make([]snapshot, len(entries))
	for i, e := range entries {
		snaps[i] = snapshot{
			entry:  e,
			prefix: runePrefix(e.Content, similarityPrefixRunes),
			weight: e.FeedbackWeight(),
		}
	}
	m.mu.Unlock()

	if len(snaps) == 0 {
		return nil, nil
	}

	scored := make([]Retrieved, 0, len(snaps))
	for _, s := range snaps {
		similarity, err := m.emb.Similarity(ctx, description, s.prefix)
		if err != nil {
			return nil, fmt.Errorf("%w: entry similarity: %v", ErrContext, err)
		}
		scored = append(scored, Retrieved{
			Entry: s.entry,
			Score: similarity*0.7 + s.weight*0.3,
		})
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })

	topK := m.cfg.RetrievalTopK
	if topK <= 0 {
		topK = 5
	}
	if len(scored) > topK {
		scored = scored[:topK]
	}

	m.mu.Lock()
	for _, r := range scored {
		r.Entry.Touch()
	}
	err := m.saveLocked(class, m.loadLocked(class))
	m.mu.Unlock()
	if err != nil {
		logging.Get(logging.CategoryACE).Warnw("last-used update failed", "class", class, "err", err)
	}
	return scored, nil
}

// runePrefix returns the first limit runes of s without splitting a
// multi-byte sequence.
func runePrefix(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == limit {
			return s[:i]
		}
		count++
	}
	return s
}

// CleanupLowScore deletes entries scoring below threshold across all
// classes. Returns the number deleted.
func (m *ContextManager) CleanupLowScore(threshold int) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	deleted := 0
	for _, class := range m.Classes() {
		entries := m.loadLocked(class)
		kept := entries[:0:0]
		for _, e := range entries {
			if e.Metadata.Score >= threshold {
				kept = append(kept, e)
			}
		}
		if len(kept) < len(entries) {
			deleted += len(entries) - len(kept)
			if err := m.saveLocked(class, kept); err != nil {
				logging.Get(logging.CategoryACE).Warnw("cleanup save failed", "class", class, "err", err)
			}
		}
	}
	if deleted > 0 {
		logging.Get(logging.CategoryACE).Infow("low-score entries pruned", "deleted", deleted)
	}
	return deleted
}

// ClearCache drops the in-memory class cache.
func (m *ContextManager) ClearCache() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache = make(map[string][]*ContextEntry)
}
