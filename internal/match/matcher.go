package match

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"flowforge/internal/config"
	"flowforge/internal/embedding"
	"flowforge/internal/logging"
	"flowforge/internal/plan"
	"flowforge/internal/storage"
	"flowforge/internal/vectorindex"
)

// Matcher looks up reusable historical plans. Exact matching scans task
// records by normalized description, memoized per description; similarity
// matching goes through the vector index and loads candidate records from
// disk.
type Matcher struct {
	st    *storage.Manager
	emb   *embedding.Cache
	index *vectorindex.Index
	cfg   config.MatchingConfig

	mu    sync.Mutex
	exact map[string]string // normalized description -> flow_id
}

// NewMatcher creates a matcher. The index may be nil only in deployments
// that never call FindSimilarPlans.
func NewMatcher(st *storage.Manager, emb *embedding.Cache, index *vectorindex.Index, cfg config.MatchingConfig) *Matcher {
	return &Matcher{st: st, emb: emb, index: index, cfg: cfg, exact: make(map[string]string)}
}

// Invalidate drops memoized exact matches pointing at flowID. Called when a
// plan file changes outside the process.
func (m *Matcher) Invalidate(flowID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for desc, id := range m.exact {
		if id == flowID {
			delete(m.exact, desc)
		}
	}
}

// FindExactPlan returns the plan of a successful historical task whose
// normalized description equals the normalized query. The latest plan file
// wins over the task-record snapshot so external edits take effect.
func (m *Matcher) FindExactPlan(description string) (*plan.Plan, bool) {
	lg := logging.Get(logging.CategoryMatcher)
	normalized := storage.NormalizeTaskDescription(description)

	m.mu.Lock()
	flowID, memoized := m.exact[normalized]
	m.mu.Unlock()
	if memoized {
		var latest plan.Plan
		if err := m.st.LoadJSON(m.st.PlanFile(flowID), &latest); err == nil {
			return &latest, true
		}
		// Plan gone; drop the memo and fall through to the scan.
		m.Invalidate(flowID)
	}

	paths, err := m.st.ListJSON(m.st.TasksDir())
	if err != nil {
		lg.Warnw("task history listing failed", "err", err)
		return nil, false
	}

	for _, path := range paths {
		var record TaskRecord
		if err := m.st.LoadJSON(path, &record); err != nil {
			lg.Warnw("task record unreadable, skipping", "path", path, "err", err)
			continue
		}
		if !record.Success || record.Plan == nil {
			continue
		}
		if storage.NormalizeTaskDescription(record.TaskDescription) != normalized {
			continue
		}

		lg.Infow("exact task match", "flow_id", record.FlowID)
		m.mu.Lock()
		m.exact[normalized] = record.FlowID
		m.mu.Unlock()

		var latest plan.Plan
		if err := m.st.LoadJSON(m.st.PlanFile(record.FlowID), &latest); err == nil {
			return &latest, true
		} else if !errors.Is(err, storage.ErrNotFound) {
			lg.Warnw("latest plan unreadable, using record snapshot",
				"flow_id", record.FlowID, "err", err)
		}
		return record.Plan, true
	}
	return nil, false
}

// FindSimilarPlans embeds the query, searches the vector index, filters by
// threshold, and loads each candidate's task record. Candidates whose files
// have gone missing are logged and skipped.
func (m *Matcher) FindSimilarPlans(ctx context.Context, description string, threshold float64, topK int) ([]Similar, error) {
	lg := logging.Get(logging.CategoryMatcher)
	timer := logging.StartTimer(logging.CategoryMatcher, "FindSimilarPlans")
	defer timer.Stop()

	if m.index == nil {
		return nil, fmt.Errorf("%w: vector index unavailable", ErrMatching)
	}
	if threshold <= 0 {
		threshold = m.cfg.RetrievalThreshold
	}
	if topK <= 0 {
		topK = m.cfg.TopK
	}

	count, err := m.index.Count()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMatching, err)
	}
	if count == 0 {
		return nil, nil
	}

	query, err := m.emb.Get(ctx, description)
	if err != nil {
		return nil, fmt.Errorf("%w: embed query: %v", ErrMatching, err)
	}

	matches, err := m.index.SearchSimilarTasks(ctx, query, topK, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMatching, err)
	}

	var out []Similar
	for _, mt := range matches {
		if mt.Similarity < threshold {
			continue
		}
		var record TaskRecord
		if err := m.st.LoadJSON(m.st.TaskFile(mt.FlowID), &record); err != nil {
			lg.Warnw("indexed task has no record on disk, skipping",
				"flow_id", mt.FlowID, "err", err)
			continue
		}
		out = append(out, Similar{
			TaskID:     record.TaskID,
			FlowID:     mt.FlowID,
			Similarity: mt.Similarity,
			Record:     &record,
		})
	}
	lg.Infow("similarity search done", "candidates", len(matches), "kept", len(out), "threshold", threshold)
	return out, nil
}

// BestMatch returns the highest-similarity successful candidate at or above
// the reuse threshold.
func (m *Matcher) BestMatch(ctx context.Context, description string, threshold float64) (*Similar, error) {
	if threshold <= 0 {
		threshold = m.cfg.ReuseThreshold
	}
	candidates, err := m.FindSimilarPlans(ctx, description, threshold, m.cfg.TopK)
	if err != nil {
		return nil, err
	}
	for i := range candidates {
		if candidates[i].Record.Success {
			return &candidates[i], nil
		}
	}
	return nil, nil
}

// SaveTaskMapping writes the task record and pushes the vector-index entry
// in the background. Index failures never fail the save.
func (m *Matcher) SaveTaskMapping(description string, p *plan.Plan, success bool) (string, error) {
	lg := logging.Get(logging.CategoryMatcher)

	taskID := "task_" + p.FlowID
	record := TaskRecord{
		TaskID:          taskID,
		FlowID:          p.FlowID,
		TaskDescription: description,
		Plan:            p,
		Success:         success,
		CreatedAt:       p.CreatedAt,
		LastExecutedAt:  time.Now().UTC(),
		Keywords:        ExtractKeywords(description),
		ReusedFrom:      p.ReusedFrom,
	}
	if err := m.st.SaveJSON(m.st.TaskFile(p.FlowID), record); err != nil {
		return "", fmt.Errorf("%w: save record: %v", ErrMatching, err)
	}
	lg.Infow("task mapping saved", "task_id", taskID, "success", success)

	if success {
		m.mu.Lock()
		m.exact[storage.NormalizeTaskDescription(description)] = p.FlowID
		m.mu.Unlock()
	}

	if m.index != nil {
		metadata := map[string]any{
			"task_id":          taskID,
			"success":          success,
			"created_at":       p.CreatedAt.Format(time.RFC3339),
			"app_name":         p.AppName,
			"steps_count":      len(p.Steps),
			"complexity_level": p.ComplexityLevel,
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := m.index.AddTask(ctx, p.FlowID, description, nil, metadata); err != nil {
				lg.Warnw("vector index sync failed", "flow_id", p.FlowID, "err", err)
			}
		}()
	}
	return taskID, nil
}

// MarkExecuted updates a task record's outcome after a run of a reused plan.
func (m *Matcher) MarkExecuted(flowID string, success bool) error {
	var record TaskRecord
	if err := m.st.LoadJSON(m.st.TaskFile(flowID), &record); err != nil {
		return fmt.Errorf("%w: load record %s: %v", ErrMatching, flowID, err)
	}
	record.Success = success
	record.LastExecutedAt = time.Now().UTC()
	if err := m.st.SaveJSON(m.st.TaskFile(flowID), record); err != nil {
		return fmt.Errorf("%w: update record %s: %v", ErrMatching, flowID, err)
	}
	// Failed tasks are no longer exact-reuse candidates.
	if !success {
		m.Invalidate(flowID)
	}
	return nil
}

// TaskHistory returns up to limit task records, newest first.
func (m *Matcher) TaskHistory(limit int) ([]TaskRecord, error) {
	paths, err := m.st.ListJSON(m.st.TasksDir())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMatching, err)
	}
	if limit <= 0 {
		limit = 20
	}

	lg := logging.Get(logging.CategoryMatcher)
	out := make([]TaskRecord, 0, limit)
	for _, path := range paths {
		if !strings.HasPrefix(filepath.Base(path), "task_") {
			continue
		}
		var record TaskRecord
		if err := m.st.LoadJSON(path, &record); err != nil {
			lg.Warnw("task record unreadable, skipping", "path", path, "err", err)
			continue
		}
		out = append(out, record)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// ClearHistory deletes every task record and its vector-index entry.
// Returns the number of records removed.
func (m *Matcher) ClearHistory() (int, error) {
	paths, err := m.st.ListJSON(m.st.TasksDir())
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMatching, err)
	}

	lg := logging.Get(logging.CategoryMatcher)
	removed := 0
	for _, path := range paths {
		base := filepath.Base(path)
		if !strings.HasPrefix(base, "task_") {
			continue
		}
		if err := m.st.Remove(path); err != nil {
			lg.Warnw("task record removal failed", "path", path, "err", err)
			continue
		}
		removed++
		if m.index != nil {
			flowID := strings.TrimSuffix(strings.TrimPrefix(base, "task_"), ".json")
			if err := m.index.Remove(flowID); err != nil {
				lg.Warnw("vector entry removal failed", "flow_id", flowID, "err", err)
			}
		}
	}
	m.mu.Lock()
	m.exact = make(map[string]string)
	m.mu.Unlock()

	lg.Infow("task history cleared", "removed", removed)
	return removed, nil
}
