// Package storage owns the layered on-disk layout of a flowforge work
// directory and all JSON persistence going through it.
//
// Layout:
//
//	persistent/  plans, task records, contexts, traces, reflection chains
//	cache/       LLM answer cache, embeddings, prompt caches, tool manifests
//	runtime/     current-execution scratch and tool outputs
//	config/      tool configuration per task namespace
//	vector_db/   ANN index persistence
//
// Files an external editor may touch (plans, task records) are written
// atomically via write-then-rename. Missing files surface ErrNotFound rather
// than wrapped IO errors so callers can treat absence as a normal state.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"flowforge/internal/logging"
)

// ErrNotFound signals that a requested document does not exist on disk.
var ErrNotFound = errors.New("storage: not found")

// Manager anchors all persistence at a single work directory.
// It performs no content caching; callers cache as needed.
type Manager struct {
	workDir string
}

// NewManager creates the manager and the work directory root.
// Subdirectories are created lazily on first write.
func NewManager(workDir string) (*Manager, error) {
	abs, err := filepath.Abs(workDir)
	if err != nil {
		return nil, fmt.Errorf("resolve work dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	logging.Get(logging.CategoryStorage).Infow("storage manager ready", "work_dir", abs)
	return &Manager{workDir: abs}, nil
}

// WorkDir returns the absolute work directory root.
func (m *Manager) WorkDir() string { return m.workDir }

// =============================================================================
// PATH DISCIPLINE
// =============================================================================

func (m *Manager) PlansDir() string    { return filepath.Join(m.workDir, "persistent", "plans") }
func (m *Manager) TasksDir() string    { return filepath.Join(m.workDir, "persistent", "tasks") }
func (m *Manager) ContextsDir() string {
	return filepath.Join(m.workDir, "persistent", "ace_knowledge", "contexts")
}
func (m *Manager) ReflectionsDir() string {
	return filepath.Join(m.workDir, "persistent", "ace_knowledge", "reflections")
}
func (m *Manager) TracesDir() string {
	return filepath.Join(m.workDir, "persistent", "ace_knowledge", "traces")
}
func (m *Manager) VectorDBDir() string { return filepath.Join(m.workDir, "vector_db") }

func (m *Manager) PlanFile(flowID string) string {
	return filepath.Join(m.PlansDir(), flowID+".json")
}

func (m *Manager) TaskFile(flowID string) string {
	return filepath.Join(m.TasksDir(), "task_"+flowID+".json")
}

func (m *Manager) ContextFile(taskClass string) string {
	return filepath.Join(m.ContextsDir(), taskClass+".json")
}

func (m *Manager) ReflectionFile(chainID string) string {
	return filepath.Join(m.ReflectionsDir(), chainID+".json")
}

func (m *Manager) TraceFile(traceID string) string {
	return filepath.Join(m.TracesDir(), "trace_"+traceID+".json")
}

func (m *Manager) LLMCacheFile(cacheKey string) string {
	return filepath.Join(m.workDir, "cache", "llm", cacheKey+".json")
}

// EmbeddingCacheFile is the single shared text-to-vector map.
func (m *Manager) EmbeddingCacheFile() string {
	return filepath.Join(m.workDir, "cache", "llm", "embeddings.json")
}

func (m *Manager) PromptCacheRoot() string {
	return filepath.Join(m.workDir, "cache", "prompts")
}

func (m *Manager) PromptCacheDir(flowID string) string {
	return filepath.Join(m.PromptCacheRoot(), flowID)
}

func (m *Manager) ToolMetadataFile(toolName string) string {
	return filepath.Join(m.workDir, "cache", "tools", toolName+"_metadata.json")
}

func (m *Manager) ToolConfigDir(taskNamespace string) string {
	return filepath.Join(m.workDir, "config", "tools", taskNamespace)
}

func (m *Manager) CurrentPlanFile() string {
	return filepath.Join(m.workDir, "runtime", "current", "plan.json")
}

func (m *Manager) ToolOutputFile(toolName, flowID string) string {
	return filepath.Join(m.workDir, "runtime", "current", "outputs",
		fmt.Sprintf("%s_%s.json", toolName, flowID))
}

// =============================================================================
// JSON IO
// =============================================================================

// SaveJSON atomically writes v as indented JSON: the document is written to a
// temp file in the target directory, fsynced, then renamed into place. Safe
// for files an external editor may be watching.
func (m *Manager) SaveJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename into place: %w", err)
	}

	logging.Get(logging.CategoryStorage).Debugw("saved", "path", path, "bytes", len(data))
	return nil
}

// LoadJSON reads a JSON document into v. A missing file returns ErrNotFound.
func (m *Manager) LoadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// Exists reports whether a document exists at path.
func (m *Manager) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// ListJSON returns the paths of all .json documents in dir, sorted by
// modification time descending (newest first). A missing dir yields nil.
func (m *Manager) ListJSON(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}

	type timed struct {
		path string
		mod  int64
	}
	var files []timed
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, timed{filepath.Join(dir, e.Name()), info.ModTime().UnixNano()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mod > files[j].mod })

	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.path
	}
	return paths, nil
}

// Remove deletes a document, tolerating absence.
func (m *Manager) Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

// CleanupRuntime clears the runtime scratch layer between executions.
// Returns the number of files removed.
func (m *Manager) CleanupRuntime() (int, error) {
	root := filepath.Join(m.workDir, "runtime", "current")
	removed := 0
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		if os.Remove(path) == nil {
			removed++
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return removed, err
	}
	logging.Get(logging.CategoryStorage).Debugw("runtime cleaned", "removed", removed)
	return removed, nil
}
