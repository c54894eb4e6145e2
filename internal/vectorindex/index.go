// Package vectorindex persists the ANN collection over task descriptions.
// It backs both similarity reuse and context retrieval; the index must be
// available at startup because the engine refuses keyword fallbacks that
// would silently degrade matching quality.
package vectorindex

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"flowforge/internal/embedding"
	"flowforge/internal/logging"
	"flowforge/internal/storage"
)

// TaskMatch is one nearest-neighbour search result.
type TaskMatch struct {
	FlowID     string
	Similarity float64 // 1 - cosine distance, in [0, 1]
	Metadata   map[string]any
	Document   string
}

// Filter restricts search results by metadata. A nil filter admits all.
type Filter func(metadata map[string]any) bool

// Index is the sqlite-vec backed task index. Writes are serialised by a
// mutex; reads go through database/sql's own connection handling.
type Index struct {
	mu    sync.Mutex
	db    *sql.DB
	dim   int
	cache *embedding.Cache
}

// Open creates or opens the index under <work_dir>/vector_db/. An
// unavailable vec0 extension is a hard error.
func Open(st *storage.Manager, cache *embedding.Cache, dim int) (*Index, error) {
	timer := logging.StartTimer(logging.CategoryVectorIndex, "Open")
	defer timer.Stop()

	if dim <= 0 {
		return nil, fmt.Errorf("vector index: dimension must be positive, got %d", dim)
	}
	if err := os.MkdirAll(st.VectorDBDir(), 0o755); err != nil {
		return nil, fmt.Errorf("vector index: create dir: %w", err)
	}

	path := filepath.Join(st.VectorDBDir(), "tasks.db")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("vector index: open %s: %w", path, err)
	}

	idx := &Index{db: db, dim: dim, cache: cache}
	if err := idx.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Get(logging.CategoryVectorIndex).Infow("vector index ready", "path", path, "dim", dim)
	return idx, nil
}

func (idx *Index) ensureSchema() error {
	// Probe vec0 first so a missing extension fails loudly at startup.
	if _, err := idx.db.Exec("CREATE VIRTUAL TABLE IF NOT EXISTS vec_probe USING vec0(embedding float[4])"); err != nil {
		return fmt.Errorf("vector index: sqlite-vec extension not available: %w", err)
	}

	schema := fmt.Sprintf(`
	CREATE VIRTUAL TABLE IF NOT EXISTS task_vectors USING vec0(
		embedding float[%d] distance_metric=cosine,
		flow_id TEXT,
		+document TEXT,
		+metadata TEXT
	)`, idx.dim)
	if _, err := idx.db.Exec(schema); err != nil {
		return fmt.Errorf("vector index: create schema: %w", err)
	}
	return nil
}

// AddTask inserts or replaces the vector entry for a flow. A nil vector is
// embedded from the document text through the shared cache (upsert by
// flow_id, so repeated saves are idempotent).
func (idx *Index) AddTask(ctx context.Context, flowID, document string, vector []float32, metadata map[string]any) error {
	timer := logging.StartTimer(logging.CategoryVectorIndex, "AddTask")
	defer timer.Stop()

	if vector == nil {
		var err error
		vector, err = idx.cache.Get(ctx, document)
		if err != nil {
			return fmt.Errorf("vector index: auto-embed: %w", err)
		}
	}
	if len(vector) != idx.dim {
		return fmt.Errorf("vector index: dimension mismatch: got %d, want %d", len(vector), idx.dim)
	}

	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("vector index: marshal metadata: %w", err)
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	tx, err := idx.db.Begin()
	if err != nil {
		return fmt.Errorf("vector index: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM task_vectors WHERE flow_id = ?", flowID); err != nil {
		return fmt.Errorf("vector index: delete existing: %w", err)
	}
	if _, err := tx.Exec(
		"INSERT INTO task_vectors (embedding, flow_id, document, metadata) VALUES (?, ?, ?, ?)",
		serializeFloat32(vector), flowID, document, string(metaJSON),
	); err != nil {
		return fmt.Errorf("vector index: insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("vector index: commit: %w", err)
	}

	logging.Get(logging.CategoryVectorIndex).Debugw("task indexed", "flow_id", flowID)
	return nil
}

// SearchSimilarTasks returns up to topK nearest tasks to the query vector,
// similarity descending. Filtered-out rows do not count against topK.
func (idx *Index) SearchSimilarTasks(ctx context.Context, query []float32, topK int, filter Filter) ([]TaskMatch, error) {
	timer := logging.StartTimer(logging.CategoryVectorIndex, "SearchSimilarTasks")
	defer timer.Stop()

	if len(query) != idx.dim {
		return nil, fmt.Errorf("vector index: query dimension mismatch: got %d, want %d", len(query), idx.dim)
	}
	if topK <= 0 {
		topK = 5
	}

	// Over-fetch so metadata filtering still fills topK.
	fetch := topK
	if filter != nil {
		fetch = topK * 4
	}

	rows, err := idx.db.QueryContext(ctx, `
		SELECT flow_id, document, metadata, distance
		FROM task_vectors
		WHERE embedding MATCH ?
		ORDER BY distance
		LIMIT ?`, serializeFloat32(query), fetch)
	if err != nil {
		return nil, fmt.Errorf("vector index: search: %w", err)
	}
	defer rows.Close()

	var matches []TaskMatch
	for rows.Next() {
		var (
			flowID, document, metaJSON string
			distance                   float64
		)
		if err := rows.Scan(&flowID, &document, &metaJSON, &distance); err != nil {
			logging.Get(logging.CategoryVectorIndex).Warnw("row scan failed", "err", err)
			continue
		}

		var metadata map[string]any
		if metaJSON != "" {
			if err := json.Unmarshal([]byte(metaJSON), &metadata); err != nil {
				metadata = nil
			}
		}
		if filter != nil && !filter(metadata) {
			continue
		}

		matches = append(matches, TaskMatch{
			FlowID:     flowID,
			Similarity: clampSimilarity(1 - distance),
			Metadata:   metadata,
			Document:   document,
		})
		if len(matches) >= topK {
			break
		}
	}
	return matches, rows.Err()
}

// Remove deletes a flow's entry. Absence is not an error.
func (idx *Index) Remove(flowID string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	_, err := idx.db.Exec("DELETE FROM task_vectors WHERE flow_id = ?", flowID)
	return err
}

// Count returns the number of indexed tasks.
func (idx *Index) Count() (int, error) {
	var n int
	err := idx.db.QueryRow("SELECT COUNT(*) FROM task_vectors").Scan(&n)
	return n, err
}

// Close releases the underlying database.
func (idx *Index) Close() error {
	return idx.db.Close()
}

func clampSimilarity(s float64) float64 {
	return math.Max(0, math.Min(1, s))
}

// serializeFloat32 encodes a vector in the little-endian blob format vec0
// expects.
func serializeFloat32(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}
