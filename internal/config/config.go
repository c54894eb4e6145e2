// Package config loads flowforge configuration from the work directory.
// Configuration lives at <work_dir>/config/flowforge.json; a missing file
// yields defaults. Selected fields can be overridden through environment
// variables so credentials stay out of the config file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config is the root configuration object.
type Config struct {
	WorkDir   string          `json:"work_dir"`
	Debug     bool            `json:"debug"`
	Model     ModelConfig     `json:"model"`
	Embedding EmbeddingConfig `json:"embedding"`
	Matching  MatchingConfig  `json:"matching"`
	Context   ContextConfig   `json:"context"`
	Cache     CacheConfig     `json:"cache"`
}

// ModelConfig configures the chat-completion client.
type ModelConfig struct {
	Provider   string        `json:"provider"` // "genai"
	APIKey     string        `json:"api_key"`
	Model      string        `json:"model"`
	Timeout    time.Duration `json:"timeout"`
	MaxRetries int           `json:"max_retries"`
}

// EmbeddingConfig configures the embedding engine.
type EmbeddingConfig struct {
	Model   string        `json:"model"`
	Timeout time.Duration `json:"timeout"`
}

// MatchingConfig holds task-reuse thresholds.
type MatchingConfig struct {
	ReuseThreshold     float64 `json:"reuse_threshold"`     // similarity required for plan reuse
	RetrievalThreshold float64 `json:"retrieval_threshold"` // similarity for general retrieval
	TopK               int     `json:"top_k"`
}

// ContextConfig holds ACE context retention settings.
type ContextConfig struct {
	MaxEntriesPerClass int     `json:"max_entries_per_class"`
	PruneThreshold     int     `json:"prune_threshold"` // entries scoring below are pruned
	DedupThreshold     float64 `json:"dedup_threshold"`
	RetrievalTopK      int     `json:"retrieval_top_k"`
}

// CacheConfig holds LLM/prompt cache hygiene settings.
type CacheConfig struct {
	MaxAge             time.Duration `json:"max_age"`
	MaxEntries         int           `json:"max_entries"`
	SemanticThreshold  float64       `json:"semantic_threshold"`
	PromptGCWindow     time.Duration `json:"prompt_gc_window"`
	ProgressIdleWindow time.Duration `json:"progress_idle_window"`
}

// Default returns the baseline configuration for a work directory.
func Default(workDir string) Config {
	return Config{
		WorkDir: workDir,
		Model: ModelConfig{
			Provider:   "genai",
			Model:      "gemini-2.0-flash",
			Timeout:    60 * time.Second,
			MaxRetries: 2,
		},
		Embedding: EmbeddingConfig{
			Model:   "gemini-embedding-001",
			Timeout: 30 * time.Second,
		},
		Matching: MatchingConfig{
			ReuseThreshold:     0.85,
			RetrievalThreshold: 0.80,
			TopK:               5,
		},
		Context: ContextConfig{
			MaxEntriesPerClass: 100,
			PruneThreshold:     -3,
			DedupThreshold:     0.85,
			RetrievalTopK:      5,
		},
		Cache: CacheConfig{
			MaxAge:             30 * 24 * time.Hour,
			MaxEntries:         2000,
			SemanticThreshold:  0.95,
			PromptGCWindow:     14 * 24 * time.Hour,
			ProgressIdleWindow: 60 * time.Second,
		},
	}
}

// Load reads the config file for workDir, falling back to defaults when the
// file is absent. Environment overrides are applied last.
func Load(workDir string) (Config, error) {
	cfg := Default(workDir)

	path := filepath.Join(workDir, "config", "flowforge.json")
	data, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
		cfg.WorkDir = workDir
	} else if !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config: %w", err)
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

// applyEnvOverrides maps FLOWFORGE_* environment variables onto the config.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FLOWFORGE_API_KEY"); v != "" {
		cfg.Model.APIKey = v
	}
	if v := os.Getenv("FLOWFORGE_MODEL"); v != "" {
		cfg.Model.Model = v
	}
	if v := os.Getenv("FLOWFORGE_EMBEDDING_MODEL"); v != "" {
		cfg.Embedding.Model = v
	}
	if v := os.Getenv("FLOWFORGE_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Debug = b
		}
	}
}
