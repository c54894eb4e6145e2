// Package logging provides category-scoped structured logging for flowforge.
// Each subsystem logs through a named zap logger; in debug mode logs are also
// written to <work_dir>/logs/<category>.log, one file per category.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category identifies a logging subsystem.
type Category string

const (
	CategoryBoot         Category = "boot"         // Startup and lifecycle
	CategoryStorage      Category = "storage"      // File layout, JSON IO
	CategoryModel        Category = "model"        // LLM completions
	CategoryEmbedding    Category = "embedding"    // Embedding engine and cache
	CategoryVectorIndex  Category = "vectorindex"  // ANN index operations
	CategoryAnalyzer     Category = "analyzer"     // Cached LLM analysis
	CategoryTools        Category = "tools"        // Tool pool and registry
	CategoryPlanner      Category = "planner"      // Plan generation
	CategoryExecutor     Category = "executor"     // Plan execution
	CategoryACE          Category = "ace"          // Reflection and curation
	CategoryMatcher      Category = "matcher"      // Task matching and reuse
	CategoryProgress     Category = "progress"     // Progress bus
	CategoryOrchestrator Category = "orchestrator" // Facade
)

var (
	mu        sync.RWMutex
	loggers   = make(map[Category]*zap.SugaredLogger)
	root      *zap.Logger
	logsDir   string
	debugMode bool
)

// Initialize configures the logging tree. With debug enabled, category log
// files are created under <workDir>/logs/. Without it, logging is a silent
// no-op beyond warnings on stderr.
func Initialize(workDir string, debug bool) error {
	mu.Lock()
	defer mu.Unlock()

	debugMode = debug
	loggers = make(map[Category]*zap.SugaredLogger)

	level := zapcore.WarnLevel
	if debug {
		level = zapcore.DebugLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.TimeKey = "ts"
	encCfg.MessageKey = "msg"

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stderr), zapcore.WarnLevel),
	}

	if debug && workDir != "" {
		logsDir = filepath.Join(workDir, "logs")
		if err := os.MkdirAll(logsDir, 0o755); err != nil {
			return fmt.Errorf("create logs directory: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(logsDir, "flowforge.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.Lock(f), level))
	}

	root = zap.New(zapcore.NewTee(cores...))
	Get(CategoryBoot).Infow("logging initialized", "debug", debug, "logs_dir", logsDir)
	return nil
}

// Get returns the sugared logger for a category, creating it on first use.
// Safe to call before Initialize; logs are dropped until configured.
func Get(cat Category) *zap.SugaredLogger {
	mu.RLock()
	lg, ok := loggers[cat]
	mu.RUnlock()
	if ok {
		return lg
	}

	mu.Lock()
	defer mu.Unlock()
	if lg, ok = loggers[cat]; ok {
		return lg
	}
	base := root
	if base == nil {
		base = zap.NewNop()
	}
	lg = base.Named(string(cat)).Sugar()
	loggers[cat] = lg
	return lg
}

// Sync flushes all buffered log entries. Call on shutdown.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	if root != nil {
		_ = root.Sync()
	}
}

// DebugEnabled reports whether debug logging is active.
func DebugEnabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return debugMode
}

// =============================================================================
// OPERATION TIMER
// =============================================================================

// Timer measures the duration of a named operation and logs it on Stop.
// Operations slower than the warn threshold are logged at warn level.
type Timer struct {
	cat   Category
	op    string
	start time.Time
}

const slowOpThreshold = 2 * time.Second

// StartTimer begins timing an operation within a category.
func StartTimer(cat Category, op string) *Timer {
	return &Timer{cat: cat, op: op, start: time.Now()}
}

// Stop logs the elapsed time for the operation.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	lg := Get(t.cat)
	if elapsed > slowOpThreshold {
		lg.Warnw("slow operation", "op", t.op, "duration", elapsed)
	} else {
		lg.Debugw("operation complete", "op", t.op, "duration", elapsed)
	}
	return elapsed
}
