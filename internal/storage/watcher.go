package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"flowforge/internal/logging"
)

// PlanWatcher watches persistent/plans/ for external edits. Plans may be
// modified by outside editors between executions; the matcher subscribes so
// exact-match reuse always serves the on-disk version.
type PlanWatcher struct {
	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	plansDir string
	onChange func(flowID string)

	debounce map[string]time.Time
	window   time.Duration

	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewPlanWatcher creates a watcher over the manager's plans directory.
// onChange receives the flow_id of each edited plan file.
func NewPlanWatcher(m *Manager, onChange func(flowID string)) (*PlanWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &PlanWatcher{
		watcher:  w,
		plansDir: m.PlansDir(),
		onChange: onChange,
		debounce: make(map[string]time.Time),
		window:   500 * time.Millisecond, // collapse rapid editor saves
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start begins watching. Non-blocking; events are handled on a goroutine
// until Stop or context cancellation.
func (pw *PlanWatcher) Start(ctx context.Context) error {
	pw.mu.Lock()
	if pw.running {
		pw.mu.Unlock()
		return nil
	}
	pw.running = true
	pw.mu.Unlock()

	if err := os.MkdirAll(pw.plansDir, 0o755); err != nil {
		return err
	}
	if err := pw.watcher.Add(pw.plansDir); err != nil {
		return err
	}

	go pw.loop(ctx)
	return nil
}

func (pw *PlanWatcher) loop(ctx context.Context) {
	defer close(pw.doneCh)
	lg := logging.Get(logging.CategoryStorage)

	for {
		select {
		case <-ctx.Done():
			return
		case <-pw.stopCh:
			return
		case event, ok := <-pw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			name := filepath.Base(event.Name)
			if !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".tmp-") {
				continue
			}

			pw.mu.Lock()
			last := pw.debounce[name]
			now := time.Now()
			pw.debounce[name] = now
			pw.mu.Unlock()
			if now.Sub(last) < pw.window {
				continue
			}

			flowID := strings.TrimSuffix(name, ".json")
			lg.Debugw("plan edited externally", "flow_id", flowID)
			if pw.onChange != nil {
				pw.onChange(flowID)
			}
		case err, ok := <-pw.watcher.Errors:
			if !ok {
				return
			}
			lg.Warnw("plan watcher error", "err", err)
		}
	}
}

// Stop terminates watching and releases the underlying watcher. Safe to call
// on a watcher that never started.
func (pw *PlanWatcher) Stop() {
	pw.mu.Lock()
	if !pw.running {
		pw.mu.Unlock()
		pw.watcher.Close()
		return
	}
	pw.running = false
	pw.mu.Unlock()

	close(pw.stopCh)
	pw.watcher.Close()
	<-pw.doneCh
}
