// Package progress implements the per-session progress event stream:
// bounded buffered queues keyed by session id, implicit session creation on
// publish, and closed-channel termination so subscribers drain naturally.
package progress

import (
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"flowforge/internal/logging"
)

// Kind names a progress event type.
type Kind string

const (
	KindStatus           Kind = "status"
	KindPlanReady        Kind = "plan_ready"
	KindStepStart        Kind = "step_start"
	KindStepDone         Kind = "step_done"
	KindStepError        Kind = "step_error"
	KindTaskStart        Kind = "task_start"
	KindToolSelection    Kind = "tool_selection"
	KindMetadataAnalysis Kind = "metadata_analysis"
	KindPlanGeneration   Kind = "plan_generation"
	KindPlanExecution    Kind = "plan_execution"
)

// Event is one progress update. Status is always human-readable; the typed
// fields are filled per kind.
type Event struct {
	Kind        Kind           `json:"kind"`
	Status      string         `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	StepID      int            `json:"step_id,omitempty"`
	Tool        string         `json:"tool,omitempty"`
	Description string         `json:"description,omitempty"`
	Error       string         `json:"error,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

const (
	defaultCapacity   = 256
	defaultIdleWindow = 60 * time.Second
	reapInterval      = 10 * time.Second
)

type session struct {
	ch         chan Event
	closed     bool
	lastActive time.Time
}

// Bus fans progress events out to per-session subscribers. Publishing never
// blocks: a full queue drops the event with a warning. Sessions without
// activity past the idle window are closed by the reaper.
type Bus struct {
	mu       sync.Mutex
	sessions map[string]*session

	capacity int
	idle     time.Duration

	stop chan struct{}
	done chan struct{}
}

// NewBus creates and starts the bus. Zero values select the defaults
// (capacity 256, idle window 60s).
func NewBus(capacity int, idle time.Duration) *Bus {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	if idle <= 0 {
		idle = defaultIdleWindow
	}
	b := &Bus{
		sessions: make(map[string]*session),
		capacity: capacity,
		idle:     idle,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go b.reapLoop()
	return b
}

// Publish enqueues an event, creating the session if needed so late
// subscribers still see buffered messages. The timestamp is stamped here.
func (b *Bus) Publish(sessionID string, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.sessionLocked(sessionID)
	if s.closed {
		logging.Get(logging.CategoryProgress).Debugw("event on closed session dropped",
			"session_id", sessionID, "kind", ev.Kind)
		return
	}
	ev.Timestamp = time.Now().UTC()
	s.lastActive = ev.Timestamp

	select {
	case s.ch <- ev:
	default:
		logging.Get(logging.CategoryProgress).Warnw("session queue full, event dropped",
			"session_id", sessionID, "kind", ev.Kind)
	}
}

// Events returns the session's event stream, creating the session if
// needed. The channel closes when the session is closed; buffered events
// drain first. One consumer per session.
func (b *Bus) Events(sessionID string) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessionLocked(sessionID).ch
}

// CloseSession terminates a session's stream. The subscriber drains the
// remaining buffer and then sees the closed channel.
func (b *Bus) CloseSession(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeLocked(sessionID)
}

// Active returns the number of live sessions.
func (b *Bus) Active() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// Close shuts down the bus: every session is closed and the reaper stops.
func (b *Bus) Close() {
	b.mu.Lock()
	for id := range b.sessions {
		b.closeLocked(id)
	}
	b.mu.Unlock()

	close(b.stop)
	<-b.done
}

func (b *Bus) sessionLocked(sessionID string) *session {
	s, ok := b.sessions[sessionID]
	if !ok {
		s = &session{
			ch:         make(chan Event, b.capacity),
			lastActive: time.Now().UTC(),
		}
		b.sessions[sessionID] = s
		logging.Get(logging.CategoryProgress).Debugw("session created", "session_id", sessionID)
	}
	return s
}

func (b *Bus) closeLocked(sessionID string) {
	s, ok := b.sessions[sessionID]
	if !ok || s.closed {
		delete(b.sessions, sessionID)
		return
	}
	s.closed = true
	close(s.ch)
	delete(b.sessions, sessionID)
	logging.Get(logging.CategoryProgress).Debugw("session closed", "session_id", sessionID)
}

// reapLoop closes sessions whose publisher has gone quiet past the idle
// window, covering subscribers that disappeared without draining.
func (b *Bus) reapLoop() {
	defer close(b.done)
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-b.idle)
			b.mu.Lock()
			for id, s := range b.sessions {
				if s.lastActive.Before(cutoff) {
					logging.Get(logging.CategoryProgress).Infow("idle session reaped", "session_id", id)
					b.closeLocked(id)
				}
			}
			b.mu.Unlock()
		}
	}
}

// =============================================================================
// TYPED PUBLISH HELPERS
// =============================================================================

// Status publishes a generic status line under any kind.
func (b *Bus) Status(sessionID string, kind Kind, status string) {
	b.Publish(sessionID, Event{Kind: kind, Status: status})
}

// PlanReady publishes the generated plan's step outline.
func (b *Bus) PlanReady(sessionID string, steps []map[string]any) {
	b.Publish(sessionID, Event{
		Kind:   KindPlanReady,
		Status: fmt.Sprintf("plan ready with %d steps", len(steps)),
		Data:   map[string]any{"steps": steps},
	})
}

// StepStart publishes the start of one step.
func (b *Bus) StepStart(sessionID string, stepID int, tool, description string) {
	b.Publish(sessionID, Event{
		Kind:        KindStepStart,
		Status:      fmt.Sprintf("running step %d: %s", stepID, description),
		StepID:      stepID,
		Tool:        tool,
		Description: description,
	})
}

// StepDone publishes the completion of one step.
func (b *Bus) StepDone(sessionID string, stepID int, tool, description string) {
	b.Publish(sessionID, Event{
		Kind:        KindStepDone,
		Status:      fmt.Sprintf("step %d done: %s", stepID, description),
		StepID:      stepID,
		Tool:        tool,
		Description: description,
	})
}

// StepError publishes a step failure.
func (b *Bus) StepError(sessionID string, stepID int, tool, errText string) {
	const maxErr = 100
	short := errText
	if len(short) > maxErr {
		cut := maxErr
		for cut > 0 && !utf8.RuneStart(short[cut]) {
			cut--
		}
		short = short[:cut]
	}
	b.Publish(sessionID, Event{
		Kind:   KindStepError,
		Status: fmt.Sprintf("step %d failed: %s", stepID, short),
		StepID: stepID,
		Tool:   tool,
		Error:  errText,
	})
}
