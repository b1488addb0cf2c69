// Package supervisor watches the queue from the outside: it flags stale
// runs, enforces timeout profiles, recovers orphans after a restart, and
// reports escalation-worthy failure streaks. It observes and recommends;
// the worker owns execution.
package supervisor

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/pmrunner/pmrunner/internal/config"
	"github.com/pmrunner/pmrunner/internal/fsatomic"
	"github.com/pmrunner/pmrunner/internal/queue"
	"github.com/pmrunner/pmrunner/internal/task"
)

type EventKind string

const (
	EventStarted    EventKind = "started"
	EventStopped    EventKind = "stopped"
	EventCheck      EventKind = "check"
	EventComplete   EventKind = "complete"
	EventRetry      EventKind = "retry"
	EventMaxRetries EventKind = "max_retries"
	EventNoEvidence EventKind = "no_evidence"
	EventInvalid    EventKind = "invalid"
	EventError      EventKind = "error"
	EventTimeout    EventKind = "timeout"
)

// Event is the plain record subscribers receive. No internal references
// ever cross this boundary.
type Event struct {
	Kind     EventKind     `json:"kind"`
	TaskID   string        `json:"task_id,omitempty"`
	Cause    string        `json:"cause,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	At       time.Time     `json:"at"`
}

// StaleRun is one line of the .stale-runs.json sidecar.
type StaleRun struct {
	TaskID     string `json:"task_id"`
	Title      string `json:"title"`
	Status     string `json:"status"`
	AgeMinutes int    `json:"ageMinutes"`
}

// OrphanAction is the recovery recommendation for one orphaned task.
type OrphanAction string

const (
	ActionSoftResume     OrphanAction = "soft_resume"
	ActionRollbackReplay OrphanAction = "rollback_replay"
)

// OrphanRecovery reports what was decided for one orphan.
type OrphanRecovery struct {
	TaskID   string
	Action   OrphanAction
	NewRunID string
}

// Canceller is the slice of the worker the supervisor needs.
type Canceller interface {
	Cancel(taskID, reason string) bool
}

// Options wires one supervisor.
type Options struct {
	StateDir string
	Store    *queue.Store
	Worker   Canceller
	Config   config.Config
	Profile  config.TimeoutProfile
	Logger   *zap.Logger
}

type Supervisor struct {
	dir     string
	store   *queue.Store
	worker  Canceller
	cfg     config.Config
	profile config.TimeoutProfile
	log     *zap.Logger

	mu           sync.Mutex
	subs         []chan Event
	lastSeen     map[string]task.Status
	lastAttempts map[string]int

	now func() time.Time
}

func New(opts Options) *Supervisor {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	profile := opts.Profile
	if profile == "" {
		profile = config.ProfileStandard
	}
	return &Supervisor{
		dir:          opts.StateDir,
		store:        opts.Store,
		worker:       opts.Worker,
		cfg:          opts.Config,
		profile:      profile,
		log:          log,
		lastSeen:     map[string]task.Status{},
		lastAttempts: map[string]int{},
		now:          time.Now,
	}
}

// Subscribe returns a buffered event stream. Slow subscribers drop events
// rather than stalling the scan loop.
func (s *Supervisor) Subscribe() <-chan Event {
	ch := make(chan Event, 64)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
	return ch
}

func (s *Supervisor) emit(ev Event) {
	ev.At = s.now().UTC()
	s.mu.Lock()
	subs := append([]chan Event(nil), s.subs...)
	s.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Run scans on the configured interval until ctx is cancelled or the state
// directory has been idle past the idle-exit window.
func (s *Supervisor) Run(ctx context.Context) error {
	s.emit(Event{Kind: EventStarted})
	defer s.emit(Event{Kind: EventStopped})
	s.log.Info("supervisor started", zap.String("profile", string(s.profile)))
	defer s.log.Info("supervisor stopped")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("supervisor watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(s.dir); err != nil {
		return fmt.Errorf("watch %s: %w", s.dir, err)
	}

	lastActivity := s.now()
	ticker := time.NewTicker(s.cfg.Supervision.ScanInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// The sidecar we write ourselves does not count as activity.
			if filepath.Base(ev.Name) != staleRunsFile {
				lastActivity = s.now()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.Warn("watcher error", zap.Error(err))
		case <-ticker.C:
			if err := s.Scan(); err != nil {
				s.log.Error("scan failed", zap.Error(err))
			}
			if s.now().Sub(lastActivity) >= s.cfg.Supervision.IdleExitAfter() {
				s.log.Info("idle-exit window elapsed, leaving supervision loop")
				return nil
			}
		}
	}
}

const staleRunsFile = ".stale-runs.json"

// Scan runs one supervision pass: terminal-state reporting, timeout
// enforcement, and the stale-run sidecar rewrite.
func (s *Supervisor) Scan() error {
	s.emit(Event{Kind: EventCheck})
	all, err := s.store.List(queue.Filter{})
	if err != nil {
		return err
	}
	now := s.now().UTC()
	idle, hard := config.ProfileTimeouts(s.profile)
	stale := []StaleRun{}

	for _, rec := range all {
		s.reportTransition(rec)
		s.reportRetries(rec)
		if rec.Status != task.StatusRunning {
			continue
		}

		sinceProgress := now.Sub(rec.LastEventAt())
		sinceStart := now.Sub(runningSince(&rec))

		if sinceProgress >= s.cfg.Supervision.StaleAfter() {
			stale = append(stale, StaleRun{
				TaskID:     rec.TaskID,
				Title:      title(rec.Prompt),
				Status:     string(rec.Status),
				AgeMinutes: int(sinceProgress.Minutes()),
			})
		}

		var cause string
		switch {
		case sinceProgress >= idle:
			cause = fmt.Sprintf("idle timeout: no progress for %s", sinceProgress.Round(time.Second))
		case sinceStart >= hard:
			cause = fmt.Sprintf("hard timeout: running for %s", sinceStart.Round(time.Second))
		default:
			continue
		}
		// Timeouts park the task for a user decision; they are never ERROR.
		if s.worker != nil {
			s.worker.Cancel(rec.TaskID, cause)
		}
		if _, err := s.store.Mutate(rec.TaskID, func(r *task.Record) error {
			from := r.Status
			r.Status = task.StatusAwaitingResponse
			r.Error = cause
			r.TerminatedBy = "supervisor"
			r.Events = append(r.Events, task.ProgressEvent{
				Kind:      task.EventStatusChanged,
				Timestamp: now,
				Payload:   map[string]any{"from": string(from), "to": string(task.StatusAwaitingResponse)},
			})
			return nil
		}); err != nil {
			s.log.Warn("timeout transition failed", zap.String("task_id", rec.TaskID), zap.Error(err))
			continue
		}
		s.emit(Event{Kind: EventTimeout, TaskID: rec.TaskID, Cause: cause, Duration: sinceStart})
		s.log.Warn("task timed out", zap.String("task_id", rec.TaskID), zap.String("cause", cause))
	}

	return fsatomic.WriteJSON(filepath.Join(s.dir, staleRunsFile), stale)
}

// reportTransition emits one event the first time a task is seen in a new
// terminal state.
func (s *Supervisor) reportTransition(rec task.Record) {
	s.mu.Lock()
	prev, seen := s.lastSeen[rec.TaskID]
	s.lastSeen[rec.TaskID] = rec.Status
	s.mu.Unlock()
	if seen && prev == rec.Status {
		return
	}
	switch rec.Status {
	case task.StatusComplete:
		s.emit(Event{Kind: EventComplete, TaskID: rec.TaskID})
	case task.StatusError:
		kind := EventError
		if strings.Contains(rec.Error, "retries exhausted") {
			kind = EventMaxRetries
		}
		s.emit(Event{Kind: kind, TaskID: rec.TaskID, Cause: rec.Error})
	case task.StatusIncomplete:
		if strings.Contains(rec.Error, "evidence") {
			s.emit(Event{Kind: EventNoEvidence, TaskID: rec.TaskID, Cause: rec.Error})
		} else {
			s.emit(Event{Kind: EventInvalid, TaskID: rec.TaskID, Cause: rec.Error})
		}
	}
}

// reportRetries emits one retry event per observed attempt increase. Past
// the escalation threshold the event carries the next profile on the fixed
// escalation path; the supervisor only recommends, the caller decides.
func (s *Supervisor) reportRetries(rec task.Record) {
	s.mu.Lock()
	prev, seen := s.lastAttempts[rec.TaskID]
	s.lastAttempts[rec.TaskID] = rec.Attempts
	s.mu.Unlock()
	if !seen || rec.Attempts <= prev || rec.Attempts <= 1 {
		return
	}
	cause := fmt.Sprintf("attempt %d", rec.Attempts)
	if rec.Attempts > s.cfg.Retry.EscalationThreshold {
		if next, ok := config.NextProfile("standard"); ok {
			cause = fmt.Sprintf("attempt %d, recommend %s profile", rec.Attempts, next)
		}
	}
	s.emit(Event{Kind: EventRetry, TaskID: rec.TaskID, Cause: cause})
	s.log.Info("retry observed", zap.String("task_id", rec.TaskID), zap.String("cause", cause))
}

// RecoverOrphans handles RUNNING tasks found after a restart. A task whose
// last event is older than the orphan threshold either resumes softly
// (partial artifacts present: step events and non-empty output) or is
// rolled back and re-enqueued under a fresh run id.
func (s *Supervisor) RecoverOrphans() ([]OrphanRecovery, error) {
	running, err := s.store.List(queue.Filter{Status: task.StatusRunning})
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	var out []OrphanRecovery
	for _, rec := range running {
		if now.Sub(rec.LastEventAt()) < s.cfg.Supervision.OrphanAfter() {
			continue
		}
		if hasStepEvents(&rec) && strings.TrimSpace(rec.Output) != "" {
			out = append(out, OrphanRecovery{TaskID: rec.TaskID, Action: ActionSoftResume})
			s.log.Info("orphan soft-resume", zap.String("task_id", rec.TaskID))
			continue
		}
		newRunID := task.NewRunID(now, rec.Prompt)
		_, err := s.store.Mutate(rec.TaskID, func(r *task.Record) error {
			r.Status = task.StatusQueued
			r.RunID = newRunID
			r.Output = ""
			r.Events = append(r.Events, task.ProgressEvent{
				Kind:      task.EventStatusChanged,
				Timestamp: now,
				Payload:   map[string]any{"to": "QUEUED", "cause": "rollback_replay"},
			})
			return nil
		})
		if err != nil {
			s.log.Warn("rollback failed", zap.String("task_id", rec.TaskID), zap.Error(err))
			continue
		}
		out = append(out, OrphanRecovery{TaskID: rec.TaskID, Action: ActionRollbackReplay, NewRunID: newRunID})
		s.log.Info("orphan rollback-replay", zap.String("task_id", rec.TaskID), zap.String("run_id", newRunID))
	}
	return out, nil
}

// runningSince finds when the task last entered RUNNING, falling back to
// its creation time.
func runningSince(rec *task.Record) time.Time {
	for i := len(rec.Events) - 1; i >= 0; i-- {
		ev := rec.Events[i]
		if ev.Kind == task.EventStatusChanged && ev.Payload["to"] == "RUNNING" {
			return ev.Timestamp
		}
	}
	return rec.CreatedAt
}

// hasStepEvents reports whether the record carries step-log progress beyond
// bare status changes.
func hasStepEvents(rec *task.Record) bool {
	for _, ev := range rec.Events {
		switch ev.Kind {
		case task.EventHeartbeat, task.EventToolProgress, task.EventLogChunk:
			return true
		}
	}
	return false
}

func title(prompt string) string {
	line := prompt
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	r := []rune(line)
	if len(r) > 50 {
		return string(r[:50])
	}
	return line
}
