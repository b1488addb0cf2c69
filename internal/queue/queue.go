// Package queue is the durable task store for one namespace. Records live
// under the namespace state directory as pretty-printed JSON:
//
//	queue-order.json                  enqueue order across sessions
//	sessions/<sid>/index.json         per-session counter and task list
//	sessions/<sid>/tasks/<tid>.json   one TaskRecord per file
//
// Every write is atomic (write-temp-then-rename) and serialised per task, so
// concurrent status updates to the same task never interleave.
package queue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pmrunner/pmrunner/internal/fsatomic"
	"github.com/pmrunner/pmrunner/internal/task"
)

// ErrNotFound is returned when no record exists for a task id.
var ErrNotFound = fmt.Errorf("task not found")

// ErrTerminal is returned when an update would move a task out of a
// terminal status.
var ErrTerminal = fmt.Errorf("task is terminal")

// orderEntry is one line of the namespace-wide enqueue ordering.
type orderEntry struct {
	SessionID string `json:"session_id"`
	TaskID    string `json:"task_id"`
}

// sessionIndex is the per-session counter and task list.
type sessionIndex struct {
	SessionID string   `json:"session_id"`
	ThreadID  string   `json:"thread_id"`
	NextSeq   int      `json:"next_seq"`
	TaskIDs   []string `json:"task_ids"`
	UpdatedAt string   `json:"updated_at"`
}

// Filter narrows List output. Zero value matches everything.
type Filter struct {
	SessionID string
	Status    task.Status
	Type      task.Type
}

func (f Filter) matches(rec task.Record) bool {
	if f.SessionID != "" && rec.SessionID != f.SessionID {
		return false
	}
	if f.Status != "" && rec.Status != f.Status {
		return false
	}
	if f.Type != "" && rec.Type != f.Type {
		return false
	}
	return true
}

// Store owns every TaskRecord in one namespace and serialises writes.
type Store struct {
	dir string

	mu      sync.Mutex
	taskMu  map[string]*sync.Mutex
	session map[string]string // task_id -> session_id

	now func() time.Time
}

func NewStore(stateDir string) (*Store, error) {
	s := &Store{
		dir:     stateDir,
		taskMu:  map[string]*sync.Mutex{},
		session: map[string]string{},
		now:     time.Now,
	}
	if err := os.MkdirAll(filepath.Join(stateDir, "sessions"), 0o755); err != nil {
		return nil, fmt.Errorf("queue store: %w", err)
	}
	order, err := s.readOrder()
	if err != nil {
		return nil, err
	}
	for _, e := range order {
		s.session[e.TaskID] = e.SessionID
	}
	return s, nil
}

func (s *Store) orderPath() string { return filepath.Join(s.dir, "queue-order.json") }

func (s *Store) indexPath(sessionID string) string {
	return filepath.Join(s.dir, "sessions", sessionID, "index.json")
}

func (s *Store) taskPath(sessionID, taskID string) string {
	return filepath.Join(s.dir, "sessions", sessionID, "tasks", taskID+".json")
}

func (s *Store) lockTask(taskID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.taskMu[taskID]
	if !ok {
		m = &sync.Mutex{}
		s.taskMu[taskID] = m
	}
	return m
}

func (s *Store) readOrder() ([]orderEntry, error) {
	b, err := os.ReadFile(s.orderPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var order []orderEntry
	if err := json.Unmarshal(b, &order); err != nil {
		return nil, fmt.Errorf("queue order corrupt: %w", err)
	}
	return order, nil
}

func (s *Store) readIndex(sessionID string) (sessionIndex, error) {
	b, err := os.ReadFile(s.indexPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return sessionIndex{
				SessionID: sessionID,
				ThreadID:  uuid.NewString(),
				NextSeq:   1,
				TaskIDs:   []string{},
			}, nil
		}
		return sessionIndex{}, err
	}
	var idx sessionIndex
	if err := json.Unmarshal(b, &idx); err != nil {
		return sessionIndex{}, fmt.Errorf("session index %s corrupt: %w", sessionID, err)
	}
	return idx, nil
}

// Enqueue creates a QUEUED record and appends it to the namespace ordering.
// Task ids count up across the whole namespace so they stay unique even when
// several sessions interleave.
func (s *Store) Enqueue(sessionID, groupID, prompt, parentTaskID string, taskType task.Type) (task.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.readIndex(sessionID)
	if err != nil {
		return task.Record{}, err
	}
	order, err := s.readOrder()
	if err != nil {
		return task.Record{}, err
	}
	taskID := fmt.Sprintf("task-%04d", len(order)+1)
	now := s.now().UTC()

	rec := task.Record{
		TaskID:       taskID,
		SessionID:    sessionID,
		ThreadID:     idx.ThreadID,
		ParentTaskID: parentTaskID,
		GroupID:      groupID,
		Type:         taskType,
		Prompt:       prompt,
		Status:       task.StatusQueued,
		CreatedAt:    now,
		UpdatedAt:    now,
		Events:       []task.ProgressEvent{},
	}
	if err := fsatomic.WriteJSON(s.taskPath(sessionID, taskID), rec); err != nil {
		return task.Record{}, fmt.Errorf("persist task %s: %w", taskID, err)
	}

	idx.NextSeq++
	idx.TaskIDs = append(idx.TaskIDs, taskID)
	idx.UpdatedAt = now.Format(time.RFC3339Nano)
	if err := fsatomic.WriteJSON(s.indexPath(sessionID), idx); err != nil {
		return task.Record{}, fmt.Errorf("persist session index: %w", err)
	}

	order = append(order, orderEntry{SessionID: sessionID, TaskID: taskID})
	if err := fsatomic.WriteJSON(s.orderPath(), order); err != nil {
		return task.Record{}, fmt.Errorf("persist queue order: %w", err)
	}
	s.session[taskID] = sessionID
	return *rec.Clone(), nil
}

// Get returns a copy of one record.
func (s *Store) Get(taskID string) (task.Record, error) {
	s.mu.Lock()
	sessionID, ok := s.session[taskID]
	s.mu.Unlock()
	if !ok {
		return task.Record{}, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	return s.load(sessionID, taskID)
}

func (s *Store) load(sessionID, taskID string) (task.Record, error) {
	b, err := os.ReadFile(s.taskPath(sessionID, taskID))
	if err != nil {
		if os.IsNotExist(err) {
			return task.Record{}, fmt.Errorf("%w: %s", ErrNotFound, taskID)
		}
		return task.Record{}, err
	}
	var rec task.Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return task.Record{}, fmt.Errorf("task %s corrupt: %w", taskID, err)
	}
	return rec, nil
}

// Mutate applies fn to a record under the per-task lock and persists the
// result. Status changes are guarded: a terminal record never regresses, and
// updated_at moves strictly forward.
func (s *Store) Mutate(taskID string, fn func(*task.Record) error) (task.Record, error) {
	mu := s.lockTask(taskID)
	mu.Lock()
	defer mu.Unlock()

	s.mu.Lock()
	sessionID, ok := s.session[taskID]
	s.mu.Unlock()
	if !ok {
		return task.Record{}, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	rec, err := s.load(sessionID, taskID)
	if err != nil {
		return task.Record{}, err
	}
	prevStatus := rec.Status
	prevUpdated := rec.UpdatedAt

	if err := fn(&rec); err != nil {
		return task.Record{}, err
	}
	if prevStatus.Terminal() && rec.Status != prevStatus {
		return task.Record{}, fmt.Errorf("%w: %s is %s, refusing transition to %s",
			ErrTerminal, taskID, prevStatus, rec.Status)
	}

	now := s.now().UTC()
	if !now.After(prevUpdated) {
		now = prevUpdated.Add(time.Millisecond)
	}
	rec.UpdatedAt = now
	if rec.Status.Terminal() && rec.CompletedAt == nil {
		done := now
		rec.CompletedAt = &done
	}
	if err := fsatomic.WriteJSON(s.taskPath(sessionID, taskID), rec); err != nil {
		return task.Record{}, fmt.Errorf("persist task %s: %w", taskID, err)
	}
	return *rec.Clone(), nil
}

// UpdateStatus transitions a task, appending a status_changed event. The
// output and error message are overwritten only when non-empty.
func (s *Store) UpdateStatus(taskID string, status task.Status, errorMessage, output string) (task.Record, error) {
	return s.Mutate(taskID, func(rec *task.Record) error {
		from := rec.Status
		rec.Status = status
		if errorMessage != "" {
			rec.Error = errorMessage
		}
		if output != "" {
			rec.Output = output
		}
		rec.Events = append(rec.Events, task.ProgressEvent{
			Kind:      task.EventStatusChanged,
			Timestamp: s.now().UTC(),
			Payload: map[string]any{
				"from": string(from),
				"to":   string(status),
			},
		})
		return nil
	})
}

// AppendEvent attaches a progress event without touching the status.
func (s *Store) AppendEvent(taskID string, ev task.ProgressEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.now().UTC()
	}
	_, err := s.Mutate(taskID, func(rec *task.Record) error {
		rec.Events = append(rec.Events, ev)
		return nil
	})
	return err
}

// List returns records in enqueue order, filtered.
func (s *Store) List(f Filter) ([]task.Record, error) {
	s.mu.Lock()
	order, err := s.readOrder()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := make([]task.Record, 0, len(order))
	for _, e := range order {
		rec, err := s.load(e.SessionID, e.TaskID)
		if err != nil {
			continue
		}
		if f.matches(rec) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// NextQueued returns the oldest QUEUED task, if any.
func (s *Store) NextQueued() (task.Record, bool, error) {
	queued, err := s.List(Filter{Status: task.StatusQueued})
	if err != nil {
		return task.Record{}, false, err
	}
	if len(queued) == 0 {
		return task.Record{}, false, nil
	}
	return queued[0], true, nil
}
