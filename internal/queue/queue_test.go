package queue

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pmrunner/pmrunner/internal/task"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestEnqueueAssignsMonotonicIDs(t *testing.T) {
	s := newTestStore(t)
	a, err := s.Enqueue("s1", "g1", "first", "", task.TypeReadInfo)
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.Enqueue("s1", "g1", "second", "", task.TypeReport)
	if err != nil {
		t.Fatal(err)
	}
	if a.TaskID != "task-0001" || b.TaskID != "task-0002" {
		t.Fatalf("ids: %s, %s", a.TaskID, b.TaskID)
	}
	if a.Status != task.StatusQueued || a.ThreadID == "" {
		t.Fatalf("record: %+v", a)
	}
	if a.ThreadID != b.ThreadID {
		t.Fatal("tasks in one session share a thread id")
	}
}

func TestRoundTripPreservesFields(t *testing.T) {
	s := newTestStore(t)
	in, err := s.Enqueue("s1", "g9", "do the thing", "task-0000", task.TypeImplementation)
	if err != nil {
		t.Fatal(err)
	}
	out, err := s.Get(in.TaskID)
	if err != nil {
		t.Fatal(err)
	}
	ib, _ := json.Marshal(in)
	ob, _ := json.Marshal(out)
	if string(ib) != string(ob) {
		t.Fatalf("round trip changed the record:\nin:  %s\nout: %s", ib, ob)
	}
}

func TestGetUnknown(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Get("task-9999"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestUpdateStatusAppendsEvent(t *testing.T) {
	s := newTestStore(t)
	rec, _ := s.Enqueue("s1", "g1", "p", "", task.TypeReadInfo)
	got, err := s.UpdateStatus(rec.TaskID, task.StatusRunning, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != task.StatusRunning {
		t.Fatalf("status: %s", got.Status)
	}
	last := got.Events[len(got.Events)-1]
	if last.Kind != task.EventStatusChanged {
		t.Fatalf("event kind: %s", last.Kind)
	}
	if last.Payload["from"] != "QUEUED" || last.Payload["to"] != "RUNNING" {
		t.Fatalf("payload: %v", last.Payload)
	}
}

func TestTerminalStatusNeverRegresses(t *testing.T) {
	s := newTestStore(t)
	rec, _ := s.Enqueue("s1", "g1", "p", "", task.TypeReadInfo)
	if _, err := s.UpdateStatus(rec.TaskID, task.StatusComplete, "", "done"); err != nil {
		t.Fatal(err)
	}
	for _, next := range []task.Status{task.StatusQueued, task.StatusRunning, task.StatusAwaitingResponse} {
		if _, err := s.UpdateStatus(rec.TaskID, next, "", ""); !errors.Is(err, ErrTerminal) {
			t.Fatalf("COMPLETE -> %s must be refused, got %v", next, err)
		}
	}
	got, _ := s.Get(rec.TaskID)
	if got.Status != task.StatusComplete || got.CompletedAt == nil {
		t.Fatalf("terminal record mutated: %+v", got)
	}
}

func TestUpdatedAtStrictlyMonotonic(t *testing.T) {
	s := newTestStore(t)
	frozen := time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)
	s.now = func() time.Time { return frozen }

	rec, _ := s.Enqueue("s1", "g1", "p", "", task.TypeReadInfo)
	one, err := s.UpdateStatus(rec.TaskID, task.StatusRunning, "", "")
	if err != nil {
		t.Fatal(err)
	}
	two, err := s.UpdateStatus(rec.TaskID, task.StatusAwaitingResponse, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if !two.UpdatedAt.After(one.UpdatedAt) {
		t.Fatalf("updated_at did not advance under a frozen clock: %v vs %v", one.UpdatedAt, two.UpdatedAt)
	}
}

func TestListPreservesEnqueueOrder(t *testing.T) {
	s := newTestStore(t)
	first, _ := s.Enqueue("s1", "g1", "a", "", task.TypeReadInfo)
	second, _ := s.Enqueue("s2", "g1", "b", "", task.TypeReadInfo)
	third, _ := s.Enqueue("s1", "g1", "c", "", task.TypeReport)

	all, err := s.List(Filter{})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{first.TaskID, second.TaskID, third.TaskID}
	wantSessions := []string{"s1", "s2", "s1"}
	if len(all) != 3 {
		t.Fatalf("got %d records", len(all))
	}
	for i, rec := range all {
		if rec.TaskID != want[i] || rec.SessionID != wantSessions[i] {
			t.Fatalf("position %d: %s/%s", i, rec.SessionID, rec.TaskID)
		}
	}

	reports, err := s.List(Filter{Type: task.TypeReport})
	if err != nil {
		t.Fatal(err)
	}
	if len(reports) != 1 || reports[0].Prompt != "c" {
		t.Fatalf("type filter: %+v", reports)
	}
}

func TestNextQueuedSkipsNonQueued(t *testing.T) {
	s := newTestStore(t)
	first, _ := s.Enqueue("s1", "g1", "a", "", task.TypeReadInfo)
	second, _ := s.Enqueue("s1", "g1", "b", "", task.TypeReadInfo)
	if _, err := s.UpdateStatus(first.TaskID, task.StatusComplete, "", "done"); err != nil {
		t.Fatal(err)
	}
	next, ok, err := s.NextQueued()
	if err != nil || !ok {
		t.Fatalf("NextQueued: %v %v", ok, err)
	}
	if next.TaskID != second.TaskID {
		t.Fatalf("got %s, want %s", next.TaskID, second.TaskID)
	}
}

func TestConcurrentEventAppends(t *testing.T) {
	s := newTestStore(t)
	rec, _ := s.Enqueue("s1", "g1", "p", "", task.TypeReadInfo)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.AppendEvent(rec.TaskID, task.ProgressEvent{Kind: task.EventHeartbeat})
		}()
	}
	wg.Wait()

	got, err := s.Get(rec.TaskID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Events) != 20 {
		t.Fatalf("lost events under concurrency: %d/20", len(got.Events))
	}
}

func TestStoreReloadsExistingState(t *testing.T) {
	dir := t.TempDir()
	s1, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	rec, _ := s1.Enqueue("s1", "g1", "persisted", "", task.TypeReadInfo)

	s2, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	got, err := s2.Get(rec.TaskID)
	if err != nil {
		t.Fatalf("reloaded store lost the task: %v", err)
	}
	if got.Prompt != "persisted" {
		t.Fatalf("prompt: %q", got.Prompt)
	}
	if _, err := os.Stat(filepath.Join(dir, "sessions", "s1", "tasks", rec.TaskID+".json")); err != nil {
		t.Fatalf("task file missing: %v", err)
	}
}
