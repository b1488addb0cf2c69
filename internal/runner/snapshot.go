package runner

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pmrunner/pmrunner/internal/queue"
	"github.com/pmrunner/pmrunner/internal/task"
)

// Snapshot summarises one namespace's live state for inspection commands.
type Snapshot struct {
	Namespace string `json:"namespace"`
	StateDir  string `json:"state_dir"`

	Counts map[task.Status]int `json:"counts"`

	Running  []string `json:"running,omitempty"`
	Terminal []string `json:"terminal,omitempty"`

	LastProgress *ProgressLine `json:"last_progress,omitempty"`
	StopRequest  bool          `json:"stop_request"`
	TakenAt      time.Time     `json:"taken_at"`
}

// ProgressLine is the newest progress.ndjson entry, decoded loosely.
type ProgressLine map[string]any

// Snapshot reads the store and the tail of progress.ndjson. It never
// mutates state and tolerates a missing or truncated progress log.
func (r *Runner) Snapshot() (Snapshot, error) {
	all, err := r.store.List(queue.Filter{})
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{
		Namespace: r.ns,
		StateDir:  r.stateDir,
		Counts:    map[task.Status]int{},
		TakenAt:   time.Now().UTC(),
	}
	for _, rec := range all {
		snap.Counts[rec.Status]++
		switch {
		case rec.Status == task.StatusRunning:
			snap.Running = append(snap.Running, rec.TaskID)
		case rec.Status.Terminal():
			snap.Terminal = append(snap.Terminal, rec.TaskID)
		}
	}
	if _, err := os.Stat(filepath.Join(r.stateDir, "stop_request.json")); err == nil {
		snap.StopRequest = true
	}
	snap.LastProgress = lastProgressLine(filepath.Join(r.stateDir, "progress.ndjson"))
	return snap, nil
}

func lastProgressLine(path string) *ProgressLine {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	var last []byte
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		if len(sc.Bytes()) > 0 {
			last = append(last[:0], sc.Bytes()...)
		}
	}
	if len(last) == 0 {
		return nil
	}
	var line ProgressLine
	if err := json.Unmarshal(last, &line); err != nil {
		// A torn final line is expected after a crash mid-append.
		return nil
	}
	return &line
}
