package worker

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ProgressLog appends one JSON object per line to progress.ndjson in the
// namespace state directory. Lines are self-contained; a reader can tail
// the file mid-run.
type ProgressLog struct {
	mu   sync.Mutex
	path string
}

func NewProgressLog(stateDir string) *ProgressLog {
	return &ProgressLog{path: filepath.Join(stateDir, "progress.ndjson")}
}

// Append writes one event line. Failures are returned but callers treat
// them as non-fatal; the queue store remains the source of truth.
func (p *ProgressLog) Append(event map[string]any) error {
	if event == nil {
		event = map[string]any{}
	}
	if _, ok := event["ts"]; !ok {
		event["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	}
	line, err := json.Marshal(event)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	f, err := os.OpenFile(p.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	return f.Sync()
}
