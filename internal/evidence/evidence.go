// Package evidence seals proof of every LLM call attempt on disk. Each call
// produces one envelope under llm/<call_id>.json whose integrity hash covers
// the canonical serialisation of the evidence body, so a later reader can
// detect tampering or corruption before trusting a COMPLETE claim.
package evidence

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/oklog/ulid/v2"

	"github.com/pmrunner/pmrunner/internal/fsatomic"
)

// Message is one entry of the request messages array hashed into
// request_hash.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Evidence is the sealed body of one call attempt. ResponseHash is nil when
// the call failed before producing a response.
type Evidence struct {
	CallID       string  `json:"call_id"`
	Provider     string  `json:"provider"`
	Model        string  `json:"model"`
	RequestHash  string  `json:"request_hash"`
	ResponseHash *string `json:"response_hash"`
	Timestamp    string  `json:"timestamp"`
	DurationMS   int64   `json:"duration_ms"`
	Success      bool    `json:"success"`
	Error        string  `json:"error,omitempty"`
}

// Envelope is the on-disk shape: the evidence body plus its seal.
type Envelope struct {
	Evidence      Evidence `json:"evidence"`
	IntegrityHash string   `json:"integrity_hash"`
}

// ErrIntegrity is returned when a stored integrity hash does not match a
// fresh recomputation.
var ErrIntegrity = errors.New("evidence integrity hash mismatch")

// NewCallID mints a globally unique, filesystem-safe call id.
func NewCallID() string {
	return "call_" + ulid.Make().String()
}

// canonicalJSON serialises v with lexicographically sorted keys. The hashed
// bytes are exactly what this returns; field ordering is therefore stable
// across processes and releases.
func canonicalJSON(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	// encoding/json sorts map keys on marshal.
	return json.Marshal(doc)
}

// RequestHash hashes the ordered messages array as sha256:<hex>.
func RequestHash(messages []Message) (string, error) {
	b, err := canonicalJSON(messages)
	if err != nil {
		return "", fmt.Errorf("canonicalise request: %w", err)
	}
	sum := sha256.Sum256(b)
	return fmt.Sprintf("sha256:%x", sum), nil
}

// ResponseHash hashes response text as sha256:<hex>.
func ResponseHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return fmt.Sprintf("sha256:%x", sum)
}

// IntegrityHash computes the envelope seal over the evidence body.
func IntegrityHash(ev Evidence) (string, error) {
	b, err := canonicalJSON(ev)
	if err != nil {
		return "", fmt.Errorf("canonicalise evidence: %w", err)
	}
	sum := sha256.Sum256(b)
	return fmt.Sprintf("%x", sum), nil
}

// Recorder owns the evidence directory for one namespace.
type Recorder struct {
	dir string // state dir; envelopes live under dir/llm/

	now func() time.Time
}

func NewRecorder(stateDir string) *Recorder {
	return &Recorder{dir: stateDir, now: time.Now}
}

func (r *Recorder) llmDir() string { return filepath.Join(r.dir, "llm") }

func (r *Recorder) pathFor(callID string) string {
	return filepath.Join(r.llmDir(), callID+".json")
}

// WritableCheck verifies the evidence directory can be created and written.
// This is the second half of the Double Execution Gate.
func (r *Recorder) WritableCheck() error {
	if err := os.MkdirAll(r.llmDir(), 0o755); err != nil {
		return fmt.Errorf("evidence directory: %w", err)
	}
	probe := filepath.Join(r.llmDir(), ".write-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("evidence directory not writable: %w", err)
	}
	_ = os.Remove(probe)
	return nil
}

// Record seals and persists one evidence body. The envelope write is atomic;
// a crash never leaves a torn or unsealed file.
func (r *Recorder) Record(ev Evidence) (Envelope, error) {
	if ev.CallID == "" {
		return Envelope{}, fmt.Errorf("evidence requires a call_id")
	}
	if ev.Timestamp == "" {
		ev.Timestamp = r.now().UTC().Format(time.RFC3339Nano)
	}
	hash, err := IntegrityHash(ev)
	if err != nil {
		return Envelope{}, err
	}
	env := Envelope{Evidence: ev, IntegrityHash: hash}
	if err := fsatomic.WriteJSON(r.pathFor(ev.CallID), env); err != nil {
		return Envelope{}, fmt.Errorf("write evidence %s: %w", ev.CallID, err)
	}
	return env, nil
}

// Verify reloads one envelope and recomputes its seal.
func (r *Recorder) Verify(callID string) (Envelope, error) {
	b, err := os.ReadFile(r.pathFor(callID))
	if err != nil {
		return Envelope{}, fmt.Errorf("read evidence %s: %w", callID, err)
	}
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode evidence %s: %w", callID, err)
	}
	fresh, err := IntegrityHash(env.Evidence)
	if err != nil {
		return Envelope{}, err
	}
	if fresh != env.IntegrityHash {
		return Envelope{}, fmt.Errorf("%w: %s", ErrIntegrity, callID)
	}
	return env, nil
}

// List reloads every envelope from disk, skipping malformed files, ordered
// by call id.
func (r *Recorder) List() ([]Envelope, error) {
	fsys := os.DirFS(r.dir)
	matches, err := doublestar.Glob(fsys, "llm/*.json")
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	out := make([]Envelope, 0, len(matches))
	for _, m := range matches {
		b, err := os.ReadFile(filepath.Join(r.dir, m))
		if err != nil {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(b, &env); err != nil {
			continue
		}
		if env.Evidence.CallID == "" {
			continue
		}
		out = append(out, env)
	}
	return out, nil
}

// CanAssertComplete reports whether any sealed evidence proves a successful
// call.
func (r *Recorder) CanAssertComplete() bool {
	envs, err := r.List()
	if err != nil {
		return false
	}
	for _, env := range envs {
		if env.Evidence.Success {
			return true
		}
	}
	return false
}

// VerifiedSuccess reports whether at least one of the given call ids has
// sealed evidence with success=true and a matching integrity hash. This is
// the task-level COMPLETE predicate: the caller passes the call ids made
// under the task's latest run id.
func (r *Recorder) VerifiedSuccess(callIDs ...string) bool {
	for _, id := range callIDs {
		env, err := r.Verify(id)
		if err != nil {
			continue
		}
		if env.Evidence.Success && env.Evidence.ResponseHash != nil {
			return true
		}
	}
	return false
}
