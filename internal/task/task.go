// Package task defines the core task record and its lifecycle vocabulary:
// statuses, task types, run identifiers, and progress events.
package task

import (
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusQueued           Status = "QUEUED"
	StatusRunning          Status = "RUNNING"
	StatusAwaitingResponse Status = "AWAITING_RESPONSE"
	StatusComplete         Status = "COMPLETE"
	StatusIncomplete       Status = "INCOMPLETE"
	StatusError            Status = "ERROR"
	StatusCancelled        Status = "CANCELLED"
	StatusBlocked          Status = "BLOCKED"
)

func ParseStatus(s string) (Status, error) {
	switch Status(strings.ToUpper(strings.TrimSpace(s))) {
	case StatusQueued:
		return StatusQueued, nil
	case StatusRunning:
		return StatusRunning, nil
	case StatusAwaitingResponse:
		return StatusAwaitingResponse, nil
	case StatusComplete:
		return StatusComplete, nil
	case StatusIncomplete:
		return StatusIncomplete, nil
	case StatusError:
		return StatusError, nil
	case StatusCancelled:
		return StatusCancelled, nil
	case StatusBlocked:
		return StatusBlocked, nil
	default:
		return "", fmt.Errorf("invalid task status: %q", s)
	}
}

// Terminal reports whether a status may never transition again.
// BLOCKED and AWAITING_RESPONSE are resting states, not terminal ones:
// both wait for an explicit user decision.
func (s Status) Terminal() bool {
	switch s {
	case StatusComplete, StatusIncomplete, StatusError, StatusCancelled:
		return true
	default:
		return false
	}
}

type Type string

const (
	TypeReadInfo       Type = "READ_INFO"
	TypeReport         Type = "REPORT"
	TypeLightEdit      Type = "LIGHT_EDIT"
	TypeImplementation Type = "IMPLEMENTATION"
	TypeReviewResponse Type = "REVIEW_RESPONSE"
	TypeConfigCIChange Type = "CONFIG_CI_CHANGE"
	TypeDangerousOp    Type = "DANGEROUS_OP"
)

func ParseType(s string) (Type, error) {
	switch Type(strings.ToUpper(strings.TrimSpace(s))) {
	case TypeReadInfo:
		return TypeReadInfo, nil
	case TypeReport:
		return TypeReport, nil
	case TypeLightEdit:
		return TypeLightEdit, nil
	case TypeImplementation:
		return TypeImplementation, nil
	case TypeReviewResponse:
		return TypeReviewResponse, nil
	case TypeConfigCIChange:
		return TypeConfigCIChange, nil
	case TypeDangerousOp:
		return TypeDangerousOp, nil
	default:
		return "", fmt.Errorf("invalid task type: %q", s)
	}
}

type EventKind string

const (
	EventHeartbeat     EventKind = "heartbeat"
	EventToolProgress  EventKind = "tool_progress"
	EventLogChunk      EventKind = "log_chunk"
	EventStatusChanged EventKind = "status_changed"
)

// ProgressEvent is one entry in a task's ordered event history.
type ProgressEvent struct {
	Kind      EventKind      `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Record is the durable state of one submitted task. The queue store owns
// every Record; other components work on copies.
type Record struct {
	TaskID       string `json:"task_id"`
	SessionID    string `json:"session_id"`
	ThreadID     string `json:"thread_id,omitempty"`
	RunID        string `json:"run_id"`
	ParentTaskID string `json:"parent_task_id,omitempty"`
	GroupID      string `json:"group_id,omitempty"`

	Type   Type   `json:"task_type"`
	Prompt string `json:"prompt"`
	Status Status `json:"status"`

	Output        string   `json:"output,omitempty"`
	Error         string   `json:"error,omitempty"`
	BlockedReason string   `json:"blocked_reason,omitempty"`
	TerminatedBy  string   `json:"terminated_by,omitempty"`
	FilesModified []string `json:"files_modified,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Events   []ProgressEvent `json:"progress_events"`
	Attempts int             `json:"attempts"`
}

// Clone returns a deep copy so callers never alias store-owned state.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.FilesModified = append([]string(nil), r.FilesModified...)
	out.Events = make([]ProgressEvent, len(r.Events))
	copy(out.Events, r.Events)
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

// LastEventAt returns the newest event timestamp, falling back to UpdatedAt.
func (r *Record) LastEventAt() time.Time {
	if r == nil {
		return time.Time{}
	}
	if n := len(r.Events); n > 0 {
		return r.Events[n-1].Timestamp
	}
	return r.UpdatedAt
}
